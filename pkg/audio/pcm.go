package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"mime"
	"strconv"
)

// ErrMalformedAudio is returned by [DecodeSegment] when an inbound chunk
// cannot be decoded into PCM samples.
var ErrMalformedAudio = errors.New("audio: malformed pcm payload")

// PCMMIMEType returns the MIME descriptor for 16-bit PCM at rate, e.g.
// "audio/pcm;rate=16000".
func PCMMIMEType(rate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(rate)
}

// ParsePCMRate extracts the rate parameter from a PCM MIME descriptor.
// It returns an error if mimeType is not audio/pcm or has no valid rate.
func ParsePCMRate(mimeType string) (int, error) {
	mediaType, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return 0, fmt.Errorf("audio: parse mime %q: %w", mimeType, err)
	}
	if mediaType != "audio/pcm" {
		return 0, fmt.Errorf("audio: unsupported media type %q", mediaType)
	}
	rate, err := strconv.Atoi(params["rate"])
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("audio: invalid rate in %q", mimeType)
	}
	return rate, nil
}

// EncodeFrame converts one captured frame into a wire-ready [Packet].
//
// Samples are clamped to [-1, 1] and scaled to int16 (×32767 for positive,
// ×32768 for negative values), written little-endian and base64 encoded.
// NaN samples encode as silence. EncodeFrame never fails.
func EncodeFrame(f Frame) Packet {
	pcm := make([]byte, len(f.Samples)*2)
	for i, s := range f.Samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(floatToPCM16(s)))
	}
	rate := f.SampleRate
	if rate <= 0 {
		rate = InputSampleRate
	}
	return Packet{
		MIMEType: PCMMIMEType(rate),
		Data:     base64.StdEncoding.EncodeToString(pcm),
	}
}

func floatToPCM16(s float32) int16 {
	switch {
	case s != s: // NaN
		return 0
	case s >= 1:
		return math.MaxInt16
	case s <= -1:
		return math.MinInt16
	case s < 0:
		return int16(s * 32768)
	default:
		return int16(s * 32767)
	}
}

// DecodeSegment decodes a base64 s16le PCM chunk received from the remote
// endpoint into a [Segment] at the given sample rate.
//
// It returns an error wrapping [ErrMalformedAudio] when data is not valid
// base64, is empty, or has an odd byte count.
func DecodeSegment(data string, rate int) (*Segment, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAudio, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedAudio)
	}
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte count %d", ErrMalformedAudio, len(raw))
	}
	if rate <= 0 {
		rate = OutputSampleRate
	}
	return &Segment{
		Samples:    BytesToPCM16(raw),
		SampleRate: rate,
	}, nil
}

// BytesToPCM16 reinterprets little-endian bytes as int16 samples. A trailing
// odd byte is ignored.
func BytesToPCM16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// PCM16ToBytes writes int16 samples as little-endian bytes.
func PCM16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
