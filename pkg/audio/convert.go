package audio

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
)

// PacketResampler converts encoded capture packets to a different PCM rate.
// Providers whose endpoint expects a rate other than [InputSampleRate] use it
// to adapt outbound packets. It logs once on the first conversion.
// Create one per connection; not designed for shared use across goroutines.
type PacketResampler struct {
	TargetRate int
	warnOnce   sync.Once
}

// Resample returns pcm (s16le) for pkt at the target rate. Packets already at
// the target rate are decoded without conversion.
func (r *PacketResampler) Resample(pkt Packet) ([]byte, error) {
	srcRate, err := ParsePCMRate(pkt.MIMEType)
	if err != nil {
		return nil, err
	}
	pcm, err := base64.StdEncoding.DecodeString(pkt.Data)
	if err != nil {
		return nil, fmt.Errorf("audio: decode packet: %w", err)
	}
	if srcRate == r.TargetRate {
		return pcm, nil
	}
	r.warnOnce.Do(func() {
		slog.Info("audio packet resampler: converting capture rate",
			"from", srcRate,
			"to", r.TargetRate,
		)
	})
	return ResampleMono16(pcm, srcRate, r.TargetRate), nil
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}
