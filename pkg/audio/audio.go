// Package audio defines the audio units that flow through the LinguaFlow
// realtime pipeline and the pure transforms between them.
//
// The pipeline has two directions:
//
//   - Outbound: the microphone produces [Frame] values (float32 samples at
//     16 kHz). [EncodeFrame] turns each frame into a wire-ready [Packet]
//     (base64 s16le PCM plus a MIME descriptor).
//   - Inbound: the remote model streams base64 PCM chunks at 24 kHz.
//     [DecodeSegment] turns each chunk into a [Segment] with a known
//     duration, ready for the playback scheduler.
//
// Capture and playback devices live in the capture and playback
// subpackages. This package has no device dependencies so it can be used
// from tests and headless tools alike.
package audio

import "time"

const (
	// InputSampleRate is the capture rate expected by the remote endpoint.
	InputSampleRate = 16000

	// OutputSampleRate is the rate of synthesised speech returned by the
	// remote endpoint.
	OutputSampleRate = 24000

	// DefaultFrameSize is the number of samples per captured frame
	// (~256 ms at 16 kHz).
	DefaultFrameSize = 4096
)

// Frame is a fixed-size window of mono samples captured from the microphone.
// Frames are ephemeral: the capture source produces them and the encoder
// consumes them immediately.
type Frame struct {
	// Samples holds mono float32 samples, nominally in the range [-1, 1].
	Samples []float32

	// SampleRate in Hz (16000 for the default capture configuration).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	return samplesDuration(len(f.Samples), f.SampleRate)
}

// Packet is the encoded form of one [Frame], tagged as streaming input media.
// Packets are sent once, in capture order, without acknowledgement.
type Packet struct {
	// MIMEType describes the encoding, e.g. "audio/pcm;rate=16000".
	MIMEType string

	// Data is the base64 (standard alphabet) encoding of s16le PCM.
	Data string
}

// Segment is one decoded chunk of remote speech audio. The playback
// scheduler owns a Segment from the moment it is scheduled until it ends or
// is stopped.
type Segment struct {
	// Samples holds mono signed 16-bit PCM samples.
	Samples []int16

	// SampleRate in Hz (24000 for the remote speech model).
	SampleRate int
}

// Duration returns the playback length of the segment.
func (s *Segment) Duration() time.Duration {
	if s == nil {
		return 0
	}
	return samplesDuration(len(s.Samples), s.SampleRate)
}

func samplesDuration(n, rate int) time.Duration {
	if rate <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}
