package audio

import (
	"context"
	"errors"
	"time"
)

// ErrDeviceUnavailable is returned when a capture or playback device cannot
// be opened, for example because microphone permission was denied or no
// default device exists.
var ErrDeviceUnavailable = errors.New("audio: device unavailable")

// ─── Capture ──────────────────────────────────────────────────────────────────

// CaptureDevice opens microphone streams.
type CaptureDevice interface {
	// Open acquires the device and starts delivering frames. Implementations
	// return an error wrapping [ErrDeviceUnavailable] when the device cannot
	// be acquired.
	Open(ctx context.Context) (CaptureStream, error)
}

// CaptureStream is an open microphone. Nothing is captured until Start;
// from then on frames are delivered in capture order on the channel returned
// by Frames, which is closed after Close or after a device failure.
type CaptureStream interface {
	// Start begins capturing. Calls after the first are no-ops.
	Start() error

	// Frames returns the frame channel. The same channel is returned on every
	// call.
	Frames() <-chan Frame

	// Err returns the error that ended the stream, or nil after a clean Close.
	Err() error

	// Close stops capture and releases the device. Close is idempotent.
	Close() error
}

// ─── Playback ─────────────────────────────────────────────────────────────────

// OutputDevice opens playback sinks.
type OutputDevice interface {
	// Open acquires the device. Implementations return an error wrapping
	// [ErrDeviceUnavailable] when the device cannot be acquired.
	Open(ctx context.Context) (Output, error)
}

// Output is an open playback sink with its own monotonically increasing
// clock. Segments are started at absolute positions on that clock, which is
// what makes gapless scheduling possible.
type Output interface {
	// Now returns the current position of the output clock.
	Now() time.Duration

	// Play starts seg at clock position at. If at is in the past, playback
	// starts immediately. onEnd is invoked exactly once when the segment
	// finishes or is stopped; it is never invoked synchronously from Play or
	// from [Voice.Stop].
	Play(seg *Segment, at time.Duration, onEnd func()) (Voice, error)

	// Close stops all voices and releases the device. Close is idempotent.
	Close() error
}

// Voice is a handle to one playing or pending segment.
type Voice interface {
	// Stop silences the voice immediately. Stopping an ended voice is a no-op.
	Stop()
}
