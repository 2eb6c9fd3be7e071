// Package mock provides in-memory mock implementations of the
// [audio.CaptureDevice], [audio.CaptureStream], [audio.OutputDevice] and
// [audio.Output] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewCaptureStream()
//	mic := &mock.CaptureDevice{OpenResult: stream}
//	speaker := &mock.OutputDevice{}
//	// ... start a session with mic and speaker ...
//	stream.Push(audio.Frame{Samples: make([]float32, 4096), SampleRate: 16000})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/linguaflow/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.CaptureDevice = (*CaptureDevice)(nil)
	_ audio.CaptureStream = (*CaptureStream)(nil)
	_ audio.OutputDevice  = (*OutputDevice)(nil)
	_ audio.Output        = (*Output)(nil)
)

// ─── CaptureStream ────────────────────────────────────────────────────────────

// CaptureStream is a mock implementation of [audio.CaptureStream]. Frames are
// injected with [CaptureStream.Push]; a device failure is simulated with
// [CaptureStream.Fail]. Like a real microphone it captures nothing before
// Start.
type CaptureStream struct {
	mu      sync.Mutex
	frames  chan audio.Frame
	err     error
	closed  bool
	started bool

	// StartError is returned by [CaptureStream.Start] when non-nil.
	StartError error

	// CloseError is returned by [CaptureStream.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewCaptureStream returns an open CaptureStream with a small frame buffer.
func NewCaptureStream() *CaptureStream {
	return &CaptureStream{frames: make(chan audio.Frame, 16)}
}

// Frames implements [audio.CaptureStream].
func (s *CaptureStream) Frames() <-chan audio.Frame { return s.frames }

// Err implements [audio.CaptureStream].
func (s *CaptureStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Start implements [audio.CaptureStream].
func (s *CaptureStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StartError != nil {
		return s.StartError
	}
	s.started = true
	return nil
}

// Started reports whether Start succeeded.
func (s *CaptureStream) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Push delivers f to the consumer. It reports false, dropping f, if the
// stream is not started or is closed.
func (s *CaptureStream) Push(f audio.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.closed {
		return false
	}
	s.frames <- f
	return true
}

// Fail ends the stream with err, as a device failure would.
func (s *CaptureStream) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.frames)
}

// Close implements [audio.CaptureStream]. Every call is counted; only the
// first closes the frame channel.
func (s *CaptureStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return s.CloseError
}

// Closes returns the number of Close calls.
func (s *CaptureStream) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}

// ─── CaptureDevice ────────────────────────────────────────────────────────────

// CaptureDevice is a mock implementation of [audio.CaptureDevice].
type CaptureDevice struct {
	mu sync.Mutex

	// OpenResult is returned by Open. When nil, a fresh [CaptureStream] is
	// created per call and appended to Streams.
	OpenResult audio.CaptureStream

	// OpenError is returned by Open when non-nil.
	OpenError error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// Streams holds the streams created when OpenResult is nil.
	Streams []*CaptureStream
}

// Open implements [audio.CaptureDevice].
func (d *CaptureDevice) Open(context.Context) (audio.CaptureStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpen++
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	if d.OpenResult != nil {
		return d.OpenResult, nil
	}
	s := NewCaptureStream()
	d.Streams = append(d.Streams, s)
	return s, nil
}

// Stream returns the i-th stream created by Open.
func (d *CaptureDevice) Stream(i int) *CaptureStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Streams[i]
}

// Opens returns the number of Open calls.
func (d *CaptureDevice) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CallCountOpen
}

// ─── Output ───────────────────────────────────────────────────────────────────

// PlayCall records the arguments of a single [Output.Play] invocation.
type PlayCall struct {
	// Segment is the segment passed to Play.
	Segment *audio.Segment
	// At is the requested start position.
	At time.Duration
}

// Output is a mock implementation of [audio.Output]. Its clock only moves
// when the test calls [Output.SetNow]. Voices end when the test calls
// [Output.EndAll] or when they are stopped.
type Output struct {
	mu     sync.Mutex
	now    time.Duration
	voices []*Voice

	// PlayError is returned by Play when non-nil.
	PlayError error

	// PlayCalls records all Play invocations.
	PlayCalls []PlayCall

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Voice is the [audio.Voice] returned by [Output.Play].
type Voice struct {
	mu      sync.Mutex
	onEnd   func()
	ended   bool
	stopped bool
}

// Stop implements [audio.Voice]. onEnd fires asynchronously.
func (v *Voice) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ended {
		return
	}
	v.ended = true
	v.stopped = true
	if v.onEnd != nil {
		go v.onEnd()
	}
}

// Stopped reports whether Stop ended this voice.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

func (v *Voice) end() {
	v.mu.Lock()
	if v.ended {
		v.mu.Unlock()
		return
	}
	v.ended = true
	v.mu.Unlock()
	if v.onEnd != nil {
		v.onEnd()
	}
}

// Now implements [audio.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// SetNow moves the output clock to d.
func (o *Output) SetNow(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = d
}

// Play implements [audio.Output]. Records the call and returns PlayError.
func (o *Output) Play(seg *audio.Segment, at time.Duration, onEnd func()) (audio.Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.PlayCalls = append(o.PlayCalls, PlayCall{Segment: seg, At: at})
	if o.PlayError != nil {
		return nil, o.PlayError
	}
	v := &Voice{onEnd: onEnd}
	o.voices = append(o.voices, v)
	return v, nil
}

// Plays returns a copy of the recorded Play calls.
func (o *Output) Plays() []PlayCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]PlayCall(nil), o.PlayCalls...)
}

// Voices returns every voice created so far.
func (o *Output) Voices() []*Voice {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Voice(nil), o.voices...)
}

// EndAll completes every voice that has not ended, calling onEnd on the
// caller's goroutine.
func (o *Output) EndAll() {
	for _, v := range o.Voices() {
		v.end()
	}
}

// Close implements [audio.Output]. Every call is counted.
func (o *Output) Close() error {
	o.mu.Lock()
	o.CallCountClose++
	voices := append([]*Voice(nil), o.voices...)
	o.mu.Unlock()
	for _, v := range voices {
		v.Stop()
	}
	return nil
}

// Closes returns the number of Close calls.
func (o *Output) Closes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.CallCountClose
}

// ─── OutputDevice ─────────────────────────────────────────────────────────────

// OutputDevice is a mock implementation of [audio.OutputDevice].
type OutputDevice struct {
	mu sync.Mutex

	// OpenError is returned by Open when non-nil.
	OpenError error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// Outputs holds every output created by Open, in order.
	Outputs []*Output
}

// Open implements [audio.OutputDevice]. A fresh [Output] is created per call.
func (d *OutputDevice) Open(context.Context) (audio.Output, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpen++
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	o := &Output{}
	d.Outputs = append(d.Outputs, o)
	return o, nil
}

// Output returns the i-th output created by Open.
func (d *OutputDevice) Output(i int) *Output {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Outputs[i]
}

// Opens returns the number of Open calls.
func (d *OutputDevice) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CallCountOpen
}
