// Package capture turns the default microphone into a stream of
// [audio.Frame] values using PortAudio.
//
// Backpressure: frames are handed to the consumer through a channel with a
// single slot. When the consumer falls behind, the capture goroutine blocks
// on the send and PortAudio reports an input overflow on the next read; the
// overflow is logged and the frame that triggered it is still delivered.
// Frames are never buffered beyond one.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/hashicorp/go-multierror"

	"github.com/MrWong99/linguaflow/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.CaptureDevice = (*Microphone)(nil)
	_ audio.CaptureStream = (*stream)(nil)
)

// Microphone is an [audio.CaptureDevice] for the system default input.
type Microphone struct {
	// SampleRate in Hz. Defaults to [audio.InputSampleRate].
	SampleRate int

	// FrameSize is the number of samples per frame. Defaults to
	// [audio.DefaultFrameSize].
	FrameSize int
}

// Open implements [audio.CaptureDevice]. It initialises PortAudio and opens a
// mono input stream on the default device; capturing begins on
// [audio.CaptureStream.Start]. Failures are
// returned wrapping [audio.ErrDeviceUnavailable]; any partially acquired
// resources are released before returning.
func (m *Microphone) Open(ctx context.Context) (audio.CaptureStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("capture: open: %w", err)
	}

	rate := m.SampleRate
	if rate <= 0 {
		rate = audio.InputSampleRate
	}
	size := m.FrameSize
	if size <= 0 {
		size = audio.DefaultFrameSize
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("capture: initialise portaudio: %w: %v", audio.ErrDeviceUnavailable, err)
	}

	buf := make([]float32, size)
	pa, err := portaudio.OpenDefaultStream(1, 0, float64(rate), size, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("capture: open default input: %w: %v", audio.ErrDeviceUnavailable, err)
	}

	slog.Info("capture: microphone opened", "sample_rate", rate, "frame_size", size)
	return &stream{
		pa:     pa,
		buf:    buf,
		rate:   rate,
		frames: make(chan audio.Frame, 1),
		done:   make(chan struct{}),
	}, nil
}

// stream is an open PortAudio input.
type stream struct {
	pa   *portaudio.Stream
	buf  []float32
	rate int

	frames chan audio.Frame
	done   chan struct{}
	wg     sync.WaitGroup

	// startMu orders Start against Close.
	startMu sync.Mutex
	started bool
	closing bool

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
	closeErr  error
}

func (s *stream) Frames() <-chan audio.Frame { return s.frames }

// Start starts the PortAudio stream and the read goroutine.
func (s *stream) Start() error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return nil
	}
	if s.closing {
		return fmt.Errorf("capture: start: %w: stream closed", audio.ErrDeviceUnavailable)
	}
	if err := s.pa.Start(); err != nil {
		return fmt.Errorf("capture: start input: %w: %v", audio.ErrDeviceUnavailable, err)
	}
	s.started = true
	s.wg.Add(1)
	go s.readLoop()
	return nil
}

func (s *stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *stream) readLoop() {
	defer s.wg.Done()
	defer close(s.frames)

	var captured time.Duration
	for {
		err := s.pa.Read()
		select {
		case <-s.done:
			return
		default:
		}
		if err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				slog.Warn("capture: input overflowed, consumer is behind")
			} else {
				s.errMu.Lock()
				s.err = fmt.Errorf("capture: read: %w", err)
				s.errMu.Unlock()
				slog.Error("capture: read failed", "err", err)
				return
			}
		}

		samples := make([]float32, len(s.buf))
		copy(samples, s.buf)
		f := audio.Frame{
			Samples:    samples,
			SampleRate: s.rate,
			Timestamp:  captured,
		}
		captured += f.Duration()

		select {
		case s.frames <- f:
		case <-s.done:
			return
		}
	}
}

// Close stops capture, waits for the read goroutine and releases PortAudio.
// Every release step runs even if an earlier one fails.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.startMu.Lock()
		s.closing = true
		started := s.started
		s.startMu.Unlock()
		close(s.done)

		var result *multierror.Error
		if started {
			if err := s.pa.Abort(); err != nil {
				result = multierror.Append(result, fmt.Errorf("capture: abort: %w", err))
			}
			s.wg.Wait()
		} else {
			close(s.frames)
		}
		if err := s.pa.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("capture: close stream: %w", err))
		}
		if err := portaudio.Terminate(); err != nil {
			result = multierror.Append(result, fmt.Errorf("capture: terminate: %w", err))
		}
		s.closeErr = result.ErrorOrNil()
	})
	return s.closeErr
}
