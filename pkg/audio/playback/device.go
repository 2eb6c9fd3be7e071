package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/hashicorp/go-multierror"

	"github.com/MrWong99/linguaflow/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.OutputDevice = (*Device)(nil)

// defaultDeviceBuffer is the oto driver buffer. Smaller values lower
// interruption latency at the cost of underrun risk.
const defaultDeviceBuffer = 80 * time.Millisecond

// oto allows a single context per process. It is created on first use at
// the first device's rate and suspended, not destroyed, when the owning
// output closes.
var speaker = &sharedContext{newContext: oto.NewContext}

type sharedContext struct {
	newContext func(*oto.NewContextOptions) (*oto.Context, chan struct{}, error)

	once  sync.Once
	ctx   *oto.Context
	ready chan struct{}
	err   error
	rate  int
}

// get returns the process context, creating it on the first call. A later
// request for a different rate fails: the driver cannot be reopened.
func (c *sharedContext) get(rate int, buf time.Duration) (*oto.Context, chan struct{}, error) {
	c.once.Do(func() {
		c.rate = rate
		c.ctx, c.ready, c.err = c.newContext(&oto.NewContextOptions{
			SampleRate:   rate,
			ChannelCount: 1,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   buf,
		})
	})
	if c.err != nil {
		return nil, nil, fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, c.err)
	}
	if rate != c.rate {
		return nil, nil, fmt.Errorf("%w: speaker already running at %d Hz, cannot open at %d Hz",
			audio.ErrDeviceUnavailable, c.rate, rate)
	}
	return c.ctx, c.ready, nil
}

// Device is an [audio.OutputDevice] for the system speaker. Each opened
// output mixes its voices on a [Timeline] that the oto player pulls from.
type Device struct {
	// SampleRate of the output stream. Defaults to [audio.OutputSampleRate].
	SampleRate int

	// BufferSize is the driver buffer length. Defaults to 80 ms.
	BufferSize time.Duration
}

// Open implements [audio.OutputDevice]. It returns an error wrapping
// [audio.ErrDeviceUnavailable] if the audio driver cannot be initialised.
func (d *Device) Open(ctx context.Context) (audio.Output, error) {
	rate := d.SampleRate
	if rate <= 0 {
		rate = audio.OutputSampleRate
	}
	buf := d.BufferSize
	if buf <= 0 {
		buf = defaultDeviceBuffer
	}

	otoCtx, ready, err := speaker.get(rate, buf)
	if err != nil {
		return nil, fmt.Errorf("playback: open device: %w", err)
	}

	select {
	case <-ready:
	case <-ctx.Done():
		return nil, fmt.Errorf("playback: open device: %w", ctx.Err())
	}

	if err := otoCtx.Resume(); err != nil {
		return nil, fmt.Errorf("playback: resume device: %w: %v", audio.ErrDeviceUnavailable, err)
	}

	tl := NewTimeline(rate)
	player := otoCtx.NewPlayer(tl)
	player.Play()

	slog.Debug("playback device opened", "sample_rate", rate, "buffer", buf)
	return &deviceOutput{Timeline: tl, ctx: otoCtx, player: player}, nil
}

// deviceOutput couples a Timeline with the oto player draining it.
type deviceOutput struct {
	*Timeline
	ctx       *oto.Context
	player    *oto.Player
	closeOnce sync.Once
	closeErr  error
}

// Close stops every voice, closes the player and suspends the shared
// context. Each step runs even if an earlier one fails.
func (o *deviceOutput) Close() error {
	o.closeOnce.Do(func() {
		var result *multierror.Error
		if err := o.Timeline.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := o.player.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close player: %w", err))
		}
		if err := o.ctx.Suspend(); err != nil {
			result = multierror.Append(result, fmt.Errorf("suspend device: %w", err))
		}
		o.closeErr = result.ErrorOrNil()
	})
	return o.closeErr
}
