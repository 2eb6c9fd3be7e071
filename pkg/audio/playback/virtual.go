package playback

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/MrWong99/linguaflow/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Output       = (*VirtualOutput)(nil)
	_ audio.OutputDevice = (*VirtualDevice)(nil)
)

// VirtualOutput is an [audio.Output] that renders nothing. Its clock is
// driven by a [clock.Clock], and segments "end" when that clock passes their
// scheduled end. Pair it with [clock.NewMock] for deterministic tests.
type VirtualOutput struct {
	clk   clock.Clock
	epoch time.Time

	mu     sync.Mutex
	voices map[*virtualVoice]struct{}
	closed bool
}

// NewVirtualOutput returns a VirtualOutput whose clock starts at zero now.
// A nil clk uses the wall clock.
func NewVirtualOutput(clk clock.Clock) *VirtualOutput {
	if clk == nil {
		clk = clock.New()
	}
	return &VirtualOutput{
		clk:    clk,
		epoch:  clk.Now(),
		voices: make(map[*virtualVoice]struct{}),
	}
}

// Now implements [audio.Output].
func (o *VirtualOutput) Now() time.Duration {
	return o.clk.Since(o.epoch)
}

// Play implements [audio.Output]. onEnd fires on a separate goroutine once
// the output clock reaches at + seg.Duration().
func (o *VirtualOutput) Play(seg *audio.Segment, at time.Duration, onEnd func()) (audio.Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, errOutputClosed
	}

	v := &virtualVoice{out: o, onEnd: onEnd}
	delay := max(at-o.Now(), 0) + seg.Duration()
	v.timer = o.clk.AfterFunc(delay, v.end)
	o.voices[v] = struct{}{}
	return v, nil
}

// Close implements [audio.Output]. Pending voices are stopped.
func (o *VirtualOutput) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	voices := make([]*virtualVoice, 0, len(o.voices))
	for v := range o.voices {
		voices = append(voices, v)
	}
	o.mu.Unlock()

	for _, v := range voices {
		v.Stop()
	}
	return nil
}

func (o *VirtualOutput) remove(v *virtualVoice) {
	o.mu.Lock()
	delete(o.voices, v)
	o.mu.Unlock()
}

type virtualVoice struct {
	out   *VirtualOutput
	timer *clock.Timer
	onEnd func()
	once  sync.Once
}

func (v *virtualVoice) end() {
	v.once.Do(func() {
		v.out.remove(v)
		if v.onEnd != nil {
			v.onEnd()
		}
	})
}

// Stop implements [audio.Voice].
func (v *virtualVoice) Stop() {
	if v.timer.Stop() {
		go v.end()
	}
}

// VirtualDevice opens [VirtualOutput] sinks sharing one clock.
type VirtualDevice struct {
	Clock clock.Clock
}

// Open implements [audio.OutputDevice].
func (d *VirtualDevice) Open(context.Context) (audio.Output, error) {
	return NewVirtualOutput(d.Clock), nil
}
