package playback

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/linguaflow/pkg/audio"
)

var errOutputClosed = errors.New("playback: output closed")

// Compile-time interface assertions.
var (
	_ audio.Output = (*Timeline)(nil)
	_ io.Reader    = (*Timeline)(nil)
)

// Timeline is a sample-accurate software mixer and the clock behind [Device].
//
// Voices are placed at absolute sample positions. Read renders the next
// window of the timeline as s16le mono PCM; the number of samples rendered so
// far is the output clock. Gaps between voices render as silence and
// overlapping voices are summed with saturation.
//
// A Timeline is an [io.Reader] so it can be handed directly to a device
// player that pulls audio.
type Timeline struct {
	rate int

	mu     sync.Mutex
	pos    int64 // samples rendered
	voices []*timelineVoice
	closed bool
	mixBuf []int32
}

// NewTimeline returns an empty Timeline rendering at rate Hz.
func NewTimeline(rate int) *Timeline {
	if rate <= 0 {
		rate = audio.OutputSampleRate
	}
	return &Timeline{rate: rate}
}

// Now implements [audio.Output]. It returns the duration of audio rendered so
// far.
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.samplesToDuration(t.pos)
}

// Play implements [audio.Output]. Segments at a different sample rate are
// resampled to the timeline rate. A start position that has already been
// rendered is moved to the current position.
func (t *Timeline) Play(seg *audio.Segment, at time.Duration, onEnd func()) (audio.Voice, error) {
	if seg == nil || len(seg.Samples) == 0 {
		return nil, fmt.Errorf("playback: play: %w", audio.ErrMalformedAudio)
	}
	samples := seg.Samples
	if seg.SampleRate > 0 && seg.SampleRate != t.rate {
		samples = audio.BytesToPCM16(audio.ResampleMono16(audio.PCM16ToBytes(samples), seg.SampleRate, t.rate))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errOutputClosed
	}

	start := max(t.durationToSamples(at), t.pos)
	v := &timelineVoice{
		tl:      t,
		start:   start,
		samples: samples,
		onEnd:   onEnd,
	}
	t.voices = append(t.voices, v)
	return v, nil
}

// Read renders the next len(p)/2 samples of the timeline into p. It returns
// [io.EOF] once the timeline is closed.
func (t *Timeline) Read(p []byte) (int, error) {
	n := len(p) / 2
	if n == 0 {
		return 0, nil
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, io.EOF
	}
	if cap(t.mixBuf) < n {
		t.mixBuf = make([]int32, n)
	}
	mix := t.mixBuf[:n]
	clear(mix)

	from, to := t.pos, t.pos+int64(n)
	var finished []func()
	kept := t.voices[:0]
	for _, v := range t.voices {
		end := v.start + int64(len(v.samples))
		lo, hi := max(v.start, from), min(end, to)
		for i := lo; i < hi; i++ {
			mix[i-from] += int32(v.samples[i-v.start])
		}
		if end <= to {
			v.done = true
			if v.onEnd != nil {
				finished = append(finished, v.onEnd)
			}
			continue
		}
		kept = append(kept, v)
	}
	clear(t.voices[len(kept):])
	t.voices = kept
	t.pos = to

	for i, s := range mix {
		s = min(max(s, math.MinInt16), math.MaxInt16)
		p[i*2] = byte(s)
		p[i*2+1] = byte(s >> 8)
	}
	t.mu.Unlock()

	for _, fn := range finished {
		fn()
	}
	return n * 2, nil
}

// Close implements [audio.Output]. Pending voices are stopped and their
// completion callbacks fire asynchronously.
func (t *Timeline) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	voices := t.voices
	t.voices = nil
	for _, v := range voices {
		v.done = true
	}
	t.mu.Unlock()

	for _, v := range voices {
		if v.onEnd != nil {
			go v.onEnd()
		}
	}
	return nil
}

func (t *Timeline) stop(v *timelineVoice) {
	t.mu.Lock()
	if v.done {
		t.mu.Unlock()
		return
	}
	v.done = true
	for i, other := range t.voices {
		if other == v {
			t.voices = append(t.voices[:i], t.voices[i+1:]...)
			break
		}
	}
	t.mu.Unlock()

	if v.onEnd != nil {
		go v.onEnd()
	}
}

func (t *Timeline) samplesToDuration(n int64) time.Duration {
	return time.Duration(n * int64(time.Second) / int64(t.rate))
}

// durationToSamples rounds to the nearest sample. Durations are whole
// nanoseconds, so a position built by summing segment durations sits just
// below the true sample boundary; flooring it would start the next segment
// one sample early.
func (t *Timeline) durationToSamples(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return (int64(d)*int64(t.rate) + int64(time.Second)/2) / int64(time.Second)
}

type timelineVoice struct {
	tl      *Timeline
	start   int64
	samples []int16
	onEnd   func()
	done    bool // guarded by tl.mu
}

// Stop implements [audio.Voice].
func (v *timelineVoice) Stop() { v.tl.stop(v) }
