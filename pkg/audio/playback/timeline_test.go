package playback_test

import (
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/MrWong99/linguaflow/pkg/audio"
	"github.com/MrWong99/linguaflow/pkg/audio/playback"
)

func constSegment(n int, v int16, rate int) *audio.Segment {
	s := make([]int16, n)
	for i := range s {
		s[i] = v
	}
	return &audio.Segment{Samples: s, SampleRate: rate}
}

func readSamples(t *testing.T, r io.Reader, n int) []int16 {
	t.Helper()
	buf := make([]byte, n*2)
	got, err := r.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != len(buf) {
		t.Fatalf("Read = %d bytes, want %d", got, len(buf))
	}
	return audio.BytesToPCM16(buf)
}

func TestTimeline_RendersAtScheduledPositions(t *testing.T) {
	t.Parallel()

	// 1 kHz keeps the sample arithmetic readable: 1 sample == 1 ms.
	tl := playback.NewTimeline(1000)

	var ended atomic.Int32
	if _, err := tl.Play(constSegment(2, 100, 1000), 0, func() { ended.Add(1) }); err != nil {
		t.Fatal(err)
	}
	if _, err := tl.Play(constSegment(2, 200, 1000), 4*time.Millisecond, func() { ended.Add(1) }); err != nil {
		t.Fatal(err)
	}

	got := readSamples(t, tl, 8)
	want := []int16{100, 100, 0, 0, 200, 200, 0, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
	if ended.Load() != 2 {
		t.Errorf("ended = %d, want 2", ended.Load())
	}
	if tl.Now() != 8*time.Millisecond {
		t.Errorf("Now = %v, want 8ms", tl.Now())
	}
}

func TestTimeline_MixesWithSaturation(t *testing.T) {
	t.Parallel()

	tl := playback.NewTimeline(1000)
	for range 2 {
		if _, err := tl.Play(constSegment(1, 30000, 1000), 0, nil); err != nil {
			t.Fatal(err)
		}
	}
	if got := readSamples(t, tl, 1)[0]; got != 32767 {
		t.Errorf("mixed sample = %d, want 32767", got)
	}
}

func TestTimeline_PastStartPlaysNow(t *testing.T) {
	t.Parallel()

	tl := playback.NewTimeline(1000)
	readSamples(t, tl, 5)
	if _, err := tl.Play(constSegment(1, 7, 1000), time.Millisecond, nil); err != nil {
		t.Fatal(err)
	}
	if got := readSamples(t, tl, 1)[0]; got != 7 {
		t.Errorf("sample = %d, want 7", got)
	}
}

func TestTimeline_StopSilencesVoice(t *testing.T) {
	t.Parallel()

	tl := playback.NewTimeline(1000)
	ended := make(chan struct{})
	v, err := tl.Play(constSegment(10, 50, 1000), 0, func() { close(ended) })
	if err != nil {
		t.Fatal(err)
	}
	readSamples(t, tl, 2)
	v.Stop()
	v.Stop()

	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatal("onEnd not called after Stop")
	}
	for i, s := range readSamples(t, tl, 4) {
		if s != 0 {
			t.Errorf("sample %d = %d after stop, want silence", i, s)
		}
	}
}

func TestTimeline_Close(t *testing.T) {
	t.Parallel()

	tl := playback.NewTimeline(1000)
	ended := make(chan struct{})
	if _, err := tl.Play(constSegment(10, 1, 1000), 0, func() { close(ended) }); err != nil {
		t.Fatal(err)
	}
	if err := tl.Close(); err != nil {
		t.Fatal(err)
	}
	if err := tl.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatal("onEnd not called on Close")
	}
	if _, err := tl.Read(make([]byte, 4)); err != io.EOF {
		t.Errorf("Read after Close err = %v, want io.EOF", err)
	}
	if _, err := tl.Play(constSegment(1, 1, 1000), 0, nil); err == nil {
		t.Error("Play after Close should fail")
	}
}

func TestTimeline_ResamplesForeignRate(t *testing.T) {
	t.Parallel()

	tl := playback.NewTimeline(2000)
	if _, err := tl.Play(constSegment(2, 10, 1000), 0, nil); err != nil {
		t.Fatal(err)
	}
	got := readSamples(t, tl, 5)
	for i := range 4 {
		if got[i] != 10 {
			t.Errorf("sample %d = %d, want 10", i, got[i])
		}
	}
	if got[4] != 0 {
		t.Errorf("sample 4 = %d, want 0", got[4])
	}
}

func TestVirtualOutput_EndsOnClock(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	out := playback.NewVirtualOutput(clk)
	s := playback.NewScheduler(out)

	idle := make(chan bool, 4)
	s.OnActiveChange(func(active bool) { idle <- !active })

	if _, err := s.Schedule(segment(time.Second)); err != nil {
		t.Fatal(err)
	}
	if <-idle {
		t.Fatal("first change should be active")
	}

	clk.Add(2 * time.Second)

	select {
	case gotIdle := <-idle:
		if !gotIdle {
			t.Fatal("expected idle signal")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("segment did not end when clock passed its end")
	}
	if s.InFlight() != 0 {
		t.Errorf("InFlight = %d, want 0", s.InFlight())
	}
}

func TestVirtualOutput_StopAndClose(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	out := playback.NewVirtualOutput(clk)

	ended := make(chan struct{}, 2)
	for range 2 {
		if _, err := out.Play(segment(time.Second), 0, func() { ended <- struct{}{} }); err != nil {
			t.Fatal(err)
		}
	}
	if err := out.Close(); err != nil {
		t.Fatal(err)
	}
	for range 2 {
		select {
		case <-ended:
		case <-time.After(time.Second):
			t.Fatal("onEnd not called on Close")
		}
	}
	if _, err := out.Play(segment(time.Second), 0, nil); err == nil {
		t.Error("Play after Close should fail")
	}
}

func TestScheduler_TimelineBackToBackWithoutOverlap(t *testing.T) {
	t.Parallel()

	// At 24 kHz one sample is not a whole number of nanoseconds, so the
	// scheduler cursor is never exactly on a sample boundary.
	tl := playback.NewTimeline(audio.OutputSampleRate)
	s := playback.NewScheduler(tl)

	sizes := []int{1000, 1000, 1000, 1001, 999, 7}
	for range 200 {
		sizes = append(sizes, 1000)
	}
	total := 0
	for _, n := range sizes {
		if _, err := s.Schedule(constSegment(n, 1000, audio.OutputSampleRate)); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
		total += n
	}

	got := readSamples(t, tl, total+10)
	var summed, silent int
	for i, v := range got[:total] {
		switch {
		case v > 1000:
			summed++
			if summed == 1 {
				t.Errorf("sample %d = %d, segments overlap", i, v)
			}
		case v == 0:
			silent++
			if silent == 1 {
				t.Errorf("sample %d is silent, segments leave a gap", i)
			}
		}
	}
	if summed != 0 || silent != 0 {
		t.Errorf("overlapping samples = %d, silent samples = %d, want 0 and 0", summed, silent)
	}
	for i, v := range got[total:] {
		if v != 0 {
			t.Errorf("sample %d after the last segment = %d, want 0", total+i, v)
		}
	}
	if s.InFlight() != 0 {
		t.Errorf("InFlight = %d after rendering everything, want 0", s.InFlight())
	}
}
