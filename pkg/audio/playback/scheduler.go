// Package playback schedules decoded remote speech on an output clock so
// consecutive segments play back-to-back without gaps or overlaps.
//
// The [Scheduler] keeps a single cursor, the earliest time the next segment
// may start. Each scheduled segment begins at max(cursor, now) and moves the
// cursor forward by its duration. An interruption stops every in-flight
// segment and resets the cursor to zero, so the next segment starts relative
// to the current clock rather than a stale future position.
//
// Concrete outputs live alongside the scheduler: [Device] renders to the
// system speaker through oto, [VirtualOutput] runs on a [clock.Clock] and is
// used by tests and headless runs.
package playback

import (
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/linguaflow/pkg/audio"
)

// Scheduler places segments on an [audio.Output] clock.
//
// All exported methods are safe for concurrent use. Scheduling decisions
// (the cursor update) are serialised at the point of scheduling, so callers
// that decode concurrently must call Schedule in the order segments should
// play.
type Scheduler struct {
	out audio.Output

	mu       sync.Mutex
	cursor   time.Duration
	nextID   uint64
	inFlight map[uint64]audio.Voice
	onActive func(bool)
}

// NewScheduler returns a Scheduler that plays segments on out.
func NewScheduler(out audio.Output) *Scheduler {
	return &Scheduler{
		out:      out,
		inFlight: make(map[uint64]audio.Voice),
	}
}

// OnActiveChange registers fn to be called with true when the in-flight set
// goes from empty to non-empty and with false when it becomes empty again.
// fn runs with the scheduler lock held: it must not block and must not call
// back into the Scheduler. Subsequent calls replace the previous handler.
func (s *Scheduler) OnActiveChange(fn func(active bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onActive = fn
}

// Schedule starts seg at the cursor and returns the start position on the
// output clock. The cursor advances by the segment's duration only if the
// output accepted the segment; on error the cursor is left unchanged.
func (s *Scheduler) Schedule(seg *audio.Segment) (time.Duration, error) {
	if seg == nil || len(seg.Samples) == 0 {
		return 0, fmt.Errorf("playback: schedule: %w", audio.ErrMalformedAudio)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := max(s.cursor, s.out.Now())

	s.nextID++
	id := s.nextID
	voice, err := s.out.Play(seg, start, func() { s.finish(id) })
	if err != nil {
		return 0, fmt.Errorf("playback: schedule: %w", err)
	}

	s.cursor = start + seg.Duration()
	wasIdle := len(s.inFlight) == 0
	s.inFlight[id] = voice
	if wasIdle {
		s.notifyLocked(true)
	}
	return start, nil
}

// finish removes a completed voice. Completions for voices that were already
// removed by [Scheduler.Interrupt] are ignored.
func (s *Scheduler) finish(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inFlight[id]; !ok {
		return
	}
	delete(s.inFlight, id)
	if len(s.inFlight) == 0 {
		s.notifyLocked(false)
	}
}

// Interrupt hard-stops every in-flight segment, clears the in-flight set and
// resets the cursor to zero. Partially played segments are discarded.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasActive := len(s.inFlight) > 0
	for id, v := range s.inFlight {
		v.Stop()
		delete(s.inFlight, id)
	}
	s.cursor = 0
	if wasActive {
		s.notifyLocked(false)
	}
}

// Reset is an alias for [Scheduler.Interrupt] used during session teardown.
func (s *Scheduler) Reset() { s.Interrupt() }

// Cursor returns the earliest position at which the next segment may start.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// InFlight returns the number of segments that are playing or pending.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// Active reports whether any segment is playing or pending.
func (s *Scheduler) Active() bool {
	return s.InFlight() > 0
}

func (s *Scheduler) notifyLocked(active bool) {
	if s.onActive != nil {
		s.onActive(active)
	}
}
