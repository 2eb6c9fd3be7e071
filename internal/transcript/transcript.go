// Package transcript turns streamed partial-text events into finalized,
// attributed conversation turns.
//
// The remote endpoint streams transcript fragments for two speakers: the
// local learner (input transcription) and the remote tutor (output
// transcription). An [Accumulator] concatenates fragments per speaker until
// the endpoint signals turn completion, then emits at most one [Turn] per
// speaker (local first) and clears both buffers in the same step. Emitted
// turns are appended to a session-level [Log] and optionally persisted via a
// [Store].
package transcript

import (
	"strings"
	"sync"
	"time"
)

// Speaker identifies who produced a turn.
type Speaker int

const (
	// SpeakerLocal is the person at the microphone.
	SpeakerLocal Speaker = iota + 1

	// SpeakerRemote is the remote speech model.
	SpeakerRemote
)

// String returns "local", "remote" or "unknown".
func (s Speaker) String() string {
	switch s {
	case SpeakerLocal:
		return "local"
	case SpeakerRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// ParseSpeaker is the inverse of [Speaker.String]. Unknown names yield zero.
func ParseSpeaker(name string) Speaker {
	switch name {
	case "local":
		return SpeakerLocal
	case "remote":
		return SpeakerRemote
	default:
		return 0
	}
}

// Turn is one finalized utterance. Turns are immutable once emitted.
type Turn struct {
	Speaker   Speaker
	Text      string
	CreatedAt time.Time
}

// ─── Accumulator ──────────────────────────────────────────────────────────────

// Accumulator buffers partial transcript fragments for both speakers.
// All methods are safe for concurrent use.
type Accumulator struct {
	mu     sync.Mutex
	local  strings.Builder
	remote strings.Builder
}

// AppendLocal adds a fragment of local speech. Fragments are concatenated
// verbatim; the provider includes any separating whitespace.
func (a *Accumulator) AppendLocal(fragment string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.local.WriteString(fragment)
}

// AppendRemote adds a fragment of remote speech.
func (a *Accumulator) AppendRemote(fragment string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.remote.WriteString(fragment)
}

// Complete finalizes the current turn. It returns a local turn if the
// trimmed local buffer is non-empty, followed by a remote turn if the trimmed
// remote buffer is non-empty. Both buffers are empty when Complete returns,
// so no fragment can appear in two turns.
func (a *Accumulator) Complete(now time.Time) []Turn {
	a.mu.Lock()
	local := strings.TrimSpace(a.local.String())
	remote := strings.TrimSpace(a.remote.String())
	a.local.Reset()
	a.remote.Reset()
	a.mu.Unlock()

	var turns []Turn
	if local != "" {
		turns = append(turns, Turn{Speaker: SpeakerLocal, Text: local, CreatedAt: now})
	}
	if remote != "" {
		turns = append(turns, Turn{Speaker: SpeakerRemote, Text: remote, CreatedAt: now})
	}
	return turns
}

// Reset discards both buffers without emitting turns.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.local.Reset()
	a.remote.Reset()
}

// ─── Log ──────────────────────────────────────────────────────────────────────

// Log is an ordered, append-only list of turns. All methods are safe for
// concurrent use.
type Log struct {
	mu    sync.Mutex
	turns []Turn
}

// Append adds turns to the end of the log.
func (l *Log) Append(turns ...Turn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = append(l.turns, turns...)
}

// Turns returns a copy of the log in order.
func (l *Log) Turns() []Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Turn(nil), l.turns...)
}

// Len returns the number of turns in the log.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.turns)
}

// Reset empties the log.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = nil
}
