package session

import (
	"fmt"

	"github.com/MrWong99/linguaflow/internal/transcript"
)

// State is the lifecycle state of a [Controller].
type State int

const (
	// StateIdle means no session exists.
	StateIdle State = iota

	// StateConnecting means devices are being opened and the remote model
	// dialled. No audio is sent yet.
	StateConnecting

	// StateActive means audio is flowing in both directions.
	StateActive

	// StateClosing is transient while a session is torn down.
	StateClosing

	// StateFailed means the last session was lost mid-conversation. Its
	// transcript is kept and it may be resumed.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EventKind discriminates [Event].
type EventKind int

const (
	// EventStateChanged carries the new State.
	EventStateChanged EventKind = iota + 1

	// EventSessionOpened is emitted once the remote model acknowledged the
	// session and audio starts flowing.
	EventSessionOpened

	// EventSessionClosed carries the close Reason.
	EventSessionClosed

	// EventTurn carries one completed transcript Turn.
	EventTurn

	// EventPlaybackActive carries whether the tutor is audibly speaking.
	EventPlaybackActive

	// EventError carries ErrKind and Err. Transport errors accompany a
	// ReasonConnectionLost close; protocol errors are informational.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventSessionOpened:
		return "session_opened"
	case EventSessionClosed:
		return "session_closed"
	case EventTurn:
		return "turn"
	case EventPlaybackActive:
		return "playback_active"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// CloseReason tells a user stop apart from a lost connection.
type CloseReason int

const (
	ReasonStopped CloseReason = iota + 1
	ReasonConnectionLost
)

func (r CloseReason) String() string {
	switch r {
	case ReasonStopped:
		return "stopped"
	case ReasonConnectionLost:
		return "connection_lost"
	default:
		return fmt.Sprintf("CloseReason(%d)", int(r))
	}
}

// Event is a notification from the [Controller] to its host. Only the
// fields relevant to Kind are set.
type Event struct {
	Kind      EventKind
	SessionID string

	State   State
	Reason  CloseReason
	Turn    transcript.Turn
	Active  bool
	ErrKind ErrorKind
	Err     error
}
