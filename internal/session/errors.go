package session

import (
	"errors"
	"fmt"
)

// ErrorKind classifies session failures so the host can tell "never
// connected" apart from "lost mid-conversation".
type ErrorKind int

const (
	// KindDeviceUnavailable means the microphone or speaker could not be
	// acquired, or the microphone was lost while active.
	KindDeviceUnavailable ErrorKind = iota + 1

	// KindConnectionSetup means the dial or handshake with the remote model
	// failed. No session was published.
	KindConnectionSetup

	// KindTransport means an established connection dropped. The session
	// is Failed and may be resumed.
	KindTransport

	// KindDecode means one inbound audio segment was malformed. It is
	// dropped and never affects session state.
	KindDecode

	// KindProtocol means the remote model reported an error or sent a
	// message that could not be interpreted. Logged and ignored.
	KindProtocol
)

// String returns the snake_case name of k, used as a metric attribute.
func (k ErrorKind) String() string {
	switch k {
	case KindDeviceUnavailable:
		return "device_unavailable"
	case KindConnectionSetup:
		return "connection_setup"
	case KindTransport:
		return "transport"
	case KindDecode:
		return "decode"
	case KindProtocol:
		return "protocol"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

var (
	// ErrSessionActive is returned by Start or Resume while a session is
	// connecting, active or closing.
	ErrSessionActive = errors.New("session: already active")

	// ErrNotResumable is returned by Resume when there is no failed session.
	ErrNotResumable = errors.New("session: no failed session to resume")

	// ErrSetupTimeout is wrapped in a KindConnectionSetup error when the
	// remote model does not acknowledge the session in time.
	ErrSetupTimeout = errors.New("session: setup acknowledgement timed out")

	errRemoteClosed = errors.New("session: remote closed the connection")
	errCaptureEnded = errors.New("session: capture stream ended")
)

// Error is the typed error returned by [Controller.Start] and
// [Controller.Resume] and carried by [EventError].
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("session: %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is or wraps an [*Error] of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
