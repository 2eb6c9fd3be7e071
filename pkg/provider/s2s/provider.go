// Package s2s defines the Provider interface for realtime speech-to-speech
// (S2S) backends.
//
// An S2S provider wraps a live voice model reached over a duplex connection:
// the client streams microphone audio up, and the model streams synthesised
// speech, transcripts and turn signals back in a single stateful session.
//
// The central abstraction is [SessionHandle]. Outbound audio is sent with
// SendAudio in capture order; inbound traffic arrives on one ordered [Event]
// channel, so audio, interruption, transcript and turn-completion signals
// keep the order in which the remote endpoint produced them.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"time"

	"github.com/MrWong99/linguaflow/pkg/audio"
)

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Voice is the provider voice ID used for synthesised speech. Empty
	// selects the provider default.
	Voice string

	// Instructions is the system-level prompt that frames the conversation
	// (persona, language, topic and pacing rules).
	Instructions string

	// TranscribeInput asks the provider to stream text transcripts of the
	// local speaker's audio.
	TranscribeInput bool

	// TranscribeOutput asks the provider to stream text transcripts of the
	// synthesised speech.
	TranscribeOutput bool
}

// Voice describes one voice offered by a provider.
type Voice struct {
	// ID is the provider-specific identifier passed in [SessionConfig.Voice].
	ID string

	// Name is a human-readable label.
	Name string
}

// Capabilities describes static properties of an S2S provider. The values are
// assumed constant for the lifetime of the Provider instance.
type Capabilities struct {
	// MaxSessionDuration is the hard upper bound on session lifetime imposed
	// by the provider. Zero means no documented limit.
	MaxSessionDuration time.Duration

	// InputSampleRate is the PCM rate the endpoint expects for uploaded audio.
	InputSampleRate int

	// OutputSampleRate is the PCM rate of synthesised audio.
	OutputSampleRate int

	// Voices lists the voices available for this provider.
	Voices []Voice
}

// EventType identifies the kind of an inbound [Event].
type EventType int

const (
	// EventSetupComplete is sent once when the remote endpoint acknowledges
	// the session configuration. No audio should be sent before it.
	EventSetupComplete EventType = iota + 1

	// EventAudio carries one chunk of synthesised speech in [Event.Audio].
	EventAudio

	// EventInterrupted signals that the local speaker barged in and current
	// playback must be cancelled.
	EventInterrupted

	// EventInputTranscript carries a partial transcript of the local speaker.
	EventInputTranscript

	// EventOutputTranscript carries a partial transcript of the remote speaker.
	EventOutputTranscript

	// EventTurnComplete marks the end of a conversational turn.
	EventTurnComplete

	// EventError reports a non-fatal protocol error sent by the remote
	// endpoint. The session stays open.
	EventError
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case EventSetupComplete:
		return "setup_complete"
	case EventAudio:
		return "audio"
	case EventInterrupted:
		return "interrupted"
	case EventInputTranscript:
		return "input_transcript"
	case EventOutputTranscript:
		return "output_transcript"
	case EventTurnComplete:
		return "turn_complete"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one inbound signal from the remote endpoint.
type Event struct {
	Type EventType

	// Audio is the base64 s16le PCM payload for [EventAudio]. It is passed
	// through undecoded so that decode failures are handled by the consumer.
	Audio string

	// SampleRate of Audio in Hz. Zero means the provider's
	// [Capabilities.OutputSampleRate].
	SampleRate int

	// Text is the transcript fragment for the transcript event types.
	Text string

	// Err describes the failure for [EventError].
	Err error
}

// SessionHandle represents an open S2S session. It is an interface so that
// test code can supply mock implementations without a live provider
// connection.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers one encoded capture packet. Packets are written in
	// call order without acknowledgement. Returns an error if the session is
	// closed or the transport write fails.
	SendAudio(pkt audio.Packet) error

	// Events returns the ordered inbound event channel. The channel is closed
	// when the session ends, either because Close was called or because the
	// transport failed. After it closes, call Err to distinguish the two.
	// Consumers must drain the channel promptly; the receive loop blocks
	// while it is full.
	Events() <-chan Event

	// Err returns the transport error that ended the session, or nil if the
	// session was closed locally or is still open.
	Err() error

	// Close terminates the session and closes the Events channel. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Connect dials the endpoint and sends the session configuration. The
	// returned handle emits [EventSetupComplete] once the endpoint accepts the
	// configuration.
	//
	// Returns an error if the connection cannot be established (for example
	// authentication failure or ctx already cancelled). The caller owns the
	// SessionHandle and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about this provider.
	Capabilities() Capabilities
}
