// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and feed controlled S2S sessions.
// Use Session to drive the inbound event stream and inspect which packets the
// caller sent.
//
// Example:
//
//	p := &mock.Provider{AutoSetup: true}
//	handle, _ := p.Connect(ctx, cfg)
//	sess := p.Session(0)
//	sess.Emit(s2s.Event{Type: s2s.EventTurnComplete})
//	sess.Fail(errors.New("connection reset"))
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/linguaflow/pkg/audio"
	"github.com/MrWong99/linguaflow/pkg/provider/s2s"
)

// Ensure the mocks implement the s2s interfaces at compile time.
var (
	_ s2s.Provider      = (*Provider)(nil)
	_ s2s.SessionHandle = (*Session)(nil)
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider. Each successful Connect
// creates a new [Session], retrievable with [Provider.Session].
type Provider struct {
	mu sync.Mutex

	// AutoSetup makes every new session emit [s2s.EventSetupComplete]
	// immediately.
	AutoSetup bool

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// Sessions holds every session created by Connect, in order.
	Sessions []*Session
}

// Connect records the call and returns a fresh Session or ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	sess := NewSession()
	if p.AutoSetup {
		sess.Emit(s2s.Event{Type: s2s.EventSetupComplete})
	}
	p.Sessions = append(p.Sessions, sess)
	return sess, nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// Connects returns the number of Connect calls.
func (p *Provider) Connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Session returns the i-th session created by Connect.
func (p *Provider) Session(i int) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Sessions[i]
}

// Session is a mock implementation of s2s.SessionHandle.
type Session struct {
	mu     sync.Mutex
	events chan s2s.Event
	ended  bool
	err    error

	// SendErr, if non-nil, is returned by SendAudio.
	SendErr error

	// Sent records every packet passed to SendAudio.
	Sent []audio.Packet

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns an open Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan s2s.Event, 64)}
}

// Emit queues ev on the event channel. It reports false if the session has
// already ended.
func (s *Session) Emit(ev s2s.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.events <- ev
	return true
}

// Fail ends the session with a transport error, as a dropped connection would.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.err = err
	s.ended = true
	close(s.events)
}

// SendAudio records pkt and returns SendErr.
func (s *Session) SendAudio(pkt audio.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return s.SendErr
	}
	s.Sent = append(s.Sent, pkt)
	return nil
}

// Packets returns a copy of the packets sent so far.
func (s *Session) Packets() []audio.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.Packet(nil), s.Sent...)
}

// SetSendErr changes the error returned by SendAudio.
func (s *Session) SetSendErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendErr = err
}

// Events implements s2s.SessionHandle.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Err returns the error passed to Fail.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close counts the call and closes the event channel on first use.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.ended {
		s.ended = true
		close(s.events)
	}
	return nil
}

// Closes returns the number of Close calls.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}
