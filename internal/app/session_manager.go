package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/MrWong99/linguaflow/internal/scenario"
	"github.com/MrWong99/linguaflow/internal/session"
	"github.com/MrWong99/linguaflow/internal/transcript"
)

// SessionInfo is a point-in-time view of the conversation session.
type SessionInfo struct {
	SessionID      string    `json:"session_id,omitempty"`
	State          string    `json:"state"`
	Language       string    `json:"language,omitempty"`
	Tutor          string    `json:"tutor,omitempty"`
	Topic          string    `json:"topic,omitempty"`
	StartedAt      time.Time `json:"started_at,omitzero"`
	Turns          int       `json:"turns"`
	PlaybackActive bool      `json:"playback_active"`
	LastError      string    `json:"last_error,omitempty"`
	DroppedEvents  int64     `json:"dropped_events,omitempty"`
}

// SessionManagerConfig holds the dependencies of a [SessionManager].
type SessionManagerConfig struct {
	// Controller runs the sessions. Required.
	Controller *session.Controller

	// Catalog resolves language and topic names. Replaceable at runtime
	// through [SessionManager.SetCatalog].
	Catalog scenario.Catalog

	// Reconnector, if non-nil, is fed every controller event and cancelled
	// whenever the user starts or stops a session.
	Reconnector *session.Reconnector

	// OnEvent, if non-nil, is called from the event loop for every event.
	OnEvent func(session.Event)

	// Clock stamps StartedAt. Defaults to the wall clock.
	Clock clock.Clock
}

// SessionManager is the user-facing surface over a [session.Controller]: it
// resolves scenarios by name, tracks display state from the controller's
// event stream, and keeps the reconnector in step with user intent.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	ctrl    *session.Controller
	rc      *session.Reconnector
	onEvent func(session.Event)
	clock   clock.Clock

	mu        sync.Mutex
	catalog   scenario.Catalog
	startedAt time.Time
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &SessionManager{
		ctrl:    cfg.Controller,
		rc:      cfg.Reconnector,
		onEvent: cfg.OnEvent,
		clock:   cfg.Clock,
		catalog: cfg.Catalog,
	}
}

// Start resolves language and topic against the catalog and starts a new
// session with the result.
func (sm *SessionManager) Start(ctx context.Context, language, topic string) error {
	sc, err := sm.Catalog().Build(language, topic)
	if err != nil {
		return fmt.Errorf("app: start session: %w", err)
	}
	if sm.rc != nil {
		sm.rc.Cancel()
	}
	if err := sm.ctrl.Start(ctx, sc); err != nil {
		return fmt.Errorf("app: start session: %w", err)
	}
	return nil
}

// Resume reconnects a failed session with its previous scenario.
func (sm *SessionManager) Resume(ctx context.Context) error {
	if sm.rc != nil {
		sm.rc.Cancel()
	}
	if err := sm.ctrl.Resume(ctx); err != nil {
		return fmt.Errorf("app: resume session: %w", err)
	}
	return nil
}

// Stop ends the current session, if any, and abandons any pending
// automatic resume.
func (sm *SessionManager) Stop() error {
	if sm.rc != nil {
		sm.rc.Cancel()
	}
	if err := sm.ctrl.Stop(); err != nil {
		return fmt.Errorf("app: stop session: %w", err)
	}
	return nil
}

// Catalog returns the current scenario catalog.
func (sm *SessionManager) Catalog() scenario.Catalog {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.catalog
}

// SetCatalog replaces the scenario catalog. A running session keeps the
// scenario it was started with.
func (sm *SessionManager) SetCatalog(c scenario.Catalog) {
	sm.mu.Lock()
	sm.catalog = c
	sm.mu.Unlock()
	slog.Info("scenario catalog updated", "languages", len(c.Languages), "topics", len(c.Topics))
}

// Transcript returns the current session's finalized turns.
func (sm *SessionManager) Transcript() []transcript.Turn {
	return sm.ctrl.Transcript()
}

// Info returns the current session state for display.
func (sm *SessionManager) Info() SessionInfo {
	st := sm.ctrl.State()
	info := SessionInfo{
		State:         st.String(),
		Turns:         len(sm.ctrl.Transcript()),
		DroppedEvents: sm.ctrl.Dropped(),
	}
	if err := sm.ctrl.Err(); err != nil {
		info.LastError = err.Error()
	}
	if st == session.StateIdle {
		return info
	}

	sc := sm.ctrl.Scenario()
	info.SessionID = sm.ctrl.SessionID()
	info.Language = sc.Language
	info.Tutor = sc.Tutor
	info.Topic = sc.TopicTitle

	sm.mu.Lock()
	info.StartedAt = sm.startedAt
	sm.mu.Unlock()
	info.PlaybackActive = sm.ctrl.PlaybackActive()
	return info
}

// Run consumes the controller's event stream until ctx is done. It must be
// running for the reconnector and OnEvent to see anything.
func (sm *SessionManager) Run(ctx context.Context) error {
	events := sm.ctrl.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			sm.handle(ev)
		}
	}
}

func (sm *SessionManager) handle(ev session.Event) {
	log := slog.With("session_id", ev.SessionID)

	switch ev.Kind {
	case session.EventStateChanged:
		log.Debug("session state changed", "state", ev.State)
	case session.EventSessionOpened:
		sm.mu.Lock()
		sm.startedAt = sm.clock.Now()
		sm.mu.Unlock()
		log.Info("session opened")
	case session.EventSessionClosed:
		log.Info("session closed", "reason", ev.Reason)
	case session.EventPlaybackActive:
		log.Debug("playback", "active", ev.Active)
	case session.EventTurn:
		log.Debug("turn completed", "speaker", ev.Turn.Speaker, "chars", len(ev.Turn.Text))
	case session.EventError:
		log.Warn("session error", "kind", ev.ErrKind, "err", ev.Err)
	}

	if sm.rc != nil {
		sm.rc.Observe(ev)
	}
	if sm.onEvent != nil {
		sm.onEvent(ev)
	}
}
