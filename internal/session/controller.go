// Package session implements the conversation session controller: the
// state machine that wires a microphone, a realtime speech-to-speech
// provider and a speaker into one duplex conversation, and tears all of it
// down again on stop or failure.
//
// A [Controller] owns at most one live session at a time. Starting creates
// a session with a fresh ID; a session that was lost mid-conversation
// leaves the controller in [StateFailed] with its transcript intact, and
// [Controller.Resume] starts a brand-new session with the same scenario.
//
// The host observes the controller through [Controller.Events]. Events are
// delivered in emission order on a buffered channel and dropped (counted
// and logged) when the host falls behind; the audio path never blocks on
// the host.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/linguaflow/internal/observe"
	"github.com/MrWong99/linguaflow/internal/scenario"
	"github.com/MrWong99/linguaflow/internal/transcript"
	"github.com/MrWong99/linguaflow/pkg/audio"
	"github.com/MrWong99/linguaflow/pkg/audio/playback"
	"github.com/MrWong99/linguaflow/pkg/provider/s2s"
)

const (
	defaultSetupTimeout = 15 * time.Second
	defaultStoreTimeout = 2 * time.Second
	defaultEventBuffer  = 64
	persistQueue        = 16
)

// Config wires a [Controller] to its collaborators.
type Config struct {
	// Provider dials the remote speech model. Required.
	Provider s2s.Provider

	// ProviderName labels provider metrics, e.g. "gemini-live".
	ProviderName string

	// Capture opens the microphone. Required.
	Capture audio.CaptureDevice

	// Playback opens the speaker (or a virtual output). Required.
	Playback audio.OutputDevice

	// Store, if non-nil, receives every completed turn. Writes are best
	// effort and never affect the session.
	Store transcript.Store

	// Metrics records instruments. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Clock stamps turns and bounds the setup wait. Defaults to the wall clock.
	Clock clock.Clock

	// SetupTimeout bounds the wait for the provider's setup acknowledgement.
	// Defaults to 15s.
	SetupTimeout time.Duration

	// StoreTimeout bounds each Store.Append. Defaults to 2s.
	StoreTimeout time.Duration

	// EventBuffer is the capacity of the Events channel. Defaults to 64.
	EventBuffer int
}

// Controller runs conversation sessions. All methods are safe for
// concurrent use.
type Controller struct {
	cfg     Config
	clock   clock.Clock
	metrics *observe.Metrics
	events  chan Event
	dropped atomic.Int64
	log     transcript.Log

	mu             sync.Mutex
	state          State
	gen            uint64
	cancelConnect  context.CancelFunc
	stopAfterClose bool
	sess           *session
	sessionID      string
	scenario       scenario.Context
	lastErr        error
}

// session is one duplex connection. It is created on start or resume and
// discarded on stop or failure; it is never reused.
type session struct {
	id       string
	scenario scenario.Context
	ctx      context.Context
	cancel   context.CancelFunc

	handle  s2s.SessionHandle
	capture audio.CaptureStream
	output  audio.Output
	sched   *playback.Scheduler
	acc     transcript.Accumulator

	persist        chan []transcript.Turn
	decodeWarnOnce sync.Once
	wg             sync.WaitGroup
	closeOnce      sync.Once
	closeErr       error
}

// NewController creates an idle Controller.
func NewController(cfg Config) *Controller {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = defaultSetupTimeout
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	return &Controller{
		cfg:     cfg,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		events:  make(chan Event, cfg.EventBuffer),
	}
}

// Events returns the channel on which the controller publishes [Event]s.
// It is never closed.
func (c *Controller) Events() <-chan Event { return c.events }

// Dropped returns how many events were discarded because Events was full.
func (c *Controller) Dropped() int64 { return c.dropped.Load() }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the ID of the current session, or of the last one when
// the controller is Failed or Idle. Empty before the first session opens.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Scenario returns the scenario of the current or last session.
func (c *Controller) Scenario() scenario.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scenario
}

// Err returns the error that moved the controller to Failed, or the last
// start error. Nil after a clean stop.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// PlaybackActive reports whether tutor audio is playing or queued in the
// active session.
func (c *Controller) PlaybackActive() bool {
	c.mu.Lock()
	s := c.sess
	active := c.state == StateActive
	c.mu.Unlock()
	return active && s != nil && s.sched.Active()
}

// Transcript returns a copy of every turn completed since the last Start.
// Turns from a failed session are kept across Resume.
func (c *Controller) Transcript() []transcript.Turn {
	return c.log.Turns()
}

// Start opens the devices, dials the provider with sc and waits for the
// setup acknowledgement. It is valid in Idle and Failed; a fresh Start
// clears the transcript. On failure every resource acquired so far is
// released and an [*Error] of kind [KindDeviceUnavailable] or
// [KindConnectionSetup] is returned.
func (c *Controller) Start(ctx context.Context, sc scenario.Context) error {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateFailed {
		c.mu.Unlock()
		return ErrSessionActive
	}
	c.scenario = sc
	c.log.Reset()
	dialCtx, gen := c.beginLocked(ctx)
	c.mu.Unlock()

	return c.connect(dialCtx, gen, sc, StateIdle)
}

// Resume starts a new session with the scenario of the failed one. The
// transcript is kept. If resuming fails the controller stays Failed.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateFailed:
	case StateIdle:
		c.mu.Unlock()
		return ErrNotResumable
	default:
		c.mu.Unlock()
		return ErrSessionActive
	}
	sc := c.scenario
	dialCtx, gen := c.beginLocked(ctx)
	c.mu.Unlock()

	return c.connect(dialCtx, gen, sc, StateFailed)
}

// Stop ends whatever the controller is doing and returns it to Idle. It
// closes the connection, releases the microphone, stops in-flight playback,
// closes the output and clears the accumulators. Every release runs even
// if an earlier one fails; their errors are aggregated. Stop is idempotent
// and a no-op when Idle.
func (c *Controller) Stop() error {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
		c.mu.Unlock()
		return nil

	case StateConnecting:
		// Supersede the in-progress connect; it releases its own resources.
		c.gen++
		cancel := c.cancelConnect
		c.cancelConnect = nil
		c.setStateLocked(StateIdle)
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil

	case StateClosing:
		c.stopAfterClose = true
		c.mu.Unlock()
		return nil

	case StateFailed:
		c.lastErr = nil
		c.setStateLocked(StateIdle)
		c.mu.Unlock()
		return nil
	}

	s := c.sess
	c.sess = nil
	c.setStateLocked(StateClosing)
	c.mu.Unlock()

	err := c.teardown(s)
	s.wg.Wait()

	c.mu.Lock()
	c.stopAfterClose = false
	c.lastErr = nil
	c.setStateLocked(StateIdle)
	c.emit(Event{Kind: EventSessionClosed, SessionID: s.id, Reason: ReasonStopped})
	c.mu.Unlock()

	slog.Info("session stopped", "session_id", s.id, "turns", c.log.Len())
	return err
}

// beginLocked moves to Connecting and returns the context the connect
// attempt runs under. Must be called with c.mu held.
func (c *Controller) beginLocked(ctx context.Context) (context.Context, uint64) {
	c.gen++
	dialCtx, cancel := context.WithCancel(ctx)
	c.cancelConnect = cancel
	c.stopAfterClose = false
	c.setStateLocked(StateConnecting)
	return dialCtx, c.gen
}

// connect acquires capture, output and the provider connection in that
// order. Anything acquired is released in reverse if a later step fails.
// fallback is the state to return to on failure.
func (c *Controller) connect(ctx context.Context, gen uint64, sc scenario.Context, fallback State) error {
	id := uuid.NewString()
	ctx = observe.WithSessionID(ctx, id)
	ctx, span := observe.StartSpan(ctx, "session.connect")
	defer span.End()
	log := observe.Logger(ctx).With("language", sc.Language, "topic", sc.TopicID)

	var stack closerStack
	fail := func(kind ErrorKind, op string, err error) error {
		if cerr := stack.closeAll(); cerr != nil {
			log.Warn("release after failed start", "err", cerr)
		}
		e := &Error{Kind: kind, Op: op, Err: err}

		c.mu.Lock()
		if c.gen == gen {
			c.cancelConnect = nil
			c.lastErr = e
			c.setStateLocked(fallback)
		}
		c.mu.Unlock()

		c.metrics.RecordSessionFailure(ctx, kind.String())
		span.RecordError(e)
		span.SetStatus(codes.Error, op)
		log.Warn("session start failed", "op", op, "kind", kind, "err", err)
		return e
	}

	capture, err := c.cfg.Capture.Open(ctx)
	if err != nil {
		return fail(KindDeviceUnavailable, "open capture", err)
	}
	stack.push(capture.Close)

	out, err := c.cfg.Playback.Open(ctx)
	if err != nil {
		return fail(KindDeviceUnavailable, "open output", err)
	}
	stack.push(out.Close)

	dialStart := c.clock.Now()
	handle, err := c.cfg.Provider.Connect(ctx, s2s.SessionConfig{
		Voice:            sc.Voice,
		Instructions:     sc.Instructions,
		TranscribeInput:  true,
		TranscribeOutput: true,
	})
	if err != nil {
		return fail(KindConnectionSetup, "connect", err)
	}
	stack.push(handle.Close)

	if err := c.awaitSetup(ctx, handle); err != nil {
		return fail(KindConnectionSetup, "await setup", err)
	}
	c.metrics.SetupDuration.Record(ctx, c.clock.Since(dialStart).Seconds())

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		id:       id,
		scenario: sc,
		ctx:      sctx,
		cancel:   cancel,
		handle:   handle,
		capture:  capture,
		output:   out,
		sched:    playback.NewScheduler(out),
		persist:  make(chan []transcript.Turn, persistQueue),
	}
	s.sched.OnActiveChange(func(active bool) {
		c.emit(Event{Kind: EventPlaybackActive, SessionID: id, Active: active})
	})

	// Audio captured during the handshake is never sent.
	if err := capture.Start(); err != nil {
		cancel()
		return fail(KindDeviceUnavailable, "start capture", err)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		cancel()
		if cerr := stack.closeAll(); cerr != nil {
			log.Warn("release after cancelled start", "err", cerr)
		}
		return &Error{Kind: KindConnectionSetup, Op: "connect", Err: context.Canceled}
	}
	c.cancelConnect = nil
	c.sess = s
	c.sessionID = id
	c.lastErr = nil
	c.setStateLocked(StateActive)
	c.emit(Event{Kind: EventSessionOpened, SessionID: id})
	c.mu.Unlock()

	c.metrics.ActiveSessions.Add(ctx, 1)
	log.Info("session active", "voice", sc.Voice)

	s.wg.Add(2)
	go c.sendLoop(s)
	go c.receiveLoop(s)
	go c.persistLoop(s)
	return nil
}

// awaitSetup blocks until the provider acknowledges the session. Events
// other than setup-complete or error arriving first are discarded.
func (c *Controller) awaitSetup(ctx context.Context, h s2s.SessionHandle) error {
	timer := c.clock.Timer(c.cfg.SetupTimeout)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-h.Events():
			if !ok {
				if err := h.Err(); err != nil {
					return err
				}
				return errRemoteClosed
			}
			switch ev.Type {
			case s2s.EventSetupComplete:
				return nil
			case s2s.EventError:
				if ev.Err != nil {
					return ev.Err
				}
				return fmt.Errorf("provider error before setup: %s", ev.Text)
			}
		case <-timer.C:
			return ErrSetupTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// sendLoop forwards capture frames to the provider in capture order.
func (c *Controller) sendLoop(s *session) {
	defer s.wg.Done()
	frames := s.capture.Frames()
	for {
		select {
		case <-s.ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				err := s.capture.Err()
				if err == nil {
					err = errCaptureEnded
				}
				c.fail(s, KindDeviceUnavailable, "capture", err)
				return
			}
			if err := s.handle.SendAudio(audio.EncodeFrame(f)); err != nil {
				c.metrics.FrameSendErrors.Add(s.ctx, 1)
				c.fail(s, KindTransport, "send", err)
				return
			}
			c.metrics.FramesSent.Add(s.ctx, 1)
		}
	}
}

// receiveLoop dispatches provider events until the connection ends.
func (c *Controller) receiveLoop(s *session) {
	defer s.wg.Done()
	defer close(s.persist)
	events := s.handle.Events()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				err := s.handle.Err()
				if err == nil {
					err = errRemoteClosed
				}
				c.fail(s, KindTransport, "receive", err)
				return
			}
			c.dispatch(s, ev)
		}
	}
}

func (c *Controller) dispatch(s *session, ev s2s.Event) {
	switch ev.Type {
	case s2s.EventAudio:
		c.playSegment(s, ev)

	case s2s.EventInterrupted:
		s.sched.Interrupt()
		c.metrics.Interruptions.Add(s.ctx, 1)
		observe.Logger(s.ctx).Debug("playback interrupted by remote")

	case s2s.EventInputTranscript:
		s.acc.AppendLocal(ev.Text)

	case s2s.EventOutputTranscript:
		s.acc.AppendRemote(ev.Text)

	case s2s.EventTurnComplete:
		c.completeTurn(s)

	case s2s.EventError:
		c.metrics.RecordProviderError(s.ctx, c.cfg.ProviderName, KindProtocol.String())
		observe.Logger(s.ctx).Warn("provider reported an error", "err", ev.Err)
		c.emit(Event{
			Kind:      EventError,
			SessionID: s.id,
			ErrKind:   KindProtocol,
			Err:       &Error{Kind: KindProtocol, Op: "receive", Err: ev.Err},
		})

	case s2s.EventSetupComplete:
		// Already acknowledged before the session was published.
	}
}

// playSegment decodes one inbound audio chunk and places it on the
// playback timeline. A chunk that fails to decode is dropped without
// claiming timeline space.
func (c *Controller) playSegment(s *session, ev s2s.Event) {
	rate := ev.SampleRate
	if rate <= 0 {
		rate = audio.OutputSampleRate
	}
	seg, err := audio.DecodeSegment(ev.Audio, rate)
	if err != nil {
		c.metrics.DecodeErrors.Add(s.ctx, 1)
		level := slog.LevelDebug
		s.decodeWarnOnce.Do(func() { level = slog.LevelWarn })
		observe.Logger(s.ctx).Log(s.ctx, level, "dropping undecodable audio segment", "err", err)
		return
	}
	if _, err := s.sched.Schedule(seg); err != nil {
		observe.Logger(s.ctx).Warn("schedule audio segment", "err", err)
		return
	}
	c.metrics.SegmentsScheduled.Add(s.ctx, 1)
}

// completeTurn flushes the accumulator into the transcript log, the host
// and the persistence queue.
func (c *Controller) completeTurn(s *session) {
	turns := s.acc.Complete(c.clock.Now())
	if len(turns) == 0 || s.ctx.Err() != nil {
		return
	}
	c.log.Append(turns...)
	for _, t := range turns {
		c.metrics.RecordTurn(s.ctx, t.Speaker.String())
		c.emit(Event{Kind: EventTurn, SessionID: s.id, Turn: t})
	}
	if c.cfg.Store == nil {
		return
	}
	select {
	case s.persist <- turns:
	default:
		observe.Logger(s.ctx).Warn("transcript store lagging, turns not persisted", "turns", len(turns))
	}
}

// persistLoop writes turns to the configured store until the receive loop
// closes the queue.
func (c *Controller) persistLoop(s *session) {
	for turns := range s.persist {
		for _, t := range turns {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), c.cfg.StoreTimeout)
			err := c.cfg.Store.Append(ctx, s.id, t)
			cancel()
			if err != nil {
				observe.Logger(s.ctx).Warn("persist turn", "speaker", t.Speaker, "err", err)
			}
		}
	}
}

// fail moves an active session to Failed after an unrecoverable error on
// one of its loops. It is a no-op if s is no longer the current session.
func (c *Controller) fail(s *session, kind ErrorKind, op string, err error) {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	e := &Error{Kind: kind, Op: op, Err: err}
	c.lastErr = e
	c.setStateLocked(StateClosing)
	c.mu.Unlock()

	observe.Logger(s.ctx).Warn("session lost", "op", op, "kind", kind, "err", err)
	_ = c.teardown(s)
	c.metrics.RecordSessionFailure(s.ctx, kind.String())

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopAfterClose {
		c.stopAfterClose = false
		c.lastErr = nil
		c.setStateLocked(StateIdle)
		c.emit(Event{Kind: EventSessionClosed, SessionID: s.id, Reason: ReasonStopped})
		return
	}
	c.setStateLocked(StateFailed)
	c.emit(Event{Kind: EventSessionClosed, SessionID: s.id, Reason: ReasonConnectionLost})
	c.emit(Event{Kind: EventError, SessionID: s.id, ErrKind: kind, Err: e})
}

// teardown releases everything a session holds. Runs at most once per
// session; later calls return the first result.
func (c *Controller) teardown(s *session) error {
	s.closeOnce.Do(func() {
		s.cancel()

		var result *multierror.Error
		if err := s.handle.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close connection: %w", err))
		}
		if err := s.capture.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close capture: %w", err))
		}
		s.sched.Reset()
		if err := s.output.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close output: %w", err))
		}
		s.acc.Reset()
		c.metrics.ActiveSessions.Add(context.WithoutCancel(s.ctx), -1)

		s.closeErr = result.ErrorOrNil()
		if s.closeErr != nil {
			slog.Warn("session teardown incomplete", "session_id", s.id, "err", s.closeErr)
		}
	})
	return s.closeErr
}

// setStateLocked records a transition and announces it. Must be called
// with c.mu held.
func (c *Controller) setStateLocked(st State) {
	if c.state == st {
		return
	}
	slog.Debug("session state", "from", c.state, "to", st, "session_id", c.sessionID)
	c.state = st
	c.emit(Event{Kind: EventStateChanged, SessionID: c.sessionID, State: st})
}

// emit publishes ev without blocking.
func (c *Controller) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		n := c.dropped.Add(1)
		c.metrics.EventsDropped.Add(context.Background(), 1)
		slog.Warn("session event dropped, consumer is lagging", "kind", ev.Kind, "dropped_total", n)
	}
}
