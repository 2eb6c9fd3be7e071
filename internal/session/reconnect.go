package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 5
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Resumer is the part of [Controller] the [Reconnector] drives.
type Resumer interface {
	Resume(ctx context.Context) error
}

// Reconnector resumes a lost session automatically.
//
// The host forwards every controller event to [Reconnector.Observe]; a
// [ReasonConnectionLost] close schedules a reconnection cycle that calls
// Resume with exponential backoff. A cycle ends on success, after
// MaxRetries attempts, when Resume reports there is nothing to resume (the
// user stopped), or when [Reconnector.Cancel] is called.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	target      Resumer
	clock       clock.Clock
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	onReconnect func(attempt int)
	onGiveUp    func(err error)

	mu           sync.Mutex
	cancelCycle  context.CancelFunc
	done         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{} // signalled when a lost session is observed
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Target is resumed after a connection loss. Usually a *Controller.
	Target Resumer

	// MaxRetries is the maximum number of Resume attempts per loss.
	// Defaults to 5 if zero.
	MaxRetries int

	// Backoff is the initial wait between attempts. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff caps the wait. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// Clock drives the backoff timer. Defaults to the wall clock.
	Clock clock.Clock

	// OnReconnect is called after a successful Resume. May be nil.
	OnReconnect func(attempt int)

	// OnGiveUp is called when a cycle ends without success. May be nil.
	OnGiveUp func(err error)
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Reconnector{
		target:       cfg.Target,
		clock:        clk,
		maxRetries:   maxRetries,
		backoff:      backoff,
		maxBackoff:   maxBackoff,
		onReconnect:  cfg.OnReconnect,
		onGiveUp:     cfg.OnGiveUp,
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}
}

// Monitor starts the reconnection loop in a background goroutine. It runs
// until ctx is cancelled or [Reconnector.Stop] is called.
func (r *Reconnector) Monitor(ctx context.Context) {
	go r.monitorLoop(ctx)
}

// Observe inspects a controller event and schedules a reconnection cycle
// when it reports a lost connection.
func (r *Reconnector) Observe(ev Event) {
	if ev.Kind == EventSessionClosed && ev.Reason == ReasonConnectionLost {
		r.NotifyDisconnect()
	}
}

// NotifyDisconnect schedules a reconnection cycle. Calls made while one is
// already pending coalesce.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.disconnected <- struct{}{}:
	default:
	}
}

// Cancel aborts the reconnection cycle in progress, if any. Monitoring
// continues for later losses.
func (r *Reconnector) Cancel() {
	r.mu.Lock()
	cancel := r.cancelCycle
	r.cancelCycle = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	// Drop a pending notification so a cancelled loss is not retried.
	select {
	case <-r.disconnected:
	default:
	}
}

// Stop halts monitoring and aborts any cycle in progress. Safe to call
// multiple times.
func (r *Reconnector) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
	r.Cancel()
}

func (r *Reconnector) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.disconnected:
			cycleCtx, cancel := context.WithCancel(ctx)
			r.mu.Lock()
			r.cancelCycle = cancel
			r.mu.Unlock()

			r.attemptReconnect(cycleCtx)

			r.mu.Lock()
			r.cancelCycle = nil
			r.mu.Unlock()
			cancel()
		}
	}
}

// attemptReconnect calls Resume with exponential backoff.
func (r *Reconnector) attemptReconnect(ctx context.Context) {
	currentBackoff := r.backoff
	var lastErr error

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.clock.After(currentBackoff):
		}

		slog.Info("attempting session resume",
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"backoff", currentBackoff,
		)

		err := r.target.Resume(ctx)
		if err == nil {
			slog.Info("session resumed", "attempt", attempt)
			if r.onReconnect != nil {
				r.onReconnect(attempt)
			}
			return
		}
		if errors.Is(err, ErrNotResumable) || errors.Is(err, ErrSessionActive) {
			// The user stopped, or someone else already resumed.
			slog.Info("session resume no longer needed", "reason", err)
			return
		}
		lastErr = err

		slog.Warn("session resume failed",
			"attempt", attempt,
			"err", err,
		)

		currentBackoff *= 2
		if currentBackoff > r.maxBackoff {
			currentBackoff = r.maxBackoff
		}
	}

	slog.Error("session resume failed after max retries",
		"max_retries", r.maxRetries,
		"err", lastErr,
	)
	if r.onGiveUp != nil {
		r.onGiveUp(lastErr)
	}
}
