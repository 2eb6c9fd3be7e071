// Package app wires the LinguaFlow subsystems into a running application.
//
// The App owns the full lifecycle: New creates the transcript store, the
// session controller and the optional reconnector, Run serves the status
// endpoint and the controller's event loop, and Shutdown tears everything
// down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithMetrics, WithClock). When an option is not provided, New creates the
// real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/linguaflow/internal/config"
	"github.com/MrWong99/linguaflow/internal/health"
	"github.com/MrWong99/linguaflow/internal/observe"
	"github.com/MrWong99/linguaflow/internal/session"
	"github.com/MrWong99/linguaflow/internal/transcript"
	"github.com/MrWong99/linguaflow/internal/transcript/postgres"
	"github.com/MrWong99/linguaflow/pkg/audio"
	"github.com/MrWong99/linguaflow/pkg/provider/s2s"
)

// Devices holds the local audio endpoints.
type Devices struct {
	Capture  audio.CaptureDevice
	Playback audio.OutputDevice
}

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	provider s2s.Provider
	devices  Devices

	store          transcript.Store
	metrics        *observe.Metrics
	clock          clock.Clock
	level          *slog.LevelVar
	metricsHandler http.Handler
	onEvent        func(session.Event)
	checkers       []health.Checker

	controller  *session.Controller
	reconnector *session.Reconnector
	sessions    *SessionManager
	server      *http.Server

	// closers run in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a transcript store instead of creating one from config.
func WithStore(s transcript.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects the metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithClock injects the clock used by the controller and reconnector.
func WithClock(c clock.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithLevelVar lets [App.Reload] adjust the log level of a handler the
// caller built around lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithMetricsHandler replaces the /metrics handler. The default serves the
// Prometheus default registry, which the OTel exporter registers with.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithEventHandler registers a callback for every session event.
func WithEventHandler(fn func(session.Event)) Option {
	return func(a *App) { a.onEvent = fn }
}

// WithChecker adds a readiness check served on /readyz.
func WithChecker(c health.Checker) Option {
	return func(a *App) { a.checkers = append(a.checkers, c) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. provider comes from
// the config registry; devices from the platform audio packages.
func New(ctx context.Context, cfg *config.Config, provider s2s.Provider, devices Devices, opts ...Option) (*App, error) {
	if provider == nil {
		return nil, errors.New("app: a speech provider is required")
	}
	if devices.Capture == nil || devices.Playback == nil {
		return nil, errors.New("app: capture and playback devices are required")
	}

	a := &App{
		cfg:      cfg,
		provider: provider,
		devices:  devices,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.clock == nil {
		a.clock = clock.New()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init transcript store: %w", err)
	}
	a.initSession()
	a.initServer()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects to PostgreSQL when a DSN is configured and falls back
// to an in-memory store otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	dsn := a.cfg.Transcript.PostgresDSN
	if dsn == "" {
		slog.Info("no transcript database configured, keeping turns in memory")
		a.store = transcript.NewMemoryStore()
		return nil
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	a.checkers = append(a.checkers, health.Checker{Name: "transcript_store", Check: store.Ping})
	return nil
}

func (a *App) initSession() {
	a.controller = session.NewController(session.Config{
		Provider:     a.provider,
		ProviderName: a.cfg.Provider.Name,
		Capture:      a.devices.Capture,
		Playback:     a.devices.Playback,
		Store:        a.store,
		Metrics:      a.metrics,
		Clock:        a.clock,
		SetupTimeout: a.cfg.Session.SetupTimeout,
		EventBuffer:  a.cfg.Session.EventBuffer,
	})

	if rc := a.cfg.Session.AutoReconnect; rc.Enabled {
		a.reconnector = session.NewReconnector(session.ReconnectorConfig{
			Target:     a.controller,
			MaxRetries: rc.MaxRetries,
			Backoff:    rc.Backoff,
			MaxBackoff: rc.MaxBackoff,
			Clock:      a.clock,
			OnReconnect: func(attempt int) {
				slog.Info("session resumed automatically", "attempt", attempt)
			},
			OnGiveUp: func(err error) {
				slog.Error("automatic resume gave up", "err", err)
			},
		})
	}

	a.sessions = NewSessionManager(SessionManagerConfig{
		Controller:  a.controller,
		Catalog:     a.cfg.Catalog(),
		Reconnector: a.reconnector,
		OnEvent:     a.onEvent,
		Clock:       a.clock,
	})

	a.checkers = append(a.checkers, health.Checker{
		Name: "session",
		Check: func(context.Context) error {
			if a.controller.State() == session.StateFailed {
				if err := a.controller.Err(); err != nil {
					return err
				}
				return errors.New("session failed")
			}
			return nil
		},
	})
}

func (a *App) initServer() {
	if a.cfg.Server.ListenAddr == "" {
		return
	}
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Store returns the transcript store in use.
func (a *App) Store() transcript.Store { return a.store }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the status endpoint (when configured) and the session event
// loop, and blocks until ctx is cancelled or the server fails. When ctx is
// done, Run returns context.Canceled (or the underlying cause).
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.reconnector != nil {
		a.reconnector.Monitor(gctx)
	}

	g.Go(func() error { return a.sessions.Run(gctx) })

	if a.server != nil {
		g.Go(func() error {
			slog.Info("status endpoint listening", "addr", a.server.Addr, "tls", a.cfg.Server.TLS != nil)
			var err error
			if tls := a.cfg.Server.TLS; tls != nil {
				err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			} else {
				err = a.server.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("app: status endpoint: %w", err)
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return a.server.Shutdown(shutdownCtx)
		})
	}

	slog.Info("app running", "provider", a.cfg.Provider.Name, "auto_reconnect", a.reconnector != nil)
	return g.Wait()
}

// Reload applies the hot-reloadable parts of a changed config: the log
// level and the scenario catalog. Other changes are logged and take effect
// on restart.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ScenariosChanged {
		for _, c := range d.ScenarioChanges {
			slog.Debug("scenario changed", "kind", c.Kind, "name", c.Name,
				"added", c.Added, "removed", c.Removed, "modified", c.Modified)
		}
		a.sessions.SetCatalog(new.Catalog())
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the session (releasing devices and the connection) and
// then runs the remaining closers in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.reconnector != nil {
			a.reconnector.Stop()
		}
		if err := a.sessions.Stop(); err != nil {
			slog.Warn("session stop error", "err", err)
		}

		for i, closer := range slices.Backward(a.closers) {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// SlogLevel converts a config log level to its slog equivalent.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
