package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"

	"github.com/MrWong99/linguaflow/pkg/provider/s2s"
)

// ErrAllFailed is returned by [Failover.Connect] when no provider could be
// dialled.
var ErrAllFailed = errors.New("resilience: all providers failed")

var _ s2s.Provider = (*Failover)(nil)

// Entry names one provider in a [Failover].
type Entry struct {
	Name     string
	Provider s2s.Provider
}

// FailoverConfig tunes the breaker created for every entry.
type FailoverConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
	Clock        clock.Clock
}

type failoverEntry struct {
	Entry
	breaker *Breaker
}

// Failover is an [s2s.Provider] that dials its entries in order and returns
// the first session that connects. Only the dial is covered: once a session
// is open, losing it is reported to the caller as usual, and the next
// Connect (for example a resume) starts again from the primary.
type Failover struct {
	entries []failoverEntry

	mu     sync.Mutex
	active string
}

// NewFailover returns a Failover with primary first and fallbacks after it.
func NewFailover(primary Entry, fallbacks []Entry, cfg FailoverConfig) *Failover {
	f := &Failover{}
	for _, e := range append([]Entry{primary}, fallbacks...) {
		f.entries = append(f.entries, failoverEntry{
			Entry: e,
			breaker: NewBreaker(BreakerConfig{
				Name:         e.Name,
				MaxFailures:  cfg.MaxFailures,
				ResetTimeout: cfg.ResetTimeout,
				Clock:        cfg.Clock,
			}),
		})
	}
	return f
}

// Connect implements [s2s.Provider]. Entries whose breaker is open are
// skipped. A voice the entry does not offer is cleared so the provider
// picks its default. Cancellation of ctx aborts immediately and is not
// counted against any provider.
func (f *Failover) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	var errs *multierror.Error
	for i := range f.entries {
		e := &f.entries[i]
		ecfg := cfg
		if i > 0 && !offersVoice(e.Provider.Capabilities(), cfg.Voice) {
			ecfg.Voice = ""
		}

		var h s2s.SessionHandle
		err := e.breaker.Execute(func() error {
			var err error
			h, err = e.Provider.Connect(ctx, ecfg)
			return err
		}, func(error) bool { return ctx.Err() != nil })

		switch {
		case err == nil:
			f.mu.Lock()
			prev := f.active
			f.active = e.Name
			f.mu.Unlock()
			if prev != "" && prev != e.Name {
				slog.Warn("speech provider switched", "from", prev, "to", e.Name)
			}
			return h, nil
		case ctx.Err() != nil:
			return nil, err
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("skipping speech provider, circuit open", "provider", e.Name)
		default:
			slog.Warn("speech provider connect failed", "provider", e.Name, "err", err)
		}
		errs = multierror.Append(errs, fmt.Errorf("%s: %w", e.Name, err))
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, errs.ErrorOrNil())
}

// Capabilities returns the primary's capabilities.
func (f *Failover) Capabilities() s2s.Capabilities {
	return f.entries[0].Provider.Capabilities()
}

// Active returns the name of the provider that served the last successful
// Connect, or "" before the first one.
func (f *Failover) Active() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// States returns every entry's breaker state keyed by provider name.
func (f *Failover) States() map[string]State {
	out := make(map[string]State, len(f.entries))
	for _, e := range f.entries {
		out[e.Name] = e.breaker.State()
	}
	return out
}

// Check reports an error when every provider's breaker is open, so a
// readiness probe can tell that no connection attempt would be made.
func (f *Failover) Check(context.Context) error {
	for _, e := range f.entries {
		if e.breaker.State() != StateOpen {
			return nil
		}
	}
	return errors.New("resilience: every speech provider circuit is open")
}

func offersVoice(caps s2s.Capabilities, voice string) bool {
	if voice == "" {
		return true
	}
	return slices.ContainsFunc(caps.Voices, func(v s2s.Voice) bool { return v.ID == voice })
}
