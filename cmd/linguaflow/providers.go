package main

import (
	"log/slog"

	"github.com/MrWong99/linguaflow/internal/app"
	"github.com/MrWong99/linguaflow/internal/config"
	"github.com/MrWong99/linguaflow/internal/health"
	"github.com/MrWong99/linguaflow/internal/resilience"
	"github.com/MrWong99/linguaflow/pkg/provider/s2s"
	geminilive "github.com/MrWong99/linguaflow/pkg/provider/s2s/gemini"
	oais2s "github.com/MrWong99/linguaflow/pkg/provider/s2s/openai"
)

// registerBuiltinProviders wires the realtime providers that ship with
// LinguaFlow into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []oais2s.Option
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	for _, name := range reg.Names() {
		slog.Debug("registered provider", "kind", "s2s", "name", name)
	}
}

// buildProvider creates the configured provider. With fallback providers
// configured, the result is a [resilience.Failover] and the returned options
// add its readiness check.
func buildProvider(reg *config.Registry, cfg *config.Config) (s2s.Provider, []app.Option, error) {
	primary, err := reg.CreateS2S(cfg.Provider)
	if err != nil {
		return nil, nil, err
	}
	if len(cfg.Fallbacks) == 0 {
		return primary, nil, nil
	}

	fallbacks := make([]resilience.Entry, 0, len(cfg.Fallbacks))
	for _, entry := range cfg.Fallbacks {
		p, err := reg.CreateS2S(entry)
		if err != nil {
			return nil, nil, err
		}
		fallbacks = append(fallbacks, resilience.Entry{Name: entry.Name, Provider: p})
	}
	f := resilience.NewFailover(
		resilience.Entry{Name: cfg.Provider.Name, Provider: primary},
		fallbacks,
		resilience.FailoverConfig{
			MaxFailures:  cfg.Failover.MaxFailures,
			ResetTimeout: cfg.Failover.ResetTimeout,
		},
	)
	slog.Info("speech provider failover enabled", "primary", cfg.Provider.Name, "fallbacks", len(fallbacks))
	return f, []app.Option{app.WithChecker(health.Checker{Name: "speech_provider", Check: f.Check})}, nil
}
