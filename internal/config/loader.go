package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the providers with a built-in factory. Used by
// [Validate] to warn about unrecognised names.
var ValidProviderNames = []string{"gemini-live", "openai-realtime"}

// envOverrides are the environment variables that take precedence over the
// config file.
type envOverrides struct {
	APIKey       string   `env:"LINGUAFLOW_API_KEY"`
	GeminiAPIKey string   `env:"GEMINI_API_KEY"`
	Provider     string   `env:"LINGUAFLOW_PROVIDER"`
	Model        string   `env:"LINGUAFLOW_MODEL"`
	LogLevel     LogLevel `env:"LINGUAFLOW_LOG_LEVEL"`
	ListenAddr   string   `env:"LINGUAFLOW_LISTEN_ADDR"`
	DatabaseURL  string   `env:"LINGUAFLOW_DATABASE_URL"`
}

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config]. An empty path
// starts from an empty document, so a config can come purely from the
// environment.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
	}
	cfg, err := parse(data, env.ToMap(os.Environ()))
	if err != nil {
		if path == "" {
			return nil, err
		}
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. The process environment is not consulted, which
// keeps tests hermetic.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return parse(data, nil)
}

// parse is the shared pipeline: decode, environment, defaults, validate.
func parse(data []byte, environ map[string]string) (*Config, error) {
	cfg := &Config{}
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: decode yaml: %w", err)
		}
	}
	if err := ApplyEnv(cfg, environ); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays the LINGUAFLOW_* variables (and GEMINI_API_KEY as a
// fallback API key) from environ onto cfg. A nil environ is a no-op.
func ApplyEnv(cfg *Config, environ map[string]string) error {
	if environ == nil {
		return nil
	}
	var o envOverrides
	if err := env.ParseWithOptions(&o, env.Options{Environment: environ}); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}

	switch {
	case o.APIKey != "":
		cfg.Provider.APIKey = o.APIKey
	case o.GeminiAPIKey != "" && cfg.Provider.APIKey == "":
		cfg.Provider.APIKey = o.GeminiAPIKey
	}
	if o.Provider != "" {
		cfg.Provider.Name = o.Provider
	}
	if o.Model != "" {
		cfg.Provider.Model = o.Model
	}
	if o.LogLevel != "" {
		cfg.Server.LogLevel = o.LogLevel
	}
	if o.ListenAddr != "" {
		cfg.Server.ListenAddr = o.ListenAddr
	}
	if o.DatabaseURL != "" {
		cfg.Transcript.PostgresDSN = o.DatabaseURL
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	if cfg.Provider.Name != "" && !slices.Contains(ValidProviderNames, cfg.Provider.Name) {
		slog.Warn("unknown provider name, may be a typo or third-party provider",
			"name", cfg.Provider.Name,
			"known", ValidProviderNames,
		)
	}
	if cfg.Provider.APIKey == "" {
		slog.Warn("provider.api_key is empty; set it in the config or via LINGUAFLOW_API_KEY")
	}
	for i, fb := range cfg.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("fallback_providers[%d]: name is required", i))
		}
	}
	if cfg.Failover.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("failover.max_failures %d must not be negative", cfg.Failover.MaxFailures))
	}
	if cfg.Failover.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("failover.reset_timeout %v must not be negative", cfg.Failover.ResetTimeout))
	}

	if cfg.Audio.InputRate < 0 || cfg.Audio.OutputRate < 0 {
		errs = append(errs, errors.New("audio sample rates must be positive"))
	}
	if cfg.Audio.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must be positive", cfg.Audio.FrameSize))
	}
	if cfg.Audio.OutputBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.output_buffer %v must not be negative", cfg.Audio.OutputBuffer))
	}

	if cfg.Session.SetupTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.setup_timeout %v must not be negative", cfg.Session.SetupTimeout))
	}
	if cfg.Session.EventBuffer < 0 {
		errs = append(errs, fmt.Errorf("session.event_buffer %d must not be negative", cfg.Session.EventBuffer))
	}
	rc := cfg.Session.AutoReconnect
	if rc.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("session.auto_reconnect.max_retries %d must not be negative", rc.MaxRetries))
	}
	if rc.Backoff < 0 || rc.MaxBackoff < 0 {
		errs = append(errs, errors.New("session.auto_reconnect backoff values must not be negative"))
	}
	if rc.Backoff > 0 && rc.MaxBackoff > 0 && rc.MaxBackoff < rc.Backoff {
		errs = append(errs, fmt.Errorf("session.auto_reconnect.max_backoff %v is below backoff %v", rc.MaxBackoff, rc.Backoff))
	}

	if cfg.Scenarios != nil {
		if err := cfg.Scenarios.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("scenarios: %w", err))
		}
	}

	return errors.Join(errs...)
}
