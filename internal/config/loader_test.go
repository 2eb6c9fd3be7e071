package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/linguaflow/internal/config"
)

func TestApplyEnv_Overrides(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Provider: config.ProviderEntry{Name: "gemini-live", APIKey: "from-file"},
	}
	err := config.ApplyEnv(cfg, map[string]string{
		"LINGUAFLOW_API_KEY":      "from-env",
		"LINGUAFLOW_PROVIDER":     "openai-realtime",
		"LINGUAFLOW_MODEL":        "gpt-realtime-mini",
		"LINGUAFLOW_LOG_LEVEL":    "warn",
		"LINGUAFLOW_LISTEN_ADDR":  ":9090",
		"LINGUAFLOW_DATABASE_URL": "postgres://db/lf",
		"UNRELATED":               "ignored",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Provider.APIKey != "from-env" {
		t.Errorf("api_key: got %q, want from-env", cfg.Provider.APIKey)
	}
	if cfg.Provider.Name != "openai-realtime" || cfg.Provider.Model != "gpt-realtime-mini" {
		t.Errorf("provider: got %+v", cfg.Provider)
	}
	if cfg.Server.LogLevel != config.LogWarn || cfg.Server.ListenAddr != ":9090" {
		t.Errorf("server: got %+v", cfg.Server)
	}
	if cfg.Transcript.PostgresDSN != "postgres://db/lf" {
		t.Errorf("postgres_dsn: got %q", cfg.Transcript.PostgresDSN)
	}
}

func TestApplyEnv_GeminiKeyIsFallback(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		fileKey string
		environ map[string]string
		want    string
	}{
		{"fills empty key", "", map[string]string{"GEMINI_API_KEY": "g"}, "g"},
		{"does not replace file key", "file", map[string]string{"GEMINI_API_KEY": "g"}, "file"},
		{"own variable wins", "", map[string]string{"GEMINI_API_KEY": "g", "LINGUAFLOW_API_KEY": "l"}, "l"},
		{"nil environ is a no-op", "file", nil, "file"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := &config.Config{Provider: config.ProviderEntry{APIKey: tc.fileKey}}
			if err := config.ApplyEnv(cfg, tc.environ); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.Provider.APIKey != tc.want {
				t.Errorf("api_key: got %q, want %q", cfg.Provider.APIKey, tc.want)
			}
		})
	}
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, "provider:\n  name: gemini-live\n  api_key: from-file\n")
	t.Setenv("LINGUAFLOW_API_KEY", "from-env")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Provider.APIKey != "from-env" {
		t.Errorf("api_key: got %q, want from-env", cfg.Provider.APIKey)
	}
}

func TestLoad_EmptyPathUsesEnvironmentOnly(t *testing.T) {
	t.Setenv("LINGUAFLOW_PROVIDER", "openai-realtime")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Provider.Name != "openai-realtime" {
		t.Errorf("provider: got %q, want openai-realtime", cfg.Provider.Name)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: "loud"},
		Audio:  config.AudioConfig{FrameSize: -1},
		Session: config.SessionConfig{
			EventBuffer: -2,
			AutoReconnect: config.ReconnectConfig{
				Backoff:    time.Minute,
				MaxBackoff: time.Second,
			},
		},
	}
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	for _, want := range []string{"log_level", "frame_size", "event_buffer", "max_backoff"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"gemini-live", "openai-realtime"} {
		if !slices.Contains(config.ValidProviderNames, name) {
			t.Errorf("ValidProviderNames missing %q", name)
		}
	}
}

func TestExampleConfigIsValid(t *testing.T) {
	t.Parallel()
	f, err := os.Open(filepath.Join("..", "..", "configs", "example.yaml"))
	if err != nil {
		t.Fatalf("open example: %v", err)
	}
	defer f.Close()

	cfg, err := config.LoadFromReader(f)
	if err != nil {
		t.Fatalf("example config invalid: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" || cfg.Audio.OutputBuffer != 80*time.Millisecond {
		t.Errorf("unexpected example values: %+v %+v", cfg.Server, cfg.Audio)
	}
}
