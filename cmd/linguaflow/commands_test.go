package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/linguaflow/internal/app"
	"github.com/MrWong99/linguaflow/internal/config"
	"github.com/MrWong99/linguaflow/internal/resilience"
	"github.com/MrWong99/linguaflow/internal/session"
	"github.com/MrWong99/linguaflow/internal/transcript"
	"github.com/MrWong99/linguaflow/pkg/audio/capture"
	"github.com/MrWong99/linguaflow/pkg/audio/playback"
)

// hermeticEnv blanks the variables that would otherwise leak into
// config.Load from the developer's shell.
func hermeticEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"LINGUAFLOW_API_KEY", "GEMINI_API_KEY", "LINGUAFLOW_PROVIDER",
		"LINGUAFLOW_MODEL", "LINGUAFLOW_LOG_LEVEL", "LINGUAFLOW_LISTEN_ADDR",
		"LINGUAFLOW_DATABASE_URL",
	} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "linguaflow.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd(strings.NewReader(""), &out, &errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(t.Context())
	return out.String(), err
}

// ─── Commands ────────────────────────────────────────────────────────────────

func TestScenariosCommand_DefaultCatalog(t *testing.T) {
	hermeticEnv(t)

	out, err := execute(t, "scenarios")
	if err != nil {
		t.Fatalf("scenarios: %v", err)
	}
	for _, want := range []string{"LANGUAGE", "English", "Japanese", "Chinese", "TOPIC", "intro", "weather"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestScenariosCommand_FromConfigFile(t *testing.T) {
	hermeticEnv(t)
	path := writeConfig(t, `
scenarios:
  languages:
    - name: Italian
      tutor: Giulia
      voice: Kore
      instructions: Speak Italian about {topic}.
  topics:
    - id: food
      title: Food
      description: Ordering at a trattoria
`)

	out, err := execute(t, "--config", path, "scenarios")
	if err != nil {
		t.Fatalf("scenarios: %v", err)
	}
	if !strings.Contains(out, "Giulia") || !strings.Contains(out, "trattoria") {
		t.Errorf("custom catalog not listed:\n%s", out)
	}
	if strings.Contains(out, "Japanese") {
		t.Errorf("default catalog listed alongside custom one:\n%s", out)
	}
}

func TestScenariosCommand_MissingConfig(t *testing.T) {
	hermeticEnv(t)

	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "scenarios")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestVoicesCommand(t *testing.T) {
	hermeticEnv(t)

	tests := []struct {
		provider string
		want     string
	}{
		{provider: "gemini-live", want: "Puck"},
		{provider: "openai-realtime", want: "alloy"},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			path := writeConfig(t, "provider:\n  name: "+tt.provider+"\n")
			out, err := execute(t, "--config", path, "voices")
			if err != nil {
				t.Fatalf("voices: %v", err)
			}
			if !strings.HasPrefix(out, tt.provider) || !strings.Contains(out, tt.want) {
				t.Errorf("output:\n%s\nwant provider header and voice %q", out, tt.want)
			}
		})
	}
}

func TestVoicesCommand_UnknownProvider(t *testing.T) {
	hermeticEnv(t)
	path := writeConfig(t, "provider:\n  name: carrier-pigeon\n")

	_, err := execute(t, "--config", path, "voices")
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegisterBuiltinProviders(t *testing.T) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	got := reg.Names()
	if len(got) != len(config.ValidProviderNames) {
		t.Fatalf("Names() = %v, want %v", got, config.ValidProviderNames)
	}
	for i, name := range config.ValidProviderNames {
		if got[i] != name {
			t.Errorf("Names()[%d] = %q, want %q", i, got[i], name)
		}
		p, err := reg.CreateS2S(config.ProviderEntry{Name: name, APIKey: "k", Model: "m"})
		if err != nil || p == nil {
			t.Errorf("CreateS2S(%q) = %v, %v", name, p, err)
		}
	}
}

func TestBuildProvider(t *testing.T) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	cfg := &config.Config{Provider: config.ProviderEntry{Name: "gemini-live", APIKey: "g"}}
	config.ApplyDefaults(cfg)
	p, opts, err := buildProvider(reg, cfg)
	if err != nil {
		t.Fatalf("buildProvider: %v", err)
	}
	if _, ok := p.(*resilience.Failover); ok || len(opts) != 0 {
		t.Errorf("single provider wrapped in failover: %T, %d options", p, len(opts))
	}

	cfg.Fallbacks = []config.ProviderEntry{{Name: "openai-realtime", APIKey: "o"}}
	p, opts, err = buildProvider(reg, cfg)
	if err != nil {
		t.Fatalf("buildProvider with fallback: %v", err)
	}
	f, ok := p.(*resilience.Failover)
	if !ok {
		t.Fatalf("provider = %T, want *resilience.Failover", p)
	}
	if states := f.States(); len(states) != 2 {
		t.Errorf("states = %v, want two entries", states)
	}
	if len(opts) != 1 {
		t.Errorf("options = %d, want the readiness check", len(opts))
	}

	cfg.Fallbacks = []config.ProviderEntry{{Name: "carrier-pigeon"}}
	if _, _, err := buildProvider(reg, cfg); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("unknown fallback: err = %v", err)
	}
}

func TestBuildDevices(t *testing.T) {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)

	d := buildDevices(cfg)
	mic, ok := d.Capture.(*capture.Microphone)
	if !ok || mic.SampleRate != config.DefaultInputRate || mic.FrameSize != config.DefaultFrameSize {
		t.Errorf("capture = %#v", d.Capture)
	}
	if _, ok := d.Playback.(*playback.Device); !ok {
		t.Errorf("playback = %T, want *playback.Device", d.Playback)
	}

	cfg.Audio.Mute = true
	if _, ok := buildDevices(cfg).Playback.(*playback.VirtualDevice); !ok {
		t.Error("muted playback is not virtual")
	}
}

// ─── Console ─────────────────────────────────────────────────────────────────

type fakeSessions struct {
	mu    sync.Mutex
	calls []string
	err   error
	info  app.SessionInfo
}

func (f *fakeSessions) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeSessions) Start(_ context.Context, language, topic string) error {
	return f.record("start " + language + " " + topic)
}
func (f *fakeSessions) Resume(context.Context) error { return f.record("resume") }
func (f *fakeSessions) Stop() error                  { return f.record("stop") }
func (f *fakeSessions) Info() app.SessionInfo        { return f.info }

func (f *fakeSessions) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestConsole_Exec(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		line      string
		wantCalls []string
		wantOut   string
		wantErr   error
	}{
		{name: "blank", line: "   "},
		{name: "stop", line: "stop", wantCalls: []string{"stop"}},
		{name: "resume upper case", line: "RESUME", wantCalls: []string{"resume"}},
		{name: "start", line: "start Japanese travel", wantCalls: []string{"start Japanese travel"}},
		{name: "start missing topic", line: "start Japanese", wantOut: "usage: start"},
		{name: "status", line: "status", wantOut: "state=active language=Chinese"},
		{name: "unknown", line: "dance", wantOut: `unknown command "dance"`},
		{name: "quit", line: "quit", wantErr: errQuit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var out bytes.Buffer
			c := newConsole(&out)
			fs := &fakeSessions{info: app.SessionInfo{State: "active", Language: "Chinese", Topic: "Weather"}}

			err := c.exec(t.Context(), tt.line, fs)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("exec() = %v, want %v", err, tt.wantErr)
			}
			calls := fs.Calls()
			if len(calls) != len(tt.wantCalls) || (len(calls) > 0 && calls[0] != tt.wantCalls[0]) {
				t.Errorf("calls = %v, want %v", calls, tt.wantCalls)
			}
			if tt.wantOut != "" && !strings.Contains(out.String(), tt.wantOut) {
				t.Errorf("output = %q, want to contain %q", out.String(), tt.wantOut)
			}
		})
	}
}

func TestConsole_ExecReportsFailure(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	c := newConsole(&out)
	fs := &fakeSessions{err: session.ErrNotResumable}

	if err := c.exec(t.Context(), "resume", fs); err != nil {
		t.Fatalf("exec() = %v, want nil", err)
	}
	if !strings.Contains(out.String(), "resume failed") {
		t.Errorf("output = %q", out.String())
	}
}

func TestConsole_CommandLoop(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	c := newConsole(&out)
	fs := &fakeSessions{}

	in := strings.NewReader("stop\nstart English intro\nquit\nstop\n")
	err := c.commandLoop(t.Context(), in, fs)
	if !errors.Is(err, errQuit) {
		t.Fatalf("commandLoop() = %v, want errQuit", err)
	}
	calls := fs.Calls()
	if len(calls) != 2 || calls[0] != "stop" || calls[1] != "start English intro" {
		t.Errorf("calls = %v", calls)
	}
}

func TestConsole_CommandLoopEOFWaitsForCancel(t *testing.T) {
	t.Parallel()
	c := newConsole(&bytes.Buffer{})
	ctx, cancel := context.WithCancel(t.Context())

	done := make(chan error, 1)
	go func() { done <- c.commandLoop(ctx, strings.NewReader("status\n"), &fakeSessions{}) }()

	select {
	case err := <-done:
		t.Fatalf("commandLoop returned %v on EOF", err)
	case <-time.After(20 * time.Millisecond):
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("commandLoop() = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("commandLoop did not return after cancel")
	}
}

func TestConsole_Handle(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	c := newConsole(&out)
	c.tutor = func() string { return "Yuki" }

	c.handle(session.Event{Kind: session.EventSessionOpened, SessionID: "abc"})
	c.handle(session.Event{Kind: session.EventTurn, Turn: transcript.Turn{Speaker: transcript.SpeakerLocal, Text: "konnichiwa"}})
	c.handle(session.Event{Kind: session.EventTurn, Turn: transcript.Turn{Speaker: transcript.SpeakerRemote, Text: "hajimemashite"}})
	c.handle(session.Event{Kind: session.EventPlaybackActive, Active: true})
	c.handle(session.Event{Kind: session.EventSessionClosed, Reason: session.ReasonConnectionLost})

	want := "● connected (session abc)\n" +
		"You: konnichiwa\n" +
		"Yuki: hajimemashite\n" +
		"✖ connection lost; type 'resume' to continue\n"
	if got := out.String(); got != want {
		t.Errorf("output:\n%s\nwant:\n%s", got, want)
	}
}
