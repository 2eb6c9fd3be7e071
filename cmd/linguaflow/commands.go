package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/linguaflow/internal/app"
	"github.com/MrWong99/linguaflow/internal/config"
	"github.com/MrWong99/linguaflow/internal/observe"
	"github.com/MrWong99/linguaflow/pkg/audio/capture"
	"github.com/MrWong99/linguaflow/pkg/audio/playback"
)

// shutdownTimeout bounds the graceful shutdown after the run loop exits.
const shutdownTimeout = 15 * time.Second

type rootOptions struct {
	configPath string
	stdin      io.Reader
	stdout     io.Writer
	stderr     io.Writer
}

type runOptions struct {
	language string
	topic    string
	mute     bool
	listen   string
	noStart  bool
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{stdin: stdin, stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "linguaflow",
		Short:         "Practise speaking a language with a realtime voice tutor",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"path to the YAML configuration file (environment only when empty)")

	root.AddCommand(
		newRunCmd(opts),
		newScenariosCmd(opts),
		newVoicesCmd(opts),
	)
	return root
}

// ─── run ─────────────────────────────────────────────────────────────────────

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a conversation session and control it from the terminal",
		Long: `Start a conversation session with the chosen language and topic.

While running, type one of these commands and press enter:
  stop                      end the session
  resume                    reconnect after a lost connection
  start <language> <topic>  begin a new conversation
  status                    show the session state
  quit                      exit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSession(cmd.Context(), root, opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.language, "language", "l", "English", "practice language")
	f.StringVarP(&opts.topic, "topic", "t", "intro", "conversation topic id (see 'linguaflow scenarios')")
	f.BoolVar(&opts.mute, "mute", false, "discard tutor audio instead of playing it (transcripts only)")
	f.StringVar(&opts.listen, "listen", "", "override server.listen_addr for the status endpoint")
	f.BoolVar(&opts.noStart, "no-start", false, "wait for a 'start' command instead of starting immediately")
	return cmd
}

func runSession(ctx context.Context, root *rootOptions, opts *runOptions) error {
	cfg, err := loadConfig(root.configPath)
	if err != nil {
		return err
	}
	if opts.mute {
		cfg.Audio.Mute = true
	}
	if opts.listen != "" {
		cfg.Server.ListenAddr = opts.listen
	}

	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(root.stderr, level))

	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownOTel(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	provider, appOpts, err := buildProvider(reg, cfg)
	if err != nil {
		return err
	}

	con := newConsole(root.stdout)
	appOpts = append(appOpts,
		app.WithLevelVar(level),
		app.WithEventHandler(con.handle),
	)
	a, err := app.New(ctx, cfg, provider, buildDevices(cfg), appOpts...)
	if err != nil {
		return err
	}
	con.tutor = func() string { return a.Sessions().Info().Tutor }

	var watcher *config.Watcher
	if root.configPath != "" {
		watcher, err = config.NewWatcher(root.configPath, a.Reload,
			config.WithEnvironment(env.ToMap(os.Environ())))
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
			watcher = nil
		} else {
			defer watcher.Stop()
		}
	}

	slog.Info("linguaflow starting",
		"version", version,
		"provider", cfg.Provider.Name,
		"mute", cfg.Audio.Mute,
		"listen_addr", cfg.Server.ListenAddr,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(gctx) })

	if !opts.noStart {
		if err := a.Sessions().Start(gctx, opts.language, opts.topic); err != nil {
			con.printf("could not start: %v\n", err)
		}
	}
	g.Go(func() error { return con.commandLoop(gctx, root.stdin, a.Sessions()) })
	if watcher != nil {
		go reloadOnHangup(gctx, watcher)
	}

	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}

	if runErr != nil && !errors.Is(runErr, errQuit) && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	slog.Info("goodbye")
	return nil
}

// reloadOnHangup re-reads the config file on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if _, err := w.Reload(); err != nil {
				slog.Warn("reload on SIGHUP failed", "err", err)
			}
		}
	}
}

// buildDevices picks the microphone and either the speaker or, when muted,
// a virtual output that keeps playback timing without sound.
func buildDevices(cfg *config.Config) app.Devices {
	d := app.Devices{
		Capture: &capture.Microphone{
			SampleRate: cfg.Audio.InputRate,
			FrameSize:  cfg.Audio.FrameSize,
		},
	}
	if cfg.Audio.Mute {
		d.Playback = &playback.VirtualDevice{}
	} else {
		d.Playback = &playback.Device{
			SampleRate: cfg.Audio.OutputRate,
			BufferSize: cfg.Audio.OutputBuffer,
		}
	}
	return d
}

// ─── scenarios ───────────────────────────────────────────────────────────────

func newScenariosCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scenarios",
		Short: "List the practice languages and conversation topics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(root.configPath)
			if err != nil {
				return err
			}
			cat := cfg.Catalog()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "LANGUAGE\tTUTOR\tVOICE")
			for _, l := range cat.Languages {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", l.Name, l.Tutor, l.Voice)
			}
			fmt.Fprintln(tw)
			fmt.Fprintln(tw, "TOPIC\tTITLE\tDESCRIPTION")
			for _, t := range cat.Topics {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", t.ID, t.Title, t.Description)
			}
			return tw.Flush()
		},
	}
}

// ─── voices ──────────────────────────────────────────────────────────────────

func newVoicesCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "voices",
		Short: "List the voices offered by the configured provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(root.configPath)
			if err != nil {
				return err
			}
			reg := config.NewRegistry()
			registerBuiltinProviders(reg)
			p, err := reg.CreateS2S(cfg.Provider)
			if err != nil {
				return err
			}

			caps := p.Capabilities()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (input %d Hz, output %d Hz)\n", cfg.Provider.Name, caps.InputSampleRate, caps.OutputSampleRate)
			for _, v := range caps.Voices {
				if v.Name != "" && v.Name != v.ID {
					fmt.Fprintf(out, "  %s  %s\n", v.ID, v.Name)
				} else {
					fmt.Fprintf(out, "  %s\n", v.ID)
				}
			}
			return nil
		},
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", path)
		}
		return nil, err
	}
	return cfg, nil
}

func newLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
