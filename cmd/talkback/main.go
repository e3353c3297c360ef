// Command talkback is a push-to-talk voice client: it records the microphone,
// sends each recording to a WebSocket server and plays whatever audio the
// server sends back.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/talkback/internal/app"
	"github.com/MrWong99/talkback/internal/config"
	"github.com/MrWong99/talkback/internal/observe"
	"github.com/MrWong99/talkback/pkg/audio/portaudio"
)

var (
	version    = "0.1.0"
	configPath string
	endpoint   string
)

var rootCmd = &cobra.Command{
	Use:   "talkback",
	Short: "Push-to-talk voice client",
	Long: `talkback records the microphone while recording is toggled on, sends each
recording to a WebSocket server as one Ogg Opus message, and plays every
audio message the server sends back.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if code := run(cmd.Context()); code != 0 {
			return exitError(code)
		}
		return nil
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio input devices",
	RunE: func(cmd *cobra.Command, _ []string) error {
		devices, err := portaudio.InputDevices()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tHOST API\tCHANNELS\tRATE\tDEFAULT")
		for _, d := range devices {
			def := ""
			if d.Default {
				def = "*"
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", d.Name, d.HostAPI, d.Channels, d.SampleRate, def)
		}
		return tw.Flush()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "talkback v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML configuration file (optional)")
	rootCmd.Flags().StringVar(&endpoint, "url", "", "WebSocket server URL, overrides "+config.EnvEndpoint)

	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(versionCmd)
}

// exitError carries a process exit code out of a cobra command.
type exitError int

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

func main() {
	if err := rootCmd.Execute(); err != nil {
		var code exitError
		if errors.As(err, &code) {
			os.Exit(int(code))
		}
		fmt.Fprintf(os.Stderr, "talkback: %v\n", err)
		os.Exit(1)
	}
}

func run(parent context.Context) int {
	// ── Load configuration ────────────────────────────────────────────────────
	lookup := flagLookup(endpoint, os.LookupEnv)
	cfg, err := config.LoadWith(configPath, lookup)
	if err != nil {
		fmt.Fprintf(os.Stderr, "talkback: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := newLogger(level)
	slog.SetDefault(logger)

	slog.Info("talkback starting",
		"version", version,
		"config", configPath,
		"endpoint", cfg.Transport.Endpoint,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Config hot-reload ─────────────────────────────────────────────────────
	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, func(old, new *config.Config) {
			applyReload(level, config.Diff(old, new))
		}, config.WithLookup(lookup))
		if err != nil {
			slog.Warn("config hot-reload disabled", "err", err)
		} else {
			defer watcher.Stop()
		}
	}

	// ── Telemetry ─────────────────────────────────────────────────────────────
	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	application, err := app.New(cfg,
		app.WithMetrics(provider.Metrics, provider.Handler()),
		app.WithLogger(logger),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	code := 0
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// flagLookup serves the --url flag as [config.EnvEndpoint] so startup and
// every config reload see the same endpoint.
func flagLookup(url string, env func(string) (string, bool)) func(string) (string, bool) {
	if url == "" {
		return env
	}
	return func(key string) (string, bool) {
		if key == config.EnvEndpoint {
			return url, true
		}
		return env(key)
	}
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func slogLevel(level config.LogLevel) slog.Level {
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

// applyReload applies the live-reloadable part of a config change.
func applyReload(level *slog.LevelVar, d config.ConfigDiff) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config change needs a restart to take effect", "keys", d.RestartRequired)
	}
}
