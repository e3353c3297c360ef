// Package app wires the talkback subsystems into a running client.
//
// The App struct owns the full lifecycle: New builds every subsystem from the
// config, Run connects to the server and drives the terminal control until
// the user quits or ctx is cancelled, and Shutdown tears everything down in
// order.
//
// For testing, inject doubles via functional options (WithRecorder,
// WithOutput, WithInput, ...). When an option is not provided, New creates
// the real device-backed implementation.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/talkback/internal/capture"
	"github.com/MrWong99/talkback/internal/config"
	"github.com/MrWong99/talkback/internal/health"
	"github.com/MrWong99/talkback/internal/observe"
	"github.com/MrWong99/talkback/internal/playback"
	"github.com/MrWong99/talkback/internal/transport"
	"github.com/MrWong99/talkback/internal/ui"
	"github.com/MrWong99/talkback/pkg/audio"
	"github.com/MrWong99/talkback/pkg/audio/portaudio"
)

// serverShutdownTimeout bounds the diagnostics server drain once Run ends.
const serverShutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config
	log *slog.Logger

	metrics        *observe.Metrics
	metricsHandler http.Handler

	recorder capture.Recorder
	output   playback.Output
	in       io.Reader
	out      io.Writer

	channel  *transport.Channel
	pipeline *capture.Pipeline
	sink     *playback.Sink
	control  *ui.Control

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRecorder injects a recorder instead of the PortAudio microphone.
func WithRecorder(r capture.Recorder) Option {
	return func(a *App) { a.recorder = r }
}

// WithOutput injects an audio output instead of the system speaker.
func WithOutput(o playback.Output) Option {
	return func(a *App) { a.output = o }
}

// WithInput sets the command input. Default: os.Stdin.
func WithInput(r io.Reader) Option {
	return func(a *App) { a.in = r }
}

// WithOutputWriter sets where the control prints. Default: os.Stdout.
func WithOutputWriter(w io.Writer) Option {
	return func(a *App) { a.out = w }
}

// WithMetrics sets the metrics instruments and the handler serving them on
// /metrics. Default: [observe.DefaultMetrics] and the default Prometheus
// registry.
func WithMetrics(m *observe.Metrics, handler http.Handler) Option {
	return func(a *App) {
		a.metrics = m
		a.metricsHandler = handler
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. Only the audio output is opened here; the
// microphone is acquired on the first recording and the server connection is
// made by Run.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg,
		log: slog.Default(),
		in:  os.Stdin,
		out: os.Stdout,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}

	if a.output == nil {
		spk, err := playback.NewSpeaker(cfg.Playback.SampleRate, cfg.Playback.Buffer)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.output = spk
	}
	if a.recorder == nil {
		src := portaudio.New(
			portaudio.WithDevice(cfg.Capture.Device),
			portaudio.WithFormat(audio.Format{SampleRate: cfg.Capture.SampleRate, Channels: cfg.Capture.Channels}),
			portaudio.WithBuffer(cfg.Capture.FrameDuration),
			portaudio.WithLogger(a.log),
		)
		a.recorder = capture.NewMicRecorder(src,
			capture.WithFrameDuration(cfg.Capture.FrameDuration),
			capture.WithBitrate(cfg.Capture.Bitrate),
			capture.WithRecorderLogger(a.log),
		)
	}

	a.channel = transport.New(cfg.Transport.Endpoint,
		transport.WithReadLimit(cfg.Transport.ReadLimitBytes),
		transport.WithDialTimeout(cfg.Transport.DialTimeout),
		transport.WithMetrics(a.metrics),
		transport.WithLogger(a.log),
	)
	a.sink = playback.NewSink(a.output,
		playback.WithMetrics(a.metrics),
		playback.WithLogger(a.log),
	)
	a.pipeline = capture.New(a.channel, a.recorder,
		capture.WithSendTimeout(cfg.Capture.SendTimeout),
		capture.WithMetrics(a.metrics),
		capture.WithLogger(a.log),
	)
	a.control = ui.New(a.pipeline, a.in, a.out, a.log)

	a.channel.OnMessage(a.sink.Handle)
	a.channel.OnOpen(func() { a.control.Notify("connected to " + a.channel.Endpoint()) })
	a.channel.OnClose(func(error) { a.control.Notify("disconnected from server") })

	// Finalize an in-flight recording while the channel can still carry it,
	// then drop the connection, then the speaker.
	a.closers = append(a.closers, a.pipeline.Close, a.channel.Close, a.sink.Close)

	return a, nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run connects to the server, serves diagnostics when configured, and runs
// the terminal control. It blocks until the user quits or ctx is cancelled.
// A failed connection is logged, not returned: the client stays up, inert.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.channel.Open(gctx); err != nil {
			a.log.Error("could not connect to server", "err", err)
			a.control.Notify("could not connect to server")
		}
		return nil
	})

	g.Go(func() error {
		defer cancel()
		return a.control.Run(gctx)
	})

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.log.Info("diagnostics server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: diagnostics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// Handler returns the diagnostics HTTP handler: health checks, the status
// snapshot and Prometheus metrics, instrumented by [observe.Middleware].
func (a *App) Handler() http.Handler {
	h := health.New(
		health.WithChecker(health.Checker{
			Name: "transport",
			Check: func(context.Context) error {
				if !a.channel.IsOpen() {
					return fmt.Errorf("channel %s", a.channel.State())
				}
				return nil
			},
		}),
		health.WithStatus(a.Status),
	)
	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("GET /metrics", a.metricsHandler)
	return observe.Middleware(a.metrics)(mux)
}

// Status reports the state of the transport and capture subsystems.
func (a *App) Status() map[string]string {
	return map[string]string{
		"transport": a.channel.State().String(),
		"capture":   a.pipeline.State().String(),
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down")
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
