package config

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"
)

// Watcher polls a config file and swaps in a new [Config] whenever the
// file's content changes and still validates. Reloads apply the same layering
// as [Load] minus the .env files, which were folded into the process
// environment at startup.
type Watcher struct {
	path     string
	interval time.Duration
	lookup   func(string) (string, bool)
	onChange func(old, new *Config)

	current atomic.Pointer[Config]
	stop    context.CancelFunc

	// seen is touched only by the polling goroutine after construction.
	seen fileState
}

// fileState fingerprints one version of the watched file. Size and mtime
// decide whether the file is read at all; sum decides whether it changed.
type fileState struct {
	size  int64
	mtime time.Time
	sum   [sha256.Size]byte
}

func (s fileState) sameStat(info os.FileInfo) bool {
	return s.size == info.Size() && s.mtime.Equal(info.ModTime())
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLookup sets the environment lookup applied on every reload.
// The default is [os.LookupEnv].
func WithLookup(lookup func(string) (string, bool)) WatcherOption {
	return func(w *Watcher) { w.lookup = lookup }
}

// NewWatcher loads path once and then polls it in the background until
// [Watcher.Stop]. onChange may be nil.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		lookup:   os.LookupEnv,
		onChange: onChange,
	}
	for _, opt := range opts {
		opt(w)
	}

	state, cfg, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.seen = state
	w.current.Store(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	w.stop = cancel
	go w.poll(ctx)
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config { return w.current.Load() }

// Stop ends polling. It is safe to call more than once.
func (w *Watcher) Stop() { w.stop() }

func (w *Watcher) poll(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		old, cfg, err := w.reload()
		switch {
		case errors.Is(err, errUnchanged):
		case err != nil:
			slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		default:
			slog.Info("config watcher: configuration reloaded", "path", w.path)
			if w.onChange != nil {
				w.onChange(old, cfg)
			}
		}
	}
}

var errUnchanged = errors.New("config: file unchanged")

// reload re-reads the file when its size or mtime moved and installs the
// result if the content differs from the last version seen. A rejected
// version is remembered too, so it is reported once rather than every tick.
func (w *Watcher) reload() (old, cfg *Config, err error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, nil, err
	}
	if w.seen.sameStat(info) {
		return nil, nil, errUnchanged
	}

	state, cfg, err := w.read()
	if state.sum == w.seen.sum {
		w.seen = state
		return nil, nil, errUnchanged
	}
	w.seen = state
	if err != nil {
		return nil, nil, err
	}
	return w.current.Swap(cfg), cfg, nil
}

// read parses the file and fingerprints the bytes it parsed. The state is
// filled in even when parsing fails.
func (w *Watcher) read() (fileState, *Config, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return fileState{}, nil, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fileState{}, nil, err
	}
	state := fileState{size: info.Size(), mtime: info.ModTime(), sum: sha256.Sum256(data)}
	cfg, err := parse(data, w.lookup)
	return state, cfg, err
}
