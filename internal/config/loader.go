package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/talkback/pkg/audio/opus"
)

// Environment variables that override the YAML configuration.
const (
	EnvEndpoint   = "TALKBACK_WS_URL"
	EnvLogLevel   = "TALKBACK_LOG_LEVEL"
	EnvListenAddr = "TALKBACK_LISTEN_ADDR"
	EnvDevice     = "TALKBACK_AUDIO_DEVICE"

	// envLegacyEndpoint is the variable the web client read from .env.local.
	envLegacyEndpoint = "NEXT_PUBLIC_WS_URL"
)

// DotEnvFiles are loaded by [Load] in order. Variables already set in the
// process environment win, and earlier files win over later ones.
var DotEnvFiles = []string{".env.local", ".env"}

// Load builds the effective configuration: [Default], then the YAML file at
// path (skipped when path is empty), then .env files, then environment
// variables. The result is validated.
func Load(path string) (*Config, error) {
	return LoadWith(path, os.LookupEnv)
}

// LoadWith is [Load] with the environment read through lookup instead of
// [os.LookupEnv]. Callers layer command-line overrides this way so that
// [Watcher] reloads can apply the same lookup.
func LoadWith(path string, lookup func(string) (string, bool)) (*Config, error) {
	if err := LoadDotEnv(DotEnvFiles...); err != nil {
		return nil, err
	}

	var data []byte
	if path != "" {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
	}
	cfg, err := parse(data, lookup)
	if err != nil {
		if path == "" {
			return nil, fmt.Errorf("config: %w", err)
		}
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}
	return cfg, nil
}

// parse decodes data over [Default], applies lookup and validates.
func parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if err := decode(bytes.NewReader(data), cfg); err != nil {
		return nil, err
	}
	ApplyEnv(cfg, lookup)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over [Default] and validates
// the result. The environment is not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decode(r, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}

// LoadDotEnv loads the given .env files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %s: %w", f, err)
		}
		slog.Debug("config: loaded env file", "file", f)
	}
	return nil
}

// ApplyEnv overrides cfg with the environment variables visible through
// lookup (usually [os.LookupEnv]).
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvEndpoint); ok && v != "" {
		cfg.Transport.Endpoint = v
	} else if v, ok := lookup(envLegacyEndpoint); ok && v != "" && cfg.Transport.Endpoint == "" {
		cfg.Transport.Endpoint = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Server.LogLevel = LogLevel(v)
	}
	if v, ok := lookup(EnvListenAddr); ok {
		cfg.Server.ListenAddr = v
	}
	if v, ok := lookup(EnvDevice); ok {
		cfg.Capture.Device = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found. A missing
// endpoint is only warned about: the client still starts, inert.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Transport
	if cfg.Transport.Endpoint == "" {
		slog.Warn("transport.endpoint is empty; set " + EnvEndpoint + " to connect to a server")
	} else if u, err := url.Parse(cfg.Transport.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("transport.endpoint %q is not a valid URL: %w", cfg.Transport.Endpoint, err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("transport.endpoint %q must use the ws or wss scheme", cfg.Transport.Endpoint))
	}
	if cfg.Transport.ReadLimitBytes <= 0 {
		errs = append(errs, fmt.Errorf("transport.read_limit_bytes must be positive, got %d", cfg.Transport.ReadLimitBytes))
	}
	if cfg.Transport.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("transport.dial_timeout must not be negative, got %s", cfg.Transport.DialTimeout))
	}

	// Capture
	if cfg.Capture.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate must be positive, got %d", cfg.Capture.SampleRate))
	}
	if cfg.Capture.Channels != 1 && cfg.Capture.Channels != 2 {
		errs = append(errs, fmt.Errorf("capture.channels must be 1 or 2, got %d", cfg.Capture.Channels))
	}
	if !opus.ValidFrameDuration(cfg.Capture.FrameDuration) {
		errs = append(errs, fmt.Errorf("capture.frame_duration %s is invalid; valid values: 2.5ms, 5ms, 10ms, 20ms, 40ms, 60ms", cfg.Capture.FrameDuration))
	}
	if cfg.Capture.Bitrate < 6000 || cfg.Capture.Bitrate > 510000 {
		errs = append(errs, fmt.Errorf("capture.bitrate %d is out of range [6000, 510000]", cfg.Capture.Bitrate))
	}
	if cfg.Capture.SendTimeout < 0 {
		errs = append(errs, fmt.Errorf("capture.send_timeout must not be negative, got %s", cfg.Capture.SendTimeout))
	}

	// Playback
	if cfg.Playback.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("playback.sample_rate must be positive, got %d", cfg.Playback.SampleRate))
	}
	if cfg.Playback.Buffer <= 0 {
		errs = append(errs, fmt.Errorf("playback.buffer must be positive, got %s", cfg.Playback.Buffer))
	}

	return errors.Join(errs...)
}
