package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/talkback/internal/config"
)

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	want := config.Default()
	if *cfg != *want {
		t.Errorf("cfg = %+v, want defaults %+v", cfg, want)
	}
}

func TestLoadFromReader_OverridesDefaults(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: debug
  listen_addr: ":9090"
transport:
  endpoint: wss://talk.example.com/ws
  dial_timeout: 3s
capture:
  device: USB
  frame_duration: 40ms
  bitrate: 24000
playback:
  sample_rate: 44100
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.LogLevel != config.LogDebug || cfg.Server.ListenAddr != ":9090" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Transport.Endpoint != "wss://talk.example.com/ws" || cfg.Transport.DialTimeout != 3*time.Second {
		t.Errorf("transport = %+v", cfg.Transport)
	}
	if cfg.Transport.ReadLimitBytes != config.Default().Transport.ReadLimitBytes {
		t.Errorf("read limit default lost: %d", cfg.Transport.ReadLimitBytes)
	}
	if cfg.Capture.Device != "USB" || cfg.Capture.FrameDuration != 40*time.Millisecond || cfg.Capture.Bitrate != 24000 {
		t.Errorf("capture = %+v", cfg.Capture)
	}
	if cfg.Playback.SampleRate != 44100 {
		t.Errorf("playback.sample_rate = %d, want 44100", cfg.Playback.SampleRate)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("transport:\n  endpont: ws://x\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"defaults without endpoint", func(*config.Config) {}, ""},
		{"ws endpoint", func(c *config.Config) { c.Transport.Endpoint = "ws://localhost:8000/ws" }, ""},
		{"http endpoint", func(c *config.Config) { c.Transport.Endpoint = "http://localhost:8000" }, "ws or wss"},
		{"bad log level", func(c *config.Config) { c.Server.LogLevel = "verbose" }, "log_level"},
		{"bad frame duration", func(c *config.Config) { c.Capture.FrameDuration = 15 * time.Millisecond }, "frame_duration"},
		{"three channels", func(c *config.Config) { c.Capture.Channels = 3 }, "capture.channels"},
		{"bitrate too low", func(c *config.Config) { c.Capture.Bitrate = 100 }, "bitrate"},
		{"zero read limit", func(c *config.Config) { c.Transport.ReadLimitBytes = 0 }, "read_limit_bytes"},
		{"zero playback buffer", func(c *config.Config) { c.Playback.Buffer = 0 }, "playback.buffer"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := config.Default()
			tc.mutate(cfg)
			err := config.Validate(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Errorf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Validate err = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}

func TestValidate_JoinsAllFailures(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Server.LogLevel = "loud"
	cfg.Capture.SampleRate = 0
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"log_level", "capture.sample_rate"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		config.EnvEndpoint:   "ws://env.example/ws",
		config.EnvLogLevel:   "warn",
		config.EnvListenAddr: "127.0.0.1:8081",
		config.EnvDevice:     "Headset",
	}
	cfg := config.Default()
	config.ApplyEnv(cfg, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if cfg.Transport.Endpoint != "ws://env.example/ws" {
		t.Errorf("endpoint = %q", cfg.Transport.Endpoint)
	}
	if cfg.Server.LogLevel != config.LogWarn || cfg.Server.ListenAddr != "127.0.0.1:8081" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Capture.Device != "Headset" {
		t.Errorf("device = %q", cfg.Capture.Device)
	}
}

func TestApplyEnv_LegacyEndpointFallback(t *testing.T) {
	t.Parallel()
	lookup := func(k string) (string, bool) {
		if k == "NEXT_PUBLIC_WS_URL" {
			return "ws://legacy/ws", true
		}
		return "", false
	}

	cfg := config.Default()
	config.ApplyEnv(cfg, lookup)
	if cfg.Transport.Endpoint != "ws://legacy/ws" {
		t.Errorf("endpoint = %q, want legacy value", cfg.Transport.Endpoint)
	}

	cfg = config.Default()
	cfg.Transport.Endpoint = "ws://from-file/ws"
	config.ApplyEnv(cfg, lookup)
	if cfg.Transport.Endpoint != "ws://from-file/ws" {
		t.Errorf("legacy variable overrode file endpoint: %q", cfg.Transport.Endpoint)
	}
}

func TestLoad_FileDotEnvAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	if err := os.WriteFile(".env.local", []byte("TALKBACK_WS_URL=ws://dotenv-local/ws\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(".env", []byte("TALKBACK_WS_URL=ws://dotenv/ws\nTALKBACK_LOG_LEVEL=debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "talkback.yaml")
	if err := os.WriteFile(path, []byte("capture:\n  bitrate: 48000\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(config.EnvListenAddr, ":7070")
	t.Setenv(config.EnvEndpoint, "")
	t.Setenv(config.EnvLogLevel, "")
	os.Unsetenv(config.EnvEndpoint)
	os.Unsetenv(config.EnvLogLevel)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transport.Endpoint != "ws://dotenv-local/ws" {
		t.Errorf("endpoint = %q, want .env.local value", cfg.Transport.Endpoint)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log level = %q, want debug from .env", cfg.Server.LogLevel)
	}
	if cfg.Server.ListenAddr != ":7070" {
		t.Errorf("listen addr = %q, want :7070", cfg.Server.ListenAddr)
	}
	if cfg.Capture.Bitrate != 48000 {
		t.Errorf("bitrate = %d, want 48000", cfg.Capture.Bitrate)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadWith_LookupOverridesEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	lookup := func(key string) (string, bool) {
		if key == config.EnvEndpoint {
			return "ws://from-flag/ws", true
		}
		return "", false
	}
	cfg, err := config.LoadWith("", lookup)
	if err != nil {
		t.Fatalf("LoadWith: %v", err)
	}
	if cfg.Transport.Endpoint != "ws://from-flag/ws" {
		t.Errorf("endpoint = %q, want the lookup value", cfg.Transport.Endpoint)
	}
}

func TestLoadWith_ErrorNamesPathOnlyWhenGiven(t *testing.T) {
	t.Chdir(t.TempDir())
	bad := func(key string) (string, bool) {
		if key == config.EnvLogLevel {
			return "bananas", true
		}
		return "", false
	}

	_, err := config.LoadWith("", bad)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if strings.Contains(err.Error(), `""`) {
		t.Errorf("error without a file mentions an empty path: %v", err)
	}

	path := filepath.Join(t.TempDir(), "talkback.yaml")
	if err := os.WriteFile(path, []byte("server:\n  log_level: info\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err = config.LoadWith(path, bad)
	if err == nil || !strings.Contains(err.Error(), path) {
		t.Errorf("error = %v, want it to name %s", err, path)
	}
}
