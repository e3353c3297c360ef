// Package config provides the configuration schema and loader for talkback.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for talkback.
// It is typically produced by [Load], which layers a YAML file, .env files
// and environment variables over [Default].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Transport TransportConfig `yaml:"transport"`
	Capture   CaptureConfig   `yaml:"capture"`
	Playback  PlaybackConfig  `yaml:"playback"`
}

// ServerConfig holds logging and diagnostics settings.
type ServerConfig struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// ListenAddr is the TCP address of the diagnostics HTTP server
	// (/healthz, /readyz, /statusz, /metrics). Empty disables it.
	ListenAddr string `yaml:"listen_addr"`
}

// TransportConfig configures the connection to the talkback server.
type TransportConfig struct {
	// Endpoint is the ws:// or wss:// URL of the server. When empty the
	// client runs but never connects, records or plays anything.
	Endpoint string `yaml:"endpoint"`

	// ReadLimitBytes bounds a single inbound audio clip.
	ReadLimitBytes int64 `yaml:"read_limit_bytes"`

	// DialTimeout bounds the initial WebSocket handshake. Zero disables it.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// CaptureConfig configures microphone recording and encoding.
type CaptureConfig struct {
	// Device selects an input device by (partial) name. Empty uses the
	// system default.
	Device string `yaml:"device"`

	// SampleRate and Channels are requested from the device. Audio is
	// converted to 48 kHz mono before encoding regardless.
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// FrameDuration is the Opus frame size (2.5ms to 60ms).
	FrameDuration time.Duration `yaml:"frame_duration"`

	// Bitrate is the Opus target bitrate in bits per second.
	Bitrate int `yaml:"bitrate"`

	// SendTimeout bounds the write of one finished recording.
	SendTimeout time.Duration `yaml:"send_timeout"`
}

// PlaybackConfig configures the audio output.
type PlaybackConfig struct {
	// SampleRate of the output device. Clips at other rates are resampled.
	SampleRate int `yaml:"sample_rate"`

	// Buffer is the speaker buffer duration.
	Buffer time.Duration `yaml:"buffer"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			LogLevel: LogInfo,
		},
		Transport: TransportConfig{
			ReadLimitBytes: 16 << 20,
			DialTimeout:    10 * time.Second,
		},
		Capture: CaptureConfig{
			SampleRate:    48000,
			Channels:      1,
			FrameDuration: 20 * time.Millisecond,
			Bitrate:       32000,
			SendTimeout:   30 * time.Second,
		},
		Playback: PlaybackConfig{
			SampleRate: 48000,
			Buffer:     100 * time.Millisecond,
		},
	}
}
