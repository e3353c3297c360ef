package config

// ConfigDiff describes what changed between two configs.
// Only the log level is applied live; everything else is wired into
// long-lived connections and devices at startup.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists the changed keys that only take effect after a
	// restart, in a stable order.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	restart := func(key string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, key)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("transport.endpoint", old.Transport.Endpoint != new.Transport.Endpoint)
	restart("transport.read_limit_bytes", old.Transport.ReadLimitBytes != new.Transport.ReadLimitBytes)
	restart("transport.dial_timeout", old.Transport.DialTimeout != new.Transport.DialTimeout)
	restart("capture", old.Capture != new.Capture)
	restart("playback", old.Playback != new.Playback)

	return d
}
