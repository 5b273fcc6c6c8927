package config

// ConfigDiff describes what changed between two configs, grouped by when
// the change takes effect. Log level applies immediately; session settings
// apply to the next session start; everything else needs a process restart.
type ConfigDiff struct {
	// LogLevelChanged reports a server.log_level change, applied live.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged reports a change under audio, mix, pipeline or output.
	// Running sessions keep their snapshot; the next start picks it up.
	SessionChanged bool

	// RestartRequired lists config sections whose changes only take effect
	// after a restart (engine is loaded once, the listener is bound once,
	// the archive pool is opened once).
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Audio != new.Audio ||
		old.Mix != new.Mix ||
		old.Pipeline != new.Pipeline ||
		old.Output != new.Output {
		d.SessionChanged = true
	}

	if !engineEqual(&old.Engine, &new.Engine) {
		d.RestartRequired = append(d.RestartRequired, "engine")
	}
	if old.Server.ListenAddr != new.Server.ListenAddr || !tlsEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Archive != new.Archive {
		d.RestartRequired = append(d.RestartRequired, "archive")
	}

	return d
}

// engineEqual compares engine blocks including the optional fallback level.
func engineEqual(a, b *EngineConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	av, bv := *a, *b
	av.Fallback, bv.Fallback = nil, nil
	if av != bv {
		return false
	}
	if (a.Fallback == nil) != (b.Fallback == nil) {
		return false
	}
	if a.Fallback == nil {
		return true
	}
	return engineEqual(a.Fallback, b.Fallback)
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
