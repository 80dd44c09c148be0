package config

import "slices"

// ConfigDiff describes what changed between two configs. Only the log level
// can be applied to a running server; everything else needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists dotted config paths whose new values only take
	// effect after a restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !tlsEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if old.Database.Path != new.Database.Path {
		d.RestartRequired = append(d.RestartRequired, "database.path")
	}
	if old.Providers.LLM != new.Providers.LLM {
		d.RestartRequired = append(d.RestartRequired, "providers.llm")
	}
	if !slices.Equal(old.Providers.LLMFallbacks, new.Providers.LLMFallbacks) {
		d.RestartRequired = append(d.RestartRequired, "providers.llm_fallbacks")
	}
	if old.Providers.Voice != new.Providers.Voice {
		d.RestartRequired = append(d.RestartRequired, "providers.voice")
	}
	if old.Agent != new.Agent {
		d.RestartRequired = append(d.RestartRequired, "agent")
	}
	if old.Refiner != new.Refiner {
		d.RestartRequired = append(d.RestartRequired, "refiner")
	}
	if old.Export != new.Export {
		d.RestartRequired = append(d.RestartRequired, "export")
	}

	return d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
