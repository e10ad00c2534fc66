package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked individually;
// everything else is summarised in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VoiceDefaultChanged is set when voice.default names another backend.
	// The selector switches to it on apply.
	VoiceDefaultChanged bool
	NewVoiceDefault     string

	// SessionDefaultsChanged is set when generation, playback, or comment
	// tuning changed. New sessions pick the values up; running ones keep
	// theirs.
	SessionDefaultsChanged bool

	// RestartRequired lists top-level keys whose change only takes effect
	// after a restart.
	RestartRequired []string
}

// Changed reports whether d carries any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.VoiceDefaultChanged || d.SessionDefaultsChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Voice.Default != new.Voice.Default {
		d.VoiceDefaultChanged = true
		d.NewVoiceDefault = new.Voice.Default
	}

	if old.Generation != new.Generation || old.Playback != new.Playback || old.Comments != new.Comments {
		d.SessionDefaultsChanged = true
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !reflect.DeepEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.LLM, new.LLM) {
		d.RestartRequired = append(d.RestartRequired, "llm")
	}
	if !slices.Equal(old.Voice.Order, new.Voice.Order) ||
		old.Voice.ProbeTimeout != new.Voice.ProbeTimeout ||
		old.Voice.Parallelism != new.Voice.Parallelism ||
		old.Voice.Player != new.Voice.Player ||
		!reflect.DeepEqual(old.Voice.Providers, new.Voice.Providers) {
		d.RestartRequired = append(d.RestartRequired, "voice")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}

	return d
}
