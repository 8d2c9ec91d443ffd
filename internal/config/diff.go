package config

import (
	"reflect"
	"time"
)

// ConfigDiff describes what changed between two configs. The Changed/New
// pairs are the settings applied while running; RestartRequired names the
// sections whose changes only take effect on the next start.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	GraceWindowChanged bool
	NewGraceWindow     time.Duration

	BlendChanged bool
	NewBlend     float64

	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.GraceWindowChanged && !d.BlendChanged && len(d.RestartRequired) == 0
}

// Diff compares two configs with defaults applied.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Transcript.GraceWindow != new.Transcript.GraceWindow {
		d.GraceWindowChanged = true
		d.NewGraceWindow = new.Transcript.GraceWindow
	}
	if ob, nb := blendOf(old), blendOf(new); ob != nb {
		d.BlendChanged = true
		d.NewBlend = nb
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Agent, new.Agent) {
		d.RestartRequired = append(d.RestartRequired, "agent")
	}
	if !reflect.DeepEqual(old.Audio, new.Audio) {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Transcript.ConversationID != new.Transcript.ConversationID ||
		old.Transcript.DeliveryTimeout != new.Transcript.DeliveryTimeout {
		d.RestartRequired = append(d.RestartRequired, "transcript")
	}
	if old.Waveform.RefreshHz != new.Waveform.RefreshHz {
		d.RestartRequired = append(d.RestartRequired, "waveform")
	}
	if !reflect.DeepEqual(old.Backend, new.Backend) {
		d.RestartRequired = append(d.RestartRequired, "backend")
	}
	if !reflect.DeepEqual(old.History, new.History) {
		d.RestartRequired = append(d.RestartRequired, "history")
	}
	if !reflect.DeepEqual(old.Reconnect, new.Reconnect) {
		d.RestartRequired = append(d.RestartRequired, "reconnect")
	}
	return d
}

func blendOf(c *Config) float64 {
	if c.Waveform.Blend == nil {
		return DefaultBlend
	}
	return *c.Waveform.Blend
}
