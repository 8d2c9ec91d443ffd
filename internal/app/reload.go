package app

import (
	"log/slog"

	"github.com/MrWong99/parley/internal/config"
)

// applyConfig applies the hot-reloadable part of a config change and warns
// about the rest.
func (a *App) applyConfig(old, updated *config.Config) {
	d := config.Diff(old, updated)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged {
		if a.level != nil {
			a.level.Set(d.NewLogLevel.Slog())
		}
		slog.Info("config reload: log level changed", "log_level", d.NewLogLevel)
	}
	if d.GraceWindowChanged {
		a.engine.SetGraceWindow(d.NewGraceWindow)
		slog.Info("config reload: grace window changed", "grace_window", d.NewGraceWindow)
	}
	if d.BlendChanged {
		a.hub.SetBlend(d.NewBlend)
		slog.Info("config reload: waveform blend changed", "blend", d.NewBlend)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config reload: some changes need a restart", "sections", d.RestartRequired)
	}
}
