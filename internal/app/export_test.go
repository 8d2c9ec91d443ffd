package app

import "github.com/MrWong99/parley/internal/config"

// ApplyConfig exposes the hot-reload handler to tests.
func (a *App) ApplyConfig(old, updated *config.Config) { a.applyConfig(old, updated) }
