package config

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/parley/internal/backend"
	"github.com/MrWong99/parley/pkg/agent"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// AgentFactory builds an agent provider from its configuration block.
type AgentFactory func(AgentConfig) (agent.Provider, error)

// BackendFactory builds a transcript backend. It may dial, so it takes a
// context.
type BackendFactory func(context.Context, BackendConfig) (backend.Backend, error)

// Registry maps provider names to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]AgentFactory
	backends map[string]BackendFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		agents:   make(map[string]AgentFactory),
		backends: make(map[string]BackendFactory),
	}
}

// RegisterAgent registers an agent factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterAgent(name string, factory AgentFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[name] = factory
}

// RegisterBackend registers a backend factory under name.
func (r *Registry) RegisterBackend(name string, factory BackendFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = factory
}

// CreateAgent instantiates the agent provider registered under cfg.Name.
func (r *Registry) CreateAgent(cfg AgentConfig) (agent.Provider, error) {
	r.mu.RLock()
	factory, ok := r.agents[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: agent/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}

// CreateBackend instantiates the backend registered under cfg.Name.
func (r *Registry) CreateBackend(ctx context.Context, cfg BackendConfig) (backend.Backend, error) {
	r.mu.RLock()
	factory, ok := r.backends[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: backend/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(ctx, cfg)
}

// AgentNames returns the registered agent names, sorted.
func (r *Registry) AgentNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for n := range r.agents {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
