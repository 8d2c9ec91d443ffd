// Package mock provides an in-memory [audio.Source] for use in unit tests.
//
// The mock is safe for concurrent use. It records every method call so that
// tests can assert on call counts, and it exposes exported fields that the
// test can set to control return values.
//
// Typical usage:
//
//	chunks := make(chan []float32, 4)
//	src := &mock.Source{Chunks: chunks}
//	ch, err := src.Start(ctx)
//	chunks <- make([]float32, audio.Quantum)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
)

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	// Chunks is returned by Start. If nil, Start returns a fresh channel
	// that Close closes.
	Chunks chan []float32

	// StartError is returned by Start.
	StartError error

	// CloseError is returned by Close.
	CloseError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	owned  bool
	closed bool
}

var _ audio.Source = (*Source)(nil)

// Start implements [audio.Source].
func (s *Source) Start(_ context.Context) (<-chan []float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartError != nil {
		return nil, s.StartError
	}
	if s.Chunks == nil {
		s.Chunks = make(chan []float32, 16)
		s.owned = true
	}
	return s.Chunks, nil
}

// Close implements [audio.Source]. A channel created by Start is closed on
// the first call.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if s.owned && !s.closed {
		close(s.Chunks)
		s.closed = true
	}
	return s.CloseError
}

// Closed reports whether Close has been called at least once.
func (s *Source) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose > 0
}
