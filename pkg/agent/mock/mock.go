// Package mock provides test doubles for the agent package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to push agent events into the code under test and inspect
// what it sent back.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Sessions: []*mock.Session{sess}}
//	s, _ := p.Connect(ctx, cfg)
//	sess.Emit(agent.Event{Kind: agent.InputTranscription, Text: "hi"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/agent"
)

var (
	_ agent.Provider = (*Provider)(nil)
	_ agent.Session  = (*Session)(nil)
)

// Provider is a mock implementation of agent.Provider.
type Provider struct {
	mu sync.Mutex

	// Sessions are handed out by Connect in order. Once exhausted, Connect
	// creates fresh sessions with NewSession.
	Sessions []*Session

	// ConnectErrs are returned by successive Connect calls before any session
	// is handed out; a nil entry means success for that call.
	ConnectErrs []error

	// Configs records the SessionConfig of every Connect call.
	Configs []agent.SessionConfig

	// Opened records every session returned by Connect.
	Opened []*Session

	CallCountConnect int
}

// Connect records the call and returns the next session or error.
func (p *Provider) Connect(_ context.Context, cfg agent.SessionConfig) (agent.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountConnect++
	p.Configs = append(p.Configs, cfg)

	if len(p.ConnectErrs) > 0 {
		err := p.ConnectErrs[0]
		p.ConnectErrs = p.ConnectErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	var s *Session
	if len(p.Sessions) > 0 {
		s, p.Sessions = p.Sessions[0], p.Sessions[1:]
	} else {
		s = NewSession()
	}
	p.Opened = append(p.Opened, s)
	return s, nil
}

// Calls returns the number of Connect calls so far.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CallCountConnect
}

// Last returns the most recently opened session, or nil.
func (p *Provider) Last() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Opened) == 0 {
		return nil
	}
	return p.Opened[len(p.Opened)-1]
}

// Session is a mock implementation of agent.Session.
type Session struct {
	events chan agent.Event

	mu     sync.Mutex
	audio  [][]byte
	texts  []string
	err    error
	closed bool

	// SendErr, if set, is returned from SendAudio and SendText.
	SendErr error

	CallCountClose int
}

// NewSession returns a session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan agent.Event, 64)}
}

// Emit pushes an event to the consumer. It is a no-op after the session
// has ended.
func (s *Session) Emit(ev agent.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

// Drop simulates an unexpected connection loss: Err reports err and the
// event channel closes.
func (s *Session) Drop(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.events)
}

// SendAudio records a copy of pcm.
func (s *Session) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return agent.ErrSessionClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.audio = append(s.audio, append([]byte(nil), pcm...))
	return nil
}

// SendText records text.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return agent.ErrSessionClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.texts = append(s.texts, text)
	return nil
}

// Events returns the event channel.
func (s *Session) Events() <-chan agent.Event { return s.events }

// Err returns the error passed to Drop.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the session. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// Audio returns copies of every chunk passed to SendAudio.
func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.audio...)
}

// Texts returns every string passed to SendText.
func (s *Session) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

// Closed reports whether Close or Drop was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
