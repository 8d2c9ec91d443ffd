// Package agent defines the interface to a remote speech-to-speech agent.
//
// A [Provider] dials a live [Session]. The session accepts 16 kHz mono s16le
// audio and typed user turns, and reports what happened on its side as a
// stream of [Event] values: transcriptions of the user's speech, transcriptions
// of the agent's reply, synthesised audio, and turn boundaries.
//
// Transcription events carry deltas, not cumulative text. Consumers that need
// a running transcript concatenate the deltas of one turn themselves.
//
// All implementations must be safe for concurrent use.
package agent

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by [Session] methods after Close.
var ErrSessionClosed = errors.New("agent: session closed")

// EventKind discriminates [Event] values.
type EventKind int

const (
	// InputTranscription carries a delta of the user's recognised speech.
	InputTranscription EventKind = iota + 1

	// OutputTranscription carries a delta of the text version of the agent's
	// spoken reply.
	OutputTranscription

	// AgentAudio carries a chunk of synthesised agent speech.
	AgentAudio

	// TurnComplete marks the end of the agent's turn.
	TurnComplete

	// Interrupted reports that the agent stopped its reply because the user
	// started speaking.
	Interrupted
)

// String returns the lower-case event name used in logs and metric attributes.
func (k EventKind) String() string {
	switch k {
	case InputTranscription:
		return "input_transcription"
	case OutputTranscription:
		return "output_transcription"
	case AgentAudio:
		return "agent_audio"
	case TurnComplete:
		return "turn_complete"
	case Interrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Event is one notification from the agent.
type Event struct {
	Kind EventKind

	// Text is set for InputTranscription and OutputTranscription.
	Text string

	// Audio is set for AgentAudio: raw PCM as produced by the agent.
	Audio []byte
}

// SessionConfig is the initial configuration for a new session.
type SessionConfig struct {
	// Voice is the provider-specific voice name. Empty selects the default.
	Voice string

	// Instructions is the system prompt.
	Instructions string

	// PriorContext is a plain-text summary of earlier turns of the same
	// conversation. It is appended to the system prompt when non-empty.
	PriorContext string
}

// Session is an open agent session.
type Session interface {
	// SendAudio forwards one chunk of 16 kHz mono s16le PCM.
	SendAudio(pcm []byte) error

	// SendText submits a typed user turn.
	SendText(text string) error

	// Events returns the event stream. It is closed when the session ends,
	// either through Close or because the connection dropped. After it is
	// closed, Err reports the cause of an unexpected end.
	Events() <-chan Event

	// Err returns the error that ended the session, or nil after a clean
	// Close.
	Err() error

	// Close terminates the session. Calling Close more than once is safe.
	Close() error
}

// Provider dials agent sessions.
type Provider interface {
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}

// SystemPrompt joins the instructions and the prior-context summary into the
// single system prompt sent at session setup.
func (c SessionConfig) SystemPrompt() string {
	switch {
	case c.PriorContext == "":
		return c.Instructions
	case c.Instructions == "":
		return "Conversation so far:\n" + c.PriorContext
	default:
		return c.Instructions + "\n\nConversation so far:\n" + c.PriorContext
	}
}
