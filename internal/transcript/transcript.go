// Package transcript turns streaming partial transcripts from two speakers
// into finalized utterances and hands each one to a backend exactly once.
//
// The [Engine] owns one [Buffer] per [Speaker]. Partial transcripts grow a
// buffer under a longest-text-wins rule; turn-boundary events (the agent
// starting to speak, a turn completing, the mic toggling, an interruption)
// request a flush. Flush requests for the same buffer that arrive within the
// grace window collapse into one. Finalized utterances are delivered by a
// single worker in the order they were finalized, so a slow backend never
// stalls the event loop.
//
// All buffer mutation happens on the goroutine running [Engine.Run]; the
// exported methods only post events to it and are safe for concurrent use.
package transcript

import (
	"context"
	"time"
)

// Speaker identifies which side of the conversation produced text.
type Speaker string

const (
	// SpeakerUser is the local participant, recognised by the agent.
	SpeakerUser Speaker = "user"

	// SpeakerAgent is the remote agent's own speech.
	SpeakerAgent Speaker = "agent"
)

// Valid reports whether s is one of the known speakers.
func (s Speaker) Valid() bool {
	return s == SpeakerUser || s == SpeakerAgent
}

// Utterance is one finalized piece of transcript. It is immutable once
// created.
type Utterance struct {
	Speaker        Speaker   `json:"speaker"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
	ConversationID string    `json:"conversationId"`
}

// Deliverer persists finalized utterances. Deliver is called from a single
// goroutine, one utterance at a time, in finalization order.
type Deliverer interface {
	Deliver(ctx context.Context, u Utterance) error
}

// DelivererFunc adapts a plain function to [Deliverer].
type DelivererFunc func(ctx context.Context, u Utterance) error

// Deliver implements [Deliverer].
func (f DelivererFunc) Deliver(ctx context.Context, u Utterance) error { return f(ctx, u) }

// DeliveryResult is passed to subscribers after every delivery attempt.
type DeliveryResult struct {
	Utterance Utterance
	Err       error
	Duration  time.Duration
}
