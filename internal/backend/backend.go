// Package backend holds the places finalized utterances go and earlier turns
// come from.
//
// Every [Backend] is both a [transcript.Deliverer] and a
// [session.HistorySource] for the same store, so a reconnecting session
// reads back exactly what it wrote:
//
//   - [HTTPSink] talks to a conversation service over JSON/HTTP and is
//     guarded by a circuit breaker.
//   - [PostgresStore] writes to and reads from a transcript_entries table.
//   - [LogSink] logs each utterance and keeps the conversation in memory.
package backend

import (
	"context"

	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/transcript"
)

// Backend persists utterances and serves them back as history.
type Backend interface {
	transcript.Deliverer
	session.HistorySource

	// Ping reports whether the backend is reachable. Used by /readyz.
	Ping(ctx context.Context) error

	// Close releases connections. It is safe to call more than once.
	Close() error
}

var (
	_ Backend = (*HTTPSink)(nil)
	_ Backend = (*PostgresStore)(nil)
	_ Backend = (*LogSink)(nil)
)
