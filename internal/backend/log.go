package backend

import (
	"context"
	"log/slog"
	"sync"

	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/transcript"
)

// LogSink logs every utterance and remembers it for the lifetime of the
// process, so history works across agent reconnects without a database.
type LogSink struct {
	logger *slog.Logger

	mu    sync.Mutex
	convs map[string][]session.HistoryEntry
}

// NewLogSink returns a sink writing to logger, or slog.Default when nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger, convs: make(map[string][]session.HistoryEntry)}
}

// Deliver logs u at info level and stores it.
func (s *LogSink) Deliver(ctx context.Context, u transcript.Utterance) error {
	s.logger.InfoContext(ctx, "transcript",
		"conversation_id", u.ConversationID,
		"speaker", u.Speaker,
		"text", u.Text,
	)
	s.mu.Lock()
	s.convs[u.ConversationID] = append(s.convs[u.ConversationID], session.HistoryEntry{
		Speaker:   u.Speaker,
		Text:      u.Text,
		Timestamp: u.Timestamp,
	})
	s.mu.Unlock()
	return nil
}

// History returns a copy of what was delivered for conversationID.
func (s *LogSink) History(_ context.Context, conversationID string) ([]session.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]session.HistoryEntry(nil), s.convs[conversationID]...), nil
}

// Ping always succeeds.
func (s *LogSink) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *LogSink) Close() error { return nil }
