package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/transcript"
)

// DefaultSummaryChars bounds the prior-context summary when no budget is
// configured.
const DefaultSummaryChars = 4000

// ErrMalformedHistory is returned when the history source yields entries that
// cannot be part of a transcript: an unknown speaker or empty text.
var ErrMalformedHistory = errors.New("session: malformed history")

// HistoryEntry is one previously delivered utterance of a conversation.
type HistoryEntry struct {
	Speaker   transcript.Speaker `json:"speaker"`
	Text      string             `json:"text"`
	Timestamp time.Time          `json:"timestamp"`
}

// HistorySource fetches the earlier turns of a conversation, oldest first.
type HistorySource interface {
	History(ctx context.Context, conversationID string) ([]HistoryEntry, error)
}

// HistorySourceFunc adapts a function to [HistorySource].
type HistorySourceFunc func(ctx context.Context, conversationID string) ([]HistoryEntry, error)

// History calls f.
func (f HistorySourceFunc) History(ctx context.Context, conversationID string) ([]HistoryEntry, error) {
	return f(ctx, conversationID)
}

// ValidateHistory reports the first malformed entry, wrapped in
// [ErrMalformedHistory].
func ValidateHistory(entries []HistoryEntry) error {
	for i, e := range entries {
		if !e.Speaker.Valid() {
			return fmt.Errorf("%w: entry %d: unknown speaker %q", ErrMalformedHistory, i, e.Speaker)
		}
		if strings.TrimSpace(e.Text) == "" {
			return fmt.Errorf("%w: entry %d: empty text", ErrMalformedHistory, i)
		}
	}
	return nil
}

// HistoryState is what the session knows about earlier turns after
// connecting. A non-nil Err means the history could not be loaded; the
// conversation still starts, without prior context.
type HistoryState struct {
	Entries []HistoryEntry
	Summary string
	Err     error
}

// Failed reports whether loading the history failed.
func (h HistoryState) Failed() bool { return h.Err != nil }

// Summarize renders entries as "speaker: text" lines, keeping the most
// recent entries whose lines fit in maxChars. maxChars <= 0 applies
// [DefaultSummaryChars]. An entry that alone exceeds the budget is cut from
// the front so its ending survives.
func Summarize(entries []HistoryEntry, maxChars int) string {
	if maxChars <= 0 {
		maxChars = DefaultSummaryChars
	}
	var lines []string
	used := 0
	for i := len(entries) - 1; i >= 0; i-- {
		line := string(entries[i].Speaker) + ": " + strings.TrimSpace(entries[i].Text)
		cost := len(line)
		if len(lines) > 0 {
			cost++ // newline
		}
		if used+cost > maxChars {
			if len(lines) == 0 {
				lines = append(lines, trimFront(line, maxChars))
			}
			break
		}
		lines = append(lines, line)
		used += cost
	}
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return strings.Join(lines, "\n")
}

// trimFront keeps the last n bytes of s, advancing to a rune boundary.
func trimFront(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := len(s) - n
	for cut < len(s) && !isRuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// LoadHistory fetches and validates the history of conversationID and
// builds its summary. Errors are reported in the returned state, never
// returned, so a broken history never blocks a fresh conversation.
func LoadHistory(ctx context.Context, src HistorySource, conversationID string, maxChars int, m *observe.Metrics) HistoryState {
	if src == nil {
		return HistoryState{}
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}

	ctx, span := observe.StartHistorySpan(ctx, conversationID)
	start := time.Now()
	entries, err := src.History(ctx, conversationID)
	m.HistoryDuration.Record(ctx, time.Since(start).Seconds())
	if err == nil {
		err = ValidateHistory(entries)
	}
	if err == nil {
		span.SetAttributes(attribute.Int("parley.entries", len(entries)))
	}
	observe.EndSpan(span, err)
	if err != nil {
		observe.Logger(ctx).Warn("session: history unavailable, starting without prior context",
			"conversation_id", conversationID,
			"err", err,
		)
		return HistoryState{Err: fmt.Errorf("session: load history: %w", err)}
	}

	return HistoryState{Entries: entries, Summary: Summarize(entries, maxChars)}
}
