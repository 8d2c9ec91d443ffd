package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/agent"
)

// Default reconnection parameters.
const (
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// ErrReconnectDisabled is returned by [Reconnector.Redial] when MaxRetries is
// zero.
var ErrReconnectDisabled = errors.New("session: reconnect disabled")

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Dial opens a replacement session.
	Dial func(ctx context.Context) (agent.Session, error)

	// MaxRetries is the number of attempts per drop. Zero disables
	// reconnecting.
	MaxRetries int

	// Backoff is the wait after the first failed attempt. It doubles on every
	// further failure up to MaxBackoff. Defaults to 1s.
	Backoff time.Duration

	// MaxBackoff caps the wait. Defaults to 30s.
	MaxBackoff time.Duration

	Metrics *observe.Metrics
}

// Reconnector redials the agent after an unexpected drop with exponential
// backoff. It is safe for concurrent use.
type Reconnector struct {
	dial       func(ctx context.Context) (agent.Session, error)
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	metrics    *observe.Metrics
}

// NewReconnector creates a [Reconnector].
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	r := &Reconnector{
		dial:       cfg.Dial,
		maxRetries: max(cfg.MaxRetries, 0),
		backoff:    cfg.Backoff,
		maxBackoff: cfg.MaxBackoff,
		metrics:    cfg.Metrics,
	}
	if r.backoff <= 0 {
		r.backoff = defaultBackoff
	}
	if r.maxBackoff <= 0 {
		r.maxBackoff = defaultMaxBackoff
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Enabled reports whether drops are redialed at all.
func (r *Reconnector) Enabled() bool { return r.maxRetries > 0 && r.dial != nil }

// Redial tries to open a new session, waiting between attempts. It returns
// the first session that connects, or an error once every attempt failed or
// ctx is done.
func (r *Reconnector) Redial(ctx context.Context) (agent.Session, error) {
	if !r.Enabled() {
		return nil, ErrReconnectDisabled
	}

	wait := r.backoff
	var lastErr error
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		slog.Info("session: reconnecting to agent",
			"attempt", attempt,
			"max_retries", r.maxRetries,
		)
		sess, err := r.dial(ctx)
		if err == nil {
			r.metrics.RecordReconnect(ctx, "ok")
			slog.Info("session: agent reconnected", "attempt", attempt)
			return sess, nil
		}
		lastErr = err
		r.metrics.RecordReconnect(ctx, "error")
		slog.Warn("session: reconnect attempt failed",
			"attempt", attempt,
			"backoff", wait,
			"err", err,
		)

		if attempt == r.maxRetries {
			break
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		wait = min(wait*2, r.maxBackoff)
	}
	return nil, fmt.Errorf("session: reconnect failed after %d attempts: %w", r.maxRetries, lastErr)
}
