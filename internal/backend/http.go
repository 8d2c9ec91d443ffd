package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/transcript"
)

// DefaultHTTPTimeout is the client timeout used when none is configured.
const DefaultHTTPTimeout = 5 * time.Second

// StatusError reports a non-2xx response from the conversation service.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend: %s: status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("backend: %s: status %d: %s", e.Op, e.Code, e.Body)
}

// IsBackendFailure reports whether err says something about the health of the
// service rather than about one request. Only 5xx responses and transport
// errors count; a 4xx is the request's fault.
func IsBackendFailure(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	return true
}

// HTTPOption configures an [HTTPSink].
type HTTPOption func(*HTTPSink)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSink) { s.client = c }
}

// WithBreaker guards every request with cb. Requests fail fast with
// [resilience.ErrCircuitOpen] while it is open.
func WithBreaker(cb *resilience.CircuitBreaker) HTTPOption {
	return func(s *HTTPSink) { s.breaker = cb }
}

// WithHeader adds a header to every request, e.g. an Authorization token.
func WithHeader(key, value string) HTTPOption {
	return func(s *HTTPSink) { s.header.Set(key, value) }
}

// HTTPSink delivers utterances to a conversation service:
//
//	POST {base}/transcripts                      one Utterance as JSON
//	GET  {base}/conversations/{id}/messages      []HistoryEntry as JSON
//	GET  {base}/healthz                          any 2xx
type HTTPSink struct {
	base    string
	client  *http.Client
	breaker *resilience.CircuitBreaker
	header  http.Header
}

// NewHTTPSink returns a sink rooted at baseURL.
func NewHTTPSink(baseURL string, opts ...HTTPOption) (*HTTPSink, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("backend: parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend: url %q: scheme must be http or https", baseURL)
	}
	s := &HTTPSink{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: DefaultHTTPTimeout},
		header: make(http.Header),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Deliver posts u to {base}/transcripts.
func (s *HTTPSink) Deliver(ctx context.Context, u transcript.Utterance) error {
	body, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("backend: marshal utterance: %w", err)
	}
	return s.guard(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/transcripts", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("backend: deliver: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.do(req, "deliver")
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.Body.Close()
	})
}

// History fetches the messages of conversationID. A 404 means the
// conversation has no history yet.
func (s *HTTPSink) History(ctx context.Context, conversationID string) ([]session.HistoryEntry, error) {
	var entries []session.HistoryEntry
	err := s.guard(func() error {
		endpoint := s.base + "/conversations/" + url.PathEscape(conversationID) + "/messages"
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("backend: history: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		resp, err := s.do(req, "history")
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && se.Code == http.StatusNotFound {
				entries = nil
				return nil
			}
			return err
		}
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
			return fmt.Errorf("%w: decode: %v", session.ErrMalformedHistory, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Ping checks {base}/healthz. It bypasses the breaker so readiness reflects
// the service itself.
func (s *HTTPSink) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("backend: ping: %w", err)
	}
	resp, err := s.do(req, "ping")
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// Close releases idle connections.
func (s *HTTPSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *HTTPSink) guard(fn func() error) error {
	if s.breaker == nil {
		return fn()
	}
	return s.breaker.Execute(fn)
}

// do sends req and converts a non-2xx status into a *StatusError. On success
// the caller owns resp.Body.
func (s *HTTPSink) do(req *http.Request, op string) (*http.Response, error) {
	for k, v := range s.header {
		req.Header[k] = v
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: %s: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	return resp, nil
}
