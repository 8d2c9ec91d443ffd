// Package health serves liveness and readiness checks.
//
//   - /healthz: liveness; 200 whenever the process can serve HTTP.
//   - /readyz: readiness; 200 only when every registered [Checker] passes.
//
// Responses are JSON objects with a "status" field ("ok" or "fail") and a
// "checks" map holding the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultCheckTimeout bounds a single readiness check.
const DefaultCheckTimeout = 5 * time.Second

// Checker is a named dependency check. Check returns nil when the dependency is usable.
type Checker struct {
	// Name is the key of this check in the JSON response, e.g. "agent".
	Name string

	// Check must respect context cancellation.
	Check func(ctx context.Context) error
}

// Report is the outcome of running every checker once.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// OK reports whether every check passed.
func (r Report) OK() bool { return r.Status == "ok" }

// Handler serves the health endpoints. Checkers may be added at any time;
// all methods are safe for concurrent use.
type Handler struct {
	timeout time.Duration

	mu       sync.RWMutex
	checkers []Checker
}

// New returns a handler evaluating checkers on every readiness request.
func New(checkers ...Checker) *Handler {
	return &Handler{
		timeout:  DefaultCheckTimeout,
		checkers: slices.Clone(checkers),
	}
}

// SetTimeout changes the per-check deadline.
func (h *Handler) SetTimeout(d time.Duration) {
	if d > 0 {
		h.mu.Lock()
		h.timeout = d
		h.mu.Unlock()
	}
}

// Add registers another checker. A checker with an existing name replaces it.
func (h *Handler) Add(c Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.checkers {
		if h.checkers[i].Name == c.Name {
			h.checkers[i] = c
			return
		}
	}
	h.checkers = append(h.checkers, c)
}

// Names returns the registered checker names in registration order.
func (h *Handler) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, len(h.checkers))
	for i, c := range h.checkers {
		names[i] = c.Name
	}
	return names
}

// Check runs every checker concurrently, each under its own deadline, and
// collects the results.
func (h *Handler) Check(ctx context.Context) Report {
	h.mu.RLock()
	checkers := slices.Clone(h.checkers)
	timeout := h.timeout
	h.mu.RUnlock()

	var (
		mu      sync.Mutex
		results = make(map[string]string, len(checkers))
		allOK   = true
	)
	var g errgroup.Group
	for _, c := range checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			err := c.Check(cctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				results[c.Name] = "fail: " + err.Error()
				allOK = false
				return nil
			}
			results[c.Name] = "ok"
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: "ok", Checks: maps.Clone(results)}
	if !allOK {
		rep.Status = "fail"
	}
	return rep
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: "ok"})
}

// Readyz answers 200 when every checker passes and 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Check(r.Context())
	status := http.StatusOK
	if !rep.OK() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
