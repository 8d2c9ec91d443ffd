package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/pkg/agent"
	agentmock "github.com/MrWong99/parley/pkg/agent/mock"
	audiomock "github.com/MrWong99/parley/pkg/audio/mock"
)

// recordingBackend keeps delivered utterances in memory.
type recordingBackend struct {
	mu  sync.Mutex
	got []transcript.Utterance

	CallCountClose int
}

func (b *recordingBackend) Deliver(_ context.Context, u transcript.Utterance) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.got = append(b.got, u)
	return nil
}

func (b *recordingBackend) History(context.Context, string) ([]session.HistoryEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return nil, nil
}

func (b *recordingBackend) Ping(context.Context) error { return nil }

func (b *recordingBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CallCountClose++
	return nil
}

func (b *recordingBackend) delivered() []transcript.Utterance {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]transcript.Utterance(nil), b.got...)
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Transcript.ConversationID = "conv-test"
	cfg.Transcript.GraceWindow = 10 * time.Millisecond
	cfg.Reconnect.MaxRetries = new(int)
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

type running struct {
	app      *app.App
	provider *agentmock.Provider
	backend  *recordingBackend
	base     string
	runErr   chan error
}

func start(t *testing.T, cfg *config.Config, opts ...app.Option) *running {
	t.Helper()
	r := &running{
		provider: &agentmock.Provider{},
		backend:  &recordingBackend{},
		runErr:   make(chan error, 1),
	}
	opts = append([]app.Option{app.WithMetrics(testMetrics(t))}, opts...)
	a, err := app.New(cfg, r.provider, r.backend, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.app = a

	ctx, cancel := context.WithCancel(context.Background())
	go func() { r.runErr <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = a.Shutdown(sctx)
	})

	select {
	case <-a.Ready():
	case err := <-r.runErr:
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("app never became ready")
	}
	r.base = "http://" + a.Addr().String()
	return r
}

func (r *running) post(t *testing.T, path, contentType string, body []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(r.base+path, contentType, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (r *running) state(t *testing.T) map[string]any {
	t.Helper()
	resp, err := http.Get(r.base + "/api/state")
	if err != nil {
		t.Fatalf("GET /api/state: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNew_UnknownSource(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Audio.Source = "carrier-pigeon"
	_, err := app.New(cfg, &agentmock.Provider{}, &recordingBackend{}, app.WithMetrics(testMetrics(t)))
	if err == nil || !strings.Contains(err.Error(), "init audio") {
		t.Fatalf("err = %v, want init audio error", err)
	}
}

func TestNew_GeneratesConversationID(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Transcript.ConversationID = ""
	a, err := app.New(cfg, &agentmock.Provider{}, &recordingBackend{}, app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(a.ConversationID()) != 36 {
		t.Errorf("ConversationID = %q, want a uuid", a.ConversationID())
	}
}

func TestRun_HTTPSurface(t *testing.T) {
	t.Parallel()
	r := start(t, testConfig())

	resp, err := http.Get(r.base + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz = %d", resp.StatusCode)
	}

	if resp := r.post(t, "/api/mic", "application/json", []byte(`{}`)); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("mic without on = %d, want 400", resp.StatusCode)
	}
	if resp := r.post(t, "/api/mic", "application/json", []byte(`{"on":true}`)); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("mic on = %d", resp.StatusCode)
	}
	if !r.app.Controller().MicOn() {
		t.Error("mic not on after POST /api/mic")
	}

	if resp := r.post(t, "/api/text", "application/json", []byte(`{"text":"hello"}`)); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("text = %d", resp.StatusCode)
	}
	if texts := r.provider.Last().Texts(); len(texts) != 1 || texts[0] != "hello" {
		t.Errorf("agent texts = %v", texts)
	}

	if resp := r.post(t, "/api/audio?rate=abc", "application/octet-stream", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad rate = %d, want 400", resp.StatusCode)
	}
	pcm := make([]byte, 2*640)
	if resp := r.post(t, "/api/audio?rate=16000&channels=1", "application/octet-stream", pcm); resp.StatusCode != http.StatusAccepted {
		t.Errorf("audio = %d, want 202", resp.StatusCode)
	}

	sess := r.provider.Last()
	sess.Emit(agent.Event{Kind: agent.OutputTranscription, Text: "hi there"})
	waitFor(t, "agent partial", func() bool {
		return r.state(t)["agentPartial"] == "hi there"
	})
	st := r.state(t)
	if st["state"] != "connected" || st["conversationId"] != "conv-test" || st["mic"] != true {
		t.Errorf("state = %v", st)
	}
	sess.Emit(agent.Event{Kind: agent.TurnComplete})

	waitFor(t, "two utterances", func() bool { return len(r.backend.delivered()) == 2 })
	got := r.backend.delivered()
	if got[0].Speaker != transcript.SpeakerUser || got[0].Text != "hello" {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].Speaker != transcript.SpeakerAgent || got[1].Text != "hi there" || got[1].ConversationID != "conv-test" {
		t.Errorf("second = %+v", got[1])
	}

	if resp := r.post(t, "/api/disconnect", "application/json", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("disconnect = %d", resp.StatusCode)
	}
	select {
	case err := <-r.runErr:
		if err != nil {
			t.Errorf("Run = %v, want nil after disconnect", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after disconnect")
	}
	if !sess.Closed() {
		t.Error("agent session still open")
	}
}

func TestRun_AudioEndpointNeedsPushSource(t *testing.T) {
	t.Parallel()
	src := &audiomock.Source{}
	r := start(t, testConfig(), app.WithSource(src))

	if resp := r.post(t, "/api/audio", "application/octet-stream", []byte{0, 0}); resp.StatusCode != http.StatusConflict {
		t.Errorf("audio with custom source = %d, want 409", resp.StatusCode)
	}
	if src.CallCountStart != 1 {
		t.Errorf("source started %d times", src.CallCountStart)
	}
}

func TestRun_AgentLostEndsWithError(t *testing.T) {
	t.Parallel()
	r := start(t, testConfig())

	r.provider.Last().Drop(errors.New("socket reset"))
	select {
	case err := <-r.runErr:
		if err == nil || !strings.Contains(err.Error(), "agent lost") {
			t.Errorf("Run = %v, want agent lost", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the agent was lost")
	}
}

func TestShutdown_ClosesBackendOnce(t *testing.T) {
	t.Parallel()
	r := start(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for range 2 {
		if err := r.app.Shutdown(ctx); err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	}
	if r.backend.CallCountClose != 1 {
		t.Errorf("backend closed %d times, want 1", r.backend.CallCountClose)
	}
	if s := r.app.Controller().State(); s != session.StateClosed {
		t.Errorf("state = %s, want closed", s)
	}
}

func TestApplyConfig_HotReload(t *testing.T) {
	t.Parallel()
	level := new(slog.LevelVar)
	r := start(t, testConfig(), app.WithLevelVar(level))

	old := testConfig()
	updated := testConfig()
	updated.Server.LogLevel = config.LogDebug
	updated.Transcript.GraceWindow = 400 * time.Millisecond
	blend := 0.9
	updated.Waveform.Blend = &blend
	updated.Agent.Voice = "Kore"

	r.app.ApplyConfig(old, updated)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	if got := r.app.Controller().Engine().GraceWindow(); got != 400*time.Millisecond {
		t.Errorf("grace window = %v", got)
	}
	if got := r.state(t)["blend"]; got != 0.9 {
		t.Errorf("blend = %v, want 0.9", got)
	}
}
