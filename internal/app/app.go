// Package app wires every Parley subsystem into a running service.
//
// The App struct owns the full lifecycle: New builds the audio source, the
// transcript engine, the session controller and the HTTP surface; Run
// connects the session and serves until the context ends or the session
// does; Shutdown runs the final transcript flush and tears everything down
// in order.
//
// For testing, inject doubles via functional options (WithSource,
// WithMetrics). The agent provider and the backend always come from the
// caller, normally main.go via the config registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/backend"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/internal/waveform"
	"github.com/MrWong99/parley/pkg/agent"
	"github.com/MrWong99/parley/pkg/audio"
)

// errSessionEnded stops Run when the session was disconnected on request.
var errSessionEnded = errors.New("app: session ended")

// App owns all subsystem lifetimes.
type App struct {
	cfg            *config.Config
	conversationID string
	configPath     string

	provider agent.Provider
	backend  backend.Backend
	metrics  *observe.Metrics
	level    *slog.LevelVar

	source   audio.Source
	push     *audio.PushSource
	analyser *audio.Analyser
	engine   *transcript.Engine
	ctrl     *session.Controller
	hub      *waveform.Hub
	health   *health.Handler
	server   *http.Server
	watcher  *config.Watcher

	ready chan struct{}
	addr  net.Addr

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithSource replaces the audio source built from cfg.Audio.
func WithSource(s audio.Source) Option {
	return func(a *App) { a.source = s }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets hot reloads change the log level of the handler built
// around v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithConfigPath enables hot reloading of the file at path.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// New wires the application. It takes ownership of be and closes it on
// Shutdown.
func New(cfg *config.Config, provider agent.Provider, be backend.Backend, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		provider: provider,
		backend:  be,
		ready:    make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.closers = append(a.closers, be.Close)

	a.conversationID = cfg.Transcript.ConversationID
	if a.conversationID == "" {
		a.conversationID = uuid.NewString()
		slog.Info("no conversation id configured, generated one", "conversation_id", a.conversationID)
	}

	// ── 1. Audio ────────────────────────────────────────────────────────────
	if err := a.initAudio(); err != nil {
		return nil, fmt.Errorf("app: init audio: %w", err)
	}

	// ── 2. Transcript engine ────────────────────────────────────────────────
	a.engine = transcript.NewEngine(be,
		transcript.WithGraceWindow(cfg.Transcript.GraceWindow),
		transcript.WithDeliveryTimeout(cfg.Transcript.DeliveryTimeout),
		transcript.WithConversationID(a.conversationID),
		transcript.WithMetrics(a.metrics),
	)

	// ── 3. Session controller ───────────────────────────────────────────────
	if err := a.initSession(); err != nil {
		return nil, fmt.Errorf("app: init session: %w", err)
	}

	// ── 4. Waveform + HTTP surface ──────────────────────────────────────────
	blend := waveform.DefaultBlend
	if cfg.Waveform.Blend != nil {
		blend = *cfg.Waveform.Blend
	}
	a.hub = waveform.NewHub(a.analyser,
		waveform.WithRefreshHz(cfg.Waveform.RefreshHz),
		waveform.WithHubBlend(blend),
		waveform.WithMetrics(a.metrics),
	)
	a.health = health.New(
		health.Checker{Name: "agent", Check: a.checkAgent},
		health.Checker{Name: "backend", Check: be.Ping},
	)
	a.server = &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── 5. Config watcher ───────────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyConfig,
			config.WithReloadErrorHandler(func(err error) {
				slog.Warn("config reload rejected, keeping current settings", "err", err)
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("app: watch config: %w", err)
		}
		a.watcher = w
	}
	return a, nil
}

func (a *App) initAudio() error {
	a.analyser = audio.NewAnalyser(a.cfg.Audio.AnalysisSize)
	if a.source != nil {
		return nil
	}
	switch a.cfg.Audio.Source {
	case config.SourceFile:
		enc, err := audio.ParseEncoding(a.cfg.Audio.Encoding)
		if err != nil {
			return err
		}
		realtime := a.cfg.Audio.Realtime == nil || *a.cfg.Audio.Realtime
		a.source = audio.NewFileSource(a.cfg.Audio.Path, enc,
			audio.WithRealtime(realtime),
			audio.WithLoop(a.cfg.Audio.Loop),
		)
		slog.Info("audio source: file", "path", a.cfg.Audio.Path, "loop", a.cfg.Audio.Loop)
	case config.SourceHTTP, "":
		a.push = audio.NewPushSource(0)
		a.source = a.push
		slog.Info("audio source: http push", "endpoint", "/api/audio")
	default:
		return fmt.Errorf("unknown audio source %q", a.cfg.Audio.Source)
	}
	return nil
}

func (a *App) initSession() error {
	var hist session.HistorySource
	if a.cfg.History.Enabled == nil || *a.cfg.History.Enabled {
		hist = a.backend
	}
	retries := config.DefaultMaxRetries
	if a.cfg.Reconnect.MaxRetries != nil {
		retries = *a.cfg.Reconnect.MaxRetries
	}

	ctrl, err := session.NewController(session.Config{
		Provider:       a.provider,
		Source:         a.source,
		Engine:         a.engine,
		Analyser:       a.analyser,
		History:        hist,
		HistoryChars:   a.cfg.History.MaxChars,
		ConversationID: a.conversationID,
		Voice:          a.cfg.Agent.Voice,
		Instructions:   a.cfg.Agent.Instructions,
		MicOnStart:     a.cfg.Audio.MicOnStart,
		Reconnect: session.ReconnectorConfig{
			MaxRetries: retries,
			Backoff:    a.cfg.Reconnect.Backoff,
			MaxBackoff: a.cfg.Reconnect.MaxBackoff,
		},
		Metrics: a.metrics,
	})
	if err != nil {
		return err
	}
	a.ctrl = ctrl
	return nil
}

// Run connects the session and serves HTTP until ctx is cancelled, the
// session is disconnected through the API, or the agent is lost for good.
// Only the last case returns an error. Call Shutdown afterwards.
func (a *App) Run(ctx context.Context) error {
	if err := a.ctrl.Connect(ctx); err != nil {
		return fmt.Errorf("app: %w", err)
	}

	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	a.addr = ln.Addr()
	close(a.ready)
	slog.Info("http surface listening", "addr", a.addr.String(), "conversation_id", a.conversationID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-a.ctrl.Done():
			if err := a.ctrl.Err(); err != nil {
				return err
			}
			return errSessionEnded
		}
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	err = g.Wait()
	if errors.Is(err, errSessionEnded) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Ready is closed once Run is listening.
func (a *App) Ready() <-chan struct{} { return a.ready }

// Addr returns the listening address. Valid after Ready is closed.
func (a *App) Addr() net.Addr { return a.addr }

// ConversationID returns the id stamped on every utterance.
func (a *App) ConversationID() string { return a.conversationID }

// Controller exposes the session controller, e.g. for the console.
func (a *App) Controller() *session.Controller { return a.ctrl }

func (a *App) checkAgent(context.Context) error {
	if s := a.ctrl.State(); s != session.StateConnected {
		return fmt.Errorf("session %s", s)
	}
	return nil
}

// Shutdown runs the final transcript flush, releases audio and the agent,
// stops the HTTP server and closes the backend. It respects the context
// deadline: remaining closers are skipped once ctx expires.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.ctrl.Disconnect(ctx); err != nil {
			slog.Warn("session disconnect error", "err", err)
		}
		if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("http shutdown error", "err", err)
		}
		a.hub.SetTap(nil)

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
