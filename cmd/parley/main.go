// Command parley runs a real-time voice session against a speech-to-speech
// agent, streams the live waveform, and delivers the finalized transcript to
// a conversation backend.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/backend"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/agent"
	"github.com/MrWong99/parley/pkg/agent/gemini"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	console := flag.Bool("console", true, "read /mic on|off, /quit and typed turns from stdin")
	watch := flag.Bool("watch", true, "hot-reload log level, grace window and blend from the config file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("parley starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"agent", cfg.Agent.Name,
		"backend", cfg.Backend.Name,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "parley",
		ServiceVersion: version,
		Agent:          cfg.Agent.Name,
		Backend:        cfg.Backend.Name,
		AudioSource:    string(cfg.Audio.Source),
		ListenAddr:     cfg.Server.ListenAddr,
	})
	if err != nil {
		slog.Error("failed to init telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	provider, err := reg.CreateAgent(cfg.Agent)
	if err != nil {
		slog.Error("failed to build agent provider", "err", err, "available", reg.AgentNames())
		return 1
	}
	be, err := reg.CreateBackend(ctx, cfg.Backend)
	if err != nil {
		slog.Error("failed to build backend", "err", err)
		return 1
	}

	opts := []app.Option{app.WithLevelVar(level)}
	if *watch {
		opts = append(opts, app.WithConfigPath(*configPath))
	}
	application, err := app.New(cfg, provider, be, opts...)
	if err != nil {
		_ = be.Close()
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *console {
		go func() {
			select {
			case <-application.Ready():
			case <-ctx.Done():
				return
			}
			runConsole(ctx, os.Stdin, application.Controller(), stop)
		}()
	}

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

func registerBuiltins(reg *config.Registry) {
	reg.RegisterAgent("gemini-live", func(c config.AgentConfig) (agent.Provider, error) {
		if c.APIKey == "" {
			return nil, errors.New("gemini-live: api_key is required")
		}
		return gemini.New(c.APIKey, gemini.WithModel(c.Model), gemini.WithBaseURL(c.BaseURL)), nil
	})

	reg.RegisterBackend(config.BackendHTTP, func(_ context.Context, c config.BackendConfig) (backend.Backend, error) {
		cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "backend",
			MaxFailures:  c.Breaker.MaxFailures,
			ResetTimeout: c.Breaker.ResetTimeout,
			IsFailure:    backend.IsBackendFailure,
			OnStateChange: func(from, to resilience.State) {
				slog.Warn("backend circuit breaker", "from", from.String(), "to", to.String())
			},
		})
		opts := []backend.HTTPOption{
			backend.WithBreaker(cb),
			backend.WithHTTPClient(newHTTPClient(c.Timeout)),
		}
		if c.Token != "" {
			opts = append(opts, backend.WithHeader("Authorization", "Bearer "+c.Token))
		}
		return backend.NewHTTPSink(c.URL, opts...)
	})

	reg.RegisterBackend(config.BackendPostgres, func(ctx context.Context, c config.BackendConfig) (backend.Backend, error) {
		return backend.NewPostgresStore(ctx, c.PostgresDSN)
	})

	reg.RegisterBackend(config.BackendLog, func(context.Context, config.BackendConfig) (backend.Backend, error) {
		return backend.NewLogSink(slog.Default()), nil
	})
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = backend.DefaultHTTPTimeout
	}
	return &http.Client{Timeout: timeout}
}

// ── Console ───────────────────────────────────────────────────────────────────

// runConsole drives the session from line input until r ends, the session
// ends, or /quit is entered.
func runConsole(ctx context.Context, r io.Reader, ctrl *session.Controller, quit func()) {
	fmt.Println("parley console: /mic on, /mic off, /quit; anything else is sent as a typed turn")
	lines := bufio.NewScanner(r)
	for lines.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-ctrl.Done():
			return
		default:
		}

		line := strings.TrimSpace(lines.Text())
		var err error
		switch line {
		case "":
			continue
		case "/quit":
			quit()
			return
		case "/mic on":
			err = ctrl.SetMic(true)
		case "/mic off":
			err = ctrl.SetMic(false)
		default:
			if strings.HasPrefix(line, "/") {
				fmt.Printf("unknown command %q\n", line)
				continue
			}
			err = ctrl.SendText(ctx, line)
		}
		if err != nil {
			slog.Warn("console command failed", "input", line, "err", err)
		}
	}
}
