// Package config provides the configuration schema, loader, provider registry
// and hot-reload watcher for Parley.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l to the matching [slog.Level]; unknown levels map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// AudioSourceKind selects where microphone audio comes from.
type AudioSourceKind string

const (
	// SourceFile replays a WAV or raw float32 file as if it were a microphone.
	SourceFile AudioSourceKind = "file"

	// SourceHTTP accepts audio pushed to POST /api/audio.
	SourceHTTP AudioSourceKind = "http"
)

// IsValid reports whether k is a recognised source kind.
func (k AudioSourceKind) IsValid() bool {
	return k == SourceFile || k == SourceHTTP
}

// Backend names accepted in backend.name.
const (
	BackendHTTP     = "http"
	BackendPostgres = "postgres"
	BackendLog      = "log"
)

// Config is the root configuration structure for Parley.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Agent      AgentConfig      `yaml:"agent"`
	Audio      AudioConfig      `yaml:"audio"`
	Transcript TranscriptConfig `yaml:"transcript"`
	Waveform   WaveformConfig   `yaml:"waveform"`
	Backend    BackendConfig    `yaml:"backend"`
	History    HistoryConfig    `yaml:"history"`
	Reconnect  ReconnectConfig  `yaml:"reconnect"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP surface listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProviderEntry is the common configuration block for a named provider.
// Name is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered implementation (e.g., "gemini-live").
	Name string `yaml:"name"`

	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	Model string `yaml:"model"`

	// Options holds provider-specific settings not covered above.
	Options map[string]any `yaml:"options"`
}

// AgentConfig selects and configures the speech-to-speech agent.
type AgentConfig struct {
	ProviderEntry `yaml:",inline"`

	// Voice is the provider-specific voice name.
	Voice string `yaml:"voice"`

	// Instructions is the system prompt sent at session setup.
	Instructions string `yaml:"instructions"`
}

// AudioConfig configures the microphone side of the pipeline.
type AudioConfig struct {
	Source AudioSourceKind `yaml:"source"`

	// Path is the input file when Source is "file".
	Path string `yaml:"path"`

	// Encoding is "auto", "wav" or "f32le".
	Encoding string `yaml:"encoding"`

	// Loop restarts a file source at its end.
	Loop bool `yaml:"loop"`

	// Realtime paces a file source at the capture rate. Defaults to true.
	Realtime *bool `yaml:"realtime"`

	// AnalysisSize is the number of samples the waveform tap keeps; a power of
	// two between 32 and 32768.
	AnalysisSize int `yaml:"analysis_size"`

	// MicOnStart opens the microphone as soon as the session connects.
	MicOnStart bool `yaml:"mic_on_start"`
}

// TranscriptConfig configures the transcript engine.
type TranscriptConfig struct {
	// ConversationID is stamped on every utterance. Empty generates one per
	// process start.
	ConversationID string `yaml:"conversation_id"`

	// GraceWindow debounces turn-boundary flushes. Hot-reloadable.
	GraceWindow time.Duration `yaml:"grace_window"`

	// DeliveryTimeout bounds a single backend call.
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
}

// WaveformConfig configures the waveform renderer.
type WaveformConfig struct {
	// Blend is the interpolation factor between the previous and current
	// snapshot, in [0, 1]. Hot-reloadable.
	Blend *float64 `yaml:"blend"`

	// RefreshHz is the redraw rate.
	RefreshHz int `yaml:"refresh_hz"`
}

// BreakerConfig tunes the circuit breaker in front of the HTTP backend.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// BackendConfig selects where utterances are delivered and history is read.
type BackendConfig struct {
	// Name is "http", "postgres" or "log".
	Name string `yaml:"name"`

	// URL is the base URL of the conversation service (http).
	URL string `yaml:"url"`

	// Token, when set, is sent as a bearer token (http).
	Token string `yaml:"token"`

	// PostgresDSN is the connection string (postgres).
	PostgresDSN string `yaml:"postgres_dsn"`

	// Timeout bounds each HTTP request.
	Timeout time.Duration `yaml:"timeout"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// HistoryConfig controls loading earlier turns on connect.
type HistoryConfig struct {
	// Enabled defaults to true.
	Enabled *bool `yaml:"enabled"`

	// MaxChars bounds the prior-context summary given to the agent.
	MaxChars int `yaml:"max_chars"`
}

// ReconnectConfig controls redialing the agent after an unexpected drop.
type ReconnectConfig struct {
	// MaxRetries is the number of attempts per drop. Zero disables
	// reconnecting; unset defaults to 5.
	MaxRetries *int `yaml:"max_retries"`

	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultAgentName       = "gemini-live"
	DefaultAnalysisSize    = 2048
	DefaultGraceWindow     = 150 * time.Millisecond
	DefaultDeliveryTimeout = 10 * time.Second
	DefaultBlend           = 0.45
	DefaultRefreshHz       = 60
	DefaultBackendTimeout  = 5 * time.Second
	DefaultHistoryChars    = 4000
	DefaultMaxRetries      = 5
	DefaultBackoff         = time.Second
	DefaultMaxBackoff      = 30 * time.Second
)

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Agent.Name == "" {
		cfg.Agent.Name = DefaultAgentName
	}

	if cfg.Audio.Source == "" {
		cfg.Audio.Source = SourceHTTP
	}
	if cfg.Audio.Encoding == "" {
		cfg.Audio.Encoding = "auto"
	}
	if cfg.Audio.Realtime == nil {
		cfg.Audio.Realtime = ptr(true)
	}
	if cfg.Audio.AnalysisSize == 0 {
		cfg.Audio.AnalysisSize = DefaultAnalysisSize
	}

	if cfg.Transcript.GraceWindow == 0 {
		cfg.Transcript.GraceWindow = DefaultGraceWindow
	}
	if cfg.Transcript.DeliveryTimeout == 0 {
		cfg.Transcript.DeliveryTimeout = DefaultDeliveryTimeout
	}

	if cfg.Waveform.Blend == nil {
		cfg.Waveform.Blend = ptr(DefaultBlend)
	}
	if cfg.Waveform.RefreshHz == 0 {
		cfg.Waveform.RefreshHz = DefaultRefreshHz
	}

	if cfg.Backend.Name == "" {
		cfg.Backend.Name = BackendLog
	}
	if cfg.Backend.Timeout == 0 {
		cfg.Backend.Timeout = DefaultBackendTimeout
	}

	if cfg.History.Enabled == nil {
		cfg.History.Enabled = ptr(true)
	}
	if cfg.History.MaxChars == 0 {
		cfg.History.MaxChars = DefaultHistoryChars
	}

	if cfg.Reconnect.MaxRetries == nil {
		cfg.Reconnect.MaxRetries = ptr(DefaultMaxRetries)
	}
	if cfg.Reconnect.Backoff == 0 {
		cfg.Reconnect.Backoff = DefaultBackoff
	}
	if cfg.Reconnect.MaxBackoff == 0 {
		cfg.Reconnect.MaxBackoff = DefaultMaxBackoff
	}
}

func ptr[T any](v T) *T { return &v }
