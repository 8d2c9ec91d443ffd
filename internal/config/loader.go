package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/bits"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidAgentNames lists the agent providers Parley ships with.
// Used by [Validate] to warn about unrecognised names.
var ValidAgentNames = []string{"gemini-live", "mock"}

var validEncodings = []string{"auto", "wav", "f32le"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the all-defaults config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It expects
// defaults to have been applied and returns a joined error listing every
// failure found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Agent
	if !slices.Contains(ValidAgentNames, cfg.Agent.Name) {
		slog.Warn("unknown agent provider name, may be a typo or third-party provider",
			"name", cfg.Agent.Name,
			"known", ValidAgentNames,
		)
	}
	if cfg.Agent.Name == DefaultAgentName && cfg.Agent.APIKey == "" {
		slog.Warn("agent.api_key is empty; the gemini-live endpoint will reject the session")
	}

	// Audio
	if !cfg.Audio.Source.IsValid() {
		errs = append(errs, fmt.Errorf("audio.source %q is invalid; valid values: file, http", cfg.Audio.Source))
	}
	if cfg.Audio.Source == SourceFile && cfg.Audio.Path == "" {
		errs = append(errs, errors.New("audio.path is required when audio.source is file"))
	}
	if !slices.Contains(validEncodings, cfg.Audio.Encoding) {
		errs = append(errs, fmt.Errorf("audio.encoding %q is invalid; valid values: auto, wav, f32le", cfg.Audio.Encoding))
	}
	if n := cfg.Audio.AnalysisSize; n < 32 || n > 32768 || bits.OnesCount(uint(n)) != 1 {
		errs = append(errs, fmt.Errorf("audio.analysis_size %d must be a power of two between 32 and 32768", n))
	}

	// Transcript
	if cfg.Transcript.GraceWindow < 0 {
		errs = append(errs, fmt.Errorf("transcript.grace_window %s must not be negative", cfg.Transcript.GraceWindow))
	}
	if cfg.Transcript.DeliveryTimeout < 0 {
		errs = append(errs, fmt.Errorf("transcript.delivery_timeout %s must not be negative", cfg.Transcript.DeliveryTimeout))
	}
	if cfg.Transcript.ConversationID == "" {
		slog.Info("transcript.conversation_id is empty; a new id is generated on start")
	}

	// Waveform
	if b := cfg.Waveform.Blend; b != nil && (*b < 0 || *b > 1) {
		errs = append(errs, fmt.Errorf("waveform.blend %g must be between 0 and 1", *b))
	}
	if hz := cfg.Waveform.RefreshHz; hz < 1 || hz > 240 {
		errs = append(errs, fmt.Errorf("waveform.refresh_hz %d must be between 1 and 240", hz))
	}

	// Backend
	errs = append(errs, validateBackend(&cfg.Backend)...)

	// History
	if cfg.History.MaxChars < 0 {
		errs = append(errs, fmt.Errorf("history.max_chars %d must not be negative", cfg.History.MaxChars))
	}

	// Reconnect
	if r := cfg.Reconnect.MaxRetries; r != nil && *r < 0 {
		errs = append(errs, fmt.Errorf("reconnect.max_retries %d must not be negative", *r))
	}
	if cfg.Reconnect.Backoff < 0 || cfg.Reconnect.MaxBackoff < 0 {
		errs = append(errs, errors.New("reconnect.backoff and reconnect.max_backoff must not be negative"))
	}
	if cfg.Reconnect.MaxBackoff > 0 && cfg.Reconnect.Backoff > cfg.Reconnect.MaxBackoff {
		errs = append(errs, fmt.Errorf("reconnect.backoff %s exceeds reconnect.max_backoff %s",
			cfg.Reconnect.Backoff, cfg.Reconnect.MaxBackoff))
	}

	return errors.Join(errs...)
}

func validateBackend(b *BackendConfig) []error {
	var errs []error
	switch b.Name {
	case BackendHTTP:
		if b.URL == "" {
			errs = append(errs, errors.New("backend.url is required when backend.name is http"))
		} else if u, err := url.Parse(b.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("backend.url %q must be an http or https URL", b.URL))
		}
	case BackendPostgres:
		if b.PostgresDSN == "" {
			errs = append(errs, errors.New("backend.postgres_dsn is required when backend.name is postgres"))
		}
	case BackendLog:
	default:
		errs = append(errs, fmt.Errorf("backend.name %q is invalid; valid values: http, postgres, log", b.Name))
	}
	if b.Timeout < 0 {
		errs = append(errs, fmt.Errorf("backend.timeout %s must not be negative", b.Timeout))
	}
	if b.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("backend.breaker.max_failures %d must not be negative", b.Breaker.MaxFailures))
	}
	return errs
}
