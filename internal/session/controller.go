// Package session runs one live conversation: it feeds captured audio to the
// agent and the waveform tap, and translates what the agent reports into
// transcript engine events.
//
// Lifecycle of a [Controller]:
//
//  1. [Controller.Connect] loads earlier turns, dials the agent with a
//     summary of them, then starts the transcript engine, the capture
//     pipeline and the agent event pump.
//  2. While connected, [Controller.SetMic] and [Controller.SendText] drive
//     the user side; agent events drive the rest.
//  3. [Controller.Disconnect] runs the final transcript flush, then releases
//     the audio source and the agent session.
//
// An unexpected agent drop also runs the final flush, after which the
// [Reconnector] redials with a fresh summary. When redialing is disabled or
// gives up, the controller disconnects itself and [Controller.Err] reports
// why.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/pkg/agent"
	"github.com/MrWong99/parley/pkg/audio"
)

// DefaultFlushTimeout bounds the final flush after an agent drop or on
// disconnect when the caller's context has no deadline.
const DefaultFlushTimeout = 15 * time.Second

var (
	// ErrNotConnected is returned by operations that need a live session.
	ErrNotConnected = errors.New("session: not connected")

	// ErrAlreadyConnected is returned by a second call to Connect.
	ErrAlreadyConnected = errors.New("session: already connected")
)

// State is the connection state of a [Controller].
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config holds the collaborators of a [Controller]. Provider, Source and
// Engine are required.
type Config struct {
	Provider agent.Provider
	Source   audio.Source

	// Engine must not be running yet; the controller runs it.
	Engine *transcript.Engine

	// Analyser, if set, receives every captured chunk for waveform display.
	Analyser *audio.Analyser

	// History, if set, is read on connect and on every reconnect.
	History        HistorySource
	HistoryChars   int
	ConversationID string

	Voice        string
	Instructions string

	// MicOnStart opens the microphone as soon as Connect succeeds.
	MicOnStart bool

	// Reconnect configures redialing. Its Dial field is ignored.
	Reconnect ReconnectorConfig

	// FlushTimeout bounds the final flush after an agent drop.
	FlushTimeout time.Duration

	Metrics *observe.Metrics
}

// Controller is the session controller. Create it with [NewController].
// All methods are safe for concurrent use.
type Controller struct {
	cfg         Config
	engine      *transcript.Engine
	encoder     *audio.Encoder
	reconnector *Reconnector
	metrics     *observe.Metrics

	mic     atomic.Bool
	closing atomic.Bool

	mu      sync.Mutex
	state   State
	sess    agent.Session
	history HistoryState
	cancel  context.CancelFunc
	group   *errgroup.Group
	err     error

	// turnMu serialises turn bookkeeping between the event pump and the
	// user-facing methods.
	turnMu        sync.Mutex
	agentSpeaking bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewController validates cfg and returns an idle controller.
func NewController(cfg Config) (*Controller, error) {
	var errs []error
	if cfg.Provider == nil {
		errs = append(errs, errors.New("session: config: Provider is required"))
	}
	if cfg.Source == nil {
		errs = append(errs, errors.New("session: config: Source is required"))
	}
	if cfg.Engine == nil {
		errs = append(errs, errors.New("session: config: Engine is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	c := &Controller{
		cfg:     cfg,
		engine:  cfg.Engine,
		metrics: cfg.Metrics,
		done:    make(chan struct{}),
	}
	c.encoder = audio.NewEncoder(audio.WithErrorHandler(func(err error) {
		c.metrics.EncodeErrors.Add(context.Background(), 1)
		observe.Logger(context.Background()).Warn("session: audio chunk dropped", "err", err)
	}))

	rc := cfg.Reconnect
	rc.Dial = c.redial
	rc.Metrics = cfg.Metrics
	c.reconnector = NewReconnector(rc)
	return c, nil
}

// Connect starts the conversation. A history failure is reported through
// [Controller.History] and does not fail Connect; an agent or audio failure
// does, and leaves the controller idle so Connect may be retried.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		if state == StateClosed {
			return ErrNotConnected
		}
		return ErrAlreadyConnected
	}
	c.state = StateConnecting
	c.mu.Unlock()

	hist := c.loadHistory(ctx)
	sess, err := c.dial(ctx, hist.Summary)
	if err != nil {
		c.setState(StateIdle)
		return fmt.Errorf("session: connect agent: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	chunks, err := c.cfg.Source.Start(runCtx)
	if err != nil {
		cancel()
		_ = sess.Close()
		c.setState(StateIdle)
		return fmt.Errorf("session: start audio: %w", err)
	}

	g, gctx := errgroup.WithContext(runCtx)

	c.mu.Lock()
	if c.closing.Load() {
		c.mu.Unlock()
		cancel()
		_ = sess.Close()
		_ = c.cfg.Source.Close()
		return ErrNotConnected
	}
	c.sess, c.cancel, c.group, c.state = sess, cancel, g, StateConnected
	c.mu.Unlock()
	c.metrics.ActiveSessions.Add(ctx, 1)

	g.Go(func() error { return c.engine.Run(gctx) })
	c.startPipeline(gctx, g, chunks)
	g.Go(func() error {
		c.pump(gctx, sess)
		return nil
	})

	observe.Logger(ctx).Info("session: connected",
		"conversation_id", c.cfg.ConversationID,
		"history_entries", len(hist.Entries),
		"history_error", hist.Err,
	)
	if c.cfg.MicOnStart {
		return c.SetMic(true)
	}
	return nil
}

// startPipeline tees captured chunks into the waveform tap and the encoder,
// and forwards encoded frames to the agent while the mic is open.
func (c *Controller) startPipeline(ctx context.Context, g *errgroup.Group, chunks <-chan []float32) {
	encIn := make(chan []float32, 8)
	g.Go(func() error {
		defer close(encIn)
		for {
			select {
			case <-ctx.Done():
				return nil
			case chunk, ok := <-chunks:
				if !ok {
					return nil
				}
				if c.cfg.Analyser != nil {
					c.cfg.Analyser.Write(chunk)
				}
				select {
				case encIn <- chunk:
				case <-ctx.Done():
					return nil
				}
			}
		}
	})
	g.Go(func() error {
		c.encoder.Run(ctx, encIn)
		return nil
	})
	g.Go(func() error {
		var warned bool
		for f := range c.encoder.Frames() {
			if sess := c.session(); sess != nil && c.mic.Load() {
				err := sess.SendAudio(f.Bytes())
				if err != nil && !warned && !errors.Is(err, agent.ErrSessionClosed) {
					warned = true
					observe.Logger(ctx).Warn("session: sending audio to agent failed", "err", err)
				}
			}
			c.metrics.FramesEncoded.Add(ctx, 1)
		}
		return nil
	})
}

// pump consumes agent events, riding over reconnects.
func (c *Controller) pump(ctx context.Context, sess agent.Session) {
	for {
		c.drain(ctx, sess)
		if ctx.Err() != nil || c.closing.Load() {
			return
		}

		cause := sess.Err()
		if cause == nil {
			cause = errors.New("agent closed the session")
		}
		observe.Logger(ctx).Warn("session: agent connection lost", "err", cause)
		c.finalFlush(ctx)
		_ = sess.Close()

		if !c.reconnector.Enabled() {
			go c.fail(fmt.Errorf("session: agent lost: %w", cause))
			return
		}

		c.mu.Lock()
		c.sess, c.state = nil, StateReconnecting
		c.mu.Unlock()

		next, err := c.reconnector.Redial(ctx)
		if err != nil {
			if ctx.Err() == nil {
				go c.fail(err)
			}
			return
		}

		c.mu.Lock()
		if c.closing.Load() {
			c.mu.Unlock()
			_ = next.Close()
			return
		}
		c.sess, c.state = next, StateConnected
		c.mu.Unlock()
		sess = next
	}
}

func (c *Controller) drain(ctx context.Context, sess agent.Session) {
	events := sess.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.metrics.RecordAgentEvent(ctx, ev.Kind.String())
			c.handle(ctx, ev)
		}
	}
}

// handle maps one agent event onto the transcript engine. Transcription
// deltas go to the engine as increments; it decides which turn they belong
// to.
func (c *Controller) handle(ctx context.Context, ev agent.Event) {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	var err error
	switch ev.Kind {
	case agent.InputTranscription:
		err = c.engine.AppendPartial(transcript.SpeakerUser, ev.Text)
	case agent.AgentAudio:
		err = c.agentStarted()
	case agent.OutputTranscription:
		if err = c.agentStarted(); err == nil {
			err = c.engine.AppendPartial(transcript.SpeakerAgent, ev.Text)
		}
	case agent.TurnComplete:
		c.agentSpeaking = false
		err = c.engine.AgentTurnComplete()
	case agent.Interrupted:
		c.agentSpeaking = false
		err = c.engine.AgentInterrupted(c.mic.Load())
	}
	if err != nil {
		observe.Logger(ctx).Debug("session: engine rejected agent event", "kind", ev.Kind, "err", err)
	}
}

// agentStarted raises AgentSpeaking once per agent turn. Caller holds turnMu.
func (c *Controller) agentStarted() error {
	if c.agentSpeaking {
		return nil
	}
	c.agentSpeaking = true
	return c.engine.AgentSpeaking()
}

// finalFlush ends both turns after a drop and waits for their delivery.
func (c *Controller) finalFlush(ctx context.Context) {
	c.turnMu.Lock()
	c.agentSpeaking = false
	c.turnMu.Unlock()

	flushCtx, cancel := context.WithTimeout(ctx, c.cfg.FlushTimeout)
	defer cancel()
	if err := c.engine.Disconnect(flushCtx); err != nil {
		observe.Logger(ctx).Warn("session: final flush incomplete", "err", err)
	}
}

// SetMic opens or closes the microphone. Closing ends the user's turn;
// opening starts a new one.
func (c *Controller) SetMic(on bool) error {
	if !c.live() {
		return ErrNotConnected
	}
	c.turnMu.Lock()
	defer c.turnMu.Unlock()
	if c.mic.Swap(on) == on {
		return nil
	}
	if on {
		return c.engine.MicOn()
	}
	return c.engine.MicOff()
}

// MicOn reports whether the microphone is open.
func (c *Controller) MicOn() bool { return c.mic.Load() }

// SendText ends the user's spoken turn, records text as a typed user
// utterance and forwards it to the agent.
func (c *Controller) SendText(ctx context.Context, text string) error {
	sess := c.session()
	if sess == nil {
		return ErrNotConnected
	}

	c.turnMu.Lock()
	err := c.engine.SendText(text)
	c.turnMu.Unlock()
	if err != nil {
		return fmt.Errorf("session: send text: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if err := sess.SendText(text); err != nil {
		observe.Logger(ctx).Warn("session: forwarding text to agent failed", "err", err)
		return fmt.Errorf("session: send text: %w", err)
	}
	return nil
}

// Disconnect runs the final transcript flush, then releases the audio
// source and the agent session. Only the first call does any work.
func (c *Controller) Disconnect(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() { err = c.shutdown(ctx) })
	return err
}

func (c *Controller) shutdown(ctx context.Context) error {
	defer close(c.done)
	c.closing.Store(true)

	c.mu.Lock()
	cancel, g, sess := c.cancel, c.group, c.sess
	c.sess, c.state = nil, StateClosed
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, c.cfg.FlushTimeout)
		defer stop()
	}

	var errs []error
	if err := c.engine.Disconnect(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.cfg.Source.Close(); err != nil {
		errs = append(errs, fmt.Errorf("session: close audio: %w", err))
	}
	if sess != nil {
		if err := sess.Close(); err != nil {
			errs = append(errs, fmt.Errorf("session: close agent: %w", err))
		}
	}
	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}
	c.metrics.ActiveSessions.Add(context.Background(), -1)
	observe.Logger(ctx).Info("session: disconnected", "conversation_id", c.cfg.ConversationID)
	return errors.Join(errs...)
}

// fail records why the session ended on its own and disconnects.
func (c *Controller) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	observe.Logger(context.Background()).Error("session: giving up on agent", "err", err)
	_ = c.Disconnect(context.Background())
}

// Done is closed once the controller has disconnected, either through
// Disconnect or after losing the agent for good.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Err reports why the session ended on its own, or nil.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Engine returns the transcript engine driven by the controller.
func (c *Controller) Engine() *transcript.Engine { return c.engine }

// Snapshot returns the partial transcript of both speakers.
func (c *Controller) Snapshot(ctx context.Context) (user, agent transcript.Buffer, err error) {
	return c.engine.Snapshot(ctx)
}

// State returns the current connection state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// History returns the outcome of the most recent history load.
func (c *Controller) History() HistoryState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history
}

func (c *Controller) live() bool {
	s := c.State()
	return s == StateConnected || s == StateReconnecting
}

func (c *Controller) session() agent.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) loadHistory(ctx context.Context) HistoryState {
	hist := LoadHistory(ctx, c.cfg.History, c.cfg.ConversationID, c.cfg.HistoryChars, c.metrics)
	c.mu.Lock()
	c.history = hist
	c.mu.Unlock()
	return hist
}

func (c *Controller) dial(ctx context.Context, summary string) (agent.Session, error) {
	return c.cfg.Provider.Connect(ctx, agent.SessionConfig{
		Voice:        c.cfg.Voice,
		Instructions: c.cfg.Instructions,
		PriorContext: summary,
	})
}

// redial reloads history, which now includes the turns flushed after the
// drop, and dials again.
func (c *Controller) redial(ctx context.Context) (agent.Session, error) {
	hist := c.loadHistory(ctx)
	return c.dial(ctx, hist.Summary)
}
