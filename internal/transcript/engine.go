package transcript

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/internal/observe"
)

const (
	// DefaultGraceWindow is how long flush requests for one buffer are
	// collected before the flush runs.
	DefaultGraceWindow = 150 * time.Millisecond

	// DefaultDeliveryTimeout bounds a single backend call.
	DefaultDeliveryTimeout = 10 * time.Second
)

var (
	// ErrEngineStopped is returned when an event is posted after Run returned.
	ErrEngineStopped = errors.New("transcript: engine stopped")

	// ErrEngineRunning is returned by a second concurrent call to Run.
	ErrEngineRunning = errors.New("transcript: engine already running")

	// ErrUnknownSpeaker is returned for partial updates from an unknown speaker.
	ErrUnknownSpeaker = errors.New("transcript: unknown speaker")
)

// Option configures an [Engine].
type Option func(*Engine)

// WithGraceWindow sets the initial debounce window. Zero flushes immediately.
func WithGraceWindow(d time.Duration) Option {
	return func(e *Engine) { e.grace.Store(int64(max(d, 0))) }
}

// WithDeliveryTimeout bounds each call to the [Deliverer].
func WithDeliveryTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.deliveryTimeout = d
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithConversationID sets the id stamped on every utterance.
func WithConversationID(id string) Option {
	return func(e *Engine) { e.conversationID = id }
}

// WithClock replaces time.Now for utterance timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// slot is the loop-owned state of one speaker.
type slot struct {
	speaker  Speaker
	buf      Buffer
	draft    string
	timer    *time.Timer
	timerGen uint64
	inflight uint64
}

// job is one entry of the delivery queue. A job with a non-nil barrier
// delivers nothing and closes the barrier when the worker reaches it.
type job struct {
	flushID   uint64
	utterance Utterance
	barrier   chan struct{}
}

type completion struct {
	speaker Speaker
	flushID uint64
}

// Engine reconciles partial transcripts into finalized utterances. Create it
// with [NewEngine] and start it with [Engine.Run].
type Engine struct {
	deliverer       Deliverer
	deliveryTimeout time.Duration
	metrics         *observe.Metrics
	now             func() time.Time
	grace           atomic.Int64

	events      chan func()
	jobs        chan job
	completions chan completion
	stopped     chan struct{}
	running     atomic.Bool

	subsMu  sync.RWMutex
	subs    map[int]func(DeliveryResult)
	nextSub int

	// Owned by the Run goroutine.
	conversationID string
	slots          map[Speaker]*slot
	queue          []job
	flushSeq       uint64
}

// NewEngine returns an engine that hands finalized utterances to d.
func NewEngine(d Deliverer, opts ...Option) *Engine {
	e := &Engine{
		deliverer:       d,
		deliveryTimeout: DefaultDeliveryTimeout,
		now:             time.Now,
		events:          make(chan func(), 256),
		jobs:            make(chan job),
		completions:     make(chan completion, 16),
		stopped:         make(chan struct{}),
		subs:            make(map[int]func(DeliveryResult)),
		slots: map[Speaker]*slot{
			SpeakerUser:  {speaker: SpeakerUser},
			SpeakerAgent: {speaker: SpeakerAgent},
		},
	}
	e.grace.Store(int64(DefaultGraceWindow))
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// Run processes events until ctx is cancelled. On return, deliveries that
// were already queued are still sent before Run exits. Run may only be
// called once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrEngineRunning
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.deliverLoop()
	}()

	for {
		var (
			out  chan job
			head job
		)
		if len(e.queue) > 0 {
			out = e.jobs
			head = e.queue[0]
		}

		select {
		case <-ctx.Done():
			e.shutdown(&wg)
			return nil
		case fn := <-e.events:
			fn()
		case c := <-e.completions:
			e.complete(c)
		case out <- head:
			e.queue = e.queue[1:]
		}
	}
}

func (e *Engine) shutdown(wg *sync.WaitGroup) {
	for _, s := range e.slots {
		e.cancelTimer(s)
	}
	close(e.stopped)
	for _, j := range e.queue {
		e.jobs <- j
	}
	e.queue = nil
	close(e.jobs)
	wg.Wait()
}

// post runs fn on the engine goroutine.
func (e *Engine) post(fn func()) error {
	select {
	case <-e.stopped:
		return ErrEngineStopped
	default:
	}
	select {
	case e.events <- fn:
		return nil
	case <-e.stopped:
		return ErrEngineStopped
	}
}

// PartialUpdate offers the latest partial transcript for speaker. It is kept
// only if it is at least as long as the buffered text and the buffer is not
// flushing.
func (e *Engine) PartialUpdate(speaker Speaker, text string) error {
	if !speaker.Valid() {
		return fmt.Errorf("transcript: partial update for %q: %w", speaker, ErrUnknownSpeaker)
	}
	return e.post(func() {
		s := e.slots[speaker]
		if e.offer(s, text) {
			s.draft = text
		}
	})
}

// AppendPartial extends speaker's running transcript with delta, for
// recognizers that stream increments rather than the whole hypothesis.
// Increments belong to the turn that is open when they are processed: one
// arriving inside the grace window after a turn boundary still joins the
// utterance being finalized. Increments rejected while a delivery is running
// are kept and offered again once it finishes.
func (e *Engine) AppendPartial(speaker Speaker, delta string) error {
	if !speaker.Valid() {
		return fmt.Errorf("transcript: partial update for %q: %w", speaker, ErrUnknownSpeaker)
	}
	if delta == "" {
		return nil
	}
	return e.post(func() {
		s := e.slots[speaker]
		s.draft += delta
		e.offer(s, s.draft)
	})
}

func (e *Engine) offer(s *slot, text string) bool {
	next, ok := s.buf.Update(text)
	if !ok {
		if text != "" {
			e.metrics.RecordRejectedUpdate(context.Background(), string(s.speaker))
		}
		return false
	}
	s.buf = next
	return true
}

// AgentSpeaking marks the start of agent output and ends the user's turn.
func (e *Engine) AgentSpeaking() error {
	return e.post(func() { e.requestFlush(SpeakerUser) })
}

// AgentTurnComplete ends the agent's turn.
func (e *Engine) AgentTurnComplete() error {
	return e.post(func() { e.requestFlush(SpeakerAgent) })
}

// AgentInterrupted ends both turns. When the mic is live a new user turn
// follows the user's flush; with a pending flush that happens when it runs,
// so trailing user text inside the grace window is not cut off.
func (e *Engine) AgentInterrupted(micActive bool) error {
	return e.post(func() {
		e.requestFlush(SpeakerUser)
		e.requestFlush(SpeakerAgent)
		if micActive && e.slots[SpeakerUser].timer == nil {
			e.newTurn(SpeakerUser)
		}
	})
}

// MicOff ends the user's turn.
func (e *Engine) MicOff() error {
	return e.post(func() { e.requestFlush(SpeakerUser) })
}

// MicOn starts a new user turn.
func (e *Engine) MicOn() error {
	return e.post(func() { e.newTurn(SpeakerUser) })
}

// SendText flushes the user's spoken turn immediately and then queues text
// as a finalized user utterance. Blank text only flushes.
func (e *Engine) SendText(text string) error {
	return e.post(func() {
		e.flushNow(SpeakerUser)
		if strings.TrimSpace(text) == "" {
			return
		}
		e.enqueue(job{utterance: e.utterance(SpeakerUser, text)})
	})
}

// Disconnect flushes both buffers without waiting for the grace window and
// blocks until every queued delivery has been attempted or ctx is done.
func (e *Engine) Disconnect(ctx context.Context) error {
	barrier := make(chan struct{})
	err := e.post(func() {
		e.flushNow(SpeakerUser)
		e.flushNow(SpeakerAgent)
		e.enqueue(job{barrier: barrier})
	})
	if err != nil {
		return err
	}
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("transcript: disconnect: %w", ctx.Err())
	}
}

// SetConversationID changes the id stamped on utterances finalized from now on.
func (e *Engine) SetConversationID(id string) error {
	return e.post(func() { e.conversationID = id })
}

// SetGraceWindow changes the debounce window for flushes requested from now on.
func (e *Engine) SetGraceWindow(d time.Duration) {
	e.grace.Store(int64(max(d, 0)))
}

// GraceWindow returns the current debounce window.
func (e *Engine) GraceWindow() time.Duration {
	return time.Duration(e.grace.Load())
}

// Snapshot returns copies of both buffers as seen by the engine goroutine.
func (e *Engine) Snapshot(ctx context.Context) (user, agent Buffer, err error) {
	type pair struct{ user, agent Buffer }
	reply := make(chan pair, 1)
	if err := e.post(func() {
		reply <- pair{e.slots[SpeakerUser].buf, e.slots[SpeakerAgent].buf}
	}); err != nil {
		return Buffer{}, Buffer{}, err
	}
	select {
	case p := <-reply:
		return p.user, p.agent, nil
	case <-ctx.Done():
		return Buffer{}, Buffer{}, ctx.Err()
	case <-e.stopped:
		return Buffer{}, Buffer{}, ErrEngineStopped
	}
}

// Subscribe registers fn to be called after every delivery attempt. fn runs
// on the delivery goroutine and must not block. The returned function
// removes the subscription.
func (e *Engine) Subscribe(fn func(DeliveryResult)) (unsubscribe func()) {
	e.subsMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.subsMu.Unlock()
	return func() {
		e.subsMu.Lock()
		delete(e.subs, id)
		e.subsMu.Unlock()
	}
}

// requestFlush schedules a flush of speaker after the grace window. Requests
// that arrive while one is pending are absorbed by it.
func (e *Engine) requestFlush(speaker Speaker) {
	s := e.slots[speaker]
	if s.timer != nil {
		e.metrics.RecordFlushCoalesced(context.Background(), string(speaker))
		return
	}
	grace := e.GraceWindow()
	if grace <= 0 {
		e.flushNow(speaker)
		return
	}
	s.timerGen++
	gen := s.timerGen
	s.timer = time.AfterFunc(grace, func() {
		_ = e.post(func() {
			if s.timer == nil || s.timerGen != gen {
				return
			}
			s.timer = nil
			e.flushNow(speaker)
		})
	})
}

func (e *Engine) cancelTimer(s *slot) {
	if s.timer == nil {
		return
	}
	s.timer.Stop()
	s.timer = nil
	s.timerGen++
}

// flushNow finalizes speaker's buffer immediately, consuming any pending
// flush request.
func (e *Engine) flushNow(speaker Speaker) {
	s := e.slots[speaker]
	e.cancelTimer(s)

	next, text, outcome := s.buf.Flush()
	s.buf = next
	if outcome != FlushBusy {
		s.draft = ""
	}
	switch outcome {
	case FlushDeliver:
		e.flushSeq++
		s.inflight = e.flushSeq
		e.enqueue(job{flushID: e.flushSeq, utterance: e.utterance(speaker, text)})
	case FlushBusy:
		e.metrics.RecordFlushCoalesced(context.Background(), string(speaker))
	}
}

// newTurn resets speaker's buffer. A pending flush runs first so that quick
// toggles never discard buffered text.
func (e *Engine) newTurn(speaker Speaker) {
	s := e.slots[speaker]
	if s.timer != nil {
		e.flushNow(speaker)
	}
	s.buf = s.buf.Reset()
	s.draft = ""
}

func (e *Engine) complete(c completion) {
	s, ok := e.slots[c.speaker]
	if !ok || s.inflight != c.flushID {
		return
	}
	s.inflight = 0
	s.buf = s.buf.Delivered()
	if s.draft != "" {
		e.offer(s, s.draft)
	}
}

func (e *Engine) enqueue(j job) {
	e.queue = append(e.queue, j)
}

func (e *Engine) utterance(speaker Speaker, text string) Utterance {
	return Utterance{
		Speaker:        speaker,
		Text:           text,
		Timestamp:      e.now().UTC(),
		ConversationID: e.conversationID,
	}
}
