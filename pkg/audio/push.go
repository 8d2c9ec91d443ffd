package audio

import (
	"context"
	"errors"
	"sync"
)

// ErrSourceClosed is returned by [PushSource.Push] after Close.
var ErrSourceClosed = errors.New("audio: source closed")

// PushSource is a [Source] fed by its callers, e.g. an HTTP handler
// receiving microphone audio from a browser. Pushed samples are split into
// [Quantum]-sized chunks.
type PushSource struct {
	in   chan []float32
	done chan struct{}

	mu        sync.Mutex
	started   bool
	closeOnce sync.Once
	pumpDone  chan struct{}
}

var _ Source = (*PushSource)(nil)

// NewPushSource returns a source buffering up to buffer chunks before Push
// blocks.
func NewPushSource(buffer int) *PushSource {
	if buffer <= 0 {
		buffer = 64
	}
	return &PushSource{
		in:   make(chan []float32, buffer),
		done: make(chan struct{}),
	}
}

// Start returns the chunk channel. It closes when ctx is done or Close is
// called.
func (p *PushSource) Start(ctx context.Context) (<-chan []float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil, ErrSourceStarted
	}
	select {
	case <-p.done:
		return nil, ErrSourceClosed
	default:
	}
	p.started = true
	p.pumpDone = make(chan struct{})

	out := make(chan []float32, 8)
	go func() {
		defer close(p.pumpDone)
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.done:
				return
			case c := <-p.in:
				select {
				case out <- c:
				case <-ctx.Done():
					return
				case <-p.done:
					return
				}
			}
		}
	}()
	return out, nil
}

// Push queues mono 16 kHz samples. It blocks while the buffer is full and
// returns early when ctx is done or the source is closed. The caller may
// reuse samples after Push returns.
func (p *PushSource) Push(ctx context.Context, samples []float32) error {
	for off := 0; off < len(samples); off += Quantum {
		end := min(off+Quantum, len(samples))
		chunk := append([]float32(nil), samples[off:end]...)
		select {
		case p.in <- chunk:
		case <-p.done:
			return ErrSourceClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close stops the source and waits for the pump to exit. Idempotent.
func (p *PushSource) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	p.mu.Lock()
	done := p.pumpDone
	p.mu.Unlock()
	if done != nil {
		<-done
	}
	return nil
}
