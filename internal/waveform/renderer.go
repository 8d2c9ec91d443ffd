package waveform

import (
	"math"
	"sync"
	"sync/atomic"
)

// DefaultBlend is the interpolation factor used when none is configured.
const DefaultBlend = 0.45

// silence is the tap byte for a zero sample.
const silence = 128

// Option configures a [Renderer].
type Option func(*Renderer)

// WithBlend sets the initial interpolation factor. See [Renderer.SetBlend].
func WithBlend(b float64) Option {
	return func(r *Renderer) { r.SetBlend(b) }
}

// WithScheduler replaces the default 60 Hz [IntervalScheduler].
func WithScheduler(s Scheduler) Option {
	return func(r *Renderer) { r.sched = s }
}

// Renderer draws the waveform of one [Tap] onto one [Surface]. It is idle
// until a tap is set. All methods are safe for concurrent use.
type Renderer struct {
	surface Surface
	sched   Scheduler
	blend   atomic.Uint64

	mu     sync.Mutex
	tap    Tap
	prev   []byte
	cur    []byte
	values []float64
	cancel func()
	gen    uint64

	gradient       *Gradient
	gradW, gradH   int
	gradientBuilds int
}

// NewRenderer returns an idle renderer drawing onto s.
func NewRenderer(s Surface, opts ...Option) *Renderer {
	r := &Renderer{surface: s}
	r.SetBlend(DefaultBlend)
	for _, o := range opts {
		o(r)
	}
	if r.sched == nil {
		r.sched = NewIntervalScheduler(DefaultRefreshHz)
	}
	return r
}

// SetBlend sets how far each frame moves from the previous snapshot towards
// the current one: 0 shows the previous snapshot, 1 the current one. Values
// outside [0, 1] are clamped; NaN is ignored.
func (r *Renderer) SetBlend(b float64) {
	if math.IsNaN(b) {
		return
	}
	r.blend.Store(math.Float64bits(min(max(b, 0), 1)))
}

// Blend returns the interpolation factor.
func (r *Renderer) Blend() float64 {
	return math.Float64frombits(r.blend.Load())
}

// SetTap switches the renderer to tap and starts ticking. Snapshots are
// re-initialised to silence. A nil tap stops the renderer, drops its
// snapshots and clears the surface.
func (r *Renderer) SetTap(tap Tap) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
	r.tap = tap
	if tap == nil {
		r.prev, r.cur, r.values = nil, nil, nil
		r.surface.Clear()
		return
	}
	r.resetSnapshots(tap.BinCount())
	r.scheduleLocked()
}

// Stop cancels the pending tick and clears the surface. Nothing is drawn
// after Stop returns until the next SetTap.
func (r *Renderer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
	r.surface.Clear()
}

// Running reports whether a tick is scheduled.
func (r *Renderer) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

// GradientBuilds reports how many times the gradient was derived.
func (r *Renderer) GradientBuilds() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gradientBuilds
}

func (r *Renderer) stopLocked() {
	r.gen++
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

func (r *Renderer) scheduleLocked() {
	gen := r.gen
	r.cancel = r.sched.RequestFrame(func() { r.tick(gen) })
}

func (r *Renderer) tick(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen || r.tap == nil {
		return
	}
	r.drawLocked()
	r.scheduleLocked()
}

// drawLocked renders one frame. A surface without area is skipped.
func (r *Renderer) drawLocked() {
	w, h := r.surface.Size()
	if w <= 0 || h <= 0 {
		return
	}
	if n := r.tap.BinCount(); n != len(r.cur) {
		r.resetSnapshots(n)
	}

	copy(r.prev, r.cur)
	r.tap.ByteTimeDomainData(r.cur)
	r.values = Interpolate(r.prev, r.cur, r.Blend(), r.values)

	r.surface.Draw(DisplayFrame{
		Width:    w,
		Height:   h,
		Points:   Polyline(r.values, w, h),
		Values:   append([]float64(nil), r.values...),
		Gradient: r.gradientFor(w, h),
	})
}

func (r *Renderer) gradientFor(w, h int) *Gradient {
	if r.gradient == nil || w != r.gradW || h != r.gradH {
		r.gradient = NewGradient(w, h)
		r.gradW, r.gradH = w, h
		r.gradientBuilds++
	}
	return r.gradient
}

func (r *Renderer) resetSnapshots(n int) {
	n = max(n, 0)
	r.prev = make([]byte, n)
	r.cur = make([]byte, n)
	for i := range n {
		r.prev[i] = silence
		r.cur[i] = silence
	}
	r.values = r.values[:0]
}
