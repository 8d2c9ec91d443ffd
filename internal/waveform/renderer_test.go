package waveform_test

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/waveform"
)

// manualScheduler queues frame requests until the test fires them.
type manualScheduler struct {
	mu      sync.Mutex
	pending []*request
}

type request struct {
	fn        func()
	cancelled bool
}

func (s *manualScheduler) RequestFrame(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	req := &request{fn: fn}
	s.pending = append(s.pending, req)
	return func() {
		s.mu.Lock()
		req.cancelled = true
		s.mu.Unlock()
	}
}

// fire runs every live request queued so far and reports how many ran.
func (s *manualScheduler) fire() int {
	s.mu.Lock()
	reqs := s.pending
	s.pending = nil
	s.mu.Unlock()
	ran := 0
	for _, r := range reqs {
		s.mu.Lock()
		cancelled := r.cancelled
		s.mu.Unlock()
		if cancelled {
			continue
		}
		r.fn()
		ran++
	}
	return ran
}

func (s *manualScheduler) live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.pending {
		if !r.cancelled {
			n++
		}
	}
	return n
}

type fakeSurface struct {
	mu     sync.Mutex
	w, h   int
	frames []waveform.DisplayFrame
	clears int
}

func (s *fakeSurface) Size() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w, s.h
}

func (s *fakeSurface) Draw(f waveform.DisplayFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
}

func (s *fakeSurface) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
}

func (s *fakeSurface) cleared() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}

func (s *fakeSurface) resize(w, h int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w, s.h = w, h
}

func (s *fakeSurface) drawn() []waveform.DisplayFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]waveform.DisplayFrame(nil), s.frames...)
}

// fakeTap returns data on every read.
type fakeTap struct {
	mu   sync.Mutex
	data []byte
}

func (t *fakeTap) BinCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.data)
}

func (t *fakeTap) ByteTimeDomainData(dst []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	copy(dst, t.data)
}

func (t *fakeTap) set(data ...byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data = data
}

func newRenderer(t *testing.T, blend float64) (*waveform.Renderer, *fakeSurface, *manualScheduler) {
	t.Helper()
	surf := &fakeSurface{w: 100, h: 50}
	sched := &manualScheduler{}
	r := waveform.NewRenderer(surf, waveform.WithBlend(blend), waveform.WithScheduler(sched))
	t.Cleanup(r.Stop)
	return r, surf, sched
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestRenderer_IdleWithoutTap(t *testing.T) {
	t.Parallel()
	r, surf, sched := newRenderer(t, 1)

	if r.Running() {
		t.Error("Running() = true before SetTap")
	}
	if sched.live() != 0 {
		t.Errorf("pending ticks = %d, want 0", sched.live())
	}
	r.SetTap(nil)
	if sched.fire() != 0 || len(surf.drawn()) != 0 {
		t.Error("renderer without tap drew something")
	}
}

func TestRenderer_FirstFrameBlendsFromSilence(t *testing.T) {
	t.Parallel()
	r, surf, sched := newRenderer(t, 0.5)
	tap := &fakeTap{data: []byte{255, 0, 128, 192}}
	r.SetTap(tap)

	if sched.fire() != 1 {
		t.Fatal("no tick scheduled after SetTap")
	}
	frames := surf.drawn()
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	want := []float64{
		waveform.Normalize(255) / 2,
		-0.5,
		0,
		0.25,
	}
	for i, v := range frames[0].Values {
		if !approx(v, want[i]) {
			t.Errorf("value[%d] = %v, want %v", i, v, want[i])
		}
	}
	if f := frames[0]; f.Width != 100 || f.Height != 50 || len(f.Points) != 4 {
		t.Errorf("frame geometry = %dx%d with %d points", f.Width, f.Height, len(f.Points))
	}
	if p := frames[0].Points[2]; !approx(p.X, 50) || !approx(p.Y, 25) {
		t.Errorf("silent point = %+v, want (50, 25)", p)
	}
	if sched.live() != 1 {
		t.Errorf("next tick not scheduled")
	}
}

func TestRenderer_BlendExtremes(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name  string
		blend float64
		want  byte
	}{
		{"blend 0 shows previous", 0, 64},
		{"blend 1 shows current", 1, 192},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r, surf, sched := newRenderer(t, tc.blend)
			tap := &fakeTap{data: []byte{64, 64}}
			r.SetTap(tap)
			sched.fire()

			tap.set(192, 192)
			sched.fire()

			frames := surf.drawn()
			if len(frames) != 2 {
				t.Fatalf("frames = %d, want 2", len(frames))
			}
			if got := frames[1].Values[0]; !approx(got, waveform.Normalize(tc.want)) {
				t.Errorf("value = %v, want %v", got, waveform.Normalize(tc.want))
			}
		})
	}
}

func TestRenderer_SetBlendClamps(t *testing.T) {
	t.Parallel()
	r, _, _ := newRenderer(t, 2)
	if r.Blend() != 1 {
		t.Errorf("Blend = %v, want 1", r.Blend())
	}
	r.SetBlend(-3)
	if r.Blend() != 0 {
		t.Errorf("Blend = %v, want 0", r.Blend())
	}
	r.SetBlend(math.NaN())
	if r.Blend() != 0 {
		t.Errorf("NaN changed blend to %v", r.Blend())
	}
}

func TestRenderer_ZeroAreaSkipsDrawButKeepsTicking(t *testing.T) {
	t.Parallel()
	r, surf, sched := newRenderer(t, 1)
	surf.resize(0, 50)
	r.SetTap(&fakeTap{data: []byte{200}})

	sched.fire()
	if n := len(surf.drawn()); n != 0 {
		t.Fatalf("drew %d frames on a zero-width surface", n)
	}
	if sched.live() != 1 {
		t.Fatal("next tick not scheduled after skipped draw")
	}

	surf.resize(10, 10)
	sched.fire()
	if n := len(surf.drawn()); n != 1 {
		t.Errorf("frames after resize = %d, want 1", n)
	}
}

func TestRenderer_StopCancelsPendingTick(t *testing.T) {
	t.Parallel()
	r, surf, sched := newRenderer(t, 1)
	r.SetTap(&fakeTap{data: []byte{200}})

	r.Stop()
	if r.Running() {
		t.Error("Running() = true after Stop")
	}
	if ran := sched.fire(); ran != 0 {
		t.Errorf("%d ticks ran after Stop", ran)
	}
	if n := len(surf.drawn()); n != 0 {
		t.Errorf("drew %d frames after Stop", n)
	}
}

func TestRenderer_ClearsSurfaceWhenTapRemovedOrStopped(t *testing.T) {
	t.Parallel()
	r, surf, sched := newRenderer(t, 1)
	tap := &fakeTap{data: []byte{0, 255, 0, 255}}

	r.SetTap(tap)
	sched.fire()
	if n := len(surf.drawn()); n != 1 {
		t.Fatalf("frames = %d, want 1", n)
	}
	r.SetTap(&fakeTap{data: []byte{128}})
	if n := surf.cleared(); n != 0 {
		t.Errorf("switching taps cleared the surface %d times", n)
	}

	r.SetTap(nil)
	if n := surf.cleared(); n != 1 {
		t.Errorf("clears after SetTap(nil) = %d, want 1", n)
	}
	sched.fire()
	if n := len(surf.drawn()); n != 1 {
		t.Errorf("frames after SetTap(nil) = %d, want 1", n)
	}

	r.SetTap(tap)
	sched.fire()
	r.Stop()
	if n := surf.cleared(); n != 2 {
		t.Errorf("clears after Stop = %d, want 2", n)
	}
}

func TestRenderer_StaleTickAfterStopDoesNotDraw(t *testing.T) {
	t.Parallel()
	surf := &fakeSurface{w: 10, h: 10}
	// A scheduler that ignores cancellation, like a timer that already fired.
	var fns []func()
	sched := schedulerFunc(func(fn func()) func() {
		fns = append(fns, fn)
		return func() {}
	})
	r := waveform.NewRenderer(surf, waveform.WithScheduler(sched))
	r.SetTap(&fakeTap{data: []byte{1}})
	r.Stop()

	for _, fn := range fns {
		fn()
	}
	if n := len(surf.drawn()); n != 0 {
		t.Errorf("stale tick drew %d frames", n)
	}
}

type schedulerFunc func(fn func()) func()

func (f schedulerFunc) RequestFrame(fn func()) func() { return f(fn) }

func TestRenderer_SwitchingTapsResetsSnapshots(t *testing.T) {
	t.Parallel()
	r, surf, sched := newRenderer(t, 0)
	r.SetTap(&fakeTap{data: []byte{255, 255, 255}})
	sched.fire()
	sched.fire()

	r.SetTap(&fakeTap{data: []byte{0, 0}})
	sched.fire()

	frames := surf.drawn()
	last := frames[len(frames)-1]
	if len(last.Values) != 2 {
		t.Fatalf("values = %d, want 2 after switching taps", len(last.Values))
	}
	// Blend 0 shows the previous snapshot, which must be silence after the
	// switch rather than the old tap's data.
	for i, v := range last.Values {
		if v != 0 {
			t.Errorf("value[%d] = %v, want 0", i, v)
		}
	}
	if sched.live() != 1 {
		t.Errorf("live ticks = %d, want exactly 1 after switching", sched.live())
	}
}

func TestRenderer_GradientCachedUntilResize(t *testing.T) {
	t.Parallel()
	r, surf, sched := newRenderer(t, 1)
	r.SetTap(&fakeTap{data: []byte{128}})

	sched.fire()
	sched.fire()
	surf.resize(300, 50)
	sched.fire()

	frames := surf.drawn()
	if frames[0].Gradient != frames[1].Gradient {
		t.Error("gradient rebuilt without a resize")
	}
	if frames[2].Gradient == frames[1].Gradient {
		t.Error("gradient not rebuilt after resize")
	}
	if frames[2].Gradient.X1 != 300 {
		t.Errorf("gradient X1 = %v, want 300", frames[2].Gradient.X1)
	}
	if n := r.GradientBuilds(); n != 2 {
		t.Errorf("GradientBuilds = %d, want 2", n)
	}
}

func TestRenderer_FramesAreOwnedByReceiver(t *testing.T) {
	t.Parallel()
	r, surf, sched := newRenderer(t, 1)
	tap := &fakeTap{data: []byte{200}}
	r.SetTap(tap)
	sched.fire()
	first := surf.drawn()[0].Values[0]

	tap.set(10)
	sched.fire()
	if got := surf.drawn()[0].Values[0]; got != first {
		t.Errorf("earlier frame mutated: %v -> %v", first, got)
	}
}

func TestIntervalScheduler(t *testing.T) {
	t.Parallel()

	s := waveform.NewIntervalScheduler(200)
	if s.Interval() != 5*time.Millisecond {
		t.Errorf("Interval = %v, want 5ms", s.Interval())
	}
	if d := waveform.NewIntervalScheduler(0).Interval(); d != time.Second/waveform.DefaultRefreshHz {
		t.Errorf("default interval = %v", d)
	}

	fired := make(chan struct{})
	s.RequestFrame(func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("frame request never fired")
	}

	cancelled := make(chan struct{}, 1)
	cancel := waveform.NewIntervalScheduler(1).RequestFrame(func() { cancelled <- struct{}{} })
	cancel()
	select {
	case <-cancelled:
		t.Error("cancelled request fired")
	case <-time.After(50 * time.Millisecond):
	}
}
