package waveform_test

import (
	"testing"

	"github.com/MrWong99/parley/internal/waveform"
)

func TestNormalize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   byte
		want float64
	}{
		{128, 0},
		{0, -1},
		{64, -0.5},
		{192, 0.5},
		{255, 127.0 / 128},
	}
	for _, tc := range tests {
		if got := waveform.Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%d) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestInterpolate(t *testing.T) {
	t.Parallel()
	prev := []byte{0, 128, 255}
	cur := []byte{128, 0, 255, 7}

	got := waveform.Interpolate(prev, cur, 0.25, nil)
	want := []float64{-0.75, -0.25, 127.0 / 128}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if !approx(got[i], want[i]) {
			t.Errorf("[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	buf := make([]float64, 0, 8)
	if out := waveform.Interpolate(prev, cur, 1, buf); &out[0] != &buf[:1][0] {
		t.Error("Interpolate did not reuse dst capacity")
	}
}

func TestPolyline(t *testing.T) {
	t.Parallel()
	pts := waveform.Polyline([]float64{-1, 0, 1, 0.5}, 400, 100)
	want := []waveform.Point{{X: 0, Y: 0}, {X: 100, Y: 50}, {X: 200, Y: 100}, {X: 300, Y: 75}}
	for i := range want {
		if pts[i] != want[i] {
			t.Errorf("point %d = %+v, want %+v", i, pts[i], want[i])
		}
	}
	if len(waveform.Polyline(nil, 10, 10)) != 0 {
		t.Error("empty values produced points")
	}
}

func TestNewGradient(t *testing.T) {
	t.Parallel()
	g := waveform.NewGradient(640, 120)
	if g.X0 != 0 || g.X1 != 640 || g.Y0 != 60 || g.Y1 != 60 {
		t.Errorf("gradient line = (%v,%v)-(%v,%v)", g.X0, g.Y0, g.X1, g.Y1)
	}
	if len(g.Stops) == 0 || g.Stops[0].Offset != 0 || g.Stops[len(g.Stops)-1].Offset != 1 {
		t.Errorf("stops = %+v", g.Stops)
	}
}
