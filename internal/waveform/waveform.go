// Package waveform turns an audio analysis tap into smoothed, drawable
// frames for a live waveform display.
//
// A [Renderer] keeps the previous and current amplitude snapshots of its
// [Tap], blends them on every tick and hands the result to a [Surface].
// Ticks come from a [Scheduler]; [IntervalScheduler] paces them at a fixed
// refresh rate. [Hub] serves renderers to websocket clients.
package waveform

import "time"

// Tap exposes the most recent window of captured audio as unsigned byte
// amplitudes centred on 128. Implementations must be safe for concurrent
// readers.
type Tap interface {
	BinCount() int
	ByteTimeDomainData(dst []byte)
}

// Surface receives rendered frames. Draw and Clear are called with the
// renderer's lock held and must not block.
type Surface interface {
	// Size reports the drawable area in pixels.
	Size() (width, height int)
	Draw(f DisplayFrame)

	// Clear blanks the drawable area. It is called when the renderer stops
	// or loses its tap.
	Clear()
}

// Point is a vertex of the waveform polyline in surface pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// GradientStop is one colour stop of a [Gradient].
type GradientStop struct {
	Offset float64 `json:"offset"`
	Color  string  `json:"color"`
}

// Gradient is the linear stroke gradient of a frame. It depends only on the
// surface size.
type Gradient struct {
	X0    float64        `json:"x0"`
	Y0    float64        `json:"y0"`
	X1    float64        `json:"x1"`
	Y1    float64        `json:"y1"`
	Stops []GradientStop `json:"stops"`
}

// DisplayFrame is one drawable waveform. The receiver owns Points and
// Values.
type DisplayFrame struct {
	Width    int       `json:"width"`
	Height   int       `json:"height"`
	Points   []Point   `json:"points"`
	Values   []float64 `json:"values"`
	Gradient *Gradient `json:"gradient"`
}

// Normalize maps a tap byte to a signed unit value: 128 is silence, 0 is -1.
func Normalize(b byte) float64 {
	return float64(b)/128 - 1
}

// Interpolate blends two snapshots value by value as
// prev + (cur-prev)*blend and writes the result into dst, which is grown as
// needed. Only the common prefix of prev and cur is used.
func Interpolate(prev, cur []byte, blend float64, dst []float64) []float64 {
	n := min(len(prev), len(cur))
	if cap(dst) < n {
		dst = make([]float64, n)
	}
	dst = dst[:n]
	for i := range n {
		p := Normalize(prev[i])
		dst[i] = p + (Normalize(cur[i])-p)*blend
	}
	return dst
}

// Polyline lays values out across a width x height surface, left to right,
// with 0 on the horizontal centre line.
func Polyline(values []float64, width, height int) []Point {
	pts := make([]Point, len(values))
	if len(values) == 0 {
		return pts
	}
	step := float64(width) / float64(len(values))
	half := float64(height) / 2
	for i, v := range values {
		pts[i] = Point{X: float64(i) * step, Y: (1 + v) * half}
	}
	return pts
}

var gradientStops = []GradientStop{
	{Offset: 0, Color: "#4f46e5"},
	{Offset: 0.5, Color: "#06b6d4"},
	{Offset: 1, Color: "#4f46e5"},
}

// NewGradient returns the horizontal stroke gradient for a surface.
func NewGradient(width, height int) *Gradient {
	return &Gradient{
		X0:    0,
		Y0:    float64(height) / 2,
		X1:    float64(width),
		Y1:    float64(height) / 2,
		Stops: append([]GradientStop(nil), gradientStops...),
	}
}

// Scheduler requests a callback for the next display frame.
type Scheduler interface {
	// RequestFrame arranges for fn to run once. The returned function
	// cancels the request if it has not fired yet.
	RequestFrame(fn func()) (cancel func())
}

// DefaultRefreshHz is the tick rate of an [IntervalScheduler] built with a
// non-positive rate.
const DefaultRefreshHz = 60

// IntervalScheduler fires frame requests after a fixed interval.
type IntervalScheduler struct {
	interval time.Duration
}

var _ Scheduler = (*IntervalScheduler)(nil)

// NewIntervalScheduler returns a scheduler ticking hz times per second.
func NewIntervalScheduler(hz int) *IntervalScheduler {
	if hz <= 0 {
		hz = DefaultRefreshHz
	}
	return &IntervalScheduler{interval: time.Second / time.Duration(hz)}
}

// Interval returns the time between ticks.
func (s *IntervalScheduler) Interval() time.Duration { return s.interval }

// RequestFrame implements [Scheduler].
func (s *IntervalScheduler) RequestFrame(fn func()) func() {
	t := time.AfterFunc(s.interval, fn)
	return func() { t.Stop() }
}
