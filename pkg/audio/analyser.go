package audio

import (
	"math"
	"sync"
)

// DefaultAnalysisSize is the analysis window used when none is configured.
const DefaultAnalysisSize = 2048

// Analyser keeps the most recent window of captured samples and exposes them
// as unsigned byte amplitudes, centred on 128. It is written by the capture
// goroutine and read by any number of renderers.
type Analyser struct {
	mu   sync.RWMutex
	ring []float32
	pos  int
}

// NewAnalyser returns an Analyser holding size samples. A non-positive size
// falls back to [DefaultAnalysisSize].
func NewAnalyser(size int) *Analyser {
	if size <= 0 {
		size = DefaultAnalysisSize
	}
	return &Analyser{ring: make([]float32, size)}
}

// Write appends samples to the window, overwriting the oldest ones.
func (a *Analyser) Write(samples []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(samples) >= len(a.ring) {
		copy(a.ring, samples[len(samples)-len(a.ring):])
		a.pos = 0
		return
	}
	for _, s := range samples {
		a.ring[a.pos] = s
		a.pos = (a.pos + 1) % len(a.ring)
	}
}

// BinCount returns the number of values [Analyser.ByteTimeDomainData] fills.
func (a *Analyser) BinCount() int { return len(a.ring) }

// ByteTimeDomainData copies the window, oldest sample first, into dst as
// bytes of 128*(1+s) clamped to [0, 255]. At most min(len(dst), BinCount())
// values are written.
func (a *Analyser) ByteTimeDomainData(dst []byte) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n := min(len(dst), len(a.ring))
	// Read the newest n samples so a short dst still sees current audio.
	start := a.pos + len(a.ring) - n
	for i := range n {
		dst[i] = sampleToByte(a.ring[(start+i)%len(a.ring)])
	}
}

func sampleToByte(s float32) byte {
	f := float64(s)
	if math.IsNaN(f) {
		return 128
	}
	v := math.Floor(128 * (1 + f))
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	}
	return byte(v)
}
