package audio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrNonFiniteSample is reported when a chunk contains a NaN sample. The rest
// of that chunk is dropped; samples accepted before it are kept.
var ErrNonFiniteSample = errors.New("audio: non-finite sample")

// EncoderOption configures an [Encoder].
type EncoderOption func(*Encoder)

// WithErrorHandler sets the callback that receives per-chunk encode errors
// from [Encoder.Run]. The callback runs on the encoder goroutine.
func WithErrorHandler(fn func(error)) EncoderOption {
	return func(e *Encoder) { e.onError = fn }
}

// WithFrameBuffer sets the capacity of the channel returned by [Encoder.Frames].
func WithFrameBuffer(n int) EncoderOption {
	return func(e *Encoder) {
		if n >= 0 {
			e.outCap = n
		}
	}
}

// Encoder turns float PCM in [-1, 1] into fixed-size int16 frames.
//
// Each sample is scaled by 32768, floored and clamped to the int16 range, then
// appended to a [FrameSize] buffer. A frame is emitted only once the buffer is
// full; residual samples carry over to the next chunk and are never padded.
//
// Process may be used directly from a single goroutine. Run wraps it in a
// goroutine that reads chunks from a channel and publishes frames on
// [Encoder.Frames], so the capture side never touches encoder state.
type Encoder struct {
	buf      []int16
	n        int
	seq      uint64
	accepted uint64
	chunks   uint64

	onError func(error)
	outCap  int
	out     chan AudioFrame
}

// NewEncoder returns an Encoder with an empty frame buffer.
func NewEncoder(opts ...EncoderOption) *Encoder {
	e := &Encoder{
		buf:    make([]int16, FrameSize),
		outCap: 16,
	}
	for _, o := range opts {
		o(e)
	}
	e.out = make(chan AudioFrame, e.outCap)
	return e
}

// Process encodes one chunk and returns any frames completed by it, in order.
// If the chunk contains a NaN the returned error wraps [ErrNonFiniteSample];
// frames completed before that sample are still returned.
func (e *Encoder) Process(chunk []float32) ([]AudioFrame, error) {
	idx := e.chunks
	e.chunks++

	var frames []AudioFrame
	for i, s := range chunk {
		v, ok := Quantize(s)
		if !ok {
			return frames, fmt.Errorf("audio: encode chunk %d sample %d: %w", idx, i, ErrNonFiniteSample)
		}
		e.buf[e.n] = v
		e.n++
		e.accepted++
		if e.n == FrameSize {
			frames = append(frames, e.emit())
		}
	}
	return frames, nil
}

// Pending reports how many samples are waiting for the next frame.
func (e *Encoder) Pending() int { return e.n }

func (e *Encoder) emit() AudioFrame {
	start := e.accepted - FrameSize
	f := AudioFrame{
		Samples:    e.buf,
		SampleRate: SampleRate,
		Seq:        e.seq,
		Timestamp:  time.Duration(start) * time.Second / SampleRate,
	}
	e.seq++
	// The emitted buffer now belongs to the receiver.
	e.buf = make([]int16, FrameSize)
	e.n = 0
	return f
}

// Frames returns the channel on which [Encoder.Run] publishes frames. It is
// closed when Run returns.
func (e *Encoder) Frames() <-chan AudioFrame { return e.out }

// Run reads chunks from in until it is closed or ctx is cancelled. Encode
// errors go to the handler set with [WithErrorHandler] and do not stop the
// stream.
func (e *Encoder) Run(ctx context.Context, in <-chan []float32) {
	defer close(e.out)
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-in:
			if !ok {
				return
			}
			frames, err := e.Process(chunk)
			for _, f := range frames {
				select {
				case e.out <- f:
				case <-ctx.Done():
					return
				}
			}
			if err != nil && e.onError != nil {
				e.onError(err)
			}
		}
	}
}

// Quantize converts one float sample to int16 using floor(s*32768) clamped
// to [-32768, 32767]. Infinities clamp; NaN reports ok=false.
func Quantize(s float32) (int16, bool) {
	f := float64(s)
	if math.IsNaN(f) {
		return 0, false
	}
	v := math.Floor(f * 32768)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16, true
	case v < math.MinInt16:
		return math.MinInt16, true
	}
	return int16(v), true
}
