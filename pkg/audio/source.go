// Package audio implements the capture side of Parley's speech pipeline.
//
// The main pieces are:
//
//   - [Source]: produces mono 16 kHz float chunks of [Quantum] samples.
//   - [Encoder]: turns those chunks into fixed-size int16 [AudioFrame]s.
//   - [Analyser]: keeps a rolling window of samples for waveform display.
//
// This package lives under pkg/ because external code (capture device
// adapters) is expected to implement [Source].
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Source is a capture device. Start begins capture and returns a channel of
// mono [SampleRate] chunks that is closed when capture ends. Receivers must
// treat chunks as read-only.
//
// Implementations must be safe for concurrent use.
type Source interface {
	Start(ctx context.Context) (<-chan []float32, error)

	// Close stops capture and releases the device. It is safe to call Close
	// more than once.
	Close() error
}

// Encoding names the byte layout of a file-backed source.
type Encoding int

const (
	// EncodingAuto picks WAV for ".wav" paths and raw float32 otherwise.
	EncodingAuto Encoding = iota
	// EncodingWAV is a RIFF/WAVE file of 16-bit PCM at any rate.
	EncodingWAV
	// EncodingF32LE is raw little-endian float32 mono at 16 kHz.
	EncodingF32LE
)

// ParseEncoding maps a config string to an [Encoding].
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return EncodingAuto, nil
	case "wav":
		return EncodingWAV, nil
	case "f32le", "raw":
		return EncodingF32LE, nil
	}
	return EncodingAuto, fmt.Errorf("audio: unknown encoding %q", s)
}

// ErrSourceStarted is returned by a second call to [FileSource.Start].
var ErrSourceStarted = errors.New("audio: source already started")

// SourceOption configures a [FileSource].
type SourceOption func(*FileSource)

// WithRealtime paces chunks at the rate a capture device would deliver them.
// Enabled by default.
func WithRealtime(on bool) SourceOption {
	return func(s *FileSource) { s.realtime = on }
}

// WithLoop restarts from the beginning when the input is exhausted.
func WithLoop(on bool) SourceOption {
	return func(s *FileSource) { s.loop = on }
}

// FileSource replays decoded audio as if it came from a microphone.
type FileSource struct {
	open     func() (io.ReadCloser, error)
	encoding Encoding
	realtime bool
	loop     bool

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ Source = (*FileSource)(nil)

// NewFileSource returns a source that reads path. With [EncodingAuto] the
// encoding is derived from the file extension.
func NewFileSource(path string, enc Encoding, opts ...SourceOption) *FileSource {
	if enc == EncodingAuto {
		enc = EncodingF32LE
		if strings.EqualFold(filepath.Ext(path), ".wav") {
			enc = EncodingWAV
		}
	}
	return newFileSource(func() (io.ReadCloser, error) { return os.Open(path) }, enc, opts)
}

// NewReaderSource returns a source that decodes r once.
func NewReaderSource(r io.Reader, enc Encoding, opts ...SourceOption) *FileSource {
	if enc == EncodingAuto {
		enc = EncodingF32LE
	}
	return newFileSource(func() (io.ReadCloser, error) { return io.NopCloser(r), nil }, enc, opts)
}

func newFileSource(open func() (io.ReadCloser, error), enc Encoding, opts []SourceOption) *FileSource {
	s := &FileSource{open: open, encoding: enc, realtime: true}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start decodes the input and begins emitting [Quantum]-sized chunks.
func (s *FileSource) Start(ctx context.Context) (<-chan []float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil, ErrSourceStarted
	}

	samples, err := s.decode()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s.started = true
	s.cancel = cancel
	s.done = make(chan struct{})

	out := make(chan []float32, 8)
	go s.pump(ctx, samples, out)
	return out, nil
}

func (s *FileSource) decode() ([]float32, error) {
	rc, err := s.open()
	if err != nil {
		return nil, fmt.Errorf("audio: open source: %w", err)
	}
	defer rc.Close()

	switch s.encoding {
	case EncodingWAV:
		samples, format, err := DecodeWAV(rc)
		if err != nil {
			return nil, err
		}
		conv := FormatConverter{Target: Mono16k}
		return conv.Convert(samples, format), nil
	default:
		return DecodeF32LE(rc)
	}
}

func (s *FileSource) pump(ctx context.Context, samples []float32, out chan<- []float32) {
	defer close(s.done)
	defer close(out)

	var tick <-chan time.Time
	if s.realtime {
		t := time.NewTicker(time.Duration(Quantum) * time.Second / SampleRate)
		defer t.Stop()
		tick = t.C
	}

	for {
		for off := 0; off < len(samples); off += Quantum {
			end := min(off+Quantum, len(samples))
			if tick != nil {
				select {
				case <-tick:
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- samples[off:end]:
			case <-ctx.Done():
				return
			}
		}
		if !s.loop || len(samples) == 0 {
			return
		}
	}
}

// Close stops the pump goroutine and waits for it to exit.
func (s *FileSource) Close() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}
