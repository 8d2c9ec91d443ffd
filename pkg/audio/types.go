package audio

import (
	"encoding/binary"
	"time"
)

const (
	// SampleRate is the rate of every frame sent to the agent transport.
	SampleRate = 16000

	// FrameSize is the number of int16 samples in one encoded frame.
	FrameSize = 2048

	// Quantum is the number of samples a capture device delivers per callback.
	Quantum = 128
)

// AudioFrame is one fixed-size block of 16-bit mono PCM ready for transport.
// Frames are only ever emitted full; the receiver owns Samples.
type AudioFrame struct {
	// Samples holds exactly [FrameSize] signed 16-bit samples.
	Samples []int16

	// SampleRate in Hz. Always [SampleRate] for encoder output.
	SampleRate int

	// Seq is the zero-based position of this frame in its stream.
	Seq uint64

	// Timestamp is the offset of the first sample from stream start.
	Timestamp time.Duration
}

// Bytes returns the samples as little-endian s16 PCM.
func (f AudioFrame) Bytes() []byte {
	out := make([]byte, len(f.Samples)*2)
	for i, s := range f.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Duration reports how much audio the frame carries.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}
