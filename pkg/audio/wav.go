package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// ErrUnsupportedWAV is returned for WAV files that are not 16-bit PCM.
var ErrUnsupportedWAV = errors.New("audio: unsupported WAV format")

// DecodeWAV reads a RIFF/WAVE stream of 16-bit PCM and returns its
// interleaved samples as floats together with the source format.
func DecodeWAV(r io.Reader) ([]float32, Format, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, Format{}, fmt.Errorf("audio: read RIFF header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, Format{}, fmt.Errorf("audio: not a RIFF/WAVE stream: %w", ErrUnsupportedWAV)
	}

	var (
		format   Format
		bits     uint16
		haveFmt  bool
		chunkHdr [8]byte
	)
	for {
		if _, err := io.ReadFull(r, chunkHdr[:]); err != nil {
			return nil, Format{}, fmt.Errorf("audio: read chunk header: %w", err)
		}
		id := string(chunkHdr[0:4])
		size := binary.LittleEndian.Uint32(chunkHdr[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, Format{}, fmt.Errorf("audio: fmt chunk too short (%d bytes): %w", size, ErrUnsupportedWAV)
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, Format{}, fmt.Errorf("audio: read fmt chunk: %w", err)
			}
			if tag := binary.LittleEndian.Uint16(body[0:2]); tag != 1 {
				return nil, Format{}, fmt.Errorf("audio: format tag %d: %w", tag, ErrUnsupportedWAV)
			}
			format.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			format.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			bits = binary.LittleEndian.Uint16(body[14:16])
			haveFmt = true
			if size%2 == 1 {
				if _, err := io.CopyN(io.Discard, r, 1); err != nil {
					return nil, Format{}, fmt.Errorf("audio: skip fmt padding: %w", err)
				}
			}

		case "data":
			if !haveFmt {
				return nil, Format{}, fmt.Errorf("audio: data chunk before fmt chunk: %w", ErrUnsupportedWAV)
			}
			if bits != 16 {
				return nil, Format{}, fmt.Errorf("audio: %d-bit samples: %w", bits, ErrUnsupportedWAV)
			}
			if format.Channels < 1 || format.SampleRate <= 0 {
				return nil, Format{}, fmt.Errorf("audio: invalid format %s: %w", formatString(format.SampleRate, format.Channels), ErrUnsupportedWAV)
			}
			data, err := io.ReadAll(io.LimitReader(r, int64(size)))
			if err != nil {
				return nil, Format{}, fmt.Errorf("audio: read data chunk: %w", err)
			}
			return PCM16ToFloat(data), format, nil

		default:
			skip := int64(size) + int64(size%2)
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return nil, Format{}, fmt.Errorf("audio: skip %q chunk: %w", id, err)
			}
		}
	}
}

// DecodeF32LE reads raw little-endian float32 mono samples until EOF.
// A trailing partial sample is ignored.
func DecodeF32LE(r io.Reader) ([]float32, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("audio: read f32le stream: %w", err)
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}
