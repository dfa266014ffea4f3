package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Decoder reads fixed-size windows of interleaved little-endian PCM from a
// byte source and de-interleaves them into a [Buffer].
// Not safe for concurrent use; the Input Stage owns it.
type Decoder struct {
	r    io.Reader
	spec SampleSpec
	buf  []byte
}

// NewDecoder returns a decoder for r. spec must pass Validate.
func NewDecoder(r io.Reader, spec SampleSpec) (*Decoder, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &Decoder{r: r, spec: spec}, nil
}

// Read blocks until samples per channel have been read or the source ends.
// It returns the decoded window and the number of bytes actually consumed.
// A short final read is zero-padded to the full window. When no bytes at
// all are available Read returns io.EOF.
func (d *Decoder) Read(samples int) (Buffer, int, error) {
	want := samples * d.spec.BytesPerFrame()
	if cap(d.buf) < want {
		d.buf = make([]byte, want)
	}
	buf := d.buf[:want]

	n, err := io.ReadFull(d.r, buf)
	switch {
	case errors.Is(err, io.EOF):
		return nil, 0, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		clear(buf[n:])
	case err != nil:
		return nil, n, fmt.Errorf("audio: read pcm: %w", err)
	}
	return Decode(buf, d.spec), n, nil
}

// Decode converts interleaved little-endian PCM into a planar buffer with
// every sample divided by 2^(bits-1). Trailing bytes that do not make up a
// whole frame are ignored.
func Decode(data []byte, spec SampleSpec) Buffer {
	frames := spec.BytesToSamples(len(data))
	out := NewBuffer(spec.Channels, frames)
	scale := spec.fullScale()
	bps := spec.BytesPerSample()

	pos := 0
	for i := range frames {
		for c := range spec.Channels {
			var v int64
			if spec.BitDepth == 16 {
				v = int64(int16(binary.LittleEndian.Uint16(data[pos:])))
			} else {
				v = int64(int32(binary.LittleEndian.Uint32(data[pos:])))
			}
			out[c][i] = float64(v) / scale
			pos += bps
		}
	}
	return out
}

// Encode clamps every sample to [-1, 1], scales it to the signed integer
// maximum of the bit depth, rounds to nearest and serialises the
// re-interleaved result as little-endian bytes.
func Encode(buf Buffer, spec SampleSpec) []byte {
	frames := buf.Len()
	out := make([]byte, frames*spec.BytesPerFrame())
	scale := spec.maxInt()
	bps := spec.BytesPerSample()

	pos := 0
	for i := range frames {
		for c := range spec.Channels {
			v := math.Round(clamp(buf[c][i]) * scale)
			if spec.BitDepth == 16 {
				binary.LittleEndian.PutUint16(out[pos:], uint16(int16(v)))
			} else {
				binary.LittleEndian.PutUint32(out[pos:], uint32(int32(v)))
			}
			pos += bps
		}
	}
	return out
}

// Frames encodes buf in windows of frameSamples samples per channel, so the
// writer always sees uniformly sized writes. Only the final frame may be
// shorter.
func Frames(buf Buffer, spec SampleSpec, frameSamples int) [][]byte {
	if frameSamples <= 0 {
		frameSamples = DefaultBufferSize
	}
	total := buf.Len()
	frames := make([][]byte, 0, (total+frameSamples-1)/frameSamples)
	for start := 0; start < total; start += frameSamples {
		end := min(start+frameSamples, total)
		frames = append(frames, Encode(buf.Slice(start, end), spec))
	}
	return frames
}

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	if math.IsNaN(v) {
		return 0
	}
	return v
}
