package audio

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Stream format defaults, matching the PulseAudio host module.
const (
	DefaultSampleRate = 44100
	DefaultChannels   = 2
	DefaultBitDepth   = 16
	DefaultBufferSize = 1024 // samples per channel per output frame
)

var (
	// ErrUnsupportedBitDepth is returned when the bit depth is not 16 or 32.
	ErrUnsupportedBitDepth = errors.New("audio: only 16 and 32 bit depth is supported")

	// ErrUnsupportedChannels is returned when the channel count is not 1 or 2.
	ErrUnsupportedChannels = errors.New("audio: only mono and stereo are supported")

	// ErrInvalidSampleRate is returned for a non-positive sample rate.
	ErrInvalidSampleRate = errors.New("audio: sample rate must be positive")
)

// SampleSpec describes the raw PCM format shared with the host. It is read
// once at startup and never changes for the lifetime of the process.
type SampleSpec struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// Validate reports every problem with s.
func (s SampleSpec) Validate() error {
	var errs []error
	if s.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("%w: %d", ErrInvalidSampleRate, s.SampleRate))
	}
	if s.Channels != 1 && s.Channels != 2 {
		errs = append(errs, fmt.Errorf("%w: %d", ErrUnsupportedChannels, s.Channels))
	}
	if s.BitDepth != 16 && s.BitDepth != 32 {
		errs = append(errs, fmt.Errorf("%w: %d", ErrUnsupportedBitDepth, s.BitDepth))
	}
	return errors.Join(errs...)
}

// BytesPerSample is the size of one sample of one channel.
func (s SampleSpec) BytesPerSample() int {
	return s.BitDepth / 8
}

// BytesPerFrame is the size of one interleaved frame (one sample per channel).
func (s SampleSpec) BytesPerFrame() int {
	return s.BytesPerSample() * s.Channels
}

// SecsToSamples converts a duration in seconds to samples per channel.
func (s SampleSpec) SecsToSamples(secs float64) int {
	if secs <= 0 {
		return 0
	}
	return int(math.Round(secs * float64(s.SampleRate)))
}

// SamplesToSecs converts samples per channel to seconds.
func (s SampleSpec) SamplesToSecs(samples int) float64 {
	return float64(samples) / float64(s.SampleRate)
}

// SecsToBytes converts seconds to a whole number of interleaved frames in bytes.
func (s SampleSpec) SecsToBytes(secs float64) int {
	return s.SecsToSamples(secs) * s.BytesPerFrame()
}

// BytesToSamples converts a byte count to whole samples per channel.
func (s SampleSpec) BytesToSamples(n int) int {
	return n / s.BytesPerFrame()
}

// Duration converts samples per channel to a time.Duration.
func (s SampleSpec) Duration(samples int) time.Duration {
	return time.Duration(float64(samples) / float64(s.SampleRate) * float64(time.Second))
}

func (s SampleSpec) String() string {
	return fmt.Sprintf("%dHz/%dch/s%dle", s.SampleRate, s.Channels, s.BitDepth)
}

// fullScale is the divisor used when decoding: 2^(bits-1).
func (s SampleSpec) fullScale() float64 {
	return math.Ldexp(1, s.BitDepth-1)
}

// maxInt is the largest positive sample value for the bit depth.
func (s SampleSpec) maxInt() float64 {
	if s.BitDepth == 32 {
		return math.MaxInt32
	}
	return math.MaxInt16
}

// Buffer holds planar float samples in [-1, 1], one slice per channel.
type Buffer [][]float64

// NewBuffer allocates a silent buffer.
func NewBuffer(channels, samples int) Buffer {
	b := make(Buffer, channels)
	for c := range b {
		b[c] = make([]float64, samples)
	}
	return b
}

// NumChannels returns the channel count.
func (b Buffer) NumChannels() int {
	return len(b)
}

// Len returns the number of samples per channel.
func (b Buffer) Len() int {
	if len(b) == 0 {
		return 0
	}
	return len(b[0])
}

// Slice returns the [start, end) window of every channel. The result shares
// memory with b.
func (b Buffer) Slice(start, end int) Buffer {
	out := make(Buffer, len(b))
	for c := range b {
		out[c] = b[c][start:end]
	}
	return out
}

// Tail returns a copy of the last n samples of every channel.
func (b Buffer) Tail(n int) Buffer {
	if n > b.Len() {
		n = b.Len()
	}
	return b.Slice(b.Len()-n, b.Len()).Clone()
}

// Clone returns a deep copy.
func (b Buffer) Clone() Buffer {
	out := make(Buffer, len(b))
	for c := range b {
		out[c] = append([]float64(nil), b[c]...)
	}
	return out
}

// Concat returns a new buffer holding b followed by next. Channel counts must match.
func (b Buffer) Concat(next Buffer) Buffer {
	out := make(Buffer, len(b))
	for c := range b {
		ch := make([]float64, 0, len(b[c])+len(next[c]))
		ch = append(ch, b[c]...)
		out[c] = append(ch, next[c]...)
	}
	return out
}
