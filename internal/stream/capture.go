package stream

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/satindergrewal/stemstream/internal/audio"
)

// wavFormatPCM is the WAVE_FORMAT_PCM tag.
const wavFormatPCM = 1

// Capture records everything published on a broadcaster to a WAV file. It
// is a listener like any other: if it falls behind, frames are dropped
// rather than stalling the pipeline.
type Capture struct {
	path     string
	spec     audio.SampleSpec
	b        *Broadcaster
	listener *Listener
	file     *os.File
	enc      *wav.Encoder
}

// NewCapture creates the file at path and subscribes immediately, so no
// frame published after it returns is missed.
func NewCapture(b *Broadcaster, path string, spec audio.SampleSpec) (*Capture, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("stream: capture: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("stream: capture: %w", err)
	}
	return &Capture{
		path:     path,
		spec:     spec,
		b:        b,
		listener: b.Subscribe(),
		file:     f,
		enc:      wav.NewEncoder(f, spec.SampleRate, spec.BitDepth, spec.Channels, wavFormatPCM),
	}, nil
}

// Run writes frames until ctx is cancelled or the broadcaster closes, then
// flushes what is still buffered and finalises the WAV header.
func (c *Capture) Run(ctx context.Context) error {
	defer c.b.Unsubscribe(c.listener)

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-c.listener.Done():
			break loop
		case frame := <-c.listener.C:
			if err = c.write(frame); err != nil {
				break loop
			}
		}
	}
	// Capture is the only reader of its listener.
	for err == nil && len(c.listener.C) > 0 {
		err = c.write(<-c.listener.C)
	}

	if cerr := c.enc.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("stream: capture: finalise %s: %w", c.path, cerr)
	}
	if cerr := c.file.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("stream: capture: close %s: %w", c.path, cerr)
	}
	return err
}

func (c *Capture) write(frame []byte) error {
	if err := c.enc.Write(c.intBuffer(frame)); err != nil {
		return fmt.Errorf("stream: capture: write %s: %w", c.path, err)
	}
	return nil
}

// intBuffer reinterprets an encoded frame as interleaved integer samples.
func (c *Capture) intBuffer(frame []byte) *goaudio.IntBuffer {
	bps := c.spec.BytesPerSample()
	data := make([]int, len(frame)/bps)
	for i := range data {
		if c.spec.BitDepth == 16 {
			data[i] = int(int16(binary.LittleEndian.Uint16(frame[i*bps:])))
		} else {
			data[i] = int(int32(binary.LittleEndian.Uint32(frame[i*bps:])))
		}
	}
	return &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: c.spec.Channels,
			SampleRate:  c.spec.SampleRate,
		},
		SourceBitDepth: c.spec.BitDepth,
		Data:           data,
	}
}
