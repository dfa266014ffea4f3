// Package pipeline runs the three-stage chunked separation stream:
// input (bytes to windowed chunks), inference (model call and mix) and
// output (frames to the sink), joined by bounded channels.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/satindergrewal/stemstream/internal/audio"
	"github.com/satindergrewal/stemstream/internal/live"
	"github.com/satindergrewal/stemstream/internal/observe"
	"github.com/satindergrewal/stemstream/internal/separator"
	"github.com/satindergrewal/stemstream/internal/stats"
)

// DefaultQueueCapacity is the input queue capacity in chunks.
const DefaultQueueCapacity = 8

// Tap receives every frame after it has been written to the sink.
// Publish must not block and must not modify frame.
type Tap interface {
	Publish(frame []byte)
}

// Config wires a [Pipeline]. Spec, Live and Loader are required.
type Config struct {
	Spec audio.SampleSpec

	// FrameSamples is the size of each output write in samples per channel.
	FrameSamples int

	// QueueCapacity bounds the input queue in chunks. The output queue
	// holds the frames of as many chunks.
	QueueCapacity int

	Live   *live.Store
	Loader separator.Loader

	Stats   *stats.Accumulator
	Metrics *observe.Metrics
	Tap     Tap

	// LogLevel, when set, is raised to debug while the live record has
	// Debug set and restored to BaseLevel otherwise.
	LogLevel  *slog.LevelVar
	BaseLevel slog.Level

	// OnModelLoaded is called from the inference stage after each load.
	OnModelLoaded func(separator.Key)

	// OnChunkDone is called from the output stage once a chunk's frames are
	// all written. The pipeline no longer touches the chunk afterwards.
	OnChunkDone func(*Chunk)
}

// item is one entry on the output queue: either a frame of encoded bytes
// or the chunk itself, which follows its frames as a completion marker.
type item struct {
	frame []byte
	chunk *Chunk
}

// Pipeline is a single-use stream processor.
type Pipeline struct {
	cfg Config
	log *slog.Logger

	inputCh  chan *Chunk
	outputCh chan item

	// Owned by the inference stage.
	model    separator.Separator
	loaded   separator.Key
	failed   separator.Key
	honoured live.Timestamp
}

// New validates cfg and allocates the queues.
func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Spec.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if cfg.Live == nil || cfg.Loader == nil {
		return nil, errors.New("pipeline: live store and model loader are required")
	}
	if cfg.FrameSamples <= 0 {
		cfg.FrameSamples = audio.DefaultBufferSize
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewAccumulator()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.Noop()
	}

	rec := cfg.Live.Get()
	chunkSamples := cfg.Spec.SecsToSamples(rec.ChunkSecs + rec.OverlapSecs)
	framesPerChunk := (chunkSamples+cfg.FrameSamples-1)/cfg.FrameSamples + 1

	return &Pipeline{
		cfg:      cfg,
		log:      slog.Default(),
		inputCh:  make(chan *Chunk, cfg.QueueCapacity),
		outputCh: make(chan item, cfg.QueueCapacity*framesPerChunk),
	}, nil
}

// QueueDepths reports how many items wait in each queue.
func (p *Pipeline) QueueDepths() (input, output int) {
	return len(p.inputCh), len(p.outputCh)
}

// Stats returns the accumulator the stages fold into.
func (p *Pipeline) Stats() *stats.Accumulator {
	return p.cfg.Stats
}

// Run streams src through the model to dst until src ends, dst breaks, a
// stage fails or ctx is cancelled. End of input and a broken sink return
// nil; cancellation returns [ErrStopped]; anything else is a *StageError.
// Run must be called once.
func (p *Pipeline) Run(ctx context.Context, src io.Reader, dst io.Writer) error {
	dec, err := audio.NewDecoder(src, p.cfg.Spec)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	p.log.Info("pipeline starting",
		"spec", p.cfg.Spec.String(),
		"frame_samples", p.cfg.FrameSamples,
		"queue_capacity", p.cfg.QueueCapacity,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.input(gctx, dec) })
	g.Go(func() error { return p.inference(gctx) })
	g.Go(func() error { return p.output(gctx, dst) })
	err = g.Wait()

	snap := p.cfg.Stats.Snapshot()
	switch {
	case err == nil:
		p.log.Info("input ended, pipeline drained", "output_secs", snap.OutputSecs)
		return nil
	case IsBrokenPipe(err):
		p.log.Info("output closed, stopping", "output_secs", snap.OutputSecs)
		return nil
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		p.log.Info("pipeline stopped", "output_secs", snap.OutputSecs)
		return ErrStopped
	}

	var se *StageError
	if errors.As(err, &se) {
		p.cfg.Metrics.RecordError(context.Background(), se.Stage)
		p.log.Error("pipeline failed", "stage", se.Stage, "op", se.Op, "err", se.Err)
	} else {
		p.log.Error("pipeline failed", "err", err)
	}
	return err
}

// applyLogLevel follows the live debug flag.
func (p *Pipeline) applyLogLevel(rec *live.Record) {
	if p.cfg.LogLevel == nil {
		return
	}
	want := p.cfg.BaseLevel
	if rec.Debug {
		want = slog.LevelDebug
	}
	if p.cfg.LogLevel.Level() != want {
		p.cfg.LogLevel.Set(want)
	}
}
