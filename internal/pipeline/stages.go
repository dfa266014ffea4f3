package pipeline

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/satindergrewal/stemstream/internal/audio"
	"github.com/satindergrewal/stemstream/internal/live"
	"github.com/satindergrewal/stemstream/internal/mix"
	"github.com/satindergrewal/stemstream/internal/observe"
	"github.com/satindergrewal/stemstream/internal/separator"
	"github.com/satindergrewal/stemstream/internal/stats"
)

type readResult struct {
	buf audio.Buffer
	n   int
	err error
}

// read performs one blocking decoder read without pinning the stage to it:
// a cancelled stage returns immediately and the read finishes on its own.
func read(ctx context.Context, dec *audio.Decoder, samples int) (audio.Buffer, int, error) {
	res := make(chan readResult, 1)
	go func() {
		buf, n, err := dec.Read(samples)
		res <- readResult{buf, n, err}
	}()
	select {
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	case r := <-res:
		return r.buf, r.n, r.err
	}
}

// input reads chunk+overlap samples per iteration and prepends the tail of
// the previous window so the model sees context across every seam.
func (p *Pipeline) input(ctx context.Context, dec *audio.Decoder) error {
	defer close(p.inputCh)

	spec := p.cfg.Spec
	var prev audio.Buffer

	for seq := 0; ; seq++ {
		rec := p.cfg.Live.Get()
		p.applyLogLevel(rec)

		chunkN := spec.SecsToSamples(rec.ChunkSecs)
		overlapN := spec.SecsToSamples(rec.OverlapSecs)

		fresh, n, err := read(ctx, dec, chunkN+overlapN)
		if errors.Is(err, io.EOF) {
			p.log.Info("input stream ended", "chunks", seq)
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return stageErr(StageInput, "read", err)
		}
		received := time.Now()

		p.cfg.Stats.Add(stats.Input(n, spec.BytesToSamples(n), spec.SamplesToSecs(spec.BytesToSamples(n))))
		p.cfg.Metrics.RecordBytes(ctx, "in", n)

		in, removeStart := fresh, 0
		if prev != nil && overlapN > 0 {
			head := prev.Tail(overlapN)
			in = head.Concat(fresh)
			removeStart = head.Len()
		}
		prev = in

		c := &Chunk{
			Seq:         seq,
			Spec:        spec,
			Input:       in,
			RemoveStart: removeStart,
			RemoveEnd:   overlapN,
			ReceivedAt:  received,
		}
		p.log.Debug("chunk read", "seq", seq, "samples", in.Len(), "remove_start", removeStart, "remove_end", overlapN)

		select {
		case p.inputCh <- c:
			p.cfg.Metrics.RecordChunk(ctx, StageInput)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// inference owns the model. Each iteration honours a pending empty-queue
// request or processes exactly one chunk.
func (p *Pipeline) inference(ctx context.Context) error {
	defer close(p.outputCh)

	for {
		rec := p.cfg.Live.Get()
		if err := p.ensureModel(ctx, rec); err != nil {
			return stageErr(StageInference, "load", err)
		}
		if p.emptyQueues(ctx, rec) {
			continue
		}

		var c *Chunk
		select {
		case <-ctx.Done():
			return ctx.Err()
		case next, ok := <-p.inputCh:
			if !ok {
				return nil
			}
			c = next
		}

		// Settings may have changed while waiting for the chunk.
		if err := p.process(ctx, p.cfg.Live.Get(), c); err != nil {
			return err
		}
		if err := p.enqueue(ctx, c); err != nil {
			return err
		}
	}
}

// ensureModel (re)loads the model when checkpoint or device changed. The
// first load must succeed; a failed reload keeps the previous model and is
// not retried until the key changes again.
func (p *Pipeline) ensureModel(ctx context.Context, rec *live.Record) error {
	key := separator.Key{Checkpoint: rec.Checkpoint, Device: rec.Device}
	if p.model != nil && (key == p.loaded || key == p.failed) {
		return nil
	}

	p.log.Info("loading model", "checkpoint", key.Checkpoint, "device", key.Device)
	start := time.Now()
	model, err := p.cfg.Loader.Load(ctx, key)
	if err != nil {
		if p.model == nil {
			return err
		}
		p.failed = key
		p.log.Error("model reload failed, keeping previous model",
			"checkpoint", key.Checkpoint, "device", key.Device,
			"previous", p.loaded.String(), "err", err)
		return nil
	}

	elapsed := time.Since(start)
	p.cfg.Metrics.ModelLoadDuration.Record(ctx, elapsed.Seconds())
	p.model, p.loaded, p.failed = model, key, separator.Key{}
	p.log.Info("model loaded", "checkpoint", key.Checkpoint, "device", key.Device, "took", elapsed)
	if p.cfg.OnModelLoaded != nil {
		p.cfg.OnModelLoaded(key)
	}
	return nil
}

// emptyQueues discards everything buffered in both queues when a new
// request is pending, then records it as honoured. It reports whether it
// ran.
func (p *Pipeline) emptyQueues(ctx context.Context, rec *live.Record) bool {
	if !rec.PendingEmptyQueues() || rec.EmptyQueuesRequested.Equal(p.honoured.Time) {
		return false
	}

	dropped := drain(p.inputCh) + drain(p.outputCh)
	p.honoured = rec.EmptyQueuesRequested

	if _, err := p.cfg.Live.Update(func(r *live.Record) error {
		r.MarkQueuesEmptied()
		return nil
	}); err != nil {
		p.log.Warn("could not persist queue flush", "err", err)
	}
	p.cfg.Metrics.RecordDrain(ctx, dropped)
	p.log.Info("emptied queues", "requested_at", rec.EmptyQueuesRequested.Time, "dropped", dropped)
	return true
}

func drain[T any](ch chan T) int {
	n := 0
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

// process separates, trims and mixes one chunk.
func (p *Pipeline) process(ctx context.Context, rec *live.Record, c *Chunk) error {
	c.ProcessingStartedAt = time.Now()

	sctx, span := observe.StartSeparate(ctx, c.Seq, c.Input.Len(), p.loaded.Checkpoint)
	stems, err := p.model.Separate(sctx, c.Input)
	if err == nil {
		err = separator.Validate(stems, c.Input)
	}
	observe.EndSpan(span, err)
	if err != nil {
		return stageErr(StageInference, "separate", err)
	}
	p.cfg.Metrics.InferenceDuration.Record(ctx, time.Since(c.ProcessingStartedAt).Seconds())

	total := c.Input.Len()
	end := total - c.RemoveEnd
	if c.RemoveStart > end {
		return stageErr(StageInference, "truncate", errors.New("overlap padding exceeds chunk length"))
	}

	gains := rec.EffectiveGains()
	c.GainsApplied = gains
	c.Processed = mix.Mix(stems, gains)
	c.Truncated = c.Processed.Slice(c.RemoveStart, end)
	if rec.Normalize {
		k := mix.Normalize(c.Truncated, c.Input)
		observe.WithTrace(sctx, p.log).Debug("normalised", "seq", c.Seq, "factor", k)
	}
	c.ProcessingCompletedAt = time.Now()

	spec := p.cfg.Spec
	samples := c.Truncated.Len()
	p.cfg.Stats.Add(stats.Processed(samples*spec.BytesPerFrame(), samples, spec.SamplesToSecs(samples)))
	p.cfg.Metrics.RecordChunk(ctx, StageInference)

	took := c.ProcessingCompletedAt.Sub(c.ProcessingStartedAt)
	p.log.Debug("chunk processed",
		"seq", c.Seq,
		"took", took,
		"rtf", stats.RealTimeFactor(c.TruncatedSecs(), took),
	)
	return nil
}

// enqueue hands the chunk to the output stage as uniform frames followed by
// the chunk itself.
func (p *Pipeline) enqueue(ctx context.Context, c *Chunk) error {
	c.OutputStartedAt = time.Now()
	for _, frame := range audio.Frames(c.Truncated, p.cfg.Spec, p.cfg.FrameSamples) {
		select {
		case p.outputCh <- item{frame: frame}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case p.outputCh <- item{chunk: c}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// output writes frames as they arrive, without pacing; the consumer pulls
// at its own real-time rate.
func (p *Pipeline) output(ctx context.Context, w io.Writer) error {
	spec := p.cfg.Spec
	for {
		var it item
		select {
		case <-ctx.Done():
			return ctx.Err()
		case next, ok := <-p.outputCh:
			if !ok {
				return nil
			}
			it = next
		}

		if it.chunk != nil {
			p.complete(ctx, it.chunk)
			continue
		}

		if _, err := w.Write(it.frame); err != nil {
			return stageErr(StageOutput, "write", err)
		}
		n := len(it.frame)
		samples := spec.BytesToSamples(n)
		p.cfg.Stats.Add(stats.Output(n, samples, spec.SamplesToSecs(samples)))
		p.cfg.Metrics.RecordBytes(ctx, "out", n)
		if p.cfg.Tap != nil {
			p.cfg.Tap.Publish(it.frame)
		}
	}
}

func (p *Pipeline) complete(ctx context.Context, c *Chunk) {
	c.OutputCompletedAt = time.Now()
	latency, _ := c.Latency()

	p.cfg.Stats.Add(stats.WithLatency(latency))
	p.cfg.Metrics.ChunkLatency.Record(ctx, latency.Seconds())
	p.cfg.Metrics.RecordChunk(ctx, StageOutput)
	c.log(p.log)

	if p.cfg.OnChunkDone != nil {
		p.cfg.OnChunkDone(c)
	}
}
