// Package observe provides OpenTelemetry metrics and tracing for the
// separation pipeline.
//
// Metrics are recorded through the OpenTelemetry Metrics API and bridged to
// Prometheus by [InitProvider]. Tests should build a [Metrics] with
// [NewMetrics] over their own provider; [Noop] is for callers that do not
// care.
package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// meterName is the instrumentation scope for all pipeline metrics.
const meterName = "github.com/satindergrewal/stemstream"

// Metrics holds every instrument the pipeline records. Safe for concurrent
// use.
type Metrics struct {
	// ChunkLatency is receive-to-output-complete time per chunk.
	ChunkLatency metric.Float64Histogram

	// InferenceDuration is the model call time per chunk.
	InferenceDuration metric.Float64Histogram

	// ModelLoadDuration is the time spent (re)loading the model.
	ModelLoadDuration metric.Float64Histogram

	// Bytes counts PCM bytes. Use with attribute.String("direction", "in"|"out").
	Bytes metric.Int64Counter

	// Chunks counts chunks per stage. Use with attribute.String("stage", ...).
	Chunks metric.Int64Counter

	// QueueDrains counts honoured empty-queue requests.
	QueueDrains metric.Int64Counter

	// DrainedItems counts items discarded by queue drains.
	DrainedItems metric.Int64Counter

	// Errors counts fatal stage errors. Use with attribute.String("stage", ...).
	Errors metric.Int64Counter

	// MonitorListeners tracks connected monitor listeners.
	MonitorListeners metric.Int64UpDownCounter
}

// latencyBuckets covers sub-chunk to multi-chunk latencies in seconds.
var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ChunkLatency, err = m.Float64Histogram("stemstream.chunk.latency",
		metric.WithDescription("Time from chunk receipt to the last byte written."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.InferenceDuration, err = m.Float64Histogram("stemstream.inference.duration",
		metric.WithDescription("Latency of one separation model call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ModelLoadDuration, err = m.Float64Histogram("stemstream.model.load.duration",
		metric.WithDescription("Time spent loading or re-placing the model."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.Bytes, err = m.Int64Counter("stemstream.pcm.bytes",
		metric.WithDescription("PCM bytes read and written by direction."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.Chunks, err = m.Int64Counter("stemstream.chunks",
		metric.WithDescription("Chunks handled by stage."),
	); err != nil {
		return nil, err
	}
	if met.QueueDrains, err = m.Int64Counter("stemstream.queue.drains",
		metric.WithDescription("Honoured empty-queue requests."),
	); err != nil {
		return nil, err
	}
	if met.DrainedItems, err = m.Int64Counter("stemstream.queue.drained_items",
		metric.WithDescription("Queued items discarded by empty-queue requests."),
	); err != nil {
		return nil, err
	}
	if met.Errors, err = m.Int64Counter("stemstream.errors",
		metric.WithDescription("Fatal pipeline errors by stage."),
	); err != nil {
		return nil, err
	}

	if met.MonitorListeners, err = m.Int64UpDownCounter("stemstream.monitor.listeners",
		metric.WithDescription("Connected monitor listeners."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// Noop returns metrics that record nothing.
func Noop() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider())
	if err != nil {
		panic("observe: noop metrics: " + err.Error())
	}
	return m
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordChunk counts one chunk handled by stage.
func (m *Metrics) RecordChunk(ctx context.Context, stage string) {
	m.Chunks.Add(ctx, 1, metric.WithAttributes(Attr("stage", stage)))
}

// RecordBytes counts PCM bytes in direction "in" or "out".
func (m *Metrics) RecordBytes(ctx context.Context, direction string, n int) {
	m.Bytes.Add(ctx, int64(n), metric.WithAttributes(Attr("direction", direction)))
}

// RecordError counts a fatal error in stage.
func (m *Metrics) RecordError(ctx context.Context, stage string) {
	m.Errors.Add(ctx, 1, metric.WithAttributes(Attr("stage", stage)))
}

// RecordDrain counts one honoured empty-queue request and what it discarded.
func (m *Metrics) RecordDrain(ctx context.Context, items int) {
	m.QueueDrains.Add(ctx, 1)
	m.DrainedItems.Add(ctx, int64(items))
}

// ObserveQueues registers gauges reporting the depth of each pipeline
// queue. depths is called on every collection.
func ObserveQueues(mp metric.MeterProvider, depths func() (input, output int)) error {
	m := mp.Meter(meterName)
	g, err := m.Int64ObservableGauge("stemstream.queue.depth",
		metric.WithDescription("Items waiting in each pipeline queue."),
	)
	if err != nil {
		return err
	}
	inAttr := metric.WithAttributes(Attr("queue", "input"))
	outAttr := metric.WithAttributes(Attr("queue", "output"))
	_, err = m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		in, out := depths()
		o.ObserveInt64(g, int64(in), inAttr)
		o.ObserveInt64(g, int64(out), outAttr)
		return nil
	}, g)
	return err
}
