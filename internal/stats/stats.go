// Package stats accumulates stream throughput and latency counters.
package stats

import (
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

// FileName is the stats record's name inside the config directory.
const FileName = "stream_separator_stats.json"

// Snapshot is a point-in-time view of the counters. Under [Fold] it forms a
// monoid with [Empty] as identity: counters sum and Latency
// keeps the right-most non-nil value.
type Snapshot struct {
	InputBytes   int64   `json:"input_bytes"`
	InputSamples int64   `json:"input_samples"`
	InputSecs    float64 `json:"input_secs"`

	ProcessedBytes   int64   `json:"processed_bytes"`
	ProcessedSamples int64   `json:"processed_samples"`
	ProcessedSecs    float64 `json:"processed_secs"`

	OutputBytes   int64   `json:"output_bytes"`
	OutputSamples int64   `json:"output_samples"`
	OutputSecs    float64 `json:"output_secs"`

	Latency *float64 `json:"latency_secs"`
}

// Empty returns the identity element.
func Empty() Snapshot {
	return Snapshot{}
}

// Fold merges b into a.
func Fold(a, b Snapshot) Snapshot {
	out := Snapshot{
		InputBytes:       a.InputBytes + b.InputBytes,
		InputSamples:     a.InputSamples + b.InputSamples,
		InputSecs:        a.InputSecs + b.InputSecs,
		ProcessedBytes:   a.ProcessedBytes + b.ProcessedBytes,
		ProcessedSamples: a.ProcessedSamples + b.ProcessedSamples,
		ProcessedSecs:    a.ProcessedSecs + b.ProcessedSecs,
		OutputBytes:      a.OutputBytes + b.OutputBytes,
		OutputSamples:    a.OutputSamples + b.OutputSamples,
		OutputSecs:       a.OutputSecs + b.OutputSecs,
		Latency:          a.Latency,
	}
	if b.Latency != nil {
		out.Latency = b.Latency
	}
	return out
}

// Input is the increment for freshly read audio.
func Input(bytes, samples int, secs float64) Snapshot {
	return Snapshot{InputBytes: int64(bytes), InputSamples: int64(samples), InputSecs: secs}
}

// Processed is the increment for audio that left the mixer.
func Processed(bytes, samples int, secs float64) Snapshot {
	return Snapshot{ProcessedBytes: int64(bytes), ProcessedSamples: int64(samples), ProcessedSecs: secs}
}

// Output is the increment for audio written to the sink.
func Output(bytes, samples int, secs float64) Snapshot {
	return Snapshot{OutputBytes: int64(bytes), OutputSamples: int64(samples), OutputSecs: secs}
}

// WithLatency is the increment carrying only a latency observation.
func WithLatency(d time.Duration) Snapshot {
	v := d.Seconds()
	return Snapshot{Latency: &v}
}

// LatencySecs returns the last latency, or 0 when none was recorded.
func (s Snapshot) LatencySecs() float64 {
	if s.Latency == nil {
		return 0
	}
	return *s.Latency
}

// RealTimeFactor is audio seconds produced per wall-clock second. Values
// of 1 or more mean the pipeline keeps up.
func RealTimeFactor(audioSecs float64, wall time.Duration) float64 {
	if wall <= 0 {
		return 0
	}
	return audioSecs / wall.Seconds()
}

// Accumulator is the shared running total. Stages fold their increments
// with Add; readers call Snapshot. Both are lock-free: Add swaps a new
// snapshot in with compare-and-swap.
type Accumulator struct {
	cur atomic.Pointer[Snapshot]
}

// NewAccumulator returns an accumulator holding the empty snapshot.
func NewAccumulator() *Accumulator {
	a := &Accumulator{}
	s := Empty()
	a.cur.Store(&s)
	return a
}

// Add folds inc into the running total.
func (a *Accumulator) Add(inc Snapshot) {
	for {
		old := a.cur.Load()
		next := Fold(*old, inc)
		if a.cur.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Snapshot returns the current total.
func (a *Accumulator) Snapshot() Snapshot {
	return *a.cur.Load()
}

// Load reads a stats record written by [Writer].
func Load(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("stats: read %s: %w", path, err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("stats: decode %s: %w", path, err)
	}
	return s, nil
}
