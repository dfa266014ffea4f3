package pipeline

import (
	"log/slog"
	"time"

	"github.com/satindergrewal/stemstream/internal/audio"
	"github.com/satindergrewal/stemstream/internal/mix"
)

// Chunk is one window of audio moving through the stages. The input stage
// creates it, the inference stage fills the processed fields and the output
// stage stamps completion. Ownership passes with the channel send, so no
// two stages touch a chunk at the same time.
type Chunk struct {
	Seq  int
	Spec audio.SampleSpec

	// Input is the window fed to the model, including overlap padding.
	Input audio.Buffer

	// RemoveStart and RemoveEnd are the padding samples per channel dropped
	// after separation.
	RemoveStart int
	RemoveEnd   int

	// Processed is the full-length mix; Truncated is Processed without the
	// padding and is what gets written.
	Processed audio.Buffer
	Truncated audio.Buffer

	GainsApplied mix.Gains

	ReceivedAt            time.Time
	ProcessingStartedAt   time.Time
	ProcessingCompletedAt time.Time
	OutputStartedAt       time.Time
	OutputCompletedAt     time.Time
}

// Latency is the time from receipt to the last byte written. ok is false
// until the output stage has finished the chunk.
func (c *Chunk) Latency() (d time.Duration, ok bool) {
	if c.OutputCompletedAt.IsZero() {
		return 0, false
	}
	return c.OutputCompletedAt.Sub(c.ReceivedAt), true
}

// ProcessedSecs is the duration of the full-length mix.
func (c *Chunk) ProcessedSecs() float64 {
	return c.Spec.SamplesToSecs(c.Processed.Len())
}

// TruncatedSecs is the duration of audio emitted for this chunk.
func (c *Chunk) TruncatedSecs() float64 {
	return c.Spec.SamplesToSecs(c.Truncated.Len())
}

func (c *Chunk) log(l *slog.Logger) {
	latency, _ := c.Latency()
	l.Debug("chunk timing",
		"seq", c.Seq,
		"received_at", c.ReceivedAt,
		"processing_started_at", c.ProcessingStartedAt,
		"processing_completed_at", c.ProcessingCompletedAt,
		"output_started_at", c.OutputStartedAt,
		"output_completed_at", c.OutputCompletedAt,
	)
	l.Info("chunk completed",
		"seq", c.Seq,
		"gains", c.GainsApplied,
		"processed_secs", c.ProcessedSecs(),
		"truncated_secs", c.TruncatedSecs(),
		"latency_secs", latency.Seconds(),
	)
}
