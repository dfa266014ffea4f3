package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/satindergrewal/stemstream/internal/atomicfile"
)

// Writer periodically persists an accumulator for external pollers.
type Writer struct {
	acc      *Accumulator
	path     string
	interval time.Duration
}

// NewWriter returns a writer that saves acc to path every interval.
func NewWriter(acc *Accumulator, path string, interval time.Duration) *Writer {
	if interval <= 0 {
		interval = time.Second
	}
	return &Writer{acc: acc, path: path, interval: interval}
}

// Run saves on every tick until ctx is cancelled, then saves once more so
// the file reflects everything folded up to shutdown. Save failures are
// logged and do not stop the loop.
func (w *Writer) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return w.Save()
		case <-ticker.C:
			if err := w.Save(); err != nil {
				slog.Warn("stats: save failed", "path", w.path, "err", err)
			}
		}
	}
}

// Save writes the current snapshot.
func (w *Writer) Save() error {
	data, err := json.Marshal(w.acc.Snapshot())
	if err != nil {
		return fmt.Errorf("stats: encode: %w", err)
	}
	if err := atomicfile.Write(w.path, data, 0o644); err != nil {
		return fmt.Errorf("stats: save: %w", err)
	}
	return nil
}
