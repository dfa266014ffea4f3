package live

import (
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher polls the store's backing file and refreshes the store when the
// file changes, as long as the current record has Watch set. Polling
// catches both in-place writes and rename-over saves.
type Watcher struct {
	store    *Store
	interval time.Duration
	onChange func(old, new *Record)

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	lastMtime time.Time
	lastSize  int64
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 500ms.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithOnChange registers a callback invoked after every successful reload.
func WithOnChange(fn func(old, new *Record)) WatcherOption {
	return func(w *Watcher) {
		w.onChange = fn
	}
}

// NewWatcher starts polling in a background goroutine.
func NewWatcher(store *Store, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		store:    store,
		interval: 500 * time.Millisecond,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if info, err := os.Stat(store.Path()); err == nil {
		w.lastMtime = info.ModTime()
		w.lastSize = info.Size()
	}

	w.wg.Add(1)
	go w.poll()
	return w
}

// Stop ends polling and waits for the goroutine to exit. Safe to call twice.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
	w.wg.Wait()
}

func (w *Watcher) poll() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	if !w.store.Get().Watch {
		return
	}

	info, err := os.Stat(w.store.Path())
	if err != nil {
		slog.Warn("live config: cannot stat file", "path", w.store.Path(), "err", err)
		return
	}
	if info.ModTime().Equal(w.lastMtime) && info.Size() == w.lastSize {
		return
	}

	old := w.store.Get()
	changed, err := w.store.Refresh()
	if err != nil {
		// Keep the last good record; a half-written file is retried on the
		// next tick because lastMtime is not advanced.
		slog.Warn("live config: reload failed, keeping previous", "path", w.store.Path(), "err", err)
		return
	}
	w.lastMtime = info.ModTime()
	w.lastSize = info.Size()
	if !changed {
		return
	}

	cur := w.store.Get()
	slog.Info("live config: reloaded",
		"path", w.store.Path(),
		"chunk_secs", cur.ChunkSecs,
		"overlap_secs", cur.OverlapSecs,
		"gains", cur.EffectiveGains(),
		"checkpoint", cur.Checkpoint,
		"device", cur.Device,
	)
	if w.onChange != nil {
		w.onChange(old, cur)
	}
}
