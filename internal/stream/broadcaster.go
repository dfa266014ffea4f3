// Package stream is the monitor tap: it fans the pipeline's output frames
// out to HTTP and WebRTC listeners without ever stalling the data path.
package stream

import (
	"context"
	"sync"

	"github.com/satindergrewal/stemstream/internal/observe"
)

// ListenerBuffer is how many frames a listener may fall behind before
// frames are dropped for it.
const ListenerBuffer = 256

// Broadcaster fans out PCM frames from the output stage to N listeners.
// It implements pipeline.Tap.
type Broadcaster struct {
	mu        sync.RWMutex
	listeners map[*Listener]struct{}
	closed    bool

	metrics *observe.Metrics
}

// Listener receives PCM frames from the broadcaster.
type Listener struct {
	C    chan []byte // encoded frames, shared with other listeners; do not modify
	done chan struct{}
	once sync.Once
}

// Done is closed when the listener is unsubscribed or the broadcaster
// closes.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

func (l *Listener) stop() {
	l.once.Do(func() { close(l.done) })
}

// NewBroadcaster creates a new broadcaster. m may be nil.
func NewBroadcaster(m *observe.Metrics) *Broadcaster {
	if m == nil {
		m = observe.Noop()
	}
	return &Broadcaster{
		listeners: make(map[*Listener]struct{}),
		metrics:   m,
	}
}

// Subscribe registers a new listener. After Close the listener is returned
// already done.
func (b *Broadcaster) Subscribe() *Listener {
	l := &Listener{
		C:    make(chan []byte, ListenerBuffer),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		l.stop()
		return l
	}
	b.listeners[l] = struct{}{}
	b.metrics.MonitorListeners.Add(context.Background(), 1)
	return l
}

// Unsubscribe removes a listener and signals it to stop.
func (b *Broadcaster) Unsubscribe(l *Listener) {
	b.mu.Lock()
	if _, ok := b.listeners[l]; ok {
		delete(b.listeners, l)
		b.metrics.MonitorListeners.Add(context.Background(), -1)
	}
	b.mu.Unlock()
	l.stop()
}

// ListenerCount returns the number of active listeners.
func (b *Broadcaster) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Publish offers frame to every listener. Slow listeners get the frame
// dropped rather than blocking the caller.
func (b *Broadcaster) Publish(frame []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for l := range b.listeners {
		select {
		case l.C <- frame:
		default:
		}
	}
}

// Close stops every listener and refuses new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for l := range b.listeners {
		delete(b.listeners, l)
		b.metrics.MonitorListeners.Add(context.Background(), -1)
		l.stop()
	}
}
