package stream

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/satindergrewal/stemstream/internal/audio"
)

// HTTPHandler serves the separated output as a raw interleaved PCM stream.
// The response headers describe the sample format.
type HTTPHandler struct {
	broadcaster *Broadcaster
	spec        audio.SampleSpec
}

// NewHTTPHandler creates an HTTP stream handler.
func NewHTTPHandler(b *Broadcaster, spec audio.SampleSpec) *HTTPHandler {
	return &HTTPHandler{broadcaster: b, spec: spec}
}

// SampleFormat is the ffmpeg-style name of the stream's sample format.
func SampleFormat(spec audio.SampleSpec) string {
	return fmt.Sprintf("s%dle", spec.BitDepth)
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	hdr := w.Header()
	hdr.Set("Content-Type", "application/octet-stream")
	hdr.Set("Cache-Control", "no-cache, no-store")
	hdr.Set("Access-Control-Allow-Origin", "*")
	hdr.Set("X-Sample-Rate", strconv.Itoa(h.spec.SampleRate))
	hdr.Set("X-Channels", strconv.Itoa(h.spec.Channels))
	hdr.Set("X-Bit-Depth", strconv.Itoa(h.spec.BitDepth))
	hdr.Set("X-Sample-Format", SampleFormat(h.spec))

	listener := h.broadcaster.Subscribe()
	defer h.broadcaster.Unsubscribe(listener)

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	slog.Info("monitor listener connected", "transport", "http", "remote", r.RemoteAddr, "listeners", h.broadcaster.ListenerCount())
	defer slog.Info("monitor listener disconnected", "transport", "http", "remote", r.RemoteAddr)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-listener.Done():
			return
		case frame := <-listener.C:
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
