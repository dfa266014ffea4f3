// Package api is the admin HTTP surface over the live configuration and the
// stream statistics. Every mutation goes through [live.Store.Update], so the
// pipeline picks it up at its next chunk boundary exactly as it would an
// edit made by the TUI.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/satindergrewal/stemstream/internal/live"
	"github.com/satindergrewal/stemstream/internal/separator"
	"github.com/satindergrewal/stemstream/internal/stats"
)

// DefaultPushInterval is how often /api/stats/ws pushes a snapshot.
const DefaultPushInterval = time.Second

// errBadRequest marks client mistakes that are not record validation
// failures.
var errBadRequest = errors.New("bad request")

// Server serves the admin API.
type Server struct {
	store *live.Store
	stats *stats.Accumulator

	push   time.Duration
	now    func() time.Time
	queues func() (input, output int)
}

// Option configures a [Server].
type Option func(*Server)

// WithPushInterval sets the websocket push interval.
func WithPushInterval(d time.Duration) Option {
	return func(s *Server) { s.push = d }
}

// WithClock replaces time.Now for empty-queue request stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithQueueDepths adds queue depths to the stats responses.
func WithQueueDepths(fn func() (input, output int)) Option {
	return func(s *Server) { s.queues = fn }
}

// New creates an admin API server.
func New(store *live.Store, acc *stats.Accumulator, opts ...Option) *Server {
	s := &Server{
		store: store,
		stats: acc,
		push:  DefaultPushInterval,
		now:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register mounts every route on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/config", s.getConfig)
	mux.HandleFunc("PATCH /api/config", s.patchConfig)
	mux.HandleFunc("POST /api/config/gain", s.setGain)
	mux.HandleFunc("POST /api/config/mute", s.toggle((*live.Record).ToggleMute))
	mux.HandleFunc("POST /api/config/solo", s.toggle((*live.Record).ToggleSolo))
	mux.HandleFunc("POST /api/config/reset", s.reset)
	mux.HandleFunc("POST /api/empty-queues", s.emptyQueues)
	mux.HandleFunc("GET /api/stats", s.getStats)
	mux.HandleFunc("GET /api/stats/ws", s.streamStats)
}

func (s *Server) getConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Get())
}

// settingsPatch carries the record fields a PATCH may change. Gains, mute
// and solo have their own endpoints; the timestamps belong to the pipeline.
type settingsPatch struct {
	Checkpoint  *string  `json:"checkpoint"`
	Device      *string  `json:"device"`
	ChunkSecs   *float64 `json:"chunk_secs"`
	OverlapSecs *float64 `json:"overlap_secs"`
	Normalize   *bool    `json:"normalize"`
	Watch       *bool    `json:"watch"`
	Debug       *bool    `json:"debug"`
}

func (p settingsPatch) apply(r *live.Record) {
	set(&r.Checkpoint, p.Checkpoint)
	set(&r.Device, p.Device)
	set(&r.ChunkSecs, p.ChunkSecs)
	set(&r.OverlapSecs, p.OverlapSecs)
	set(&r.Normalize, p.Normalize)
	set(&r.Watch, p.Watch)
	set(&r.Debug, p.Debug)
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func (s *Server) patchConfig(w http.ResponseWriter, r *http.Request) {
	var p settingsPatch
	if err := decode(r, &p); err != nil {
		writeError(w, err)
		return
	}
	s.update(w, r, func(rec *live.Record) error {
		p.apply(rec)
		return nil
	})
}

type gainRequest struct {
	Stem string   `json:"stem"`
	Gain *float64 `json:"gain"`
}

func (s *Server) setGain(w http.ResponseWriter, r *http.Request) {
	var req gainRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	i, err := stemIndex(req.Stem)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Gain == nil {
		writeError(w, fmt.Errorf("%w: gain is required", errBadRequest))
		return
	}
	s.update(w, r, func(rec *live.Record) error {
		rec.SetGain(i, *req.Gain)
		return nil
	})
}

type stemRequest struct {
	Stem string `json:"stem"`
}

func (s *Server) toggle(fn func(*live.Record, int)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req stemRequest
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
		i, err := stemIndex(req.Stem)
		if err != nil {
			writeError(w, err)
			return
		}
		s.update(w, r, func(rec *live.Record) error {
			fn(rec, i)
			return nil
		})
	}
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	s.update(w, r, func(rec *live.Record) error {
		rec.ResetVolumes()
		return nil
	})
}

func (s *Server) emptyQueues(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	rec, err := s.store.Update(func(rec *live.Record) error {
		rec.RequestEmptyQueues(now)
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("empty queues requested", "at", now, "remote", r.RemoteAddr)
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) update(w http.ResponseWriter, r *http.Request, fn func(*live.Record) error) {
	rec, err := s.store.Update(fn)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Debug("live config updated", "path", r.URL.Path, "remote", r.RemoteAddr)
	writeJSON(w, http.StatusOK, rec)
}

// statsResponse is the snapshot plus the live queue depths when known.
type statsResponse struct {
	stats.Snapshot
	InputQueue  *int `json:"input_queue,omitempty"`
	OutputQueue *int `json:"output_queue,omitempty"`
}

func (s *Server) snapshot() statsResponse {
	resp := statsResponse{Snapshot: s.stats.Snapshot()}
	if s.queues != nil {
		in, out := s.queues()
		resp.InputQueue, resp.OutputQueue = &in, &out
	}
	return resp
}

func (s *Server) getStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

// streamStats pushes a snapshot immediately and then every push interval
// until the client goes away.
func (s *Server) streamStats(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("stats websocket accept failed", "err", err)
		return
	}
	defer c.CloseNow()

	ctx := c.CloseRead(r.Context())
	ticker := time.NewTicker(s.push)
	defer ticker.Stop()

	for {
		if err := s.pushStats(ctx, c); err != nil {
			if ctx.Err() == nil {
				slog.Debug("stats websocket write failed", "err", err)
			}
			return
		}
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) pushStats(ctx context.Context, c *websocket.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, c, s.snapshot())
}

func stemIndex(name string) (int, error) {
	i, ok := separator.StemIndex(strings.ToLower(name))
	if !ok {
		return 0, fmt.Errorf("%w: unknown stem %q (want one of %s)", errBadRequest, name, strings.Join(separator.StemNames[:], ", "))
	}
	return i, nil
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, live.ErrInvalidRecord),
		errors.Is(err, live.ErrUnsupportedVersion):
		status = http.StatusBadRequest
	default:
		slog.Error("admin api request failed", "err", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
