// Package health serves liveness and readiness probes.
//
// /healthz always answers 200 while the process can serve HTTP. /readyz
// answers 200 only when every [Checker] passes; the body lists each result.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"
)

const checkTimeout = 2 * time.Second

// Checker is a named readiness probe. Check must honour ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
}

// New creates a handler evaluating checkers in order on each /readyz.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	status := http.StatusOK

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			res.Checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}
	writeJSON(w, status, res)
}

// Register adds GET /healthz and GET /readyz to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Flag is a readiness bit set by the component it describes, for example
// once the model has been placed.
type Flag struct {
	name string
	v    atomic.Bool
}

// NewFlag returns an unset flag.
func NewFlag(name string) *Flag {
	return &Flag{name: name}
}

// Set marks the component ready or not.
func (f *Flag) Set(ready bool) {
	f.v.Store(ready)
}

// Checker adapts f to a [Checker].
func (f *Flag) Checker() Checker {
	return Checker{Name: f.name, Check: func(context.Context) error {
		if !f.v.Load() {
			return errors.New("not ready")
		}
		return nil
	}}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
