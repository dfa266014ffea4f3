// Package live holds the hot-reloadable settings record shared by the
// pipeline stages and its external editors.
package live

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/satindergrewal/stemstream/internal/mix"
)

// CurrentVersion is the newest record schema this build understands.
const CurrentVersion = 1

// Gain limits in percent.
const (
	MinGain = 0
	MaxGain = 200
)

var (
	// ErrInvalidRecord is wrapped by every validation failure.
	ErrInvalidRecord = errors.New("live: invalid record")

	// ErrUnsupportedVersion is returned for records written by a newer schema.
	ErrUnsupportedVersion = errors.New("live: unsupported record version")
)

// Record is one complete, immutable-once-published settings snapshot.
// Readers obtain it from a [Store] and must not modify it; mutations go
// through [Store.Update], which works on a copy.
type Record struct {
	Version     int
	Checkpoint  string
	Device      string
	ChunkSecs   float64
	OverlapSecs float64
	Gains       mix.Gains
	Muted       mix.Flags
	Soloed      mix.Flags
	Normalize   bool
	Watch       bool
	Debug       bool

	EmptyQueuesRequested Timestamp
	QueuesLastEmptiedAt  Timestamp

	// TUISession is not used by the pipeline; it is carried through so
	// editors that store it do not lose it on save.
	TUISession string
}

// Defaults returns the record written when no file exists yet.
func Defaults() *Record {
	return &Record{
		Version:     CurrentVersion,
		Device:      "cpu",
		ChunkSecs:   2.0,
		OverlapSecs: 0.5,
		Gains:       mix.Gains{100, 100, 100, 100},
		TUISession:  "stem_separator_tui",
	}
}

// Clone returns a copy of r. Record holds no reference types, so a value
// copy is deep.
func (r *Record) Clone() *Record {
	c := *r
	return &c
}

// Validate reports every problem with r, each wrapping [ErrInvalidRecord].
func (r *Record) Validate() error {
	var errs []error
	if r.Version > CurrentVersion {
		errs = append(errs, fmt.Errorf("%w: %d (max %d)", ErrUnsupportedVersion, r.Version, CurrentVersion))
	}
	if r.ChunkSecs <= 0 {
		errs = append(errs, fmt.Errorf("%w: chunk_secs must be > 0, got %g", ErrInvalidRecord, r.ChunkSecs))
	}
	if r.OverlapSecs < 0 {
		errs = append(errs, fmt.Errorf("%w: overlap_secs must be >= 0, got %g", ErrInvalidRecord, r.OverlapSecs))
	}
	if r.ChunkSecs > 0 && r.OverlapSecs >= r.ChunkSecs {
		errs = append(errs, fmt.Errorf("%w: overlap_secs (%g) must be less than chunk_secs (%g)", ErrInvalidRecord, r.OverlapSecs, r.ChunkSecs))
	}
	for i, g := range r.Gains {
		if g < MinGain || g > MaxGain {
			errs = append(errs, fmt.Errorf("%w: gains[%d] = %g out of range [%d, %d]", ErrInvalidRecord, i, g, MinGain, MaxGain))
		}
	}
	return errors.Join(errs...)
}

// EffectiveGains resolves mute and solo into the gains the mixer applies.
func (r *Record) EffectiveGains() mix.Gains {
	return mix.EffectiveGains(r.Gains, r.Muted, r.Soloed)
}

// ToggleMute flips the mute flag of stem i. Muting a stem clears its solo.
func (r *Record) ToggleMute(i int) {
	if i < 0 || i >= mix.NumStems {
		return
	}
	r.Muted[i] = !r.Muted[i]
	if r.Muted[i] {
		r.Soloed[i] = false
	}
}

// ToggleSolo flips the solo flag of stem i. Soloing a stem clears its mute.
func (r *Record) ToggleSolo(i int) {
	if i < 0 || i >= mix.NumStems {
		return
	}
	r.Soloed[i] = !r.Soloed[i]
	if r.Soloed[i] {
		r.Muted[i] = false
	}
}

// SetGain sets the gain of stem i, clamped to [MinGain, MaxGain].
func (r *Record) SetGain(i int, pct float64) {
	if i < 0 || i >= mix.NumStems {
		return
	}
	r.Gains[i] = min(max(pct, MinGain), MaxGain)
}

// ResetVolumes restores unity gain and clears every mute and solo.
func (r *Record) ResetVolumes() {
	r.Gains = mix.Gains{100, 100, 100, 100}
	r.Muted = mix.Flags{}
	r.Soloed = mix.Flags{}
}

// RequestEmptyQueues asks the inference stage to discard buffered audio.
func (r *Record) RequestEmptyQueues(now time.Time) {
	r.EmptyQueuesRequested = Timestamp{now}
}

// PendingEmptyQueues reports whether a flush was requested after the last
// one was honoured.
func (r *Record) PendingEmptyQueues() bool {
	if r.EmptyQueuesRequested.IsZero() {
		return false
	}
	if r.QueuesLastEmptiedAt.IsZero() {
		return true
	}
	return r.EmptyQueuesRequested.After(r.QueuesLastEmptiedAt.Time)
}

// MarkQueuesEmptied records that the pending request has been honoured.
func (r *Record) MarkQueuesEmptied() {
	r.QueuesLastEmptiedAt = r.EmptyQueuesRequested
}

// recordJSON is the persisted form. Arrays are slices so a wrong element
// count is detected instead of silently padded.
type recordJSON struct {
	Version              int       `json:"version,omitempty"`
	Checkpoint           string    `json:"checkpoint"`
	ChunkSecs            float64   `json:"chunk_secs"`
	OverlapSecs          float64   `json:"overlap_secs"`
	Gains                []float64 `json:"gains"`
	Muted                []bool    `json:"muted"`
	Soloed               []bool    `json:"soloed"`
	Normalize            bool      `json:"normalize"`
	Device               string    `json:"device"`
	Watch                bool      `json:"watch"`
	Debug                bool      `json:"debug"`
	EmptyQueuesRequested Timestamp `json:"empty_queues_requested"`
	QueuesLastEmptiedAt  Timestamp `json:"queues_last_emptied_at"`
	TUISession           *string   `json:"tui_tmux_session_name,omitempty"`
}

// MarshalJSON encodes r in the persisted schema.
func (r *Record) MarshalJSON() ([]byte, error) {
	w := recordJSON{
		Checkpoint:           r.Checkpoint,
		ChunkSecs:            r.ChunkSecs,
		OverlapSecs:          r.OverlapSecs,
		Gains:                r.Gains[:],
		Muted:                r.Muted[:],
		Soloed:               r.Soloed[:],
		Normalize:            r.Normalize,
		Device:               r.Device,
		Watch:                r.Watch,
		Debug:                r.Debug,
		EmptyQueuesRequested: r.EmptyQueuesRequested,
		QueuesLastEmptiedAt:  r.QueuesLastEmptiedAt,
	}
	// Version 1 is implicit. The editors build their settings object from
	// the record's keys and reject any they do not know.
	if r.Version > 1 {
		w.Version = r.Version
	}
	if r.TUISession != "" {
		w.TUISession = &r.TUISession
	}
	return json.Marshal(w)
}

// Parse decodes and validates a persisted record. Unknown fields are rejected.
func Parse(data []byte) (*Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var w recordJSON
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}

	var errs []error
	if len(w.Gains) != mix.NumStems {
		errs = append(errs, fmt.Errorf("%w: gains has %d entries, want %d", ErrInvalidRecord, len(w.Gains), mix.NumStems))
	}
	if len(w.Muted) != mix.NumStems {
		errs = append(errs, fmt.Errorf("%w: muted has %d entries, want %d", ErrInvalidRecord, len(w.Muted), mix.NumStems))
	}
	if len(w.Soloed) != mix.NumStems {
		errs = append(errs, fmt.Errorf("%w: soloed has %d entries, want %d", ErrInvalidRecord, len(w.Soloed), mix.NumStems))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	r := &Record{
		Version:              w.Version,
		Checkpoint:           w.Checkpoint,
		Device:               w.Device,
		ChunkSecs:            w.ChunkSecs,
		OverlapSecs:          w.OverlapSecs,
		Normalize:            w.Normalize,
		Watch:                w.Watch,
		Debug:                w.Debug,
		EmptyQueuesRequested: w.EmptyQueuesRequested,
		QueuesLastEmptiedAt:  w.QueuesLastEmptiedAt,
	}
	if r.Version == 0 {
		r.Version = CurrentVersion
	}
	if w.TUISession != nil {
		r.TUISession = *w.TUISession
	}
	copy(r.Gains[:], w.Gains)
	copy(r.Muted[:], w.Muted)
	copy(r.Soloed[:], w.Soloed)

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// naiveLayout is the local-time ISO 8601 form written by the editors.
// The fractional part is optional when parsing.
const naiveLayout = "2006-01-02T15:04:05.999999999"

// Timestamp is an optional point in time. The zero value encodes as null.
type Timestamp struct {
	time.Time
}

// MarshalJSON encodes t as RFC 3339 with nanoseconds, or null.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Format(time.RFC3339Nano))
}

// UnmarshalJSON accepts null, an empty string, RFC 3339 or the naive
// ISO 8601 form, which is interpreted in local time.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	if v, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = v
		return nil
	}
	v, err := time.ParseInLocation(naiveLayout, s, time.Local)
	if err != nil {
		return fmt.Errorf("timestamp %q: %w", s, err)
	}
	t.Time = v
	return nil
}
