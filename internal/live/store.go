package live

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/satindergrewal/stemstream/internal/atomicfile"
)

// FileName is the record's name inside the config directory.
const FileName = "stream_separator_config.json"

// Store is the shared handle to the current [Record]. Get never blocks;
// Refresh and Update build a new record and swap the pointer, so readers
// never observe a partially updated snapshot.
type Store struct {
	path string
	cur  atomic.Pointer[Record]
	gen  atomic.Uint64

	mu      sync.Mutex // serialises writers
	hash    [sha256.Size]byte
	changed chan struct{}
}

// Open loads the record at path. A missing file is created with
// [Defaults]; any other load failure is returned and should be fatal.
func Open(path string) (*Store, error) {
	s := &Store{path: path, changed: make(chan struct{})}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		rec := Defaults()
		data, err := encode(rec)
		if err != nil {
			return nil, err
		}
		if err := atomicfile.Write(path, data, 0o644); err != nil {
			return nil, fmt.Errorf("live: write defaults: %w", err)
		}
		slog.Info("live config: wrote defaults", "path", path)
		s.hash = sha256.Sum256(data)
		s.cur.Store(rec)
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("live: read %s: %w", path, err)
	}

	rec, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("live: load %s: %w", path, err)
	}
	s.hash = sha256.Sum256(data)
	s.cur.Store(rec)
	return s, nil
}

// NewStore returns a store holding rec that persists to path. Nothing is
// written until the first Update.
func NewStore(path string, rec *Record) *Store {
	s := &Store{path: path, changed: make(chan struct{})}
	s.cur.Store(rec)
	return s
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Get returns the current snapshot. The caller must not modify it.
func (s *Store) Get() *Record {
	return s.cur.Load()
}

// Generation increases by one on every swap.
func (s *Store) Generation() uint64 {
	return s.gen.Load()
}

// Changed returns a channel that is closed at the next swap.
func (s *Store) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// Refresh re-reads the backing file and swaps in the new record. On any
// error the current snapshot is kept. It reports whether a swap happened;
// rewriting identical content is not a change.
func (s *Store) Refresh() (bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return false, fmt.Errorf("live: read %s: %w", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	hash := sha256.Sum256(data)
	if hash == s.hash {
		return false, nil
	}
	rec, err := Parse(data)
	if err != nil {
		return false, fmt.Errorf("live: reload %s: %w", s.path, err)
	}
	s.hash = hash
	s.swapLocked(rec)
	return true, nil
}

// Update applies fn to a copy of the current record, validates it,
// persists it and swaps it in. If fn or validation fails nothing changes.
//
// The copy is taken from memory, not the file: an editor's write that has
// not been refreshed yet is overwritten. The last writer wins.
func (s *Store) Update(fn func(*Record) error) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cur.Load().Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	data, err := encode(next)
	if err != nil {
		return nil, err
	}
	if err := atomicfile.Write(s.path, data, 0o644); err != nil {
		return nil, fmt.Errorf("live: save: %w", err)
	}
	s.hash = sha256.Sum256(data)
	s.swapLocked(next)
	return next, nil
}

func (s *Store) swapLocked(rec *Record) {
	s.cur.Store(rec)
	s.gen.Add(1)
	close(s.changed)
	s.changed = make(chan struct{})
}

func encode(rec *Record) ([]byte, error) {
	data, err := json.MarshalIndent(rec, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("live: encode: %w", err)
	}
	return append(data, '\n'), nil
}
