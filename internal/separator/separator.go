// Package separator is the boundary to the external stem-separation model.
package separator

import (
	"context"
	"errors"
	"fmt"

	"github.com/satindergrewal/stemstream/internal/audio"
	"github.com/satindergrewal/stemstream/internal/mix"
)

// Stem indices in model output order.
const (
	Drums = iota
	Bass
	Vocals
	Other
)

// StemNames lists the stems in the order the model emits them. The order is
// a contract with the model, not a musical ranking.
var StemNames = [mix.NumStems]string{"drums", "bass", "vocals", "other"}

// ErrShape is returned when a model's output does not match its input.
var ErrShape = errors.New("separator: stem shape mismatch")

// Stems holds one buffer per stem, each with the input's shape.
type Stems [mix.NumStems]audio.Buffer

// Separator splits one chunk into stems. Implementations need not be
// reentrant; the inference stage never calls Separate concurrently.
type Separator interface {
	Separate(ctx context.Context, in audio.Buffer) (Stems, error)
}

// Key identifies a loaded model.
type Key struct {
	Checkpoint string
	Device     string
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%s", k.Checkpoint, k.Device)
}

// Loader places a model for a checkpoint on a device. Loading may block for
// a long time.
type Loader interface {
	Load(ctx context.Context, key Key) (Separator, error)
}

// LoaderFunc adapts a function to [Loader].
type LoaderFunc func(ctx context.Context, key Key) (Separator, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context, key Key) (Separator, error) {
	return f(ctx, key)
}

// StemIndex returns the index of a stem by name.
func StemIndex(name string) (int, bool) {
	for i, n := range StemNames {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

// Validate checks that every stem has the channel and sample count of in.
func Validate(stems Stems, in audio.Buffer) error {
	var errs []error
	for i, s := range stems {
		if s.NumChannels() != in.NumChannels() {
			errs = append(errs, fmt.Errorf("%w: %s has %d channels, want %d", ErrShape, StemNames[i], s.NumChannels(), in.NumChannels()))
			continue
		}
		for c := range s {
			if len(s[c]) != in.Len() {
				errs = append(errs, fmt.Errorf("%w: %s channel %d has %d samples, want %d", ErrShape, StemNames[i], c, len(s[c]), in.Len()))
			}
		}
	}
	return errors.Join(errs...)
}
