package separator

import (
	"context"
	"errors"
	"log/slog"
)

// ErrNoServer is returned when a checkpoint needs the model server but none
// is configured.
var ErrNoServer = errors.New("separator: no model server configured")

// Dispatch loads the passthrough model for "passthrough" checkpoints and an
// empty checkpoint, and delegates everything else to Remote.
type Dispatch struct {
	Remote *Remote
}

// Load implements [Loader].
func (d Dispatch) Load(ctx context.Context, key Key) (Separator, error) {
	if key.Checkpoint == "" {
		slog.Warn("no checkpoint configured, using passthrough model", "stem", StemNames[Other])
		return Passthrough{Stem: Other}, nil
	}
	p, ok, err := ParsePassthrough(key.Checkpoint)
	if ok {
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	if d.Remote == nil {
		return nil, ErrNoServer
	}
	return d.Remote.Load(ctx, key)
}
