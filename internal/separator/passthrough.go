package separator

import (
	"context"
	"fmt"
	"strings"

	"github.com/satindergrewal/stemstream/internal/audio"
)

// PassthroughScheme selects the built-in passthrough model as a checkpoint.
const PassthroughScheme = "passthrough"

// Passthrough routes the whole input to one stem and silence to the rest.
// With unity gains the mix reproduces the input exactly.
type Passthrough struct {
	Stem int
}

// Separate implements [Separator].
func (p Passthrough) Separate(_ context.Context, in audio.Buffer) (Stems, error) {
	var out Stems
	for i := range out {
		if i == p.Stem {
			out[i] = in.Clone()
			continue
		}
		out[i] = audio.NewBuffer(in.NumChannels(), in.Len())
	}
	return out, nil
}

// ParsePassthrough recognises "passthrough" and "passthrough:<stem>"
// checkpoints. ok is false for any other checkpoint.
func ParsePassthrough(checkpoint string) (p Passthrough, ok bool, err error) {
	rest, found := strings.CutPrefix(checkpoint, PassthroughScheme)
	if !found || (rest != "" && rest[0] != ':') {
		return Passthrough{}, false, nil
	}
	if rest == "" {
		return Passthrough{Stem: Other}, true, nil
	}
	idx, known := StemIndex(rest[1:])
	if !known {
		return Passthrough{}, true, fmt.Errorf("separator: unknown stem %q in %q", rest[1:], checkpoint)
	}
	return Passthrough{Stem: idx}, true, nil
}
