// Package mix resolves per-stem gains and recombines separated stems.
package mix

import (
	"math"

	"github.com/satindergrewal/stemstream/internal/audio"
)

// NumStems is the number of stems produced by the separation model.
const NumStems = 4

// Gains holds one percentage per stem (100 = unity).
type Gains [NumStems]float64

// Flags holds one boolean per stem.
type Flags [NumStems]bool

// Any reports whether any flag is set.
func (f Flags) Any() bool {
	for _, v := range f {
		if v {
			return true
		}
	}
	return false
}

// EffectiveGains resolves mute and solo into the gain actually applied.
// When any stem is soloed, only soloed stems keep their gain and mute is
// ignored. Otherwise muted stems are silenced.
func EffectiveGains(gains Gains, muted, soloed Flags) Gains {
	var out Gains
	anySolo := soloed.Any()
	for i := range gains {
		switch {
		case anySolo && !soloed[i]:
			out[i] = 0
		case !anySolo && muted[i]:
			out[i] = 0
		default:
			out[i] = gains[i]
		}
	}
	return out
}

// ApplyGain multiplies every sample of buf in place by pct/100.
func ApplyGain(buf audio.Buffer, pct float64) {
	k := pct / 100
	if k == 1 {
		return
	}
	for c := range buf {
		for i := range buf[c] {
			buf[c][i] *= k
		}
	}
}

// Mix scales each stem by its gain and sums them into a new buffer.
// The stems are left untouched. All stems must share one shape.
func Mix(stems [NumStems]audio.Buffer, gains Gains) audio.Buffer {
	out := audio.NewBuffer(stems[0].NumChannels(), stems[0].Len())
	for s, stem := range stems {
		k := gains[s] / 100
		if k == 0 {
			continue
		}
		for c := range stem {
			dst := out[c]
			for i, v := range stem[c] {
				dst[i] += v * k
			}
		}
	}
	return out
}

// RMS returns the root mean square over all channels of buf.
func RMS(buf audio.Buffer) float64 {
	var sum float64
	var n int
	for c := range buf {
		for _, v := range buf[c] {
			sum += v * v
		}
		n += len(buf[c])
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

// Normalize rescales mixed in place so its RMS matches that of ref, the
// pre-separation input. A silent mix is left unchanged. It returns the
// factor applied.
func Normalize(mixed, ref audio.Buffer) float64 {
	out := RMS(mixed)
	if out == 0 {
		return 1
	}
	k := RMS(ref) / out
	for c := range mixed {
		for i := range mixed[c] {
			mixed[c][i] *= k
		}
	}
	return k
}
