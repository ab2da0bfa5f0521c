package optimizer

import (
	"github.com/dshills/sfxflow/pkg/types"
)

// Sweep returns the centered linear camera-length sweep center + step*i for
// every i in [-half, half], inclusive on both ends.
func Sweep(center, step float64, half int) []float64 {
	if half < 0 {
		half = -half
	}
	out := make([]float64, 0, 2*half+1)
	for i := -half; i <= half; i++ {
		out = append(out, center+step*float64(i))
	}
	return out
}

// dedupeKeys drops camera lengths whose fixed-precision key repeats an
// earlier one. Two candidates sharing a key would share every artifact path.
func dedupeKeys(clens []float64) (kept []float64, dropped []float64) {
	seen := make(map[string]struct{}, len(clens))
	for _, c := range clens {
		key := types.ClenKey(c)
		if _, ok := seen[key]; ok {
			dropped = append(dropped, c)
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, c)
	}
	return kept, dropped
}
