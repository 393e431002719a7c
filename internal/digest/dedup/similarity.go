package dedup

import (
	"fmt"
	"strings"
)

// Metric scores two fingerprints in [0, 1]. Empty fingerprints score 0.
type Metric func(a, b Fingerprint) float64

// Dice is token-overlap similarity, 2|A∩B| / (|A|+|B|). Each fingerprint is
// compared both as a whole and by its lead clause; the best pairing wins, so
// "PM calls election, betting on popularity" still matches "PM calls snap
// election".
func Dice(a, b Fingerprint) float64 {
	best := 0.0
	for _, x := range a.views() {
		for _, y := range b.views() {
			best = max(best, diceTokens(x, y))
		}
	}
	return best
}

// EditRatio is 1 - normalised word-level Levenshtein distance.
func EditRatio(a, b Fingerprint) float64 {
	best := 0.0
	for _, x := range a.views() {
		for _, y := range b.views() {
			best = max(best, editRatio(x, y))
		}
	}
	return best
}

// Max combines metrics by taking the highest score.
func Max(metrics ...Metric) Metric {
	return func(a, b Fingerprint) float64 {
		best := 0.0
		for _, m := range metrics {
			best = max(best, m(a, b))
		}
		return best
	}
}

// MetricByName resolves a configured metric name: dice, edit or max.
func MetricByName(name string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "dice":
		return Dice, nil
	case "edit", "levenshtein":
		return EditRatio, nil
	case "max":
		return Max(Dice, EditRatio), nil
	}
	return nil, fmt.Errorf("unknown similarity metric %q", name)
}

func diceTokens(x, y []string) float64 {
	if len(x) == 0 || len(y) == 0 {
		return 0
	}
	set := make(map[string]bool, len(x))
	for _, t := range x {
		set[t] = true
	}
	shared := 0
	for _, t := range y {
		if set[t] {
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(x)+len(y))
}

func editRatio(x, y []string) float64 {
	if len(x) == 0 || len(y) == 0 {
		return 0
	}
	prev := make([]int, len(y)+1)
	cur := make([]int, len(y)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(x); i++ {
		cur[0] = i
		for j := 1; j <= len(y); j++ {
			cost := 1
			if x[i-1] == y[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return 1 - float64(prev[len(y)])/float64(max(len(x), len(y)))
}
