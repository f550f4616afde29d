package aggregate

import "strings"

// Similarity is the Jaccard index of the normalized word sets of a and b.
func Similarity(a, b string) float64 {
	wa, wb := wordSet(a), wordSet(b)
	if len(wa) == 0 && len(wb) == 0 {
		return 0
	}
	inter := 0
	for w := range wa {
		if _, ok := wb[w]; ok {
			inter++
		}
	}
	union := len(wa) + len(wb) - inter
	return float64(inter) / float64(union)
}

// Similar reports whether two product names match for cross-source
// comparison.
func (a *Aggregator) Similar(x, y string) bool {
	return Similarity(x, y) >= a.cfg.SimilarityThreshold
}

func wordSet(s string) map[string]struct{} {
	words := strings.Fields(Normalize(s))
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}
