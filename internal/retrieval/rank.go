package retrieval

import "sort"

// rank drops results under floor, keeps the best score per id, orders by
// score descending (ties by id) and keeps at most topK.
func rank(results []Result, floor float64, topK int) []Result {
	best := make(map[string]int, len(results))
	kept := make([]Result, 0, len(results))
	for _, r := range results {
		if float64(r.Score) < floor {
			continue
		}
		if i, ok := best[r.ID]; ok {
			if r.Score > kept[i].Score {
				kept[i] = r
			}
			continue
		}
		best[r.ID] = len(kept)
		kept = append(kept, r)
	}

	sort.Slice(kept, func(i, j int) bool {
		if kept[i].Score != kept[j].Score {
			return kept[i].Score > kept[j].Score
		}
		return kept[i].ID < kept[j].ID
	})

	if topK > 0 && len(kept) > topK {
		kept = kept[:topK]
	}
	return kept
}
