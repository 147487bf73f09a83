package metrics

import "sync"

// Accumulator sums per-query scores and reports their mean. Safe for concurrent use.
type Accumulator struct {
	mu    sync.Mutex
	sum   Scores
	count int
}

// Add records one query's scores.
func (a *Accumulator) Add(s Scores) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.sum.ReciprocalRank += s.ReciprocalRank
	a.sum.Precision += s.Precision
	a.sum.Recall += s.Recall
	a.sum.NDCG += s.NDCG
	a.sum.LatencyMS += s.LatencyMS
	a.count++
}

// Count returns how many queries were added.
func (a *Accumulator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Mean returns each metric averaged over the added queries, rounded to 3 decimals.
// ok is false when nothing was added.
func (a *Accumulator) Mean() (mean Scores, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.count == 0 {
		return Scores{}, false
	}
	n := float64(a.count)
	return Scores{
		ReciprocalRank: Round(a.sum.ReciprocalRank/n, 3),
		Precision:      Round(a.sum.Precision/n, 3),
		Recall:         Round(a.sum.Recall/n, 3),
		NDCG:           Round(a.sum.NDCG/n, 3),
		LatencyMS:      Round(a.sum.LatencyMS/n, 3),
	}, true
}
