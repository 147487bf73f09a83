// Package metrics computes rank-quality scores for one query against gold judgments.
package metrics

import (
	"math"
	"slices"
	"time"
)

// Metric names as they appear in evaluation output.
const (
	NameReciprocalRank = "Reciprocal Rank"
	NamePrecision      = "Precision@K"
	NameRecall         = "Recall@K"
	NameNDCG           = "nDCG@K"
	NameLatency        = "Latency (ms)"
)

// Relevance grades used by NDCGAt.
const (
	GradeNone  = 0
	GradeDoc   = 1
	GradeChunk = 2
)

// Scores is the metric set for one query, or the mean over many.
type Scores struct {
	ReciprocalRank float64 `json:"Reciprocal Rank"`
	Precision      float64 `json:"Precision@K"`
	Recall         float64 `json:"Recall@K"`
	NDCG           float64 `json:"nDCG@K"`
	LatencyMS      float64 `json:"Latency (ms)"`
}

// Map returns the scores keyed by metric name.
func (s Scores) Map() map[string]float64 {
	return map[string]float64{
		NameReciprocalRank: s.ReciprocalRank,
		NamePrecision:      s.Precision,
		NameRecall:         s.Recall,
		NameNDCG:           s.NDCG,
		NameLatency:        s.LatencyMS,
	}
}

// Input is everything Compute needs for one query.
// PredictedFiles must be parallel to PredictedIDs.
type Input struct {
	PredictedIDs   []string
	PredictedFiles []string
	GoldChunks     []string
	GoldFiles      []string
	K              int
	Latency        time.Duration
}

// Compute returns all metrics for one query.
func Compute(in Input) Scores {
	return Scores{
		ReciprocalRank: ReciprocalRank(in.PredictedIDs, in.GoldChunks),
		Precision:      PrecisionAt(in.PredictedIDs, in.GoldChunks, in.K),
		Recall:         RecallAt(in.PredictedIDs, in.GoldChunks, in.K),
		NDCG:           NDCGAt(in.PredictedIDs, in.PredictedFiles, in.GoldChunks, in.GoldFiles, in.K),
		LatencyMS:      LatencyMillis(in.Latency),
	}
}

// ReciprocalRank returns 1/(i+1) for the first predicted id found in gold, 0 if none is.
// It is a single-query value; averaging happens in Accumulator.
func ReciprocalRank(predicted, gold []string) float64 {
	set := toSet(gold)
	for i, id := range predicted {
		if _, ok := set[id]; ok {
			return 1.0 / float64(i+1)
		}
	}
	return 0
}

// PrecisionAt is |set(predicted[:k]) ∩ gold| / k, or 0 when k <= 0.
func PrecisionAt(predicted, gold []string, k int) float64 {
	if k <= 0 {
		return 0
	}
	return float64(hits(predicted, gold, k)) / float64(k)
}

// RecallAt is |set(predicted[:k]) ∩ gold| / |gold|, or 0 when gold is empty.
func RecallAt(predicted, gold []string, k int) float64 {
	set := toSet(gold)
	if len(set) == 0 || k <= 0 {
		return 0
	}
	return float64(hits(predicted, gold, k)) / float64(len(set))
}

// Grades assigns a relevance grade to each of the first k predictions:
// GradeChunk when the id is gold, GradeDoc when its source file is gold, else GradeNone.
func Grades(predicted, files, goldChunks, goldFiles []string, k int) []int {
	chunks := toSet(goldChunks)
	docs := toSet(goldFiles)

	n := min(max(k, 0), len(predicted))
	grades := make([]int, n)
	for i := 0; i < n; i++ {
		if _, ok := chunks[predicted[i]]; ok {
			grades[i] = GradeChunk
			continue
		}
		if i < len(files) {
			if _, ok := docs[files[i]]; ok {
				grades[i] = GradeDoc
			}
		}
	}
	return grades
}

// NDCGAt is DCG of the graded top k divided by the DCG of the same grades sorted
// descending. It is 0 when that ideal DCG is 0.
func NDCGAt(predicted, files, goldChunks, goldFiles []string, k int) float64 {
	grades := Grades(predicted, files, goldChunks, goldFiles, k)

	ideal := slices.Clone(grades)
	slices.Sort(ideal)
	slices.Reverse(ideal)

	idcg := DCG(ideal)
	if idcg == 0 {
		return 0
	}
	return DCG(grades) / idcg
}

// DCG is Σ (2^grade − 1) / log2(i + 2) over 0-indexed positions.
func DCG(grades []int) float64 {
	var sum float64
	for i, g := range grades {
		sum += (math.Exp2(float64(g)) - 1) / math.Log2(float64(i+2))
	}
	return sum
}

// LatencyMillis converts d to milliseconds rounded to 3 decimals. Negative durations clamp to 0.
func LatencyMillis(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return Round(float64(d)/float64(time.Millisecond), 3)
}

// Round rounds v half away from zero to the given number of decimals.
func Round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

func hits(predicted, gold []string, k int) int {
	set := toSet(gold)
	seen := make(map[string]struct{}, k)
	n := 0
	for i, id := range predicted {
		if i >= k {
			break
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := set[id]; ok {
			n++
		}
	}
	return n
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
