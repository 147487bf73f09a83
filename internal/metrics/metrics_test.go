package metrics

import (
	"encoding/json"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleChunkHitAtThree(t *testing.T) {
	p := []string{"a", "b", "c", "d", "e"}
	files := []string{"fa", "fb", "fc", "fd", "fe"}
	gc := []string{"c"}

	assert.InDelta(t, 0.2, PrecisionAt(p, gc, 5), 1e-12)
	assert.InDelta(t, 1.0, RecallAt(p, gc, 5), 1e-12)
	assert.InDelta(t, 1.0/3.0, ReciprocalRank(p, gc), 1e-12)
	assert.Equal(t, []int{0, 0, 2, 0, 0}, Grades(p, files, gc, nil, 5))

	// The hit sits at 0-indexed position 2, so its discount is log2(2+2).
	want := (3 / math.Log2(4)) / (3 / math.Log2(2))
	assert.InDelta(t, want, NDCGAt(p, files, gc, nil, 5), 1e-12)
	assert.InDelta(t, 0.5, NDCGAt(p, files, gc, nil, 5), 1e-12)
}

func TestEmptyPrediction(t *testing.T) {
	gc := []string{"x"}
	s := Compute(Input{GoldChunks: gc, K: 5})

	assert.Zero(t, s.Precision)
	assert.Zero(t, s.Recall)
	assert.Zero(t, s.ReciprocalRank)
	assert.Zero(t, s.NDCG)
}

func TestRecallEmptyGold(t *testing.T) {
	assert.Zero(t, RecallAt([]string{"a", "b"}, nil, 5))
	assert.Zero(t, RecallAt([]string{"a", "b"}, []string{}, 5))
}

func TestPrecisionNonPositiveK(t *testing.T) {
	assert.Zero(t, PrecisionAt([]string{"a"}, []string{"a"}, 0))
	assert.Zero(t, PrecisionAt([]string{"a"}, []string{"a"}, -1))
}

func TestPrecisionCountsDistinctHits(t *testing.T) {
	p := []string{"a", "a", "b"}
	assert.InDelta(t, 1.0/3.0, PrecisionAt(p, []string{"a"}, 3), 1e-12)
}

func TestPrecisionShortList(t *testing.T) {
	// fewer than K predictions still divide by K
	assert.InDelta(t, 0.2, PrecisionAt([]string{"a"}, []string{"a"}, 5), 1e-12)
}

func TestRecallOnlyCountsTopK(t *testing.T) {
	p := []string{"x", "y", "a", "b"}
	assert.InDelta(t, 0.5, RecallAt(p, []string{"a", "b"}, 3), 1e-12)
}

func TestReciprocalRankFirstMatchOnly(t *testing.T) {
	p := []string{"x", "a", "b"}
	assert.InDelta(t, 0.5, ReciprocalRank(p, []string{"a", "b"}), 1e-12)
	assert.Zero(t, ReciprocalRank(p, []string{"z"}))
}

func TestGradesDocLevel(t *testing.T) {
	p := []string{"1", "2", "3"}
	files := []string{"doc1", "doc2", "doc3"}
	grades := Grades(p, files, []string{"3"}, []string{"doc1", "doc3"}, 3)
	assert.Equal(t, []int{GradeDoc, GradeNone, GradeChunk}, grades)
}

func TestGradesMissingFiles(t *testing.T) {
	grades := Grades([]string{"1", "2"}, []string{"doc1"}, nil, []string{"doc1", ""}, 2)
	assert.Equal(t, []int{GradeDoc, GradeNone}, grades)
}

func TestNDCGBounds(t *testing.T) {
	p := []string{"a", "b", "c"}
	files := []string{"f1", "f2", "f3"}

	assert.Zero(t, NDCGAt(p, files, []string{"z"}, []string{"zz"}, 3))
	assert.InDelta(t, 1.0, NDCGAt(p, files, []string{"a"}, nil, 3), 1e-12)

	got := NDCGAt(p, files, []string{"c"}, []string{"f1"}, 3)
	assert.Greater(t, got, 0.0)
	assert.LessOrEqual(t, got, 1.0)
}

func TestNDCGIdealFromPredictedGrades(t *testing.T) {
	// unretrieved gold items do not lower the ideal
	p := []string{"a", "x"}
	files := []string{"f", "g"}
	assert.InDelta(t, 1.0, NDCGAt(p, files, []string{"a", "b", "c"}, nil, 2), 1e-12)
}

func TestLatencyMillis(t *testing.T) {
	assert.Equal(t, 1234.568, LatencyMillis(1234567890*time.Nanosecond))
	assert.Equal(t, 0.0, LatencyMillis(-time.Second))
	assert.Equal(t, 250.0, LatencyMillis(250*time.Millisecond))
}

func TestComputeIsDeterministic(t *testing.T) {
	in := Input{
		PredictedIDs:   []string{"a", "b", "c"},
		PredictedFiles: []string{"f1", "f2", "f1"},
		GoldChunks:     []string{"b"},
		GoldFiles:      []string{"f1"},
		K:              5,
		Latency:        42 * time.Millisecond,
	}
	assert.Equal(t, Compute(in), Compute(in))
}

func TestScoresJSONKeys(t *testing.T) {
	b, err := json.Marshal(Scores{Precision: 0.2})
	require.NoError(t, err)

	var m map[string]float64
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Len(t, m, 5)
	for name := range (Scores{}).Map() {
		assert.Contains(t, m, name)
	}
}

func TestAccumulatorMean(t *testing.T) {
	var acc Accumulator
	acc.Add(Scores{Precision: 0.2, LatencyMS: 10})
	acc.Add(Scores{Precision: 0.4, LatencyMS: 11})

	mean, ok := acc.Mean()
	require.True(t, ok)
	assert.Equal(t, 0.3, mean.Precision)
	assert.Equal(t, 10.5, mean.LatencyMS)
	assert.Equal(t, 2, acc.Count())
}

func TestAccumulatorRounds(t *testing.T) {
	var acc Accumulator
	acc.Add(Scores{ReciprocalRank: 1})
	acc.Add(Scores{ReciprocalRank: 0})
	acc.Add(Scores{ReciprocalRank: 0})

	mean, ok := acc.Mean()
	require.True(t, ok)
	assert.Equal(t, 0.333, mean.ReciprocalRank)
}

func TestAccumulatorEmpty(t *testing.T) {
	var acc Accumulator
	_, ok := acc.Mean()
	assert.False(t, ok)
}

func TestAccumulatorConcurrent(t *testing.T) {
	var acc Accumulator
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acc.Add(Scores{Recall: 1})
		}()
	}
	wg.Wait()

	mean, ok := acc.Mean()
	require.True(t, ok)
	assert.Equal(t, 1.0, mean.Recall)
	assert.Equal(t, 50, acc.Count())
}
