package main

import (
	"bytes"
	"testing"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/knoguchi/rageval/internal/config"
	"github.com/knoguchi/rageval/internal/eval"
	"github.com/knoguchi/rageval/internal/metrics"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, name := range []string{"eval", "query", "points", "judge", "serve"} {
		assert.True(t, names[name], "missing subcommand %q", name)
	}
}

func TestApplyEvalFlags(t *testing.T) {
	cfg := &config.Config{EvalDataset: "a.json", EvalWorkers: 1, MetricK: 5, EvalGenerate: true, EvalLabel: "phase2"}
	applyEvalFlags(cfg, evalFlags{dataset: "b.yaml", workers: 4, noGenerate: true})

	assert.Equal(t, "b.yaml", cfg.EvalDataset)
	assert.Equal(t, 4, cfg.EvalWorkers)
	assert.Equal(t, 5, cfg.MetricK)
	assert.Equal(t, "phase2", cfg.EvalLabel)
	assert.False(t, cfg.EvalGenerate)
}

func TestPrintSummary(t *testing.T) {
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = false })

	var buf bytes.Buffer
	printSummary(&buf, &eval.Report{
		RunID:        uuid.MustParse("8f5b6a4e-3a53-4e0e-9a33-2b0a8c1f0d11"),
		Total:        3,
		Evaluated:    2,
		Failed:       1,
		Records:      make([]eval.Record, 3),
		Aggregate:    &metrics.Scores{ReciprocalRank: 0.75, Precision: 0.3, Recall: 0.5, NDCG: 0.6123, LatencyMS: 812.5},
		ArtifactPath: "eval/out/20251126_163345_metrics_phase2.json",
	}, 5)

	out := buf.String()
	assert.Contains(t, out, "evaluated: 2")
	assert.Contains(t, out, "failed:    1")
	assert.Contains(t, out, "Mean scores (K=5)")
	assert.Contains(t, out, "0.7500")
	assert.Contains(t, out, "812.50")
	assert.Contains(t, out, "20251126_163345_metrics_phase2.json")
	assert.Contains(t, out, "8f5b6a4e-3a53-4e0e-9a33-2b0a8c1f0d11")
	assert.NotContains(t, out, "skipped")
}

func TestPrintSummaryWithoutAggregate(t *testing.T) {
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = false })

	var buf bytes.Buffer
	printSummary(&buf, &eval.Report{Total: 4, Records: make([]eval.Record, 1), Failed: 1}, 5)

	assert.Contains(t, buf.String(), "no aggregate")
	assert.Contains(t, buf.String(), "skipped:   3")
	assert.NotContains(t, buf.String(), "run id")
}
