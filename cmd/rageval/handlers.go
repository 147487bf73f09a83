package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/knoguchi/rageval/internal/app"
	"github.com/knoguchi/rageval/internal/config"
	"github.com/knoguchi/rageval/internal/eval"
	"github.com/knoguchi/rageval/internal/generator"
	"github.com/knoguchi/rageval/internal/metrics"
	"github.com/knoguchi/rageval/internal/rag"
	"github.com/knoguchi/rageval/internal/server"
	"github.com/knoguchi/rageval/internal/service"
)

var (
	bold  = color.New(color.Bold).SprintFunc()
	green = color.New(color.FgGreen, color.Bold).SprintFunc()
	cyan  = color.New(color.FgCyan).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
	faint = color.New(color.Faint).SprintFunc()
)

// setup loads config and installs the process logger on stderr.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := app.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func buildApp(ctx context.Context) (*app.App, error) {
	cfg, logger, err := setup()
	if err != nil {
		return nil, err
	}
	return app.Build(ctx, cfg, logger)
}

func runEval(cmd *cobra.Command, f evalFlags) error {
	ctx := cmd.Context()
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	applyEvalFlags(cfg, f)

	// The dataset is checked before any client is built.
	ds, err := eval.LoadDataset(cfg.EvalDataset)
	if err != nil {
		return err
	}

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// A missing default partition aborts the run before the first prompt.
	if err := a.Service.CheckPartitions(ctx, cfg.PartitionNames()); err != nil {
		return err
	}

	artifact, err := eval.NewArtifact(cfg.EvalOutputDir, cfg.EvalLabel, time.Now())
	if err != nil {
		return err
	}

	opts := []eval.Option{
		eval.WithMetricK(cfg.MetricK),
		eval.WithGeneration(cfg.EvalGenerate),
		eval.WithWorkers(cfg.EvalWorkers),
		eval.WithArtifact(artifact),
		eval.WithTelemetry(a.Metrics),
		eval.WithLogger(logger),
	}
	if a.Runs != nil {
		opts = append(opts, eval.WithRunStore(a.Runs, cfg.EvalLabel))
	}
	if !f.quiet {
		errOut := cmd.ErrOrStderr()
		opts = append(opts, eval.WithProgress(func(done, total int) {
			fmt.Fprintf(errOut, "%s %d/%d\n", faint("evaluated"), done, total)
		}))
	}

	report, runErr := eval.NewHarness(a.Service, opts...).Run(ctx, ds)
	if report == nil {
		return runErr
	}

	promPath := strings.TrimSuffix(artifact.Path(), ".json") + ".prom"
	if err := a.Metrics.WriteTextfile(promPath); err != nil {
		logger.Warn("failed to write metrics textfile", "path", promPath, "error", err)
	}

	printSummary(cmd.OutOrStdout(), report, cfg.MetricK)
	if errors.Is(runErr, context.Canceled) {
		fmt.Fprintln(cmd.OutOrStdout(), red("interrupted: the artifact holds the prompts completed so far"))
	}
	return runErr
}

func applyEvalFlags(cfg *config.Config, f evalFlags) {
	if f.dataset != "" {
		cfg.EvalDataset = f.dataset
	}
	if f.outputDir != "" {
		cfg.EvalOutputDir = f.outputDir
	}
	if f.label != "" {
		cfg.EvalLabel = f.label
	}
	if f.workers > 0 {
		cfg.EvalWorkers = f.workers
	}
	if f.metricK > 0 {
		cfg.MetricK = f.metricK
	}
	if f.noGenerate {
		cfg.EvalGenerate = false
	}
}

func printSummary(w io.Writer, report *eval.Report, k int) {
	fmt.Fprintf(w, "%s\n", bold("Evaluation summary"))
	fmt.Fprintf(w, "  prompts:   %d\n", report.Total)
	fmt.Fprintf(w, "  evaluated: %s\n", green(report.Evaluated))
	if report.Failed > 0 {
		fmt.Fprintf(w, "  failed:    %s\n", red(report.Failed))
	} else {
		fmt.Fprintf(w, "  failed:    0\n")
	}
	if skipped := report.Total - len(report.Records); skipped > 0 {
		fmt.Fprintf(w, "  skipped:   %d\n", skipped)
	}

	if report.Aggregate == nil {
		fmt.Fprintln(w, faint("  no prompt was evaluated, so there is no aggregate"))
	} else {
		s := report.Aggregate
		fmt.Fprintf(w, "%s (K=%d)\n", bold("Mean scores"), k)
		fmt.Fprintf(w, "  %-16s %s\n", metrics.NameReciprocalRank, cyan(fmt.Sprintf("%.4f", s.ReciprocalRank)))
		fmt.Fprintf(w, "  %-16s %s\n", metrics.NamePrecision, cyan(fmt.Sprintf("%.4f", s.Precision)))
		fmt.Fprintf(w, "  %-16s %s\n", metrics.NameRecall, cyan(fmt.Sprintf("%.4f", s.Recall)))
		fmt.Fprintf(w, "  %-16s %s\n", metrics.NameNDCG, cyan(fmt.Sprintf("%.4f", s.NDCG)))
		fmt.Fprintf(w, "  %-16s %s\n", metrics.NameLatency, cyan(fmt.Sprintf("%.2f", s.LatencyMS)))
	}

	if report.ArtifactPath != "" {
		fmt.Fprintf(w, "artifact: %s\n", report.ArtifactPath)
	}
	if report.RunID != uuid.Nil {
		fmt.Fprintf(w, "run id:   %s\n", report.RunID)
	}
}

func runQuery(cmd *cobra.Command, text string, generate, asJSON bool) error {
	a, err := buildApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	resp, err := a.Service.Query(cmd.Context(), text, generate)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(out, queryOutput(resp))
	}
	printResponse(out, resp)
	return nil
}

type queryJSON struct {
	Query           rag.Query             `json:"query"`
	Results         []rag.RankedResult    `json:"results"`
	Answer          *generator.Answer     `json:"answer,omitempty"`
	GenerationError string                `json:"generation_error,omitempty"`
	Degraded        []service.Degradation `json:"degraded,omitempty"`
	TotalMS         float64               `json:"total_ms"`
}

func queryOutput(resp *service.Response) queryJSON {
	q := queryJSON{
		Query:    resp.Query,
		Results:  resp.Ranked,
		Answer:   resp.Answer,
		Degraded: resp.Degraded,
		TotalMS:  metrics.LatencyMillis(resp.TotalTime),
	}
	if resp.Err != nil {
		q.GenerationError = resp.Err.Error()
	}
	return q
}

func printResponse(w io.Writer, resp *service.Response) {
	fmt.Fprintf(w, "%s %s\n", bold("partition:"), resp.Query.Partition)
	fmt.Fprintf(w, "%s %s\n", bold("query:"), resp.Query.Text)
	for _, d := range resp.Degraded {
		fmt.Fprintf(w, "%s %s: %s\n", red("degraded"), d.Stage, d.Reason)
	}

	fmt.Fprintln(w, bold("results:"))
	for i, r := range resp.Ranked {
		fmt.Fprintf(w, "  %d. %s %s %s\n", i+1, cyan(fmt.Sprintf("%.4f", r.Relevance)), r.Payload.SourceFile, faint(r.ID))
	}

	if resp.Answer != nil {
		fmt.Fprintf(w, "\n%s\n%s\n", bold("answer:"), resp.Answer.Text)
	}
	if resp.Err != nil {
		fmt.Fprintf(w, "\n%s %v\n", red("generation failed:"), resp.Err)
	}
	fmt.Fprintf(w, "%s\n", faint(fmt.Sprintf("retrieval %s, generation %s, total %s",
		resp.RetrievalTime.Round(time.Millisecond),
		resp.GenerationTime.Round(time.Millisecond),
		resp.TotalTime.Round(time.Millisecond))))
}

func runPoints(cmd *cobra.Command, partition string, ids []string) error {
	a, err := buildApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	points, err := a.Service.Lookup(cmd.Context(), partition, ids)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), points)
}

func runJudge(cmd *cobra.Command, artifactPath, model, output string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	client, err := app.NewLLM(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	var opts []eval.JudgeOption
	if model != "" {
		opts = append(opts, eval.WithJudgeModel(model))
	}
	opts = append(opts, eval.WithJudgeLogger(logger))

	ratings, rateErr := eval.NewJudge(client, opts...).RateArtifact(cmd.Context(), artifactPath)
	if rateErr != nil && ratings == nil {
		return rateErr
	}

	if output == "" {
		output = eval.RatingsPath(artifactPath)
	}
	if err := eval.WriteRatings(output, ratings); err != nil {
		return fmt.Errorf("failed to write ratings: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %d\n", bold("rated:"), len(ratings))
	if mean, ok := eval.MeanRating(ratings); ok {
		fmt.Fprintf(out, "%s %s\n", bold("mean rating:"), green(fmt.Sprintf("%.2f", mean)))
	}
	fmt.Fprintf(out, "ratings: %s\n", output)
	return rateErr
}

func runServe(cmd *cobra.Command, port int) error {
	ctx := cmd.Context()
	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if port == 0 {
		port = a.Config.HTTPPort
	}
	srv, err := server.NewHTTPServer(server.HTTPServerConfig{
		Port:     port,
		APIKey:   a.Config.APIKey,
		Logger:   a.Logger,
		Pipeline: a.Service,
		Metrics:  a.Metrics,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		a.Logger.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
