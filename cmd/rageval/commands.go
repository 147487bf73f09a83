package main

import (
	"github.com/spf13/cobra"
)

type evalFlags struct {
	dataset    string
	outputDir  string
	label      string
	workers    int
	metricK    int
	noGenerate bool
	quiet      bool
}

func buildEvalCmd() *cobra.Command {
	var f evalFlags
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Run the evaluation harness over a gold dataset",
		Long: `Runs every prompt of the gold dataset through the pipeline and scores the
ranked results against the gold chunks and files. Records are checkpointed to a
timestamped JSON artifact after every prompt, with the mean scores appended at
the end. Interrupting the run keeps the records completed so far.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEval(cmd, f)
		},
	}
	cmd.Flags().StringVar(&f.dataset, "dataset", "", "Gold dataset path, JSON or YAML (default $EVAL_DATASET)")
	cmd.Flags().StringVar(&f.outputDir, "out", "", "Artifact directory (default $EVAL_OUTPUT_DIR)")
	cmd.Flags().StringVar(&f.label, "label", "", "Artifact label (default $EVAL_LABEL)")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "Prompts evaluated in parallel (default $EVAL_WORKERS)")
	cmd.Flags().IntVar(&f.metricK, "k", 0, "Cutoff for the @K metrics (default $METRIC_K)")
	cmd.Flags().BoolVar(&f.noGenerate, "no-generate", false, "Skip answer generation")
	cmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "Do not print per-prompt progress")
	return cmd
}

func buildQueryCmd() *cobra.Command {
	var (
		noGenerate bool
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Run one query through the pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, args[0], !noGenerate, asJSON)
		},
	}
	cmd.Flags().BoolVar(&noGenerate, "no-generate", false, "Only retrieve and rerank")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the response as JSON")
	return cmd
}

func buildPointsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "points <partition> <id>...",
		Short: "Fetch stored chunks by id",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPoints(cmd, args[0], args[1:])
		},
	}
}

func buildJudgeCmd() *cobra.Command {
	var (
		model  string
		output string
	)
	cmd := &cobra.Command{
		Use:   "judge <artifact>",
		Short: "Rate the answers in an evaluation artifact with an LLM judge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJudge(cmd, args[0], model, output)
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "Judge model (defaults to the provider default)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Ratings file (default <artifact>_llm_judge_ratings.json)")
	return cmd
}

func buildServeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the query API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, port)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (default $HTTP_PORT)")
	return cmd
}
