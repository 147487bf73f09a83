// Package main provides the rageval CLI.
//
// Run the evaluation harness over the gold dataset:
//
//	rageval eval --dataset eval/gold_dataset.json
//
// Query the pipeline once, or serve it over HTTP:
//
//	rageval query "which headphones have the best noise cancelling?"
//	rageval serve
//
// Rate the answers of a finished run with the LLM judge:
//
//	rageval judge eval/out/20251126_163345_metrics_phase2.json
//
// Configuration comes from the environment and an optional .env file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := buildRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "rageval",
		Short:         "Retrieval pipeline and offline evaluation harness",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		buildEvalCmd(),
		buildQueryCmd(),
		buildPointsCmd(),
		buildJudgeCmd(),
		buildServeCmd(),
	)
	return root
}
