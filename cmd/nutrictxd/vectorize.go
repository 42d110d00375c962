package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/nutrictx/internal/bulk"
	"github.com/fyrsmithlabs/nutrictx/internal/config"
	"github.com/fyrsmithlabs/nutrictx/internal/nutrition"
	"github.com/fyrsmithlabs/nutrictx/internal/services"
)

var (
	vectorizeUser  string
	vectorizeTypes []string
	vectorizeForce bool
)

var vectorizeCmd = &cobra.Command{
	Use:   "vectorize",
	Short: "Rebuild a user's vectors from the datastore",
	Long: `Rebuild a user's vectors in-process, without a running daemon.

Entities are read from the configured datastore and written to the configured
vector store. Only types that finish completely are marked fresh.

Examples:
  # Rebuild every type
  nutrictxd vectorize --user u1

  # Wipe and rebuild favorites only
  nutrictxd vectorize --user u1 --types favorite_food --force`,
	Args: cobra.NoArgs,
	RunE: runVectorize,
}

func init() {
	vectorizeCmd.Flags().StringVar(&vectorizeUser, "user", "", "user id to rebuild (required)")
	vectorizeCmd.Flags().StringSliceVar(&vectorizeTypes, "types", nil, "data types to rebuild (default all)")
	vectorizeCmd.Flags().BoolVar(&vectorizeForce, "force", false, "delete existing vectors before rebuilding")
	_ = vectorizeCmd.MarkFlagRequired("user")
}

func runVectorize(cmd *cobra.Command, args []string) error {
	types, err := nutrition.ParseDataTypes(vectorizeTypes)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return err
	}
	logger, tel, err := initObservability(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = tel.Shutdown(context.Background())
		_ = logger.Sync()
	}()

	// Query-path rebuilds are pointless in a one-shot run.
	cfg.Staleness.TTL = 0
	reg, err := services.NewRegistry(ctx, cfg, logger.Underlying())
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		_ = reg.Close(closeCtx)
	}()

	report, err := reg.Service().BulkVectorizeSync(ctx, vectorizeUser, types, vectorizeForce)
	if err != nil {
		return err
	}
	return printReport(cmd, report)
}

func printReport(cmd *cobra.Command, report *bulk.Report) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job %s for %s finished in %s\n",
		report.JobID, report.UserID, report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	if report.Cancelled {
		fmt.Fprintln(out, "Cancelled before completion")
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tSUCCEEDED\tFAILED\tSKIPPED\tREBUILT\tERROR")
	var failed int
	for _, dt := range nutrition.AllDataTypes() {
		tr, ok := report.Types[dt]
		if !ok {
			continue
		}
		errText := "-"
		if tr.Err != nil {
			errText = tr.Err.Error()
			failed++
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%t\t%s\n", dt, tr.Succeeded, tr.Failed, tr.Skipped, tr.Rebuilt, errText)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d data type(s) did not complete", failed)
	}
	return nil
}
