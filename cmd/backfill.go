package cmd

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/fx-rate-archiver/internal/archive"
	"github.com/JakeFAU/fx-rate-archiver/internal/orchestrator"
)

func newBackfillCmd() *cobra.Command {
	var (
		sel      selection
		attempts int
		pause    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Fetches and stores every missing observation in a date window",
		Long: `Analyzes the store for missing (date, pair, provider) observations and
fetches them, newest first. Runs are idempotent: observations already stored
are never fetched again, so a failed run can simply be repeated.`,
		Example: `  fxarchive backfill --days 30
  fxarchive backfill --provider visa --pairs USD/INR --from 2024-01-01 --to 2024-03-31`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBackfill(cmd, &sel, attempts, pause)
		},
	}
	sel.register(cmd)
	cmd.Flags().IntVar(&attempts, "attempts", 1, "run again while batches fail, up to this many runs")
	cmd.Flags().DurationVar(&pause, "attempt-pause", 30*time.Second, "pause between runs")
	return cmd
}

func runBackfill(cmd *cobra.Command, sel *selection, attempts int, pause time.Duration) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	if attempts < 1 {
		return fmt.Errorf("--attempts must be >= 1")
	}
	pairs, providers, window, err := sel.resolve(appInstance.Config(), appInstance.Clock())
	if err != nil {
		return err
	}

	release, err := appInstance.Lock()
	if err != nil {
		return err
	}
	defer release()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := appInstance.Logger()
	req := orchestrator.RunRequest{Pairs: pairs, Range: window, Providers: providers}

	var report archive.Report
	for attempt := 1; attempt <= attempts; attempt++ {
		report, err = appInstance.Orchestrator().Run(ctx, req)
		if err != nil {
			return fmt.Errorf("backfill: %w", err)
		}
		printReport(cmd.OutOrStdout(), report)
		if !report.Failed() || attempt == attempts || ctx.Err() != nil {
			break
		}
		logger.Warn("Backfill run failed; retrying",
			zap.Int("attempt", attempt),
			zap.Int("attempts", attempts),
			zap.Duration("pause", pause),
		)
		if err := sleep(ctx, pause); err != nil {
			break
		}
	}

	if report.Failed() {
		return fmt.Errorf("backfill run %s finished with failed batches", report.RunID)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func printReport(w io.Writer, report archive.Report) {
	fmt.Fprintf(w, "run %s  range %s  missing %d\n", report.RunID, report.Range, report.Missing)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tREQUESTED\tFETCHED\tFAILED\tUNAVAILABLE\tSTATUS\tERROR")
	for _, p := range report.Providers() {
		o := report.Outcomes[p]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			p, o.Requested, o.Fetched, o.Failed, o.Unavailable, o.Status(), o.ErrMessage())
	}
	_ = tw.Flush()
}
