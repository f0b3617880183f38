package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/fx-rate-archiver/internal/archive"
	"github.com/JakeFAU/fx-rate-archiver/internal/gaps"
)

func newGapsCmd() *cobra.Command {
	var (
		sel     selection
		summary bool
	)
	cmd := &cobra.Command{
		Use:   "gaps",
		Short: "Lists the observations a backfill would fetch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			pairs, providers, window, err := sel.resolve(appInstance.Config(), appInstance.Clock())
			if err != nil {
				return err
			}
			missing, err := appInstance.Analyzer().AnalyzeGaps(cmd.Context(), archive.GapQuery{
				Pairs:     pairs,
				Range:     window,
				Providers: providers,
			})
			if err != nil {
				return fmt.Errorf("analyze gaps: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "range %s  missing %d\n", window, len(missing))
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			if summary {
				queues := gaps.GroupByProvider(missing)
				fmt.Fprintln(tw, "PROVIDER\tMISSING")
				for _, p := range providers {
					fmt.Fprintf(tw, "%s\t%d\n", p, len(queues[p]))
				}
			} else {
				fmt.Fprintln(tw, "DATE\tPAIR\tPROVIDER")
				for _, m := range missing {
					fmt.Fprintf(tw, "%s\t%s/%s\t%s\n", m.Date, m.Source, m.Target, m.Provider)
				}
			}
			return tw.Flush()
		},
	}
	sel.register(cmd)
	cmd.Flags().BoolVar(&summary, "summary", false, "print per-provider counts only")
	return cmd
}
