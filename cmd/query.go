package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/fx-rate-archiver/internal/archive"
	"github.com/JakeFAU/fx-rate-archiver/internal/store"
)

func newQueryCmd() *cobra.Command {
	var (
		from, to, provider, format string
	)
	cmd := &cobra.Command{
		Use:     "query SOURCE/TARGET",
		Short:   "Prints stored observations for a currency pair",
		Example: `  fxarchive query USD/INR --from 2024-01-01 --to 2024-01-31 --format json`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			pair, err := archive.ParsePair(args[0])
			if err != nil {
				return err
			}
			var window *archive.DateRange
			if from != "" || to != "" {
				if from == "" || to == "" {
					return errors.New("--from and --to must be given together")
				}
				r, err := archive.ParseDateRange(from, to)
				if err != nil {
					return err
				}
				window = &r
			}
			var only archive.Provider
			if provider != "" {
				if only, err = archive.ParseProvider(provider); err != nil {
					return err
				}
			}

			rows, err := appInstance.Store().Query(cmd.Context(), pair.Source, pair.Target, window)
			if err != nil {
				return fmt.Errorf("query: %w", err)
			}
			filtered := rows[:0]
			for _, o := range rows {
				if only == archive.AnyProvider || o.Provider == only {
					filtered = append(filtered, o)
				}
			}

			out := cmd.OutOrStdout()
			switch strings.ToLower(format) {
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if filtered == nil {
					filtered = []archive.Observation{}
				}
				return enc.Encode(filtered)
			case "csv":
				data, err := store.EncodeCSV(filtered)
				if err != nil {
					return err
				}
				_, err = out.Write(data)
				return err
			default:
				return fmt.Errorf("unknown format %q: use csv or json", format)
			}
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "window start YYYY-MM-DD")
	cmd.Flags().StringVar(&to, "to", "", "window end YYYY-MM-DD")
	cmd.Flags().StringVar(&provider, "provider", "", "only this provider")
	cmd.Flags().StringVar(&format, "format", "csv", "output format: csv or json")
	return cmd
}
