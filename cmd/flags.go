package cmd

import (
	"errors"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/fx-rate-archiver/internal/archive"
	"github.com/JakeFAU/fx-rate-archiver/internal/config"
)

// selection holds the flags shared by backfill and gaps. --provider may only
// narrow archive.providers, since clients exist only for enabled providers.
type selection struct {
	pairs     []string
	providers []string
	days      int
	from      string
	to        string
}

func (s *selection) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&s.pairs, "pairs", nil, "currency pairs, e.g. USD/INR,EUR/INR (default archive.watchlist)")
	cmd.Flags().StringSliceVar(&s.providers, "provider", nil, "providers to use: visa, mastercard (default archive.providers)")
	cmd.Flags().IntVar(&s.days, "days", 0, "window of the last N days ending today (default archive.days)")
	cmd.Flags().StringVar(&s.from, "from", "", "window start YYYY-MM-DD (requires --to)")
	cmd.Flags().StringVar(&s.to, "to", "", "window end YYYY-MM-DD (requires --from)")
}

func (s *selection) resolve(cfg config.Config, clock archive.Clock) ([]archive.Pair, []archive.Provider, archive.DateRange, error) {
	var (
		pairs     []archive.Pair
		providers []archive.Provider
		window    archive.DateRange
		err       error
	)

	if len(s.pairs) > 0 {
		pairs, err = archive.ParsePairs(s.pairs)
	} else {
		pairs, err = cfg.Pairs()
	}
	if err != nil {
		return nil, nil, window, fmt.Errorf("pairs: %w", err)
	}

	enabled, err := cfg.Providers()
	if err != nil {
		return nil, nil, window, err
	}
	providers = enabled
	if len(s.providers) > 0 {
		providers = nil
		for _, raw := range s.providers {
			p, perr := archive.ParseProvider(raw)
			if perr != nil {
				return nil, nil, window, perr
			}
			if !slices.Contains(enabled, p) {
				return nil, nil, window, fmt.Errorf("provider %s is not enabled in archive.providers %v", p, enabled)
			}
			providers = append(providers, p)
		}
	}

	switch {
	case s.from != "" || s.to != "":
		if s.from == "" || s.to == "" {
			return nil, nil, window, errors.New("--from and --to must be given together")
		}
		if s.days != 0 {
			return nil, nil, window, errors.New("--days cannot be combined with --from/--to")
		}
		window, err = archive.ParseDateRange(s.from, s.to)
	default:
		days := s.days
		if days == 0 {
			days = cfg.Archive.Days
		}
		window, err = archive.LastNDays(archive.Today(clock.Now()), days)
	}
	if err != nil {
		return nil, nil, window, err
	}
	return pairs, providers, window, nil
}
