// Package gaps computes which observations the record store is missing for a
// watchlist and date range.
package gaps

import (
	"context"
	"fmt"
	"sort"

	"cloud.google.com/go/civil"
	"go.uber.org/zap"

	"github.com/JakeFAU/fx-rate-archiver/internal/archive"
	"github.com/JakeFAU/fx-rate-archiver/internal/metrics"
)

// ExistenceChecker answers whether an observation is already stored.
type ExistenceChecker interface {
	Exists(ctx context.Context, date civil.Date, source, target string, provider archive.Provider) (bool, error)
}

// Analyzer enumerates missing points. It never writes.
type Analyzer struct {
	checker        ExistenceChecker
	logger         *zap.Logger
	anyProviderHit bool
}

// Option customizes an Analyzer.
type Option func(*Analyzer)

// WithAnyProviderSatisfies treats a date/pair as covered for every provider
// once any provider has it.
func WithAnyProviderSatisfies() Option {
	return func(a *Analyzer) {
		a.anyProviderHit = true
	}
}

// WithLogger sets the analyzer's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Analyzer) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAnalyzer creates an Analyzer backed by checker.
func NewAnalyzer(checker ExistenceChecker, opts ...Option) *Analyzer {
	a := &Analyzer{checker: checker, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AnalyzeGaps returns the missing points ordered by date (newest first), then
// pair in query order, then provider name.
func (a *Analyzer) AnalyzeGaps(ctx context.Context, q archive.GapQuery) ([]archive.MissingPoint, error) {
	if err := q.Range.Validate(); err != nil {
		return nil, err
	}
	for _, p := range q.Pairs {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	providers, err := sortedProviders(q.Providers)
	if err != nil {
		return nil, err
	}

	var missing []archive.MissingPoint
	counts := make(map[archive.Provider]int, len(providers))
	for _, date := range q.Range.DaysDescending() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, pair := range q.Pairs {
			if a.anyProviderHit {
				covered, err := a.checker.Exists(ctx, date, pair.Source, pair.Target, archive.AnyProvider)
				if err != nil {
					return nil, fmt.Errorf("check %s %s: %w", date, pair, err)
				}
				if covered {
					continue
				}
			}
			for _, provider := range providers {
				ok, err := a.checker.Exists(ctx, date, pair.Source, pair.Target, provider)
				if err != nil {
					return nil, fmt.Errorf("check %s %s %s: %w", date, pair, provider, err)
				}
				if ok {
					continue
				}
				missing = append(missing, archive.MissingPoint{
					Date:     date,
					Source:   pair.Source,
					Target:   pair.Target,
					Provider: provider,
				})
				counts[provider]++
			}
		}
	}

	for _, provider := range providers {
		metrics.SetMissingPoints(string(provider), counts[provider])
	}
	a.logger.Info("Gap analysis complete",
		zap.String("range", q.Range.String()),
		zap.Int("pairs", len(q.Pairs)),
		zap.Int("providers", len(providers)),
		zap.Int("missing", len(missing)),
	)
	return missing, nil
}

func sortedProviders(in []archive.Provider) ([]archive.Provider, error) {
	seen := make(map[archive.Provider]struct{}, len(in))
	out := make([]archive.Provider, 0, len(in))
	for _, p := range in {
		if !p.Valid() {
			return nil, fmt.Errorf("%w: %q", archive.ErrUnknownProvider, p)
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// GroupByProvider splits missing points into per-provider work queues,
// keeping input order within each queue.
func GroupByProvider(points []archive.MissingPoint) map[archive.Provider][]archive.BatchRequest {
	out := make(map[archive.Provider][]archive.BatchRequest)
	for _, p := range points {
		out[p.Provider] = append(out[p.Provider], archive.BatchRequest{
			Date:   p.Date,
			Source: p.Source,
			Target: p.Target,
		})
	}
	return out
}
