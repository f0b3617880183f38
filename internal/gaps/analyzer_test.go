package gaps

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fx-rate-archiver/internal/archive"
	"github.com/JakeFAU/fx-rate-archiver/internal/storage/memory"
	"github.com/JakeFAU/fx-rate-archiver/internal/store"
)

var (
	d1 = civil.Date{Year: 2024, Month: time.January, Day: 1}
	d2 = civil.Date{Year: 2024, Month: time.January, Day: 2}
	d3 = civil.Date{Year: 2024, Month: time.January, Day: 3}

	usdInr = archive.Pair{Source: "USD", Target: "INR"}
)

func seed(t *testing.T, rows ...archive.Observation) *store.Store {
	t.Helper()
	s := store.New(memory.NewBlobStore(), nil)
	_, err := s.Write(context.Background(), rows)
	require.NoError(t, err)
	return s
}

func row(d civil.Date, p archive.Provider) archive.Observation {
	return archive.Observation{Date: d, Source: "USD", Target: "INR", Provider: p, Rate: decimal.NewFromInt(83)}
}

func TestAnalyzeGapsFindsHole(t *testing.T) {
	s := seed(t, row(d1, archive.ProviderVisa), row(d3, archive.ProviderVisa))

	missing, err := NewAnalyzer(s).AnalyzeGaps(context.Background(), archive.GapQuery{
		Pairs:     []archive.Pair{usdInr},
		Range:     archive.DateRange{Start: d1, End: d3},
		Providers: []archive.Provider{archive.ProviderVisa},
	})
	require.NoError(t, err)
	assert.Equal(t, []archive.MissingPoint{
		{Date: d2, Source: "USD", Target: "INR", Provider: archive.ProviderVisa},
	}, missing)
}

func TestAnalyzeGapsOrdering(t *testing.T) {
	s := seed(t)
	eurGbp := archive.Pair{Source: "EUR", Target: "GBP"}

	missing, err := NewAnalyzer(s).AnalyzeGaps(context.Background(), archive.GapQuery{
		Pairs:     []archive.Pair{usdInr, eurGbp},
		Range:     archive.DateRange{Start: d2, End: d3},
		Providers: []archive.Provider{archive.ProviderVisa, archive.ProviderMastercard},
	})
	require.NoError(t, err)
	require.Len(t, missing, 8)

	assert.Equal(t, d3, missing[0].Date)
	assert.Equal(t, "INR", missing[0].Target)
	assert.Equal(t, archive.ProviderMastercard, missing[0].Provider)
	assert.Equal(t, archive.ProviderVisa, missing[1].Provider)
	assert.Equal(t, "GBP", missing[2].Target)
	assert.Equal(t, d2, missing[4].Date)
}

func TestAnalyzeGapsAnyProviderSatisfies(t *testing.T) {
	s := seed(t, row(d2, archive.ProviderMastercard))
	q := archive.GapQuery{
		Pairs:     []archive.Pair{usdInr},
		Range:     archive.DateRange{Start: d2, End: d2},
		Providers: []archive.Provider{archive.ProviderVisa, archive.ProviderMastercard},
	}

	strict, err := NewAnalyzer(s).AnalyzeGaps(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, strict, 1)
	assert.Equal(t, archive.ProviderVisa, strict[0].Provider)

	relaxed, err := NewAnalyzer(s, WithAnyProviderSatisfies()).AnalyzeGaps(context.Background(), q)
	require.NoError(t, err)
	assert.Empty(t, relaxed)
}

func TestAnalyzeGapsValidation(t *testing.T) {
	a := NewAnalyzer(seed(t))

	_, err := a.AnalyzeGaps(context.Background(), archive.GapQuery{
		Pairs: []archive.Pair{usdInr},
		Range: archive.DateRange{Start: d3, End: d1},
	})
	assert.Error(t, err)

	_, err = a.AnalyzeGaps(context.Background(), archive.GapQuery{
		Pairs:     []archive.Pair{usdInr},
		Range:     archive.DateRange{Start: d1, End: d1},
		Providers: []archive.Provider{"AMEX"},
	})
	assert.ErrorIs(t, err, archive.ErrUnknownProvider)
}

type failingChecker struct{}

func (failingChecker) Exists(context.Context, civil.Date, string, string, archive.Provider) (bool, error) {
	return false, errors.New("boom")
}

func TestAnalyzeGapsPropagatesStoreErrors(t *testing.T) {
	_, err := NewAnalyzer(failingChecker{}).AnalyzeGaps(context.Background(), archive.GapQuery{
		Pairs:     []archive.Pair{usdInr},
		Range:     archive.DateRange{Start: d1, End: d1},
		Providers: []archive.Provider{archive.ProviderVisa},
	})
	assert.ErrorContains(t, err, "boom")
}

func TestGroupByProvider(t *testing.T) {
	points := []archive.MissingPoint{
		{Date: d3, Source: "USD", Target: "INR", Provider: archive.ProviderVisa},
		{Date: d3, Source: "USD", Target: "INR", Provider: archive.ProviderMastercard},
		{Date: d2, Source: "USD", Target: "INR", Provider: archive.ProviderVisa},
	}
	groups := GroupByProvider(points)
	require.Len(t, groups, 2)
	assert.Equal(t, []archive.BatchRequest{
		{Date: d3, Source: "USD", Target: "INR"},
		{Date: d2, Source: "USD", Target: "INR"},
	}, groups[archive.ProviderVisa])
	assert.Len(t, groups[archive.ProviderMastercard], 1)
	assert.Empty(t, GroupByProvider(nil))
}
