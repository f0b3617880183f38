package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fx-rate-archiver/internal/archive"
	"github.com/JakeFAU/fx-rate-archiver/internal/storage"
	"github.com/JakeFAU/fx-rate-archiver/internal/storage/local"
	"github.com/JakeFAU/fx-rate-archiver/internal/storage/memory"
)

func day(y int, m time.Month, d int) civil.Date {
	return civil.Date{Year: y, Month: m, Day: d}
}

func obs(date civil.Date, target string, provider archive.Provider, rate string) archive.Observation {
	return archive.Observation{
		Date:     date,
		Source:   "USD",
		Target:   target,
		Provider: provider,
		Rate:     decimal.RequireFromString(rate),
	}
}

// flakyProvider fails Put while failPuts is set.
type flakyProvider struct {
	*memory.BlobStore
	mu       sync.Mutex
	failPuts bool
}

func (f *flakyProvider) Put(ctx context.Context, path string, data []byte) error {
	f.mu.Lock()
	fail := f.failPuts
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.BlobStore.Put(ctx, path, data)
}

func TestWriteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New(memory.NewBlobStore(), nil)

	batch := []archive.Observation{
		obs(day(2024, time.January, 2), "INR", archive.ProviderVisa, "83.12"),
		obs(day(2024, time.January, 2), "INR", archive.ProviderMastercard, "83.05"),
		obs(day(2023, time.December, 31), "EUR", archive.ProviderVisa, "0.91"),
	}
	n, err := s.Write(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = s.Write(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	all, err := s.Query(ctx, "USD", "INR", nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, archive.ProviderMastercard, all[0].Provider)
	assert.Equal(t, archive.ProviderVisa, all[1].Provider)
}

func TestWriteKeepsFirstRate(t *testing.T) {
	ctx := context.Background()
	s := New(memory.NewBlobStore(), nil)
	d := day(2024, time.March, 5)

	_, err := s.Write(ctx, []archive.Observation{obs(d, "INR", archive.ProviderVisa, "83.10")})
	require.NoError(t, err)
	n, err := s.Write(ctx, []archive.Observation{obs(d, "INR", archive.ProviderVisa, "99.99")})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	rows, err := s.Query(ctx, "USD", "INR", nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, decimal.RequireFromString("83.10").Equal(rows[0].Rate))
}

func TestWriteDedupsWithinBatch(t *testing.T) {
	s := New(memory.NewBlobStore(), nil)
	d := day(2024, time.March, 5)
	n, err := s.Write(context.Background(), []archive.Observation{
		obs(d, "INR", archive.ProviderVisa, "83.10"),
		obs(d, "INR", archive.ProviderVisa, "83.20"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWriteRejectsInvalidBatch(t *testing.T) {
	ctx := context.Background()
	provider := memory.NewBlobStore()
	s := New(provider, nil)

	_, err := s.Write(ctx, []archive.Observation{
		obs(day(2024, time.March, 5), "INR", archive.ProviderVisa, "83.10"),
		obs(day(2024, time.March, 6), "INR", archive.ProviderVisa, "0"),
	})
	require.ErrorIs(t, err, ErrInvalidObservation)

	paths, err := provider.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestFailedWriteLeavesShardAndAllowsRetry(t *testing.T) {
	ctx := context.Background()
	provider := &flakyProvider{BlobStore: memory.NewBlobStore()}
	s := New(provider, nil)

	first := obs(day(2024, time.January, 1), "INR", archive.ProviderVisa, "83.00")
	_, err := s.Write(ctx, []archive.Observation{first})
	require.NoError(t, err)
	before, err := provider.Get(ctx, "USD/2024.csv")
	require.NoError(t, err)

	provider.failPuts = true
	second := obs(day(2024, time.January, 2), "INR", archive.ProviderVisa, "83.50")
	n, err := s.Write(ctx, []archive.Observation{second})
	require.ErrorIs(t, err, archive.ErrStoreWrite)
	assert.Equal(t, 0, n)

	after, err := provider.Get(ctx, "USD/2024.csv")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	ok, err := s.Exists(ctx, second.Date, "USD", "INR", archive.ProviderVisa)
	require.NoError(t, err)
	assert.False(t, ok, "failed write must not mark the key as stored")

	provider.failPuts = false
	n, err = s.Write(ctx, []archive.Observation{second})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestExistsAnyProvider(t *testing.T) {
	ctx := context.Background()
	s := New(memory.NewBlobStore(), nil)
	d := day(2024, time.February, 29)
	_, err := s.Write(ctx, []archive.Observation{obs(d, "INR", archive.ProviderMastercard, "83")})
	require.NoError(t, err)

	ok, err := s.Exists(ctx, d, "USD", "INR", archive.AnyProvider)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Exists(ctx, d, "USD", "INR", archive.ProviderVisa)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Exists(ctx, d, "EUR", "INR", archive.AnyProvider)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestShardLayoutAndReload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	provider, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)

	withMarkup := obs(day(2023, time.December, 31), "INR", archive.ProviderVisa, "83.2")
	withMarkup.Markup = decimal.NewNullDecimal(decimal.RequireFromString("0.004"))
	_, err = New(provider, nil).Write(ctx, []archive.Observation{
		withMarkup,
		obs(day(2024, time.January, 1), "INR", archive.ProviderMastercard, "83.3"),
	})
	require.NoError(t, err)

	paths, err := provider.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"USD/2023.csv", "USD/2024.csv"}, paths)

	data, err := provider.Get(ctx, "USD/2023.csv")
	require.NoError(t, err)
	assert.Equal(t, "date,to_curr,provider,rate,markup\n2023-12-31,INR,VISA,83.2,0.004\n", string(data))

	// A fresh store rebuilds its index from disk.
	reopened := New(provider, nil)
	ok, err := reopened.Exists(ctx, day(2024, time.January, 1), "USD", "INR", archive.ProviderMastercard)
	require.NoError(t, err)
	assert.True(t, ok)

	window := archive.DateRange{Start: day(2023, time.December, 1), End: day(2023, time.December, 31)}
	rows, err := reopened.Query(ctx, "USD", "INR", &window)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Markup.Valid)
	assert.Equal(t, "0.004", rows[0].Markup.Decimal.String())

	sources, err := reopened.Sources(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"USD"}, sources)
}

func TestConcurrentWritersSameSource(t *testing.T) {
	ctx := context.Background()
	s := New(memory.NewBlobStore(), nil)
	start := day(2024, time.January, 1)

	var wg sync.WaitGroup
	for _, p := range []archive.Provider{archive.ProviderVisa, archive.ProviderMastercard} {
		wg.Add(1)
		go func(p archive.Provider) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, err := s.Write(ctx, []archive.Observation{obs(start.AddDays(i), "INR", p, "83")})
				assert.NoError(t, err)
			}
		}(p)
	}
	wg.Wait()

	rows, err := New(s.provider, nil).Query(ctx, "USD", "INR", nil)
	require.NoError(t, err)
	assert.Len(t, rows, 40)
}

func TestListErrorSurfaces(t *testing.T) {
	provider := new(storage.MockProvider)
	provider.On("List", mock.Anything, "USD/").Return(nil, errors.New("bucket gone"))

	_, err := New(provider, nil).Exists(context.Background(), day(2024, time.January, 1), "USD", "INR", archive.ProviderVisa)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket gone")
	provider.AssertExpectations(t)
}

func TestDecodeShardRejectsBadRows(t *testing.T) {
	_, err := decodeShard("USD", []byte("date,to_curr,provider,rate,markup\n2024-01-01,INR,VISA,abc,\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")

	_, err = decodeShard("USD", []byte("when,what\n"))
	require.Error(t, err)

	rows, err := decodeShard("USD", nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
