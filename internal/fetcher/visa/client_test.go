package visa

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fx-rate-archiver/internal/archive"
)

var req = archive.BatchRequest{
	Date:   civil.Date{Year: 2024, Month: time.January, Day: 2},
	Source: "USD",
	Target: "INR",
}

type countingWaiter struct{ calls atomic.Int32 }

func (w *countingWaiter) Wait(context.Context, string) error {
	w.calls.Add(1)
	return nil
}

func TestFetchOneSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "1", q.Get("amount"))
		assert.Equal(t, "0", q.Get("fee"))
		assert.Equal(t, "01/02/2024", q.Get("utcConvDateStr"))
		assert.Equal(t, "01/02/2024", q.Get("exchangedate"))
		assert.Equal(t, "INR", q.Get("fromCurr"))
		assert.Equal(t, "USD", q.Get("toCurr"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "fxarchive-test", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"originalValues":{"fxRateVisa":"83.2345"},"benchmarks":[{"markupWithoutAdditionalFee":"0.4"}]}`))
	}))
	defer srv.Close()

	waiter := &countingWaiter{}
	c := New(Config{BaseURL: srv.URL, UserAgent: "fxarchive-test"}, waiter, nil)
	assert.Equal(t, archive.ModeStateless, c.Mode())

	obs, err := c.FetchOne(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, req.Date, obs.Date)
	assert.Equal(t, "USD", obs.Source)
	assert.Equal(t, "INR", obs.Target)
	assert.Equal(t, archive.ProviderVisa, obs.Provider)
	assert.Equal(t, "83.2345", obs.Rate.String())
	require.True(t, obs.Markup.Valid)
	assert.Equal(t, "0.004", obs.Markup.Decimal.String())
	assert.EqualValues(t, 1, waiter.calls.Load())

	// The same URL can be fetched again.
	_, err = c.FetchOne(context.Background(), req)
	require.NoError(t, err)
}

func TestFetchOneWithoutMarkup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"originalValues":{"fxRateVisa":83.1},"benchmarks":[]}`))
	}))
	defer srv.Close()

	obs, err := New(Config{BaseURL: srv.URL}, nil, nil).FetchOne(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, obs.Markup.Valid)
}

func TestFetchOneErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"EndOfHistory", http.StatusInternalServerError, `{}`, archive.ErrNotFound},
		{"BadGateway", http.StatusBadGateway, ``, archive.ErrNotFound},
		{"TooManyRequests", http.StatusTooManyRequests, ``, archive.ErrRateLimited},
		{"Forbidden", http.StatusForbidden, ``, archive.ErrRateLimited},
		{"BadRequest", http.StatusBadRequest, ``, archive.ErrInvalidResponse},
		{"MalformedJSON", http.StatusOK, `{"originalValues":`, archive.ErrInvalidResponse},
		{"MissingRate", http.StatusOK, `{"originalValues":{}}`, archive.ErrInvalidResponse},
		{"ZeroRate", http.StatusOK, `{"originalValues":{"fxRateVisa":"0"}}`, archive.ErrInvalidResponse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := New(Config{BaseURL: srv.URL}, nil, nil).FetchOne(context.Background(), req)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestFetchOneTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(Config{BaseURL: srv.URL}, nil, nil).FetchOne(ctx, req)
	require.ErrorIs(t, err, archive.ErrTimeout)
	assert.True(t, archive.IsRetryable(err))
}
