package app_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/fx-rate-archiver/internal/app"
	"github.com/JakeFAU/fx-rate-archiver/internal/archive"
	"github.com/JakeFAU/fx-rate-archiver/internal/config"
	"github.com/JakeFAU/fx-rate-archiver/internal/fetcher/mastercard"
	"github.com/JakeFAU/fx-rate-archiver/internal/lockfile"
	"github.com/JakeFAU/fx-rate-archiver/internal/orchestrator"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type stubDriver struct{}

func (stubDriver) Launch(context.Context) (mastercard.Session, error) {
	return &stubSession{done: make(chan struct{})}, nil
}

type stubSession struct{ done chan struct{} }

func (s *stubSession) WarmUp(context.Context) error { return nil }

func (s *stubSession) Quote(_ context.Context, req archive.BatchRequest) (archive.Observation, error) {
	return archive.Observation{
		Date:     req.Date,
		Source:   req.Source,
		Target:   req.Target,
		Provider: archive.ProviderMastercard,
		Rate:     decimal.RequireFromString("83.5"),
	}, nil
}

func (s *stubSession) Reset(context.Context) error { return nil }

func (s *stubSession) Disconnected() <-chan struct{} { return s.done }

func (s *stubSession) Close() error { return nil }

func testConfig(t *testing.T, visaURL string) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Store.Backend = "memory"
	cfg.Visa.BaseURL = visaURL
	cfg.Visa.RPS = 0
	cfg.Archive.RetryBaseDelay = time.Millisecond
	cfg.Archive.RetryMaxDelay = time.Millisecond
	return cfg
}

func TestBuildAndRun(t *testing.T) {
	visaSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"originalValues":{"fxRateVisa":"83.2"},"benchmarks":[{"markupWithoutAdditionalFee":"0.4"}]}`))
	}))
	defer visaSrv.Close()

	ctx := context.Background()
	a, err := app.Build(ctx, testConfig(t, visaSrv.URL),
		app.WithLogger(zap.NewNop()),
		app.WithMastercardDriver(stubDriver{}),
		app.WithClock(fixedClock{now: time.Date(2024, time.January, 3, 8, 0, 0, 0, time.UTC)}),
	)
	require.NoError(t, err)
	defer a.Close()

	window := archive.DateRange{
		Start: civil.Date{Year: 2024, Month: time.January, Day: 2},
		End:   civil.Date{Year: 2024, Month: time.January, Day: 3},
	}
	report, err := a.Orchestrator().Run(ctx, orchestrator.RunRequest{
		Pairs:     []archive.Pair{{Source: "USD", Target: "INR"}},
		Range:     window,
		Providers: []archive.Provider{archive.ProviderVisa, archive.ProviderMastercard},
	})
	require.NoError(t, err)
	assert.False(t, report.Failed())
	assert.Equal(t, 2, report.Outcomes[archive.ProviderVisa].Fetched)
	assert.Equal(t, 2, report.Outcomes[archive.ProviderMastercard].Fetched)

	rows, err := a.Store().Query(ctx, "USD", "INR", &window)
	require.NoError(t, err)
	assert.Len(t, rows, 4)

	runs, err := a.Runs().Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/gaps?pairs=USD/INR&from=2024-01-02&to=2024-01-03", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 0, body["missing"])
}

func TestBuildRejectsBadRunlog(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:0")
	cfg.Runlog.Backend = "postgres"
	cfg.Runlog.DSN = "::not a dsn::"
	_, err := app.Build(context.Background(), cfg,
		app.WithLogger(zap.NewNop()),
		app.WithMastercardDriver(stubDriver{}),
	)
	assert.Error(t, err)
}

func TestLock(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:0")
	cfg.Store.Backend = "local"
	cfg.Store.Root = t.TempDir()
	cfg.Archive.Providers = []string{"VISA"}

	a, err := app.Build(context.Background(), cfg, app.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	defer a.Close()

	release, err := a.Lock()
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(cfg.Store.Root, lockfile.Name))
	require.NoError(t, err)

	_, err = a.Lock()
	require.ErrorIs(t, err, lockfile.ErrLocked)

	release()
	release2, err := a.Lock()
	require.NoError(t, err)
	release2()
}

func TestLockSkippedForMemory(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:0")
	a, err := app.Build(context.Background(), cfg,
		app.WithLogger(zap.NewNop()),
		app.WithMastercardDriver(stubDriver{}),
	)
	require.NoError(t, err)
	defer a.Close()

	release, err := a.Lock()
	require.NoError(t, err)
	require.NotNil(t, release)
	release()
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:0")
	cfg.Server.Port = 18573
	a, err := app.Build(context.Background(), cfg,
		app.WithLogger(zap.NewNop()),
		app.WithMastercardDriver(stubDriver{}),
	)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:18573/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
