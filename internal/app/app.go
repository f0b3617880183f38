// Package app builds and holds the long-lived archiver services, acting as a
// dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gcs "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/fx-rate-archiver/internal/api"
	"github.com/JakeFAU/fx-rate-archiver/internal/archive"
	"github.com/JakeFAU/fx-rate-archiver/internal/clock/system"
	"github.com/JakeFAU/fx-rate-archiver/internal/config"
	"github.com/JakeFAU/fx-rate-archiver/internal/fetcher/mastercard"
	"github.com/JakeFAU/fx-rate-archiver/internal/fetcher/visa"
	"github.com/JakeFAU/fx-rate-archiver/internal/gaps"
	"github.com/JakeFAU/fx-rate-archiver/internal/lockfile"
	"github.com/JakeFAU/fx-rate-archiver/internal/logging"
	"github.com/JakeFAU/fx-rate-archiver/internal/metrics"
	"github.com/JakeFAU/fx-rate-archiver/internal/orchestrator"
	"github.com/JakeFAU/fx-rate-archiver/internal/policy/ratelimit"
	"github.com/JakeFAU/fx-rate-archiver/internal/runlog"
	"github.com/JakeFAU/fx-rate-archiver/internal/storage"
	gcsstorage "github.com/JakeFAU/fx-rate-archiver/internal/storage/gcs"
	localstorage "github.com/JakeFAU/fx-rate-archiver/internal/storage/local"
	memorystorage "github.com/JakeFAU/fx-rate-archiver/internal/storage/memory"
	"github.com/JakeFAU/fx-rate-archiver/internal/store"
)

// App contains the archiver's dependencies.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	clock        archive.Clock
	gcsClient    *gcs.Client
	blobs        storage.Provider
	store        *store.Store
	analyzer     *gaps.Analyzer
	limiter      *ratelimit.Limiter
	clients      map[archive.Provider]archive.Fetcher
	mastercard   *mastercard.Client
	runs         runlog.Recorder
	pgRuns       *runlog.Postgres
	orchestrator *orchestrator.Orchestrator
	apiServer    *api.Server
	driver       mastercard.Driver
}

// Option customizes Build.
type Option func(*App)

// WithLogger replaces the logger built from configuration.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) {
		a.logger = logger
	}
}

// WithMastercardDriver replaces the headless Chrome driver.
func WithMastercardDriver(driver mastercard.Driver) Option {
	return func(a *App) {
		a.driver = driver
	}
}

// WithClock replaces the system clock.
func WithClock(clock archive.Clock) Option {
	return func(a *App) {
		a.clock = clock
	}
}

// Build creates the archiver's dependencies from cfg.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, clock: system.New()}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		logger, err := logging.New(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		a.logger = logger
	}
	metrics.Init()

	providers, err := cfg.Providers()
	if err != nil {
		return nil, err
	}

	if err := a.setupStorage(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.store = store.New(a.blobs, a.logger.Named("store"))

	var gapOpts []gaps.Option
	gapOpts = append(gapOpts, gaps.WithLogger(a.logger.Named("gaps")))
	if cfg.Archive.AnyProviderSatisfies {
		gapOpts = append(gapOpts, gaps.WithAnyProviderSatisfies())
	}
	a.analyzer = gaps.NewAnalyzer(a.store, gapOpts...)

	if err := a.setupClients(providers); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.setupRunlog(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.orchestrator = orchestrator.New(
		a.store,
		a.analyzer,
		a.clients,
		cfg.Archive.Config,
		a.logger.Named("orchestrator"),
		orchestrator.WithRecorder(a.runs),
		orchestrator.WithClock(a.clock),
	)
	a.apiServer = api.NewServer(
		a.store,
		a.analyzer,
		a.runs,
		a.logger.Named("api"),
		api.WithClock(a.clock),
		api.WithProviders(providers),
	)
	return a, nil
}

func (a *App) setupStorage(ctx context.Context) error {
	var err error
	switch a.cfg.Store.Backend {
	case "gcs":
		a.logger.Info("using GCS store backend", zap.String("bucket", a.cfg.Store.GCSBucket))
		a.gcsClient, err = gcs.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.blobs, err = gcsstorage.New(a.gcsClient, gcsstorage.Config{
			Bucket: a.cfg.Store.GCSBucket,
			Prefix: a.cfg.Store.GCSPrefix,
		})
		if err != nil {
			return fmt.Errorf("gcs store init failed: %w", err)
		}
	case "local":
		a.logger.Info("using local store backend", zap.String("root", a.cfg.Store.Root))
		a.blobs, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Store.Root})
		if err != nil {
			return fmt.Errorf("local store init failed: %w", err)
		}
	default:
		a.logger.Warn("using in-memory store backend; observations are not persisted")
		a.blobs = memorystorage.NewBlobStore()
	}
	return nil
}

func (a *App) setupClients(providers []archive.Provider) error {
	a.clients = make(map[archive.Provider]archive.Fetcher, len(providers))
	a.limiter = ratelimit.New(ratelimit.Config{})
	for _, p := range providers {
		switch p {
		case archive.ProviderVisa:
			a.limiter.Configure(string(p), a.cfg.Visa.RPS, a.cfg.Visa.Burst)
			a.clients[p] = visa.New(a.cfg.Visa.Config, a.limiter, a.logger.Named("visa"))
			a.logger.Info("visa client enabled",
				zap.Float64("rps", a.cfg.Visa.RPS),
				zap.Int("burst", a.cfg.Visa.Burst),
			)
		case archive.ProviderMastercard:
			driver := a.driver
			if driver == nil {
				driver = mastercard.NewChromeDriver(a.cfg.Mastercard, a.logger.Named("chrome"))
			}
			client, err := mastercard.New(a.cfg.Mastercard, driver, a.logger.Named("mastercard"))
			if err != nil {
				return fmt.Errorf("mastercard client init failed: %w", err)
			}
			a.mastercard = client
			a.clients[p] = client
			a.logger.Info("mastercard client enabled",
				zap.Int("refresh_every", a.cfg.Mastercard.RefreshEvery),
				zap.Int("restart_every", a.cfg.Mastercard.RestartEvery),
			)
		}
	}
	return nil
}

func (a *App) setupRunlog(ctx context.Context) error {
	switch a.cfg.Runlog.Backend {
	case "postgres":
		pg, err := runlog.NewPostgres(ctx, a.cfg.Runlog.PostgresConfig)
		if err != nil {
			return fmt.Errorf("run history init failed: %w", err)
		}
		a.pgRuns = pg
		a.runs = pg
		a.logger.Info("run history in postgres", zap.String("table", a.cfg.Runlog.Table))
	case "none":
		a.runs = runlog.NoOp{}
	default:
		a.runs = runlog.NewMemory()
	}
	return nil
}

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Clock returns the app clock.
func (a *App) Clock() archive.Clock { return a.clock }

// Store returns the record store.
func (a *App) Store() *store.Store { return a.store }

// Analyzer returns the gap analyzer.
func (a *App) Analyzer() *gaps.Analyzer { return a.analyzer }

// Orchestrator returns the batch orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orchestrator }

// Runs returns the run history.
func (a *App) Runs() runlog.Recorder { return a.runs }

// Handler returns the read-only API handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Lock takes the store lock when the local backend is configured with
// store.lock. The returned release func is never nil.
func (a *App) Lock() (func(), error) {
	if !a.cfg.Store.Lock || a.cfg.Store.Backend != "local" {
		return func() {}, nil
	}
	lock, err := lockfile.Acquire(a.cfg.Store.Root)
	if err != nil {
		return func() {}, fmt.Errorf("acquire store lock: %w", err)
	}
	a.logger.Debug("store lock acquired", zap.String("path", lock.Path()))
	return func() {
		if err := lock.Release(); err != nil {
			a.logger.Warn("store lock release failed", zap.Error(err))
		}
	}, nil
}

// Serve runs the read-only API until ctx is canceled.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// Close shuts down every service that holds resources.
func (a *App) Close() {
	if a.mastercard != nil {
		if err := a.mastercard.Close(); err != nil {
			a.logger.Warn("mastercard client close failed", zap.Error(err))
		}
	}
	if a.pgRuns != nil {
		a.pgRuns.Close()
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
