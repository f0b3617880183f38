// Package orchestrator runs archival batches: it asks the gap analyzer what
// is missing, drives each provider's fetch client according to its
// concurrency mode and writes every fetched observation to the record store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/fx-rate-archiver/internal/archive"
	"github.com/JakeFAU/fx-rate-archiver/internal/clock/system"
	"github.com/JakeFAU/fx-rate-archiver/internal/gaps"
	"github.com/JakeFAU/fx-rate-archiver/internal/id/uuid"
	"github.com/JakeFAU/fx-rate-archiver/internal/metrics"
)

// Config controls batch execution.
type Config struct {
	// Parallelism bounds in-flight requests for stateless providers.
	Parallelism int `mapstructure:"parallelism"`
	// MaxRetries bounds in-place retries of rate-limited or timed-out
	// stateless requests.
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
	// StopAtHistoryEnd skips dates older than a pair's first not-found date.
	StopAtHistoryEnd bool `mapstructure:"stop_at_history_end"`
	// CloseTimeout bounds the end-of-batch session teardown.
	CloseTimeout time.Duration `mapstructure:"close_timeout"`
}

// GapAnalyzer computes missing points.
type GapAnalyzer interface {
	AnalyzeGaps(ctx context.Context, q archive.GapQuery) ([]archive.MissingPoint, error)
}

// Recorder persists run reports.
type Recorder interface {
	Record(ctx context.Context, report archive.Report) error
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithClock sets the clock used for report timestamps.
func WithClock(clock archive.Clock) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithIDGenerator sets the run id source.
func WithIDGenerator(ids archive.IDGenerator) Option {
	return func(o *Orchestrator) {
		if ids != nil {
			o.ids = ids
		}
	}
}

// WithRecorder records every run report.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		o.recorder = r
	}
}

// WithSleeper replaces the retry sleep.
func WithSleeper(sleep Sleeper) Option {
	return func(o *Orchestrator) {
		if sleep != nil {
			o.sleep = sleep
		}
	}
}

// Orchestrator coordinates gap analysis, fetching and persistence.
type Orchestrator struct {
	store    archive.RecordStore
	analyzer GapAnalyzer
	clients  map[archive.Provider]archive.Fetcher
	cfg      Config
	retry    *RetryPolicy
	recorder Recorder
	clock    archive.Clock
	ids      archive.IDGenerator
	sleep    Sleeper
	logger   *zap.Logger
}

// New builds an Orchestrator.
func New(
	store archive.RecordStore,
	analyzer GapAnalyzer,
	clients map[archive.Provider]archive.Fetcher,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Orchestrator {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		store:    store,
		analyzer: analyzer,
		clients:  clients,
		cfg:      cfg,
		retry:    NewRetryPolicy(cfg.MaxRetries, cfg.RetryBaseDelay, cfg.RetryMaxDelay),
		clock:    system.New(),
		ids:      uuid.NewUUIDGenerator(),
		sleep:    sleepContext,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}

// RunRequest selects what a run archives.
type RunRequest struct {
	Pairs     []archive.Pair
	Range     archive.DateRange
	Providers []archive.Provider
}

// Run analyzes gaps and executes one batch per provider concurrently. The
// error is non-nil only when the run could not start; batch failures are
// reported in the Report.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (archive.Report, error) {
	runID, err := o.ids.NewID()
	if err != nil {
		return archive.Report{}, fmt.Errorf("run id: %w", err)
	}
	report := archive.Report{
		RunID:     runID,
		StartedAt: o.clock.Now(),
		Range:     req.Range,
		Outcomes:  make(map[archive.Provider]archive.BatchOutcome),
	}
	logger := o.logger.With(zap.String("run_id", runID))

	missing, err := o.analyzer.AnalyzeGaps(ctx, archive.GapQuery{
		Pairs:     req.Pairs,
		Range:     req.Range,
		Providers: req.Providers,
	})
	if err != nil {
		return report, fmt.Errorf("analyze gaps: %w", err)
	}
	report.Missing = len(missing)
	queues := gaps.GroupByProvider(missing)
	logger.Info("Starting archival run",
		zap.String("range", req.Range.String()),
		zap.Int("pairs", len(req.Pairs)),
		zap.Int("missing", len(missing)),
	)

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, provider := range uniqueProviders(req.Providers) {
		wg.Add(1)
		go func(provider archive.Provider) {
			defer wg.Done()
			outcome := o.ExecuteProviderBatch(ctx, provider, queues[provider])
			mu.Lock()
			report.Outcomes[provider] = outcome
			mu.Unlock()
		}(provider)
	}
	wg.Wait()
	report.FinishedAt = o.clock.Now()

	totals := report.Totals()
	logger.Info("Archival run finished",
		zap.Int("requested", totals.Requested),
		zap.Int("fetched", totals.Fetched),
		zap.Int("failed", totals.Failed),
		zap.Int("unavailable", totals.Unavailable),
		zap.Bool("failed_run", report.Failed()),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	)

	if o.recorder != nil {
		if err := o.recorder.Record(context.WithoutCancel(ctx), report); err != nil {
			logger.Warn("Failed to record run", zap.Error(err))
		}
	}
	return report, nil
}

func uniqueProviders(in []archive.Provider) []archive.Provider {
	seen := make(map[archive.Provider]struct{}, len(in))
	out := make([]archive.Provider, 0, len(in))
	for _, p := range in {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ExecuteProviderBatch fetches and stores every request for one provider.
// Stateless clients run with bounded parallelism and in-place retries;
// stateful clients run strictly in order and have their session closed when
// the batch ends.
func (o *Orchestrator) ExecuteProviderBatch(ctx context.Context, provider archive.Provider, reqs []archive.BatchRequest) archive.BatchOutcome {
	b := &batch{
		outcome: archive.BatchOutcome{Provider: provider, Requested: len(reqs)},
		floors:  make(map[archive.Pair]civil.Date),
	}
	logger := o.logger.With(zap.String("provider", string(provider)))

	client, ok := o.clients[provider]
	switch {
	case len(reqs) == 0:
	case !ok || client == nil:
		b.outcome.Failed = len(reqs)
		b.outcome.Err = fmt.Errorf("%w: no client configured for %s", archive.ErrUnknownProvider, provider)
	case client.Mode() == archive.ModeStateful:
		o.runSequential(ctx, logger, client, b, reqs)
	default:
		o.runConcurrent(ctx, logger, client, b, reqs)
	}

	outcome := b.snapshot()
	metrics.ObserveBatch(string(provider), outcome.Status())
	fields := []zap.Field{
		zap.Int("requested", outcome.Requested),
		zap.Int("fetched", outcome.Fetched),
		zap.Int("failed", outcome.Failed),
		zap.Int("unavailable", outcome.Unavailable),
	}
	if outcome.Err != nil {
		logger.Error("Provider batch aborted", append(fields, zap.Error(outcome.Err))...)
	} else if len(reqs) > 0 {
		logger.Info("Provider batch finished", fields...)
	}
	return outcome
}

func (o *Orchestrator) runConcurrent(ctx context.Context, logger *zap.Logger, client archive.Fetcher, b *batch, reqs []archive.BatchRequest) {
	var g errgroup.Group
	g.SetLimit(o.cfg.Parallelism)
	for _, req := range reqs {
		g.Go(func() error {
			o.process(ctx, logger, client, b, req, true)
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) runSequential(ctx context.Context, logger *zap.Logger, client archive.Fetcher, b *batch, reqs []archive.BatchRequest) {
	for _, req := range reqs {
		o.process(ctx, logger, client, b, req, false)
	}
	closer, ok := client.(archive.SessionCloser)
	if !ok {
		return
	}
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CloseTimeout)
	defer cancel()
	if err := closer.CloseSession(closeCtx); err != nil {
		logger.Warn("Failed to close provider session", zap.Error(err))
	}
}

func (o *Orchestrator) process(ctx context.Context, logger *zap.Logger, client archive.Fetcher, b *batch, req archive.BatchRequest, retry bool) {
	if b.aborted() {
		b.count(func(out *archive.BatchOutcome) { out.Failed++ })
		return
	}
	if o.cfg.StopAtHistoryEnd && b.belowFloor(req) {
		b.count(func(out *archive.BatchOutcome) { out.Unavailable++ })
		return
	}

	obs, err := o.fetch(ctx, logger, client, req, retry)
	if err == nil {
		err = checkObservation(req, obs)
		if err == nil {
			_, err = o.store.Write(ctx, []archive.Observation{obs})
		}
	}

	reqFields := []zap.Field{zap.String("pair", req.Pair().String()), zap.String("date", req.Date.String())}
	switch {
	case err == nil:
		b.count(func(out *archive.BatchOutcome) { out.Fetched++ })
	case errors.Is(err, archive.ErrNotFound):
		b.count(func(out *archive.BatchOutcome) { out.Unavailable++ })
		if o.cfg.StopAtHistoryEnd {
			b.setFloor(req)
		}
		logger.Debug("No data for date", reqFields...)
	case archive.IsFatal(err):
		b.count(func(out *archive.BatchOutcome) { out.Failed++ })
		b.abort(err)
	default:
		b.count(func(out *archive.BatchOutcome) { out.Failed++ })
		logger.Warn("Fetch failed", append(reqFields, zap.Error(err))...)
	}
}

func (o *Orchestrator) fetch(ctx context.Context, logger *zap.Logger, client archive.Fetcher, req archive.BatchRequest, retry bool) (archive.Observation, error) {
	for attempt := 0; ; attempt++ {
		obs, err := client.FetchOne(ctx, req)
		if err == nil || !retry || !o.retry.ShouldRetry(err, attempt) {
			return obs, err
		}
		delay := o.retry.Backoff(attempt)
		logger.Debug("Retrying fetch",
			zap.String("pair", req.Pair().String()),
			zap.String("date", req.Date.String()),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := o.sleep(ctx, delay); err != nil {
			return archive.Observation{}, err
		}
	}
}

// checkObservation rejects observations that do not answer req.
func checkObservation(req archive.BatchRequest, obs archive.Observation) error {
	if obs.Date != req.Date || obs.Source != req.Source || obs.Target != req.Target {
		return fmt.Errorf("%w: got %s %s for %s", archive.ErrInvalidResponse, obs.Date, obs.Pair(), req)
	}
	return nil
}

// batch is the shared state of one provider batch.
type batch struct {
	mu      sync.Mutex
	outcome archive.BatchOutcome
	floors  map[archive.Pair]civil.Date
}

func (b *batch) count(fn func(*archive.BatchOutcome)) {
	b.mu.Lock()
	fn(&b.outcome)
	b.mu.Unlock()
}

func (b *batch) abort(err error) {
	b.mu.Lock()
	if b.outcome.Err == nil {
		b.outcome.Err = err
	}
	b.mu.Unlock()
}

func (b *batch) aborted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.outcome.Err != nil
}

// setFloor records that the provider has no data at or before req.Date.
func (b *batch) setFloor(req archive.BatchRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if floor, ok := b.floors[req.Pair()]; !ok || req.Date.After(floor) {
		b.floors[req.Pair()] = req.Date
	}
}

func (b *batch) belowFloor(req archive.BatchRequest) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	floor, ok := b.floors[req.Pair()]
	return ok && !req.Date.After(floor)
}

func (b *batch) snapshot() archive.BatchOutcome {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.outcome
}
