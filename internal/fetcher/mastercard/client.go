// Package mastercard implements the stateful fetch client. Quotes are read by
// driving Mastercard's public currency converter in an automated browser and
// intercepting the page's own conversion-rate request. One worker goroutine
// owns the browser session; every request, disconnect notification and
// session-close command is a message to that goroutine, so at most one fetch
// is in flight and requests run in submission order.
package mastercard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fx-rate-archiver/internal/archive"
	"github.com/JakeFAU/fx-rate-archiver/internal/clock/system"
	"github.com/JakeFAU/fx-rate-archiver/internal/metrics"
)

// Default endpoints.
const (
	DefaultFormURL   = "https://www.mastercard.us/en-us/personal/get-support/convert-currency.html"
	DefaultWarmUpURL = "https://www.mastercard.us/en-us.html"
	DefaultAPIPath   = "/settlement/currencyrate/conversion-rate"
)

// FormSelectors are the CSS selectors of the converter form.
type FormSelectors struct {
	SourceCurrency string `mapstructure:"source_currency"`
	TargetCurrency string `mapstructure:"target_currency"`
	Amount         string `mapstructure:"amount"`
	Date           string `mapstructure:"date"`
	Submit         string `mapstructure:"submit"`
}

// Config controls the session lifecycle and the browser driver.
type Config struct {
	RefreshEvery      int           `mapstructure:"refresh_every"`
	RestartEvery      int           `mapstructure:"restart_every"`
	ForbiddenPause    time.Duration `mapstructure:"forbidden_pause"`
	RecoveryPause     time.Duration `mapstructure:"recovery_pause"`
	ResponseTimeout   time.Duration `mapstructure:"response_timeout"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	LaunchAttempts    int           `mapstructure:"launch_attempts"`
	QueueDepth        int           `mapstructure:"queue_depth"`

	FormURL    string        `mapstructure:"form_url"`
	WarmUpURL  string        `mapstructure:"warm_up_url"`
	APIPath    string        `mapstructure:"api_path"`
	UserAgent  string        `mapstructure:"user_agent"`
	Headless   bool          `mapstructure:"headless"`
	ChromePath string        `mapstructure:"chrome_path"`
	DateLayout string        `mapstructure:"date_layout"`
	Form       FormSelectors `mapstructure:"form"`
}

// WithDefaults fills zero values.
func (c Config) WithDefaults() Config {
	if c.RefreshEvery == 0 {
		c.RefreshEvery = 25
	}
	if c.RestartEvery == 0 {
		c.RestartEvery = 200
	}
	if c.ForbiddenPause == 0 {
		c.ForbiddenPause = 10 * time.Minute
	}
	if c.RecoveryPause == 0 {
		c.RecoveryPause = 30 * time.Second
	}
	if c.ResponseTimeout == 0 {
		c.ResponseTimeout = 20 * time.Second
	}
	if c.NavigationTimeout == 0 {
		c.NavigationTimeout = 45 * time.Second
	}
	if c.LaunchAttempts == 0 {
		c.LaunchAttempts = 3
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = 64
	}
	if c.FormURL == "" {
		c.FormURL = DefaultFormURL
	}
	if c.APIPath == "" {
		c.APIPath = DefaultAPIPath
	}
	if c.DateLayout == "" {
		c.DateLayout = "2006-01-02"
	}
	return c
}

// Validate checks the lifecycle settings.
func (c Config) Validate() error {
	if c.RefreshEvery < 0 || c.RestartEvery < 0 {
		return fmt.Errorf("refresh_every and restart_every must be >= 0")
	}
	if c.RefreshEvery > 0 && c.RestartEvery > 0 && c.RestartEvery <= c.RefreshEvery {
		return fmt.Errorf("restart_every (%d) must be greater than refresh_every (%d)", c.RestartEvery, c.RefreshEvery)
	}
	if c.LaunchAttempts < 1 {
		return fmt.Errorf("launch_attempts must be >= 1")
	}
	if c.ForbiddenPause < 0 || c.RecoveryPause < 0 {
		return fmt.Errorf("pauses must be >= 0")
	}
	if c.ResponseTimeout <= 0 || c.NavigationTimeout <= 0 {
		return fmt.Errorf("response_timeout and navigation_timeout must be > 0")
	}
	if c.QueueDepth < 1 {
		return fmt.Errorf("queue_depth must be >= 1")
	}
	return nil
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep interrupted: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}

// Result is the outcome of a submitted request.
type Result struct {
	Observation archive.Observation
	Err         error
}

// Option customizes a Client.
type Option func(*Client)

// WithClock sets the time source used for backoff deadlines.
func WithClock(clock archive.Clock) Option {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithSleeper replaces the backoff and launch-retry sleep.
func WithSleeper(sleep Sleeper) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

type job struct {
	ctx    context.Context
	req    archive.BatchRequest
	result chan Result
}

// Client is the stateful fetcher.
type Client struct {
	cfg    Config
	driver Driver
	logger *zap.Logger
	clock  archive.Clock
	sleep  Sleeper

	jobs      chan job
	closeReq  chan chan struct{}
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	// submitMu guards closed; senders counts Submit calls that may still
	// send on jobs.
	submitMu sync.Mutex
	closed   bool
	senders  sync.WaitGroup

	stateMu sync.RWMutex
	state   State

	// Owned by the worker goroutine.
	sess                 Session
	generation           uint64
	requestsSinceRefresh int
	requestsSinceRestart int
	backoffUntil         time.Time
}

// New validates cfg and starts the worker goroutine. Call Close to stop it.
func New(cfg Config, driver Driver, logger *zap.Logger, opts ...Option) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("mastercard config: %w", err)
	}
	if driver == nil {
		return nil, fmt.Errorf("mastercard driver is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg:      cfg,
		driver:   driver,
		logger:   logger.With(zap.String("provider", string(archive.ProviderMastercard))),
		clock:    system.New(),
		sleep:    sleepContext,
		jobs:     make(chan job, cfg.QueueDepth),
		closeReq: make(chan chan struct{}),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		state:    StateUninitialized,
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.run()
	return c, nil
}

// Mode reports that requests must be serialized.
func (c *Client) Mode() archive.FetchMode {
	return archive.ModeStateful
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

func errClosed() error {
	return fmt.Errorf("%w: client closed", archive.ErrSessionUnavailable)
}

// Submit enqueues req. The returned channel receives exactly one Result.
func (c *Client) Submit(ctx context.Context, req archive.BatchRequest) <-chan Result {
	out := make(chan Result, 1)
	c.submitMu.Lock()
	if c.closed {
		c.submitMu.Unlock()
		out <- Result{Err: errClosed()}
		return out
	}
	c.senders.Add(1)
	c.submitMu.Unlock()
	defer c.senders.Done()

	select {
	case <-c.quit:
		out <- Result{Err: errClosed()}
	case c.jobs <- job{ctx: ctx, req: req, result: out}:
	case <-ctx.Done():
		out <- Result{Err: ctx.Err()}
	}
	return out
}

// FetchOne submits req and waits for its result.
func (c *Client) FetchOne(ctx context.Context, req archive.BatchRequest) (archive.Observation, error) {
	start := time.Now()
	var res Result
	select {
	case res = <-c.Submit(ctx, req):
	case <-c.stopped:
		res = Result{Err: errClosed()}
	}
	metrics.ObserveFetch(string(archive.ProviderMastercard), archive.Outcome(res.Err), time.Since(start))
	return res.Observation, res.Err
}

// CloseSession tears down the browser at the end of a batch. A running
// backoff pause stays in effect for the next batch.
func (c *Client) CloseSession(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case c.closeReq <- reply:
	case <-c.stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close session: %w", ctx.Err())
	}
	select {
	case <-reply:
		return nil
	case <-c.stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close session: %w", ctx.Err())
	}
}

// Close stops the worker and releases the browser.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.submitMu.Lock()
		c.closed = true
		c.submitMu.Unlock()
		close(c.quit)
	})
	<-c.stopped
	return nil
}

func (c *Client) run() {
	defer close(c.stopped)
	for {
		// A nil channel never fires, so torn-down sessions cannot be
		// reported as disconnected.
		var disconnected <-chan struct{}
		if c.sess != nil {
			disconnected = c.sess.Disconnected()
		}
		select {
		case <-c.quit:
			c.teardown()
			c.drain()
			return
		case j := <-c.jobs:
			obs, err := c.handle(j.ctx, j.req)
			j.result <- Result{Observation: obs, Err: err}
		case <-disconnected:
			c.logger.Warn("Browser session disconnected", zap.Uint64("generation", c.generation))
			c.fire(EventDisconnected)
		case reply := <-c.closeReq:
			c.fire(EventBatchEnded)
			close(reply)
		}
	}
}

// drain answers every queued job once no Submit can send any more.
func (c *Client) drain() {
	done := make(chan struct{})
	go func() {
		c.senders.Wait()
		close(done)
	}()
	for {
		select {
		case j := <-c.jobs:
			j.result <- Result{Err: errClosed()}
		case <-done:
			for {
				select {
				case j := <-c.jobs:
					j.result <- Result{Err: errClosed()}
				default:
					return
				}
			}
		}
	}
}

// fire applies event, performs teardown side effects and returns the action
// left for the caller.
func (c *Client) fire(event Event) Action {
	from := c.State()
	to, action, ok := Next(from, event)
	if !ok {
		c.logger.Warn("Ignoring session event",
			zap.String("state", from.String()),
			zap.String("event", event.String()),
		)
		return ActionNone
	}
	c.setState(to)
	metrics.ObserveSessionTransition(from.String(), to.String(), event.String())
	c.logger.Debug("Session transition",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("event", event.String()),
		zap.String("action", action.String()),
	)

	switch action {
	case ActionTeardown:
		c.teardown()
	case ActionTeardownBackoff:
		c.teardown()
		pause := c.cfg.RecoveryPause
		if event == EventForbidden {
			pause = c.cfg.ForbiddenPause
		}
		c.backoffUntil = c.clock.Now().Add(pause)
		c.logger.Warn("Session backing off",
			zap.String("event", event.String()),
			zap.Duration("pause", pause),
		)
	}
	return action
}

func (c *Client) perform(ctx context.Context, action Action) error {
	switch action {
	case ActionLaunch:
		return c.launch(ctx)
	case ActionRestart:
		c.teardown()
		return c.launch(ctx)
	case ActionRefresh:
		return c.refresh(ctx)
	default:
		return nil
	}
}

func (c *Client) handle(ctx context.Context, req archive.BatchRequest) (archive.Observation, error) {
	if err := ctx.Err(); err != nil {
		return archive.Observation{}, fmt.Errorf("mastercard %s: %w", req, err)
	}
	if err := c.ensureSession(ctx); err != nil {
		return archive.Observation{}, fmt.Errorf("mastercard %s: %w", req, err)
	}
	if err := c.maintain(ctx); err != nil {
		return archive.Observation{}, fmt.Errorf("mastercard %s: %w", req, err)
	}
	c.fire(EventFetchDue)

	obs, err := c.sess.Quote(ctx, req)
	c.requestsSinceRefresh++
	c.requestsSinceRestart++

	switch {
	case errors.Is(err, ErrForbidden):
		c.fire(EventForbidden)
		return archive.Observation{}, fmt.Errorf("mastercard %s: %w: %w", req, archive.ErrRateLimited, err)
	case errors.Is(err, archive.ErrSessionDead):
		c.fire(EventSessionLost)
		return archive.Observation{}, fmt.Errorf("mastercard %s: %w", req, err)
	}

	// The form page is reloaded after every request, successful or not.
	if resetErr := c.sess.Reset(context.WithoutCancel(ctx)); resetErr != nil {
		c.logger.Warn("Form reset failed", zap.Error(resetErr))
		c.fire(EventSessionLost)
	}
	if err != nil {
		return archive.Observation{}, fmt.Errorf("mastercard %s: %w", req, err)
	}
	return obs, nil
}

// ensureSession drives the machine until it is Ready.
func (c *Client) ensureSession(ctx context.Context) error {
	for {
		switch state := c.State(); state {
		case StateReady:
			return nil
		case StateDead:
			return fmt.Errorf("%w: session is dead until the batch ends", archive.ErrSessionUnavailable)
		case StateBackoff:
			c.fire(EventFetchDue)
			if wait := c.backoffUntil.Sub(c.clock.Now()); wait > 0 {
				c.logger.Info("Waiting out session backoff", zap.Duration("wait", wait))
				if err := c.sleep(ctx, wait); err != nil {
					return err
				}
			}
			c.fire(EventBackoffElapsed)
		case StateUninitialized:
			if err := c.perform(ctx, c.fire(EventFetchDue)); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unexpected session state %s", state)
		}
	}
}

// maintain runs the periodic restart or refresh before the next request.
func (c *Client) maintain(ctx context.Context) error {
	switch {
	case c.cfg.RestartEvery > 0 && c.requestsSinceRestart >= c.cfg.RestartEvery:
		c.logger.Info("Restarting browser session", zap.Int("requests", c.requestsSinceRestart))
		return c.perform(ctx, c.fire(EventRestartDue))
	case c.cfg.RefreshEvery > 0 && c.requestsSinceRefresh >= c.cfg.RefreshEvery:
		return c.perform(ctx, c.fire(EventRefreshDue))
	default:
		return nil
	}
}

func (c *Client) refresh(ctx context.Context) error {
	if err := c.sess.WarmUp(ctx); err != nil {
		c.fire(EventSessionLost)
		return fmt.Errorf("refresh: %w: %w", archive.ErrSessionDead, err)
	}
	c.requestsSinceRefresh = 0
	c.fire(EventRefreshed)
	return nil
}

func (c *Client) launch(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.LaunchAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, c.cfg.RecoveryPause); err != nil {
				lastErr = err
				break
			}
		}
		sess, err := c.driver.Launch(ctx)
		if err == nil {
			if err = sess.WarmUp(ctx); err != nil {
				_ = sess.Close()
			}
		}
		if err == nil {
			c.sess = sess
			c.generation++
			c.requestsSinceRefresh = 0
			c.requestsSinceRestart = 0
			c.fire(EventLaunched)
			c.logger.Info("Browser session ready",
				zap.Int("attempt", attempt),
				zap.Uint64("generation", c.generation),
			)
			return nil
		}
		lastErr = err
		c.logger.Warn("Browser launch failed", zap.Int("attempt", attempt), zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}
	c.fire(EventLaunchFailed)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("launch: %w", err)
	}
	return fmt.Errorf("%w: %d launch attempts: %w", archive.ErrSessionUnavailable, c.cfg.LaunchAttempts, lastErr)
}

func (c *Client) teardown() {
	if c.sess == nil {
		return
	}
	if err := c.sess.Close(); err != nil {
		c.logger.Warn("Closing browser session failed", zap.Error(err))
	}
	c.sess = nil
	c.requestsSinceRefresh = 0
	c.requestsSinceRestart = 0
}
