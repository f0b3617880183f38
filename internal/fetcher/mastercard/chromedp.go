package mastercard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/JakeFAU/fx-rate-archiver/internal/archive"
)

// ChromeDriver launches headless Chrome sessions through chromedp.
type ChromeDriver struct {
	cfg    Config
	logger *zap.Logger
}

// NewChromeDriver builds a driver from the client configuration.
func NewChromeDriver(cfg Config, logger *zap.Logger) *ChromeDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChromeDriver{cfg: cfg.WithDefaults(), logger: logger}
}

func (d *ChromeDriver) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if d.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1366, 900),
	)
	if d.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(d.cfg.UserAgent))
	}
	if d.cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(d.cfg.ChromePath))
	}
	return opts
}

// Launch starts a browser and enables the network domain. The browser lives
// until the returned session is closed; ctx only bounds the startup.
func (d *ChromeDriver) Launch(ctx context.Context) (Session, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), d.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	s := &chromeSession{
		cfg:           d.cfg,
		logger:        d.logger,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
		disconnected:  make(chan struct{}),
	}
	s.intercept = newInterceptor(d.cfg.APIPath, s.responseBody)
	chromedp.ListenTarget(browserCtx, s.onEvent)

	// The first Run allocates the browser, so it must not carry a timeout.
	stop := forwardCancel(ctx, browserCancel)
	err := chromedp.Run(browserCtx, network.Enable())
	stop()
	if err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	go func() {
		<-browserCtx.Done()
		s.markDisconnected()
	}()
	return s, nil
}

type chromeSession struct {
	cfg    Config
	logger *zap.Logger

	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc

	intercept      *interceptor
	disconnected   chan struct{}
	disconnectOnce sync.Once
	closeOnce      sync.Once
}

func (s *chromeSession) onEvent(ev any) {
	switch ev.(type) {
	case *inspector.EventDetached, *inspector.EventTargetCrashed:
		s.markDisconnected()
	default:
		s.intercept.handle(ev)
	}
}

func (s *chromeSession) markDisconnected() {
	s.disconnectOnce.Do(func() { close(s.disconnected) })
}

func (s *chromeSession) Disconnected() <-chan struct{} {
	return s.disconnected
}

func (s *chromeSession) Close() error {
	s.closeOnce.Do(func() {
		s.browserCancel()
		s.allocCancel()
	})
	return nil
}

// run executes actions with the navigation timeout, honoring ctx.
func (s *chromeSession) run(ctx context.Context, actions ...chromedp.Action) error {
	taskCtx, cancel := context.WithTimeout(s.browserCtx, s.cfg.NavigationTimeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return s.automationError(ctx, err)
	}
	return nil
}

// automationError maps chromedp failures. A step that times out or loses
// its target means the session is unusable.
func (s *chromeSession) automationError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("browser step: %w", ctxErr)
	}
	return fmt.Errorf("%w: %w", archive.ErrSessionDead, err)
}

func (s *chromeSession) WarmUp(ctx context.Context) error {
	var actions []chromedp.Action
	if s.cfg.WarmUpURL != "" {
		actions = append(actions,
			chromedp.Navigate(s.cfg.WarmUpURL),
			chromedp.WaitReady("body", chromedp.ByQuery),
		)
	}
	actions = append(actions,
		chromedp.Navigate(s.cfg.FormURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	return s.run(ctx, actions...)
}

func (s *chromeSession) Reset(ctx context.Context) error {
	return s.run(ctx,
		chromedp.Reload(),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (s *chromeSession) formActions(req archive.BatchRequest) []chromedp.Action {
	f := s.cfg.Form
	date := req.Date.In(time.UTC).Format(s.cfg.DateLayout)
	var actions []chromedp.Action
	add := func(sel string, build func(string) chromedp.Action) {
		if sel != "" {
			actions = append(actions, build(sel))
		}
	}
	add(f.Amount, func(sel string) chromedp.Action { return chromedp.WaitVisible(sel, chromedp.ByQuery) })
	add(f.SourceCurrency, func(sel string) chromedp.Action { return chromedp.SetValue(sel, req.Source, chromedp.ByQuery) })
	add(f.Amount, func(sel string) chromedp.Action { return chromedp.SetValue(sel, "1", chromedp.ByQuery) })
	add(f.TargetCurrency, func(sel string) chromedp.Action { return chromedp.SetValue(sel, req.Target, chromedp.ByQuery) })
	add(f.Date, func(sel string) chromedp.Action { return chromedp.SetValue(sel, date, chromedp.ByQuery) })
	add(f.Submit, func(sel string) chromedp.Action { return chromedp.Click(sel, chromedp.ByQuery) })
	return actions
}

func (s *chromeSession) Quote(ctx context.Context, req archive.BatchRequest) (archive.Observation, error) {
	captured := s.intercept.arm()
	defer s.intercept.disarm()

	if err := s.run(ctx, s.formActions(req)...); err != nil {
		return archive.Observation{}, err
	}

	timer := time.NewTimer(s.cfg.ResponseTimeout)
	defer timer.Stop()
	var c capture
	select {
	case c = <-captured:
	case <-timer.C:
		return archive.Observation{}, fmt.Errorf("%w: no %s response within %s", archive.ErrTimeout, s.cfg.APIPath, s.cfg.ResponseTimeout)
	case <-s.disconnected:
		return archive.Observation{}, fmt.Errorf("%w: browser disconnected", archive.ErrSessionDead)
	case <-ctx.Done():
		return archive.Observation{}, fmt.Errorf("wait for quote: %w", ctx.Err())
	}
	if c.err != nil {
		return archive.Observation{}, fmt.Errorf("%w: %w", archive.ErrInvalidResponse, c.err)
	}
	if c.status == http.StatusForbidden {
		return archive.Observation{}, ErrForbidden
	}
	return parseConversion(req, c.body)
}

func (s *chromeSession) responseBody(id network.RequestID) ([]byte, error) {
	ctx, cancel := context.WithTimeout(s.browserCtx, s.cfg.NavigationTimeout)
	defer cancel()
	var body []byte
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		body, err = network.GetResponseBody(id).Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("get response body: %w", err)
	}
	return body, nil
}

// capture is an intercepted API response.
type capture struct {
	status int
	body   []byte
	err    error
}

// interceptor matches network events against the API path and hands the
// first completed response to the armed waiter.
type interceptor struct {
	apiPath   string
	fetchBody func(network.RequestID) ([]byte, error)

	mu      sync.Mutex
	waiter  chan capture
	pending map[network.RequestID]int
}

func newInterceptor(apiPath string, fetchBody func(network.RequestID) ([]byte, error)) *interceptor {
	return &interceptor{
		apiPath:   apiPath,
		fetchBody: fetchBody,
		pending:   make(map[network.RequestID]int),
	}
}

func (i *interceptor) arm() <-chan capture {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.waiter = make(chan capture, 1)
	i.pending = make(map[network.RequestID]int)
	return i.waiter
}

func (i *interceptor) disarm() {
	i.mu.Lock()
	i.waiter = nil
	i.mu.Unlock()
}

// handle runs on the chromedp event loop and must not block.
func (i *interceptor) handle(ev any) {
	switch e := ev.(type) {
	case *network.EventResponseReceived:
		if e.Response == nil || !strings.Contains(e.Response.URL, i.apiPath) {
			return
		}
		i.mu.Lock()
		if i.waiter != nil {
			i.pending[e.RequestID] = int(e.Response.Status)
		}
		i.mu.Unlock()
	case *network.EventLoadingFinished:
		waiter, status, ok := i.take(e.RequestID)
		if !ok {
			return
		}
		go func() {
			body, err := i.fetchBody(e.RequestID)
			deliver(waiter, capture{status: status, body: body, err: err})
		}()
	case *network.EventLoadingFailed:
		waiter, status, ok := i.take(e.RequestID)
		if !ok {
			return
		}
		deliver(waiter, capture{status: status, err: errors.New(e.ErrorText)})
	}
}

func (i *interceptor) take(id network.RequestID) (chan capture, int, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	status, ok := i.pending[id]
	if !ok || i.waiter == nil {
		return nil, 0, false
	}
	delete(i.pending, id)
	return i.waiter, status, true
}

func deliver(waiter chan capture, c capture) {
	select {
	case waiter <- c:
	default:
	}
}

type conversionPayload struct {
	Type string `json:"type"`
	Data *struct {
		ConversionRate decimal.NullDecimal `json:"conversionRate"`
	} `json:"data"`
}

// parseConversion maps the converter API payload onto an observation.
// Mastercard reports no markup.
func parseConversion(req archive.BatchRequest, body []byte) (archive.Observation, error) {
	var payload conversionPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return archive.Observation{}, fmt.Errorf("%w: %w", archive.ErrInvalidResponse, err)
	}
	if strings.EqualFold(payload.Type, "error") {
		return archive.Observation{}, fmt.Errorf("%w: provider returned an error payload", archive.ErrNotFound)
	}
	if payload.Data == nil || !payload.Data.ConversionRate.Valid || !payload.Data.ConversionRate.Decimal.IsPositive() {
		return archive.Observation{}, fmt.Errorf("%w: missing or non-positive conversionRate", archive.ErrInvalidResponse)
	}
	return archive.Observation{
		Date:     req.Date,
		Source:   req.Source,
		Target:   req.Target,
		Provider: archive.ProviderMastercard,
		Rate:     payload.Data.ConversionRate.Decimal,
	}, nil
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
