// Package visa implements the stateless fetch client for Visa's public
// exchange-rate calculator endpoint using gocolly.
package visa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"cloud.google.com/go/civil"
	"github.com/gocolly/colly/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/JakeFAU/fx-rate-archiver/internal/archive"
	"github.com/JakeFAU/fx-rate-archiver/internal/metrics"
)

// DefaultBaseURL is Visa's rate calculator API.
const DefaultBaseURL = "https://www.visa.co.in/cmsapi/fx/rates"

const dateLayout = "01/02/2006"

// Config controls the client.
type Config struct {
	BaseURL   string        `mapstructure:"base_url"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// Waiter throttles outbound requests per provider.
type Waiter interface {
	Wait(ctx context.Context, key string) error
}

// Client fetches one observation per HTTP request.
type Client struct {
	cfg           Config
	limiter       Waiter
	logger        *zap.Logger
	baseCollector *colly.Collector
}

// New builds a Client. limiter may be nil.
func New(cfg Config, limiter Waiter, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	return &Client{
		cfg:           cfg,
		limiter:       limiter,
		logger:        logger.With(zap.String("provider", string(archive.ProviderVisa))),
		baseCollector: c,
	}
}

// Mode reports that requests are independent.
func (c *Client) Mode() archive.FetchMode {
	return archive.ModeStateless
}

// FetchOne requests the rate for one date and pair.
func (c *Client) FetchOne(ctx context.Context, req archive.BatchRequest) (archive.Observation, error) {
	start := time.Now()
	obs, err := c.fetch(ctx, req)
	metrics.ObserveFetch(string(archive.ProviderVisa), archive.Outcome(err), time.Since(start))
	if err != nil {
		c.logger.Debug("Fetch failed",
			zap.String("pair", req.Pair().String()),
			zap.String("date", req.Date.String()),
			zap.Error(err),
		)
	}
	return obs, err
}

func (c *Client) fetch(ctx context.Context, req archive.BatchRequest) (archive.Observation, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, string(archive.ProviderVisa)); err != nil {
			return archive.Observation{}, fmt.Errorf("visa: %w", err)
		}
	}

	var (
		status   int
		body     []byte
		fetchErr error
	)
	collector := c.baseCollector.Clone()
	collector.Context = ctx
	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "application/json")
	})
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	visitErr := collector.Visit(c.requestURL(req))
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return archive.Observation{}, fmt.Errorf("visa %s: %w", req, archive.ErrTimeout)
		}
		return archive.Observation{}, fmt.Errorf("visa %s: %w", req, ctxErr)
	}
	if err := classifyStatus(status); err != nil {
		return archive.Observation{}, fmt.Errorf("visa %s: %w", req, err)
	}
	if visitErr == nil {
		visitErr = fetchErr
	}
	if visitErr != nil {
		if isTimeout(visitErr) {
			return archive.Observation{}, fmt.Errorf("visa %s: %w: %w", req, archive.ErrTimeout, visitErr)
		}
		return archive.Observation{}, fmt.Errorf("visa %s: %w", req, visitErr)
	}
	return parseQuote(req, body)
}

func (c *Client) requestURL(req archive.BatchRequest) string {
	date := formatDate(req.Date)
	q := url.Values{}
	q.Set("amount", "1")
	q.Set("fee", "0")
	q.Set("utcConvDateStr", date)
	q.Set("exchangedate", date)
	// Visa names the card-billing currency toCurr.
	q.Set("fromCurr", req.Target)
	q.Set("toCurr", req.Source)
	return c.cfg.BaseURL + "?" + q.Encode()
}

func formatDate(d civil.Date) string {
	return d.In(time.UTC).Format(dateLayout)
}

// classifyStatus maps non-2xx statuses onto the error taxonomy. Visa answers
// dates before its retained history with a 5xx.
func classifyStatus(status int) error {
	switch {
	case status == 0 || (status >= 200 && status < 300):
		return nil
	case status == http.StatusTooManyRequests || status == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", archive.ErrRateLimited, status)
	case status >= 500:
		return fmt.Errorf("%w: status %d", archive.ErrNotFound, status)
	default:
		return fmt.Errorf("%w: status %d", archive.ErrInvalidResponse, status)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

type quoteResponse struct {
	OriginalValues struct {
		FXRateVisa decimal.NullDecimal `json:"fxRateVisa"`
	} `json:"originalValues"`
	Benchmarks []struct {
		MarkupWithoutAdditionalFee decimal.NullDecimal `json:"markupWithoutAdditionalFee"`
	} `json:"benchmarks"`
}

func parseQuote(req archive.BatchRequest, body []byte) (archive.Observation, error) {
	var payload quoteResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return archive.Observation{}, fmt.Errorf("visa %s: %w: %w", req, archive.ErrInvalidResponse, err)
	}
	rate := payload.OriginalValues.FXRateVisa
	if !rate.Valid || !rate.Decimal.IsPositive() {
		return archive.Observation{}, fmt.Errorf("visa %s: %w: missing or non-positive fxRateVisa", req, archive.ErrInvalidResponse)
	}
	obs := archive.Observation{
		Date:     req.Date,
		Source:   req.Source,
		Target:   req.Target,
		Provider: archive.ProviderVisa,
		Rate:     rate.Decimal,
	}
	if len(payload.Benchmarks) > 0 && payload.Benchmarks[0].MarkupWithoutAdditionalFee.Valid {
		// Visa reports markup in percent.
		pct := payload.Benchmarks[0].MarkupWithoutAdditionalFee.Decimal
		obs.Markup = decimal.NewNullDecimal(pct.Div(decimal.NewFromInt(100)))
	}
	return obs, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
	}
}
