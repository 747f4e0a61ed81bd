package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/zoobzio/clockz"

	"coinshop-payments/internal/config"
	"coinshop-payments/internal/domain"
	"coinshop-payments/internal/domain/model"
	"coinshop-payments/internal/domain/ports/adapter"
	"coinshop-payments/internal/infra/metrics"
)

var _ adapter.PaymentGateway = (*Client)(nil)

// Logical operation keys. They key the local rate window and label metrics.
const (
	opCreateInvoice     = "create_invoice"
	opGetInvoice        = "get_invoice"
	opPaymentMethods    = "payment_methods"
	opCreateRefund      = "create_refund"
	opArchiveInvoice    = "archive_invoice"
	opMarkInvoiceStatus = "mark_invoice_status"
	opListWebhooks      = "list_webhooks"
	opCreateWebhook     = "create_webhook"
	opUpdateWebhook     = "update_webhook"
)

// Options configures a Client. Zero values fall back to the defaults used by
// config.applyDefaults.
type Options struct {
	BaseURL       string
	StoreID       string
	APIToken      string
	WebhookURL    string
	WebhookSecret string

	Timeout time.Duration

	RateLimit  int
	RateWindow time.Duration

	RetryDelays       []time.Duration
	MaxConsecutive429 int
	MinRetryAfter     time.Duration
	MaxRetryAfter     time.Duration

	CacheTTL time.Duration
	Checkout model.CheckoutOptions
}

func OptionsFromConfig(cfg config.GatewayConfig) Options {
	return Options{
		BaseURL:           cfg.BaseURL,
		StoreID:           cfg.StoreID,
		APIToken:          cfg.APIToken,
		WebhookURL:        cfg.WebhookURL,
		WebhookSecret:     cfg.WebhookSecret,
		Timeout:           cfg.RequestTimeout,
		RateLimit:         cfg.RateLimit.Requests,
		RateWindow:        cfg.RateLimit.Window,
		RetryDelays:       cfg.Retry.Delays,
		MaxConsecutive429: cfg.Retry.MaxConsecutive429,
		MinRetryAfter:     cfg.Retry.MinRetryAfter,
		MaxRetryAfter:     cfg.Retry.MaxRetryAfter,
		CacheTTL:          cfg.InvoiceCacheTTL,
		Checkout: model.CheckoutOptions{
			SpeedPolicy:       cfg.Checkout.SpeedPolicy,
			PaymentMethods:    cfg.Checkout.PaymentMethods,
			ExpirationMinutes: cfg.Checkout.ExpirationMinutes,
			RedirectURL:       cfg.Checkout.RedirectURL,
		},
	}
}

// Option customizes a Client beyond its Options.
type Option func(*Client)

// WithClock replaces the clock used for retry waits and cache freshness.
func WithClock(clock clockz.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithInvoiceCache replaces the in-process creation cache, e.g. with the redis one.
func WithInvoiceCache(cache InvoiceCache) Option {
	return func(c *Client) { c.cache = cache }
}

// Client talks to a BTCPay Server Greenfield API for a single store.
//
// The rate window and the consecutive-429 counter belong to the instance and
// are shared by every caller of that instance.
type Client struct {
	opts     Options
	rc       *resty.Client
	window   *SlidingWindow
	throttle *throttle
	cache    InvoiceCache
	clock    clockz.Clock
	log      *zerolog.Logger
}

// NewClient validates credentials and builds the client. Missing credentials
// are reported as domain.ErrConfiguration.
func NewClient(opts Options, logger *zerolog.Logger, extra ...Option) (*Client, error) {
	opts.BaseURL = strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if opts.BaseURL == "" || opts.StoreID == "" || opts.APIToken == "" {
		return nil, fmt.Errorf("%w: gateway base url, store id and api token are required", domain.ErrConfiguration)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.RetryDelays == nil {
		opts.RetryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 3 * time.Minute
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	c := &Client{
		opts:  opts,
		clock: clockz.RealClock,
	}
	for _, o := range extra {
		o(c)
	}
	l := logger.With().Str("component", "payment_gateway").Str("gateway", c.Name()).Logger()
	c.log = &l
	c.window = NewSlidingWindow(opts.RateLimit, opts.RateWindow, c.clock.Now)
	c.throttle = newThrottle(opts.MaxConsecutive429, opts.MinRetryAfter, opts.MaxRetryAfter)
	if c.cache == nil {
		c.cache = NewMemoryInvoiceCache(c.clock.Now)
	}

	c.rc = resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetHeader("Authorization", "token "+opts.APIToken).
		SetHeader("Accept", "application/json")
	return c, nil
}

func (c *Client) Name() string { return "btcpay" }

// ConsecutiveRateLimits returns the current consecutive-429 count.
func (c *Client) ConsecutiveRateLimits() int { return c.throttle.consecutive() }

type call struct {
	method string
	path   string
	body   any
	// scope narrows the rate window to one invoice. Empty means the whole operation.
	scope string
}

func (in call) windowKey(op string) string {
	if in.scope == "" {
		return op
	}
	return op + ":" + in.scope
}

func (c *Client) storePath(format string, args ...any) string {
	return "/api/v1/stores/" + url.PathEscape(c.opts.StoreID) + fmt.Sprintf(format, args...)
}

// do runs one logical call under the local rate window and the retry policy,
// decoding a 2xx body into out when out is non-nil. Invoice-scoped calls get a
// window per invoice, so one busy invoice cannot starve pollers of others.
//
// Transport errors and 5xx responses are retried after each delay in
// RetryDelays. A 429 re-issues the same request after a clamped, exponentially
// scaled Retry-After wait until the consecutive-429 ceiling is reached.
// Other 4xx responses are returned immediately.
func (c *Client) do(ctx context.Context, op string, in call, out any) (err error) {
	start := c.clock.Now()
	defer func() {
		metrics.ObserveGatewayCall(op, err == nil, c.clock.Now().Sub(start).Seconds())
	}()

	if !c.window.Allow(in.windowKey(op)) {
		metrics.IncGatewayRateLimited(op, "local")
		c.log.Warn().Str("op", op).Msg("local gateway rate window full")
		return &domain.GatewayError{Op: op, Err: domain.ErrRateLimited}
	}

	attempt := 0
	for {
		resp, sendErr := c.send(ctx, op, in)

		var lastErr error
		switch {
		case sendErr != nil:
			if ctx.Err() != nil {
				return &domain.GatewayError{Op: op, Err: fmt.Errorf("%w: %w", domain.ErrTransientGateway, ctx.Err())}
			}
			lastErr = &domain.GatewayError{Op: op, Err: fmt.Errorf("%w: %v", domain.ErrTransientGateway, sendErr)}

		case resp.StatusCode() == http.StatusTooManyRequests:
			hint := parseRetryAfter(resp.Header().Get("Retry-After"), c.clock.Now())
			wait, exceeded := c.throttle.hit(hint)
			if exceeded {
				metrics.IncGatewayRateLimited(op, "remote")
				c.log.Error().Str("op", op).Int("consecutive_429", c.throttle.consecutive()).
					Msg("remote rate limit ceiling reached; giving up")
				return &domain.GatewayError{Op: op, StatusCode: http.StatusTooManyRequests, Err: domain.ErrRateLimitExceeded}
			}
			metrics.IncGatewayRetry(op, "throttled")
			c.log.Warn().Str("op", op).Dur("retry_after", hint).Dur("wait", wait).Msg("gateway throttled; waiting")
			if err := c.sleep(ctx, wait); err != nil {
				return &domain.GatewayError{Op: op, StatusCode: http.StatusTooManyRequests, Err: fmt.Errorf("%w: %w", domain.ErrRateLimited, err)}
			}
			continue

		case resp.StatusCode() >= 500:
			lastErr = &domain.GatewayError{Op: op, StatusCode: resp.StatusCode(),
				Err: fmt.Errorf("%w: %s", domain.ErrTransientGateway, snippet(resp.Body()))}

		case resp.StatusCode() == http.StatusNotFound:
			return &domain.GatewayError{Op: op, StatusCode: resp.StatusCode(),
				Err: fmt.Errorf("%w: %w", domain.ErrGatewayRejected, domain.ErrNotFound)}

		case resp.StatusCode() >= 400:
			return &domain.GatewayError{Op: op, StatusCode: resp.StatusCode(),
				Err: fmt.Errorf("%w: %s", domain.ErrGatewayRejected, snippet(resp.Body()))}

		default:
			c.throttle.reset()
			if out == nil || len(resp.Body()) == 0 {
				return nil
			}
			if err := json.Unmarshal(resp.Body(), out); err != nil {
				return &domain.GatewayError{Op: op, StatusCode: resp.StatusCode(),
					Err: fmt.Errorf("%w: decode response: %v", domain.ErrTransientGateway, err)}
			}
			return nil
		}

		if attempt >= len(c.opts.RetryDelays) {
			c.log.Error().Err(lastErr).Str("op", op).Int("attempts", attempt+1).Msg("gateway call failed")
			return lastErr
		}
		delay := c.opts.RetryDelays[attempt]
		attempt++
		metrics.IncGatewayRetry(op, "transient")
		c.log.Warn().Err(lastErr).Str("op", op).Int("attempt", attempt).Dur("delay", delay).Msg("retrying gateway call")
		if err := c.sleep(ctx, delay); err != nil {
			return &domain.GatewayError{Op: op, Err: fmt.Errorf("%w: %w", domain.ErrTransientGateway, err)}
		}
	}
}

func (c *Client) send(ctx context.Context, op string, in call) (*resty.Response, error) {
	req := c.rc.R().SetContext(ctx)
	if in.body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(in.body)
	}
	resp, err := req.Execute(in.method, in.path)
	if err != nil {
		metrics.IncGatewayRequest(op, 0)
		return nil, err
	}
	metrics.IncGatewayRequest(op, resp.StatusCode())
	return resp, nil
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clock.After(d):
		return nil
	}
}

func snippet(b []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	if s == "" {
		return "empty body"
	}
	return s
}
