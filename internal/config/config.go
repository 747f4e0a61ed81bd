// File: internal/config/config.go
package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"coinshop-payments/internal/domain"
)

type RuntimeConfig struct {
	Dev bool
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	// TrustedProxies lists the peers (CIDR or bare IP) whose forwarding
	// headers name the real client. Empty means the socket peer is the client.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// ProxyPrefixes parses TrustedProxies.
func (s ServerConfig) ProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(s.TrustedProxies))
	for _, raw := range s.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if p, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: server.trusted_proxies: %q is neither a CIDR nor an IP", domain.ErrConfiguration, raw)
		}
		out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	return out, nil
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

type RetryConfig struct {
	Delays            []time.Duration `yaml:"delays"`
	MaxConsecutive429 int             `yaml:"max_consecutive_429"`
	MinRetryAfter     time.Duration   `yaml:"min_retry_after"`
	MaxRetryAfter     time.Duration   `yaml:"max_retry_after"`
}

type GatewayConfig struct {
	BaseURL         string          `yaml:"base_url"`
	StoreID         string          `yaml:"store_id"`
	APIToken        string          `yaml:"api_token"`
	WebhookSecret   string          `yaml:"webhook_secret"`
	WebhookURL      string          `yaml:"webhook_url"`
	SignatureHeader string          `yaml:"signature_header"`
	RequestTimeout  time.Duration   `yaml:"request_timeout"`
	InvoiceCacheTTL time.Duration   `yaml:"invoice_cache_ttl"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	Retry           RetryConfig     `yaml:"retry"`
	Checkout        struct {
		SpeedPolicy       string   `yaml:"speed_policy"`
		PaymentMethods    []string `yaml:"payment_methods"`
		ExpirationMinutes int      `yaml:"expiration_minutes"`
		RedirectURL       string   `yaml:"redirect_url"`
	} `yaml:"checkout"`
}

type PollingConfig struct {
	Interval time.Duration `yaml:"interval"`
	Budget   time.Duration `yaml:"budget"`
}

type WebhookConfig struct {
	Path         string        `yaml:"path"`
	AbuseLimit   int           `yaml:"abuse_limit"`
	AbuseWindow  time.Duration `yaml:"abuse_window"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
}

type APIConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type ReconcilerConfig struct {
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"stale_after"`
	Batch      int           `yaml:"batch"`
}

type ArchiveConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Retention time.Duration `yaml:"retention"`
}

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Polling    PollingConfig    `yaml:"polling"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	API        APIConfig        `yaml:"api"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Archive    ArchiveConfig    `yaml:"archive"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads the yaml file at path, applies defaults and validates it.
// Validation failures wrap domain.ErrConfiguration.
func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read config: %v", domain.ErrConfiguration, err)
	}
	return Parse(b, dev)
}

func Parse(b []byte, dev bool) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config: %v", domain.ErrConfiguration, err)
	}
	cfg.applyDefaults()
	cfg.Runtime.Dev = dev
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	cfg.Server.ShutdownTimeout = orDuration(cfg.Server.ShutdownTimeout, 15*time.Second)
	cfg.Server.RequestTimeout = orDuration(cfg.Server.RequestTimeout, 15*time.Second)
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}

	g := &cfg.Gateway
	g.BaseURL = strings.TrimRight(g.BaseURL, "/")
	if g.SignatureHeader == "" {
		g.SignatureHeader = "BTCPay-Sig"
	}
	g.RequestTimeout = orDuration(g.RequestTimeout, 20*time.Second)
	g.InvoiceCacheTTL = orDuration(g.InvoiceCacheTTL, 3*time.Minute)
	if g.RateLimit.Requests <= 0 {
		g.RateLimit.Requests = 30
	}
	g.RateLimit.Window = orDuration(g.RateLimit.Window, time.Minute)
	if len(g.Retry.Delays) == 0 {
		g.Retry.Delays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	}
	if g.Retry.MaxConsecutive429 <= 0 {
		g.Retry.MaxConsecutive429 = 3
	}
	g.Retry.MinRetryAfter = orDuration(g.Retry.MinRetryAfter, time.Second)
	g.Retry.MaxRetryAfter = orDuration(g.Retry.MaxRetryAfter, 5*time.Minute)
	if g.Checkout.SpeedPolicy == "" {
		g.Checkout.SpeedPolicy = "MediumSpeed"
	}

	cfg.Polling.Interval = orDuration(cfg.Polling.Interval, 5*time.Second)
	cfg.Polling.Budget = orDuration(cfg.Polling.Budget, 30*time.Minute)

	if cfg.Webhook.Path == "" {
		cfg.Webhook.Path = "/webhooks/btcpay"
	}
	if cfg.Webhook.AbuseLimit <= 0 {
		cfg.Webhook.AbuseLimit = 120
	}
	cfg.Webhook.AbuseWindow = orDuration(cfg.Webhook.AbuseWindow, time.Minute)
	if cfg.Webhook.MaxBodyBytes <= 0 {
		cfg.Webhook.MaxBodyBytes = 1 << 20
	}

	cfg.Reconciler.Interval = orDuration(cfg.Reconciler.Interval, time.Minute)
	cfg.Reconciler.StaleAfter = orDuration(cfg.Reconciler.StaleAfter, 10*time.Minute)
	if cfg.Reconciler.Batch <= 0 {
		cfg.Reconciler.Batch = 100
	}
	cfg.Archive.Interval = orDuration(cfg.Archive.Interval, time.Hour)
	cfg.Archive.Retention = orDuration(cfg.Archive.Retention, 30*24*time.Hour)
}

// Validate checks the settings without which the service cannot run.
func (cfg *Config) Validate() error {
	var missing []string
	if cfg.Gateway.BaseURL == "" {
		missing = append(missing, "gateway.base_url")
	}
	if cfg.Gateway.StoreID == "" {
		missing = append(missing, "gateway.store_id")
	}
	if cfg.Gateway.APIToken == "" {
		missing = append(missing, "gateway.api_token")
	}
	if cfg.Gateway.WebhookSecret == "" {
		missing = append(missing, "gateway.webhook_secret")
	}
	if cfg.Database.URL == "" {
		missing = append(missing, "database.url")
	}
	if cfg.Redis.URL == "" {
		missing = append(missing, "redis.url")
	}
	// The invoice API can refund and cancel; only dev mode may run it open.
	if cfg.API.JWTSecret == "" && !cfg.Runtime.Dev {
		missing = append(missing, "api.jwt_secret")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: required: %s", domain.ErrConfiguration, strings.Join(missing, ", "))
	}
	if cfg.Gateway.Retry.MinRetryAfter > cfg.Gateway.Retry.MaxRetryAfter {
		return fmt.Errorf("%w: gateway.retry.min_retry_after exceeds max_retry_after", domain.ErrConfiguration)
	}
	// One watched invoice must fit in its own gateway window, or every
	// subscriber would hit the local limit before the invoice settles.
	if cfg.Polling.Interval <= 0 {
		return fmt.Errorf("%w: polling.interval must be positive", domain.ErrConfiguration)
	}
	if perWindow := int(cfg.Gateway.RateLimit.Window / cfg.Polling.Interval); perWindow >= cfg.Gateway.RateLimit.Requests {
		return fmt.Errorf("%w: polling.interval %s makes %d calls per %s, above gateway.rate_limit.requests %d",
			domain.ErrConfiguration, cfg.Polling.Interval, perWindow, cfg.Gateway.RateLimit.Window, cfg.Gateway.RateLimit.Requests)
	}
	if _, err := cfg.Server.ProxyPrefixes(); err != nil {
		return err
	}
	if len(cfg.API.JWTSecret) > 0 && len(cfg.API.JWTSecret) < 32 {
		return fmt.Errorf("%w: api.jwt_secret must be at least 32 bytes", domain.ErrConfiguration)
	}
	return nil
}

func orDuration(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
