package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"coinshop-payments/internal/domain/model"
	"coinshop-payments/internal/infra/metrics"
)

// InvoiceCache shares the invoice creation cache between replicas so a
// retried purchase landing on another instance still reuses its invoice.
type InvoiceCache struct {
	client RedisClient
	log    *zerolog.Logger
}

func NewInvoiceCache(client RedisClient, logger *zerolog.Logger) *InvoiceCache {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &InvoiceCache{client: client, log: logger}
}

func invoiceCacheKey(key string) string { return "invoice_create:" + key }

// Get treats redis errors as a miss; the caller then creates a fresh invoice.
func (c *InvoiceCache) Get(ctx context.Context, key string) (*model.Invoice, bool) {
	data, err := c.client.Get(ctx, invoiceCacheKey(key))
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			metrics.IncInvoiceCacheError("get")
			c.log.Warn().Err(err).Msg("invoice cache read failed")
		}
		return nil, false
	}
	var inv model.Invoice
	if err := json.Unmarshal([]byte(data), &inv); err != nil {
		metrics.IncInvoiceCacheError("decode")
		c.log.Warn().Err(err).Str("key", key).Msg("dropping undecodable cached invoice")
		_ = c.client.Del(ctx, invoiceCacheKey(key))
		return nil, false
	}
	return &inv, true
}

func (c *InvoiceCache) Put(ctx context.Context, key string, inv *model.Invoice, ttl time.Duration) {
	if inv == nil || ttl <= 0 {
		return
	}
	data, err := json.Marshal(inv)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, invoiceCacheKey(key), data, ttl); err != nil {
		metrics.IncInvoiceCacheError("put")
		c.log.Warn().Err(err).Str("invoice_id", inv.ID).Msg("failed to cache created invoice")
	}
}
