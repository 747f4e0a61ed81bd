package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"coinshop-payments/internal/domain/model"
)

// InvoiceCache remembers recently created invoices by request fingerprint.
// Implementations treat every failure as a miss.
type InvoiceCache interface {
	Get(ctx context.Context, key string) (*model.Invoice, bool)
	Put(ctx context.Context, key string, inv *model.Invoice, ttl time.Duration)
}

// InvoiceCacheKey fingerprints a creation request. Amounts are normalized so
// "0.0050" and "0.005" collide.
func InvoiceCacheKey(amount decimal.Decimal, currency string, meta model.InvoiceMetadata) string {
	m, _ := json.Marshal(meta)
	h := sha256.New()
	h.Write([]byte(amount.String()))
	h.Write([]byte{'|'})
	h.Write([]byte(strings.ToUpper(currency)))
	h.Write([]byte{'|'})
	h.Write(m)
	return hex.EncodeToString(h.Sum(nil))
}

type cacheEntry struct {
	inv     model.Invoice
	expires time.Time
}

// MemoryInvoiceCache is the single-process InvoiceCache.
type MemoryInvoiceCache struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]cacheEntry
}

func NewMemoryInvoiceCache(now func() time.Time) *MemoryInvoiceCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryInvoiceCache{now: now, entries: make(map[string]cacheEntry)}
}

func (c *MemoryInvoiceCache) Get(_ context.Context, key string) (*model.Invoice, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	inv := e.inv
	return &inv, true
}

func (c *MemoryInvoiceCache) Put(_ context.Context, key string, inv *model.Invoice, ttl time.Duration) {
	if inv == nil || ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = cacheEntry{inv: *inv, expires: now.Add(ttl)}
}
