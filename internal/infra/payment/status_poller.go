package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"

	"coinshop-payments/internal/domain"
	"coinshop-payments/internal/domain/model"
	"coinshop-payments/internal/domain/ports/adapter"
	"coinshop-payments/internal/infra/metrics"
)

var _ adapter.StatusWatcher = (*StatusPoller)(nil)

// InvoiceFetcher returns the current view of an invoice. The poller is usually
// given one that also reconciles the fetched status into local storage.
type InvoiceFetcher interface {
	GetInvoice(ctx context.Context, invoiceID string) (*model.Invoice, error)
}

// StatusPoller runs one polling goroutine per watched invoice and fans status
// changes out to that invoice's subscribers.
//
// A loop stops when the invoice turns terminal, when its polling budget is
// spent, when its last subscriber leaves, or when the poller is closed.
type StatusPoller struct {
	fetch    InvoiceFetcher
	hooks    *hookz.Hooks[model.StatusChange]
	clock    clockz.Clock
	interval time.Duration
	budget   time.Duration
	log      *zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	watches map[string]*watch
	closed  bool
}

type watch struct {
	cancel context.CancelFunc
	subs   int
	last   model.InvoiceStatus
}

// PollerOption customizes a StatusPoller.
type PollerOption func(*StatusPoller)

func WithPollerClock(clock clockz.Clock) PollerOption {
	return func(p *StatusPoller) { p.clock = clock }
}

func NewStatusPoller(fetch InvoiceFetcher, interval, budget time.Duration, logger *zerolog.Logger, opts ...PollerOption) *StatusPoller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if budget <= 0 {
		budget = 30 * time.Minute
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "status_poller").Logger()
	ctx, cancel := context.WithCancel(context.Background())
	p := &StatusPoller{
		fetch:    fetch,
		clock:    clockz.RealClock,
		interval: interval,
		budget:   budget,
		log:      &l,
		ctx:      ctx,
		cancel:   cancel,
		watches:  make(map[string]*watch),
	}
	for _, o := range opts {
		o(p)
	}
	// One worker keeps notifications for an invoice in emission order.
	p.hooks = hookz.New[model.StatusChange](
		hookz.WithWorkers(1),
		hookz.WithQueueSize(1024),
		hookz.WithClock(p.clock),
	)
	return p
}

// Subscribe registers onChange for invoiceID and starts polling if nobody was
// watching it yet. A new watch compares against from (New when empty); a
// running one keeps the status it last saw. The returned function is safe to
// call more than once.
func (p *StatusPoller) Subscribe(invoiceID string, from model.InvoiceStatus, onChange func(model.StatusChange)) (func(), error) {
	if invoiceID == "" || onChange == nil {
		return nil, domain.ErrInvalidArgument
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("%w: status poller closed", domain.ErrOperationFailed)
	}

	hook, err := p.hooks.Hook(hookz.Key(invoiceID), func(_ context.Context, ch model.StatusChange) error {
		onChange(ch)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", invoiceID, err)
	}

	w, ok := p.watches[invoiceID]
	if !ok {
		ctx, cancel := context.WithCancel(p.ctx)
		if from == "" {
			from = model.InvoiceStatusNew
		}
		w = &watch{cancel: cancel, last: from}
		p.watches[invoiceID] = w
		p.wg.Add(1)
		go p.loop(ctx, invoiceID, w)
		metrics.SetActiveWatches(len(p.watches))
		p.log.Debug().Str("invoice_id", invoiceID).Msg("polling started")
	}
	w.subs++

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = hook.Unhook()
			p.release(invoiceID, w)
		})
	}, nil
}

// Watching reports how many invoices are currently polled.
func (p *StatusPoller) Watching() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.watches)
}

func (p *StatusPoller) release(invoiceID string, w *watch) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watches[invoiceID] != w {
		return
	}
	w.subs--
	if w.subs <= 0 {
		p.dropLocked(invoiceID, w, "no subscribers")
	}
}

// dropLocked ends a watch. Callers hold p.mu.
func (p *StatusPoller) dropLocked(invoiceID string, w *watch, reason string) {
	if p.watches[invoiceID] != w {
		return
	}
	w.cancel()
	delete(p.watches, invoiceID)
	p.hooks.Clear(hookz.Key(invoiceID))
	metrics.SetActiveWatches(len(p.watches))
	p.log.Debug().Str("invoice_id", invoiceID).Str("reason", reason).Msg("polling stopped")
}

func (p *StatusPoller) loop(ctx context.Context, invoiceID string, w *watch) {
	defer p.wg.Done()

	deadline := p.clock.Now().Add(p.budget)
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		if !p.clock.Now().Before(deadline) {
			p.log.Info().Str("invoice_id", invoiceID).Dur("budget", p.budget).Msg("polling budget exhausted")
			p.mu.Lock()
			p.dropLocked(invoiceID, w, "budget exhausted")
			p.mu.Unlock()
			return
		}
		if p.poll(ctx, invoiceID, w) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}
	}
}

// poll fetches once and notifies on change. It reports true when the watch ended.
func (p *StatusPoller) poll(ctx context.Context, invoiceID string, w *watch) bool {
	inv, err := p.fetch.GetInvoice(ctx, invoiceID)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		metrics.IncPoll("error")
		p.log.Warn().Err(err).Str("invoice_id", invoiceID).Msg("status poll failed; retrying next tick")
		return false
	}
	if inv.Status == w.last {
		metrics.IncPoll("unchanged")
		return false
	}
	metrics.IncPoll("changed")

	change := model.StatusChange{
		InvoiceID:  invoiceID,
		Previous:   w.last,
		Current:    inv.Status,
		ObservedAt: p.clock.Now(),
	}
	w.last = inv.Status

	// Emitting under the lock orders this notification against concurrent
	// Subscribe and release calls for the same invoice.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watches[invoiceID] != w {
		return true
	}
	if err := p.hooks.Emit(p.ctx, hookz.Key(invoiceID), change); err != nil {
		p.log.Error().Err(err).Str("invoice_id", invoiceID).Msg("status notification dropped")
	}
	if inv.Status.IsTerminal() {
		p.dropLocked(invoiceID, w, "terminal status "+string(inv.Status))
		return true
	}
	return false
}

// Close stops every loop, waits for them and drains pending notifications.
func (p *StatusPoller) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for id, w := range p.watches {
		w.cancel()
		delete(p.watches, id)
	}
	metrics.SetActiveWatches(0)
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	return p.hooks.Close()
}
