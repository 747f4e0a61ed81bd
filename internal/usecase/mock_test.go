//go:build !integration

package usecase_test

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"coinshop-payments/internal/domain"
	"coinshop-payments/internal/domain/model"
	"coinshop-payments/internal/domain/ports/adapter"
	"coinshop-payments/internal/domain/ports/repository"
)

// --- In-memory storage shared by the repository mocks

type memDB struct {
	mu       sync.Mutex
	invoices map[string]model.Invoice
	intents  map[string]model.PurchaseIntent
	events   []model.WebhookEvent
	balances map[string]int64
	credits  map[string]model.CoinCredit
	payments map[string]model.InvoicePayment
}

func newMemDB() *memDB {
	return &memDB{
		invoices: make(map[string]model.Invoice),
		intents:  make(map[string]model.PurchaseIntent),
		balances: make(map[string]int64),
		credits:  make(map[string]model.CoinCredit),
		payments: make(map[string]model.InvoicePayment),
	}
}

type memSnapshot struct {
	invoices map[string]model.Invoice
	intents  map[string]model.PurchaseIntent
	events   []model.WebhookEvent
	balances map[string]int64
	credits  map[string]model.CoinCredit
	payments map[string]model.InvoicePayment
}

func (db *memDB) snapshot() memSnapshot {
	db.mu.Lock()
	defer db.mu.Unlock()
	s := memSnapshot{
		invoices: make(map[string]model.Invoice, len(db.invoices)),
		intents:  make(map[string]model.PurchaseIntent, len(db.intents)),
		events:   append([]model.WebhookEvent(nil), db.events...),
		balances: make(map[string]int64, len(db.balances)),
		credits:  make(map[string]model.CoinCredit, len(db.credits)),
		payments: make(map[string]model.InvoicePayment, len(db.payments)),
	}
	for k, v := range db.invoices {
		s.invoices[k] = v
	}
	for k, v := range db.intents {
		s.intents[k] = v
	}
	for k, v := range db.balances {
		s.balances[k] = v
	}
	for k, v := range db.credits {
		s.credits[k] = v
	}
	for k, v := range db.payments {
		s.payments[k] = v
	}
	return s
}

func (db *memDB) restore(s memSnapshot) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.invoices, db.intents, db.events, db.balances, db.credits = s.invoices, s.intents, s.events, s.balances, s.credits
	db.payments = s.payments
}

func (db *memDB) balance(userID string) int64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.balances[userID]
}

func (db *memDB) creditCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.credits)
}

func (db *memDB) countEvents(verified bool) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, e := range db.events {
		if e.Verified == verified {
			n++
		}
	}
	return n
}

// --- Mock TransactionManager

// MockTxManager serializes transactions and rolls back every write made by
// the mocks when fn fails.
type MockTxManager struct {
	db         *memDB
	mu         sync.Mutex
	WithTxFunc func(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error
}

type memTx struct{}

func NewMockTxManager(db *memDB) *MockTxManager {
	return &MockTxManager{db: db}
}

var _ repository.TransactionManager = (*MockTxManager)(nil)

func (m *MockTxManager) WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	if m.WithTxFunc != nil {
		return m.WithTxFunc(ctx, txOpt, fn)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.db.snapshot()
	if err := fn(ctx, memTx{}); err != nil {
		m.db.restore(snap)
		return err
	}
	return nil
}

// --- Mock InvoiceRepository

type MockInvoiceRepo struct {
	db            *memDB
	TransitionErr error
	FindByIDFunc  func(ctx context.Context, tx repository.Tx, id string) (*model.Invoice, error)
}

func NewMockInvoiceRepo(db *memDB) *MockInvoiceRepo { return &MockInvoiceRepo{db: db} }

var _ repository.InvoiceRepository = (*MockInvoiceRepo)(nil)

func (m *MockInvoiceRepo) Save(ctx context.Context, tx repository.Tx, inv *model.Invoice) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if _, ok := m.db.invoices[inv.ID]; ok {
		return nil
	}
	cp := *inv
	cp.UpdatedAt = time.Now()
	m.db.invoices[inv.ID] = cp
	return nil
}

func (m *MockInvoiceRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Invoice, error) {
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(ctx, tx, id)
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	inv, ok := m.db.invoices[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &inv, nil
}

func (m *MockInvoiceRepo) TransitionStatus(ctx context.Context, tx repository.Tx, id string, status model.InvoiceStatus, settledAt *time.Time) (bool, error) {
	if m.TransitionErr != nil {
		return false, m.TransitionErr
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	inv, ok := m.db.invoices[id]
	if !ok || inv.Status.IsTerminal() {
		return false, nil
	}
	inv.Status = status
	if settledAt != nil {
		inv.SettledAt = settledAt
	}
	inv.UpdatedAt = time.Now()
	m.db.invoices[id] = inv
	return true, nil
}

func (m *MockInvoiceRepo) ListNonTerminalOlderThan(ctx context.Context, tx repository.Tx, olderThan time.Time, limit int) ([]*model.Invoice, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []*model.Invoice
	for _, inv := range m.db.invoices {
		if !inv.Status.IsTerminal() && inv.CreatedAt.Before(olderThan) && len(out) < limit {
			cp := inv
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockInvoiceRepo) ListArchivable(ctx context.Context, tx repository.Tx, terminalBefore time.Time, limit int) ([]*model.Invoice, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []*model.Invoice
	for _, inv := range m.db.invoices {
		if inv.Status.IsTerminal() && !inv.Archived && inv.UpdatedAt.Before(terminalBefore) && len(out) < limit {
			cp := inv
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockInvoiceRepo) MarkArchived(ctx context.Context, tx repository.Tx, id string) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	inv, ok := m.db.invoices[id]
	if !ok {
		return domain.ErrNotFound
	}
	inv.Archived = true
	m.db.invoices[id] = inv
	return nil
}

func (m *MockInvoiceRepo) status(id string) model.InvoiceStatus {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return m.db.invoices[id].Status
}

// --- Mock PurchaseIntentRepository

type MockIntentRepo struct {
	db        *memDB
	UpdateErr error
}

func NewMockIntentRepo(db *memDB) *MockIntentRepo { return &MockIntentRepo{db: db} }

var _ repository.PurchaseIntentRepository = (*MockIntentRepo)(nil)

func (m *MockIntentRepo) Save(ctx context.Context, tx repository.Tx, pi *model.PurchaseIntent) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	m.db.intents[pi.ID] = *pi
	return nil
}

func (m *MockIntentRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.PurchaseIntent, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	pi, ok := m.db.intents[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &pi, nil
}

func (m *MockIntentRepo) AttachInvoice(ctx context.Context, tx repository.Tx, id, invoiceID string) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	pi, ok := m.db.intents[id]
	if !ok {
		return domain.ErrNotFound
	}
	pi.InvoiceID = &invoiceID
	m.db.intents[id] = pi
	return nil
}

func (m *MockIntentRepo) UpdateStatus(ctx context.Context, tx repository.Tx, id string, status model.PurchaseIntentStatus) error {
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	pi, ok := m.db.intents[id]
	if !ok {
		return domain.ErrNotFound
	}
	pi.Status = status
	m.db.intents[id] = pi
	return nil
}

func (m *MockIntentRepo) status(id string) model.PurchaseIntentStatus {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return m.db.intents[id].Status
}

// --- Mock WebhookEventRepository

type MockEventRepo struct{ db *memDB }

func NewMockEventRepo(db *memDB) *MockEventRepo { return &MockEventRepo{db: db} }

var _ repository.WebhookEventRepository = (*MockEventRepo)(nil)

func (m *MockEventRepo) Append(ctx context.Context, tx repository.Tx, ev *model.WebhookEvent) (bool, error) {
	if ev.Verified && ev.EventID == "" {
		return false, domain.ErrInvalidArgument
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if ev.Verified {
		for _, e := range m.db.events {
			if e.Verified && e.EventID == ev.EventID {
				return false, nil
			}
		}
	}
	ev.ID = fmt.Sprintf("ev-%d", len(m.db.events)+1)
	m.db.events = append(m.db.events, *ev)
	return true, nil
}

func (m *MockEventRepo) ExistsByEventID(ctx context.Context, tx repository.Tx, eventID string) (bool, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, e := range m.db.events {
		if e.Verified && e.EventID == eventID {
			return true, nil
		}
	}
	return false, nil
}

// --- Mock BalanceRepository

type MockBalanceRepo struct {
	db        *memDB
	CreditErr error
}

func NewMockBalanceRepo(db *memDB) *MockBalanceRepo { return &MockBalanceRepo{db: db} }

var _ repository.BalanceRepository = (*MockBalanceRepo)(nil)

func (m *MockBalanceRepo) Credit(ctx context.Context, tx repository.Tx, userID, invoiceID string, coins int64) (bool, error) {
	if m.CreditErr != nil {
		return false, m.CreditErr
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if _, ok := m.db.credits[invoiceID]; ok {
		return false, nil
	}
	m.db.credits[invoiceID] = model.CoinCredit{InvoiceID: invoiceID, UserID: userID, Coins: coins, CreatedAt: time.Now()}
	m.db.balances[userID] += coins
	return true, nil
}

func (m *MockBalanceRepo) GetBalance(ctx context.Context, tx repository.Tx, userID string) (*model.UserBalance, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	coins, ok := m.db.balances[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &model.UserBalance{UserID: userID, Coins: coins}, nil
}

// --- Mock InvoicePaymentRepository

type MockPaymentRepo struct {
	db        *memDB
	UpsertErr error
}

func NewMockPaymentRepo(db *memDB) *MockPaymentRepo { return &MockPaymentRepo{db: db} }

var _ repository.InvoicePaymentRepository = (*MockPaymentRepo)(nil)

func (m *MockPaymentRepo) Upsert(ctx context.Context, tx repository.Tx, p *model.InvoicePayment) error {
	if m.UpsertErr != nil {
		return m.UpsertErr
	}
	if p.ID == "" || p.InvoiceID == "" {
		return domain.ErrInvalidArgument
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	cp := *p
	cp.UpdatedAt = time.Now()
	m.db.payments[p.ID] = cp
	return nil
}

func (m *MockPaymentRepo) ListByInvoice(ctx context.Context, tx repository.Tx, invoiceID string) ([]*model.InvoicePayment, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []*model.InvoicePayment
	for _, p := range m.db.payments {
		if p.InvoiceID == invoiceID {
			cp := p
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Mock PaymentGateway

type MockGateway struct {
	CreateInvoiceFunc     func(ctx context.Context, amount decimal.Decimal, currency string, meta model.InvoiceMetadata, opts model.CheckoutOptions) (*model.Invoice, error)
	GetInvoiceFunc        func(ctx context.Context, invoiceID string) (*model.Invoice, error)
	GetPaymentMethodsFunc func(ctx context.Context, invoiceID string) ([]model.PaymentMethod, error)
	CreateRefundFunc      func(ctx context.Context, req model.RefundRequest) (*model.Refund, error)
	ArchiveInvoiceFunc    func(ctx context.Context, invoiceID string) error
	CancelInvoiceFunc     func(ctx context.Context, invoiceID string) error

	mu      sync.Mutex
	created int
}

var _ adapter.PaymentGateway = (*MockGateway)(nil)

func (m *MockGateway) Name() string { return "mock" }

func (m *MockGateway) CreateInvoice(ctx context.Context, amount decimal.Decimal, currency string, meta model.InvoiceMetadata, opts model.CheckoutOptions) (*model.Invoice, error) {
	m.mu.Lock()
	m.created++
	n := m.created
	m.mu.Unlock()
	if m.CreateInvoiceFunc != nil {
		return m.CreateInvoiceFunc(ctx, amount, currency, meta, opts)
	}
	now := time.Now().UTC()
	return &model.Invoice{
		ID:           fmt.Sprintf("inv-%d", n),
		StoreID:      "store-1",
		Status:       model.InvoiceStatusNew,
		Amount:       amount,
		Currency:     currency,
		Metadata:     meta,
		CheckoutLink: fmt.Sprintf("https://pay.example/i/inv-%d", n),
		CreatedAt:    now,
		ExpiresAt:    now.Add(15 * time.Minute),
	}, nil
}

func (m *MockGateway) createdCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.created
}

func (m *MockGateway) GetInvoice(ctx context.Context, invoiceID string) (*model.Invoice, error) {
	if m.GetInvoiceFunc != nil {
		return m.GetInvoiceFunc(ctx, invoiceID)
	}
	return nil, domain.ErrNotFound
}

func (m *MockGateway) GetPaymentMethods(ctx context.Context, invoiceID string) ([]model.PaymentMethod, error) {
	if m.GetPaymentMethodsFunc != nil {
		return m.GetPaymentMethodsFunc(ctx, invoiceID)
	}
	return nil, nil
}

func (m *MockGateway) CreateRefund(ctx context.Context, req model.RefundRequest) (*model.Refund, error) {
	if m.CreateRefundFunc != nil {
		return m.CreateRefundFunc(ctx, req)
	}
	return &model.Refund{ID: "refund-1", InvoiceID: req.InvoiceID, Currency: req.Currency}, nil
}

func (m *MockGateway) ArchiveInvoice(ctx context.Context, invoiceID string) error {
	if m.ArchiveInvoiceFunc != nil {
		return m.ArchiveInvoiceFunc(ctx, invoiceID)
	}
	return nil
}

func (m *MockGateway) CancelInvoice(ctx context.Context, invoiceID string) error {
	if m.CancelInvoiceFunc != nil {
		return m.CancelInvoiceFunc(ctx, invoiceID)
	}
	return nil
}

func (m *MockGateway) MarkInvoiceStatus(ctx context.Context, invoiceID string, status model.InvoiceStatus) (*model.Invoice, error) {
	return nil, domain.ErrInvalidArgument
}

func (m *MockGateway) EnsureWebhookRegistered(ctx context.Context) (*model.WebhookRegistration, error) {
	return &model.WebhookRegistration{ID: "wh-1", Enabled: true}, nil
}

// --- Mock StatusWatcher

type MockWatcher struct {
	SubscribeFunc func(invoiceID string, from model.InvoiceStatus, onChange func(model.StatusChange)) (func(), error)
}

var _ adapter.StatusWatcher = (*MockWatcher)(nil)

func (m *MockWatcher) Subscribe(invoiceID string, from model.InvoiceStatus, onChange func(model.StatusChange)) (func(), error) {
	if m.SubscribeFunc != nil {
		return m.SubscribeFunc(invoiceID, from, onChange)
	}
	return func() {}, nil
}

// --- Mock Logger

func newTestLogger() *zerolog.Logger {
	logger := zerolog.New(io.Discard)
	return &logger
}
