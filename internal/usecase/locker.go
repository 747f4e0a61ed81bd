package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"coinshop-payments/internal/domain"
	"coinshop-payments/internal/domain/ports/adapter"
)

var _ adapter.Locker = (*KeyedLocker)(nil)

// InvoiceLockKey is the lock key guarding one invoice on every writer path.
func InvoiceLockKey(invoiceID string) string { return "lock:invoice:" + invoiceID }

// KeyedLocker is an in-process adapter.Locker used when no shared lock store
// is configured. It only serializes writers inside one process; ttl is ignored
// and a key stays held until Unlock.
type KeyedLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch    chan struct{}
	token string
	refs  int // holder + waiters
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{slots: make(map[string]*slot)}
}

// TryLock waits for key until it is free or ctx is done.
func (l *KeyedLocker) TryLock(ctx context.Context, key string, _ time.Duration) (string, error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, s)
		return "", ctx.Err()
	}

	token := uuid.NewString()
	l.mu.Lock()
	s.token = token
	l.mu.Unlock()
	return token, nil
}

func (l *KeyedLocker) Unlock(_ context.Context, key, token string) error {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok || s.token == "" || s.token != token {
		l.mu.Unlock()
		return domain.ErrInvalidArgument
	}
	s.token = ""
	l.mu.Unlock()

	<-s.ch
	l.release(key, s)
	return nil
}

func (l *KeyedLocker) release(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
