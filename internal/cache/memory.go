package cache

import (
	"context"
	"sync"
	"time"

	"marijobs-go/internal/models"
)

// MemoryLedger is the in-process Ledger used by tests and the CLI.
type MemoryLedger struct {
	mu      sync.Mutex
	expires map[string]time.Time
	Now     func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{expires: make(map[string]time.Time), Now: time.Now}
}

func (l *MemoryLedger) MarkFetched(_ context.Context, pairing models.Pairing, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expires[pairingKey(pairing)] = l.Now().Add(ttl)
	return nil
}

func (l *MemoryLedger) FetchedWithin(_ context.Context, pairing models.Pairing) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	exp, ok := l.expires[pairingKey(pairing)]
	return ok && l.Now().Before(exp), nil
}

type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
	Now  func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]time.Time), Now: time.Now}
}

func (l *MemoryLocker) Acquire(_ context.Context, individual string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if exp, ok := l.held[individual]; ok && l.Now().Before(exp) {
		return ErrLocked
	}
	l.held[individual] = l.Now().Add(ttl)
	return nil
}

func (l *MemoryLocker) Release(_ context.Context, individual string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, individual)
	return nil
}

// MemoryPublisher records events in order.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *MemoryPublisher) Publish(_ context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
