package memory

import (
	"context"
	"sync"
	"time"
)

// FulfillmentLedger records fulfilled deposit ids for a retention window.
type FulfillmentLedger struct {
	mu        sync.Mutex
	claimed   map[string]time.Time
	retain    time.Duration
	lastSweep time.Time
	clock     func() time.Time
}

func NewFulfillmentLedger(retain time.Duration) *FulfillmentLedger {
	return &FulfillmentLedger{
		claimed: make(map[string]time.Time),
		retain:  retain,
		clock:   time.Now,
	}
}

func (l *FulfillmentLedger) Claim(ctx context.Context, depositID string) (bool, error) {
	_ = ctx

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if now.Sub(l.lastSweep) >= sweepInterval {
		for id, until := range l.claimed {
			if !now.Before(until) {
				delete(l.claimed, id)
			}
		}
		l.lastSweep = now
	}

	if until, ok := l.claimed[depositID]; ok && now.Before(until) {
		return false, nil
	}
	l.claimed[depositID] = now.Add(l.retain)
	return true, nil
}

func (l *FulfillmentLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.claimed)
}
