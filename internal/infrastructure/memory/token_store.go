package memory

import (
	"context"
	"sync"
	"time"

	domain "github.com/Zhima-Mochi/creatorpay/internal/domain/token"
)

// sweepInterval bounds how often Save scans for records past their retention.
const sweepInterval = time.Minute

type tokenEntry struct {
	rec      domain.Record
	consumed bool
	purgeAt  time.Time
}

type TokenStore struct {
	mu        sync.Mutex
	entries   map[string]*tokenEntry
	byDeposit map[string]string
	lastSweep time.Time
	// clock drives retention the way a Redis TTL would; expiry uses the caller's now.
	clock func() time.Time
}

func NewTokenStore() *TokenStore {
	return &TokenStore{
		entries:   make(map[string]*tokenEntry),
		byDeposit: make(map[string]string),
		clock:     time.Now,
	}
}

func (s *TokenStore) Save(ctx context.Context, rec domain.Record, retain time.Duration) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if now.Sub(s.lastSweep) >= sweepInterval {
		s.sweepLocked(now)
		s.lastSweep = now
	}

	deposit := rec.Claims.DepositID
	if deposit != "" {
		if tok, ok := s.byDeposit[deposit]; ok {
			if e, live := s.entries[tok]; live && now.Before(e.purgeAt) {
				return domain.ErrAlreadyIssued
			}
		}
		s.byDeposit[deposit] = rec.Token
	}
	s.entries[rec.Token] = &tokenEntry{rec: rec, purgeAt: now.Add(retain)}
	return nil
}

func (s *TokenStore) Consume(ctx context.Context, token string, now time.Time) (domain.Record, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[token]
	if !ok {
		return domain.Record{}, domain.ErrInvalid
	}
	if !s.clock().Before(e.purgeAt) {
		s.dropLocked(token, e)
		return domain.Record{}, domain.ErrInvalid
	}
	if e.consumed {
		return domain.Record{}, domain.ErrConsumed
	}
	if !now.Before(e.rec.ExpiresAt) {
		return domain.Record{}, domain.ErrExpired
	}
	e.consumed = true
	return e.rec, nil
}

// Len reports how many records are retained, purged ones included until the next sweep.
func (s *TokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *TokenStore) sweepLocked(now time.Time) {
	for tok, e := range s.entries {
		if !now.Before(e.purgeAt) {
			s.dropLocked(tok, e)
		}
	}
}

func (s *TokenStore) dropLocked(token string, e *tokenEntry) {
	delete(s.entries, token)
	if d := e.rec.Claims.DepositID; d != "" && s.byDeposit[d] == token {
		delete(s.byDeposit, d)
	}
}
