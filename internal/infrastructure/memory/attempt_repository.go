package memory

import (
	"context"
	"fmt"
	"sync"

	domain "github.com/Zhima-Mochi/creatorpay/internal/domain/checkout"
)

type AttemptRepository struct {
	mu          sync.RWMutex
	attempts    map[string]*domain.Attempt
	submissions map[string]string
	deposits    map[string]string
}

func NewAttemptRepository() *AttemptRepository {
	return &AttemptRepository{
		attempts:    make(map[string]*domain.Attempt),
		submissions: make(map[string]string),
		deposits:    make(map[string]string),
	}
}

func submissionKey(sessionID, key string) string { return sessionID + "\x00" + key }

func (r *AttemptRepository) Insert(ctx context.Context, a *domain.Attempt) error {
	_ = ctx
	if a == nil || a.ID == "" {
		return fmt.Errorf("attempt repository: id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.attempts[a.ID]; exists {
		return domain.ErrConflict
	}
	if a.SubmissionKey != "" {
		if existingID, exists := r.submissions[submissionKey(a.SessionID, a.SubmissionKey)]; exists {
			if _, ok := r.attempts[existingID]; ok {
				return domain.ErrConflict
			}
		}
	}

	r.attempts[a.ID] = a.Clone()
	if a.SubmissionKey != "" {
		r.submissions[submissionKey(a.SessionID, a.SubmissionKey)] = a.ID
	}
	r.indexDepositLocked(a)
	return nil
}

func (r *AttemptRepository) Get(ctx context.Context, id string) (*domain.Attempt, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.attempts[id]
	if !ok {
		return nil, domain.ErrAttemptNotFound
	}
	return a.Clone(), nil
}

func (r *AttemptRepository) Update(ctx context.Context, a *domain.Attempt) error {
	_ = ctx
	if a == nil || a.ID == "" {
		return fmt.Errorf("attempt repository: id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.attempts[a.ID]; !exists {
		return domain.ErrAttemptNotFound
	}
	r.attempts[a.ID] = a.Clone()
	r.indexDepositLocked(a)
	return nil
}

// indexDepositLocked maps the attempt's current deposit to it. Lookups of a deposit a
// retry replaced find nothing.
func (r *AttemptRepository) indexDepositLocked(a *domain.Attempt) {
	if d := a.Machine.DepositID; d != "" {
		r.deposits[d] = a.ID
	}
}

func (r *AttemptRepository) FindByDeposit(ctx context.Context, depositID string) (*domain.Attempt, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.deposits[depositID]
	if !ok {
		return nil, domain.ErrAttemptNotFound
	}
	a, found := r.attempts[id]
	if !found || a.Machine.DepositID != depositID {
		return nil, domain.ErrAttemptNotFound
	}
	return a.Clone(), nil
}

func (r *AttemptRepository) FindBySubmission(ctx context.Context, sessionID, key string) (*domain.Attempt, error) {
	_ = ctx
	if key == "" {
		return nil, domain.ErrAttemptNotFound
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.submissions[submissionKey(sessionID, key)]
	if !ok {
		return nil, domain.ErrAttemptNotFound
	}
	a, found := r.attempts[id]
	if !found {
		return nil, domain.ErrAttemptNotFound
	}
	return a.Clone(), nil
}
