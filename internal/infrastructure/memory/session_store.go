package memory

import (
	"context"
	"encoding/json"
	"sync"

	domain "github.com/Zhima-Mochi/creatorpay/internal/domain/checkout"
)

// SessionStore keeps raw session blobs in memory so reads go through the same repair path as Redis.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]domain.RawSession
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]domain.RawSession)}
}

func (s *SessionStore) Load(ctx context.Context, sessionID string) (domain.Cart, error) {
	_ = ctx

	s.mu.RLock()
	raw := s.sessions[sessionID]
	s.mu.RUnlock()

	return domain.Decode(raw), nil
}

func (s *SessionStore) Save(ctx context.Context, sessionID string, cart domain.Cart) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	raw := domain.Encode(cart)
	raw.LastCreator = s.sessions[sessionID].LastCreator
	s.sessions[sessionID] = raw
	return nil
}

// Clear empties the cart but keeps the last visited creator for the next checkout.
func (s *SessionStore) Clear(ctx context.Context, sessionID string) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	last := s.sessions[sessionID].LastCreator
	if last == "" {
		delete(s.sessions, sessionID)
		return nil
	}
	s.sessions[sessionID] = domain.RawSession{LastCreator: last}
	return nil
}

func (s *SessionStore) RememberCreator(ctx context.Context, sessionID string, creator domain.CreatorRef) error {
	_ = ctx
	if !creator.Known() {
		return nil
	}
	b, err := json.Marshal(creator)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	raw := s.sessions[sessionID]
	raw.LastCreator = string(b)
	s.sessions[sessionID] = raw
	return nil
}

// PutRaw seeds a session verbatim, including corrupt values.
func (s *SessionStore) PutRaw(sessionID string, raw domain.RawSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = raw
}
