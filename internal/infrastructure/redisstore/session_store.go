package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	domain "github.com/Zhima-Mochi/creatorpay/internal/domain/checkout"
	"github.com/redis/go-redis/v9"
)

const (
	fieldItems      = "items"
	fieldQuantities = "quantities"
	fieldCreator    = "creator"

	DefaultSessionTTL = 24 * time.Hour
)

// SessionStore persists carts as a hash of JSON fields plus a separate last-creator key.
type SessionStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewSessionStore(client redis.UniversalClient, ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionStore{client: client, ttl: ttl}
}

func sessionKey(id string) string { return fmt.Sprintf("checkout:session:%s", id) }

func lastCreatorKey(id string) string { return sessionKey(id) + ":last_creator" }

func (s *SessionStore) Load(ctx context.Context, sessionID string) (domain.Cart, error) {
	pipe := s.client.Pipeline()
	fields := pipe.HGetAll(ctx, sessionKey(sessionID))
	last := pipe.Get(ctx, lastCreatorKey(sessionID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return domain.Cart{}, fmt.Errorf("redis load session failed: %w", err)
	}

	h := fields.Val()
	raw := domain.RawSession{
		Items:      h[fieldItems],
		Quantities: h[fieldQuantities],
		Creator:    h[fieldCreator],
	}
	if v, err := last.Result(); err == nil {
		raw.LastCreator = v
	}
	return domain.Decode(raw), nil
}

func (s *SessionStore) Save(ctx context.Context, sessionID string, cart domain.Cart) error {
	raw := domain.Encode(cart)
	key := sessionKey(sessionID)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		values := map[string]any{
			fieldItems:      raw.Items,
			fieldQuantities: raw.Quantities,
		}
		if raw.Creator != "" {
			values[fieldCreator] = raw.Creator
		}
		pipe.HSet(ctx, key, values)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save session failed: %w", err)
	}
	return nil
}

func (s *SessionStore) Clear(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis clear session failed: %w", err)
	}
	return nil
}

func (s *SessionStore) RememberCreator(ctx context.Context, sessionID string, creator domain.CreatorRef) error {
	if !creator.Known() {
		return nil
	}
	b, err := json.Marshal(creator)
	if err != nil {
		return fmt.Errorf("marshal creator failed: %w", err)
	}
	if err := s.client.Set(ctx, lastCreatorKey(sessionID), b, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis remember creator failed: %w", err)
	}
	return nil
}
