package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	domain "github.com/Zhima-Mochi/creatorpay/internal/domain/token"
	"github.com/redis/go-redis/v9"
)

// consumeScript redeems a token atomically.
// KEYS[1] = token key
// ARGV[1] = now in unix milliseconds
var consumeScript = redis.NewScript(`
local fields = redis.call("HMGET", KEYS[1], "payload", "expires_at", "consumed")
if not fields[1] then
    return {"invalid"}
end
if fields[3] == "1" then
    return {"consumed"}
end
if tonumber(ARGV[1]) >= tonumber(fields[2]) then
    return {"expired"}
end
redis.call("HSET", KEYS[1], "consumed", "1")
return {"ok", fields[1]}
`)

type TokenStore struct {
	client redis.UniversalClient
}

func NewTokenStore(client redis.UniversalClient) *TokenStore {
	return &TokenStore{client: client}
}

func tokenKey(token string) string { return fmt.Sprintf("checkout:token:%s", token) }

func depositTokenKey(depositID string) string {
	return fmt.Sprintf("checkout:token-deposit:%s", depositID)
}

// Save claims the deposit's token slot with SETNX before writing the record, so a
// deposit never carries two live tokens.
func (s *TokenStore) Save(ctx context.Context, rec domain.Record, retain time.Duration) error {
	payload, err := json.Marshal(rec.Claims)
	if err != nil {
		return fmt.Errorf("marshal claims failed: %w", err)
	}
	key := tokenKey(rec.Token)

	var slot string
	if rec.Claims.DepositID != "" {
		slot = depositTokenKey(rec.Claims.DepositID)
		ok, err := s.client.SetNX(ctx, slot, rec.Token, retain).Result()
		if err != nil {
			return fmt.Errorf("redis claim deposit token slot failed: %w", err)
		}
		if !ok {
			return domain.ErrAlreadyIssued
		}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"payload", string(payload),
			"expires_at", rec.ExpiresAt.UnixMilli(),
			"consumed", "0",
		)
		pipe.PExpire(ctx, key, retain)
		return nil
	})
	if err != nil {
		if slot != "" {
			_ = s.client.Del(context.WithoutCancel(ctx), slot).Err()
		}
		return fmt.Errorf("redis save token failed: %w", err)
	}
	return nil
}

func (s *TokenStore) Consume(ctx context.Context, token string, now time.Time) (domain.Record, error) {
	res, err := consumeScript.Run(ctx, s.client, []string{tokenKey(token)}, now.UnixMilli()).Result()
	if err != nil {
		return domain.Record{}, fmt.Errorf("redis consume token failed: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) == 0 {
		return domain.Record{}, fmt.Errorf("invalid response from lua script")
	}
	verdict, _ := results[0].(string)
	switch verdict {
	case "invalid":
		return domain.Record{}, domain.ErrInvalid
	case "consumed":
		return domain.Record{}, domain.ErrConsumed
	case "expired":
		return domain.Record{}, domain.ErrExpired
	case "ok":
	default:
		return domain.Record{}, fmt.Errorf("unexpected lua verdict %q", verdict)
	}

	payload, _ := results[1].(string)
	var claims domain.Claims
	if err := json.Unmarshal([]byte(payload), &claims); err != nil {
		return domain.Record{}, fmt.Errorf("unmarshal claims failed: %w", err)
	}
	return domain.Record{Token: token, Claims: claims}, nil
}
