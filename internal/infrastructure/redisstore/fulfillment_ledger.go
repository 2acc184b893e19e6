package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type FulfillmentLedger struct {
	client redis.UniversalClient
	retain time.Duration
}

func NewFulfillmentLedger(client redis.UniversalClient, retain time.Duration) *FulfillmentLedger {
	return &FulfillmentLedger{client: client, retain: retain}
}

func fulfilledKey(depositID string) string { return fmt.Sprintf("checkout:fulfilled:%s", depositID) }

// Claim marks the deposit fulfilled with SETNX; only the first caller across
// replicas sees true.
func (l *FulfillmentLedger) Claim(ctx context.Context, depositID string) (bool, error) {
	ok, err := l.client.SetNX(ctx, fulfilledKey(depositID), time.Now().UnixMilli(), l.retain).Result()
	if err != nil {
		return false, fmt.Errorf("redis claim fulfillment failed: %w", err)
	}
	return ok, nil
}
