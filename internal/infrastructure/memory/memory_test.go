package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Zhima-Mochi/creatorpay/internal/domain/checkout"
	"github.com/Zhima-Mochi/creatorpay/internal/domain/deposit"
	"github.com/Zhima-Mochi/creatorpay/internal/domain/inventory"
	"github.com/Zhima-Mochi/creatorpay/internal/domain/poll"
	"github.com/Zhima-Mochi/creatorpay/internal/domain/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogRepository_GetReturnsCopies(t *testing.T) {
	repo := NewCatalogRepository(inventory.Product{ID: "p1", Price: 100, Slots: inventory.SlotInventory{MaxSlots: 3}})
	ctx := context.Background()

	p, err := repo.Get(ctx, "p1")
	require.NoError(t, err)
	p.Price = 1

	again, err := repo.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), again.Price)

	require.NoError(t, repo.RecordSale(ctx, "p1", 2))
	again, err = repo.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, again.Slots.Remaining())

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, inventory.ErrNotFound)
}

func TestAttemptRepository_SubmissionIndex(t *testing.T) {
	repo := NewAttemptRepository()
	ctx := context.Background()
	a := checkout.NewAttempt("a1", "s1", "k1", deposit.Request{Amount: 10}, checkout.CreatorRef{ID: "c1"}, poll.Config{})

	require.NoError(t, repo.Insert(ctx, a))
	assert.ErrorIs(t, repo.Insert(ctx, a), checkout.ErrConflict)

	dup := checkout.NewAttempt("a2", "s1", "k1", deposit.Request{}, checkout.CreatorRef{}, poll.Config{})
	assert.ErrorIs(t, repo.Insert(ctx, dup), checkout.ErrConflict)

	other := checkout.NewAttempt("a3", "s2", "k1", deposit.Request{}, checkout.CreatorRef{}, poll.Config{})
	require.NoError(t, repo.Insert(ctx, other))

	found, err := repo.FindBySubmission(ctx, "s1", "k1")
	require.NoError(t, err)
	assert.Equal(t, "a1", found.ID)

	found.Machine.State = poll.StateSuccess
	require.NoError(t, repo.Update(ctx, found))
	got, err := repo.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, poll.StateSuccess, got.Machine.State)

	_, err = repo.Get(ctx, "nope")
	assert.ErrorIs(t, err, checkout.ErrAttemptNotFound)
	assert.ErrorIs(t, repo.Update(ctx, checkout.NewAttempt("nope", "", "", deposit.Request{}, checkout.CreatorRef{}, poll.Config{})), checkout.ErrAttemptNotFound)
}

func TestAttemptRepository_DepositIndex(t *testing.T) {
	repo := NewAttemptRepository()
	ctx := context.Background()
	a := checkout.NewAttempt("a1", "s1", "", deposit.Request{Amount: 10}, checkout.CreatorRef{ID: "c1"}, poll.Config{})
	require.NoError(t, repo.Insert(ctx, a))

	_, err := repo.FindByDeposit(ctx, "dep-1")
	assert.ErrorIs(t, err, checkout.ErrAttemptNotFound)

	a.Machine.DepositID = "dep-1"
	require.NoError(t, repo.Update(ctx, a))
	found, err := repo.FindByDeposit(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, "a1", found.ID)

	a.Machine.DepositID = "dep-2"
	require.NoError(t, repo.Update(ctx, a))
	_, err = repo.FindByDeposit(ctx, "dep-1")
	assert.ErrorIs(t, err, checkout.ErrAttemptNotFound)
	found, err = repo.FindByDeposit(ctx, "dep-2")
	require.NoError(t, err)
	assert.Equal(t, "a1", found.ID)
}

func TestSessionStore_ClearKeepsLastCreator(t *testing.T) {
	store := NewSessionStore()
	ctx := context.Background()
	creator := checkout.CreatorRef{ID: "c1", Username: "alice"}

	require.NoError(t, store.RememberCreator(ctx, "s1", creator))
	cart := checkout.Cart{}
	_, err := cart.Add(checkout.Item{ProductID: "p1", Quantity: 2, Creator: creator})
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, "s1", cart))

	loaded, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, loaded.Items, 1)

	require.NoError(t, store.Clear(ctx, "s1"))
	loaded, err = store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, loaded.Empty())

	// An empty cart still resolves the payee from the last visited creator.
	payee, err := loaded.Payee()
	require.NoError(t, err)
	assert.Equal(t, creator, payee)
}

func TestSessionStore_RepairsRawValues(t *testing.T) {
	store := NewSessionStore()
	store.PutRaw("s1", checkout.RawSession{Items: `[{"id":"p1"}]`, LastCreator: `{"id":"c9"}`})

	cart, err := store.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "c9", cart.Items[0].Creator.ID)
	assert.NotEmpty(t, cart.Repairs)
}

func TestTokenStore_Consume(t *testing.T) {
	store := NewTokenStore()
	ctx := context.Background()
	now := time.Now()
	rec := token.Record{Token: "t1", Claims: token.Claims{DepositID: "d1"}, ExpiresAt: now.Add(time.Minute)}
	require.NoError(t, store.Save(ctx, rec, time.Hour))

	got, err := store.Consume(ctx, "t1", now)
	require.NoError(t, err)
	assert.Equal(t, "d1", got.Claims.DepositID)

	_, err = store.Consume(ctx, "t1", now)
	assert.ErrorIs(t, err, token.ErrConsumed)

	_, err = store.Consume(ctx, "unknown", now)
	assert.ErrorIs(t, err, token.ErrInvalid)

	require.NoError(t, store.Save(ctx, token.Record{Token: "t2", ExpiresAt: now.Add(time.Minute)}, time.Hour))
	_, err = store.Consume(ctx, "t2", now.Add(2*time.Minute))
	assert.ErrorIs(t, err, token.ErrExpired)
}

func TestTokenStore_ConcurrentConsumeSucceedsOnce(t *testing.T) {
	store := NewTokenStore()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, store.Save(ctx, token.Record{Token: "t1", ExpiresAt: now.Add(time.Minute)}, time.Hour))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Consume(ctx, "t1", now); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestTokenStore_OneTokenPerDeposit(t *testing.T) {
	store := NewTokenStore()
	ctx := context.Background()
	now := time.Now()
	claims := token.Claims{DepositID: "d1"}

	require.NoError(t, store.Save(ctx, token.Record{Token: "t1", Claims: claims, ExpiresAt: now.Add(time.Minute)}, time.Hour))
	err := store.Save(ctx, token.Record{Token: "t2", Claims: claims, ExpiresAt: now.Add(time.Minute)}, time.Hour)
	assert.ErrorIs(t, err, token.ErrAlreadyIssued)

	_, err = store.Consume(ctx, "t2", now)
	assert.ErrorIs(t, err, token.ErrInvalid)
	_, err = store.Consume(ctx, "t1", now)
	assert.NoError(t, err)
}

func TestTokenStore_SweepsPurgedRecords(t *testing.T) {
	store := NewTokenStore()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.clock = func() time.Time { return now }

	for _, tok := range []string{"a", "b", "c"} {
		require.NoError(t, store.Save(ctx, token.Record{Token: tok, Claims: token.Claims{DepositID: "d-" + tok}, ExpiresAt: now.Add(time.Minute)}, time.Hour))
	}
	assert.Equal(t, 3, store.Len())

	now = now.Add(2 * time.Hour)
	require.NoError(t, store.Save(ctx, token.Record{Token: "fresh", Claims: token.Claims{DepositID: "d-a"}, ExpiresAt: now.Add(time.Minute)}, time.Hour))
	assert.Equal(t, 1, store.Len())
}

func TestTokenStore_ExpiredWithinGrace(t *testing.T) {
	store := NewTokenStore()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, store.Save(ctx, token.Record{Token: "t1", ExpiresAt: now.Add(token.DefaultTTL)}, token.DefaultTTL+token.Grace))

	_, err := store.Consume(ctx, "t1", now.Add(token.DefaultTTL+time.Hour))
	assert.ErrorIs(t, err, token.ErrExpired)
}

func TestFulfillmentLedger_ClaimOnce(t *testing.T) {
	ledger := NewFulfillmentLedger(time.Hour)
	ctx := context.Background()

	ok, err := ledger.Claim(ctx, "dep-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ledger.Claim(ctx, "dep-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFulfillmentLedger_ForgetsAfterRetention(t *testing.T) {
	ledger := NewFulfillmentLedger(time.Hour)
	ctx := context.Background()
	now := time.Now()
	ledger.clock = func() time.Time { return now }

	_, err := ledger.Claim(ctx, "old")
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	ok, err := ledger.Claim(ctx, "new")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, ledger.Len())
}
