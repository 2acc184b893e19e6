package fulfillment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domdeposit "github.com/Zhima-Mochi/creatorpay/internal/domain/deposit"
	dominventory "github.com/Zhima-Mochi/creatorpay/internal/domain/inventory"
	domoutbox "github.com/Zhima-Mochi/creatorpay/internal/domain/outbox"
	domtoken "github.com/Zhima-Mochi/creatorpay/internal/domain/token"
	"github.com/Zhima-Mochi/creatorpay/internal/infrastructure/memory"
	"github.com/Zhima-Mochi/creatorpay/internal/infrastructure/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu       sync.Mutex
	receipts []Receipt
	err      error
}

func (n *recordingNotifier) Notify(_ context.Context, r Receipt) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.receipts = append(n.receipts, r)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.receipts)
}

func shopClaims() domtoken.Claims {
	return domtoken.Claims{
		DepositID:       "dep-1",
		Amount:          3000,
		BuyerName:       "Amani",
		CreatorUsername: "alice",
		PurposeType:     domdeposit.PurposeShop,
		ProductID:       "mug",
		Items:           []domtoken.LineItem{{ProductID: "mug", Quantity: 3}},
	}
}

func TestFulfill_ShopPurchaseBooksSale(t *testing.T) {
	catalog := memory.NewCatalogRepository(dominventory.Product{
		ID: "mug", Slots: dominventory.SlotInventory{MaxSlots: 5, SoldSlots: 1},
	})
	notifier := &recordingNotifier{}
	uc := NewFulfillUseCase(notifier, catalog, nil, nil)

	res, err := uc.Execute(context.Background(), domtoken.NewConfirmationRedeemedEvent(shopClaims()))
	require.NoError(t, err)
	assert.True(t, res.Notified)
	assert.True(t, res.SaleRecorded)

	p, err := catalog.Get(context.Background(), "mug")
	require.NoError(t, err)
	assert.Equal(t, 4, p.Slots.SoldSlots)
	require.Equal(t, 1, notifier.count())
	assert.Equal(t, "alice", notifier.receipts[0].CreatorUsername)
	assert.Equal(t, int64(3000), notifier.receipts[0].Amount)
}

func TestFulfill_BooksEveryLineWithItsQuantity(t *testing.T) {
	catalog := memory.NewCatalogRepository(
		dominventory.Product{ID: "mug", Slots: dominventory.SlotInventory{MaxSlots: 10}},
		dominventory.Product{ID: "print", Slots: dominventory.SlotInventory{MaxSlots: 10, SoldSlots: 2}},
	)
	uc := NewFulfillUseCase(&recordingNotifier{}, catalog, nil, nil)

	claims := shopClaims()
	claims.Items = []domtoken.LineItem{{ProductID: "mug", Quantity: 3}, {ProductID: "print", Quantity: 1}}
	res, err := uc.Execute(context.Background(), domtoken.NewConfirmationRedeemedEvent(claims))
	require.NoError(t, err)
	assert.Equal(t, 2, res.LinesBooked)
	assert.True(t, res.SaleRecorded)

	mug, err := catalog.Get(context.Background(), "mug")
	require.NoError(t, err)
	assert.Equal(t, 3, mug.Slots.SoldSlots)
	prints, err := catalog.Get(context.Background(), "print")
	require.NoError(t, err)
	assert.Equal(t, 3, prints.Slots.SoldSlots)
}

func TestFulfill_DepositFulfilledAtMostOnce(t *testing.T) {
	catalog := memory.NewCatalogRepository(dominventory.Product{
		ID: "mug", Slots: dominventory.SlotInventory{MaxSlots: 10},
	})
	notifier := &recordingNotifier{}
	uc := NewFulfillUseCase(notifier, catalog, memory.NewFulfillmentLedger(time.Hour), nil)
	event := domtoken.NewConfirmationRedeemedEvent(shopClaims())

	first, err := uc.Execute(context.Background(), event)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := uc.Execute(context.Background(), event)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.False(t, second.Notified)

	p, err := catalog.Get(context.Background(), "mug")
	require.NoError(t, err)
	assert.Equal(t, 3, p.Slots.SoldSlots)
	assert.Equal(t, 1, notifier.count())
}

type brokenLedger struct{}

func (brokenLedger) Claim(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func TestFulfill_LedgerFailureSkipsSideEffects(t *testing.T) {
	notifier := &recordingNotifier{}
	uc := NewFulfillUseCase(notifier, nil, brokenLedger{}, nil)

	_, err := uc.Execute(context.Background(), domtoken.NewConfirmationRedeemedEvent(shopClaims()))
	assert.ErrorContains(t, err, "redis down")
	assert.Zero(t, notifier.count())
}

func TestFulfill_SupportSkipsSale(t *testing.T) {
	catalog := memory.NewCatalogRepository()
	notifier := &recordingNotifier{}
	uc := NewFulfillUseCase(notifier, catalog, nil, nil)

	claims := shopClaims()
	claims.PurposeType, claims.ProductID, claims.Items = domdeposit.PurposeSupport, "", nil
	res, err := uc.Execute(context.Background(), domtoken.NewConfirmationRedeemedEvent(claims))
	require.NoError(t, err)
	assert.False(t, res.SaleRecorded)
	assert.True(t, res.Notified)
}

func TestFulfill_MissingProductStillNotifies(t *testing.T) {
	notifier := &recordingNotifier{}
	uc := NewFulfillUseCase(notifier, memory.NewCatalogRepository(), nil, nil)

	res, err := uc.Execute(context.Background(), domtoken.NewConfirmationRedeemedEvent(shopClaims()))
	require.NoError(t, err)
	assert.False(t, res.SaleRecorded)
	assert.Equal(t, 1, notifier.count())
}

func TestFulfill_NotifierFailure(t *testing.T) {
	notifier := &recordingNotifier{err: errors.New("smtp down")}
	uc := NewFulfillUseCase(notifier, nil, nil, nil)

	_, err := uc.Execute(context.Background(), domtoken.NewConfirmationRedeemedEvent(shopClaims()))
	assert.ErrorContains(t, err, "smtp down")
}

func TestWorker_HandlesRedeemedEventsFromBus(t *testing.T) {
	bus := outbox.NewBus(nil, outbox.Options{})
	notifier := &recordingNotifier{}
	NewWorker(bus, NewFulfillUseCase(notifier, nil, nil, nil), nil).Start()

	bus.Start(context.Background())
	t.Cleanup(func() { _ = bus.Stop(context.Background()) })

	require.NoError(t, bus.Publish(context.Background(), domtoken.NewConfirmationRedeemedEvent(shopClaims())))
	require.Eventually(t, func() bool { return notifier.count() == 1 }, time.Second, 5*time.Millisecond)
}

type otherEvent struct{}

func (otherEvent) EventName() string { return "confirmation.redeemed" }

func TestWorker_IgnoresForeignPayloads(t *testing.T) {
	var handler domoutbox.Handler
	sub := subscriberFunc(func(_ string, h domoutbox.Handler) { handler = h })
	notifier := &recordingNotifier{}
	NewWorker(sub, NewFulfillUseCase(notifier, nil, nil, nil), nil).Start()

	require.NotNil(t, handler)
	require.NoError(t, handler(context.Background(), otherEvent{}))
	assert.Zero(t, notifier.count())
}

type subscriberFunc func(string, domoutbox.Handler)

func (f subscriberFunc) Subscribe(name string, h domoutbox.Handler) { f(name, h) }
