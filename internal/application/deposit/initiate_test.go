package deposit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	domain "github.com/Zhima-Mochi/creatorpay/internal/domain/deposit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	calls   atomic.Int32
	err     error
	release chan struct{}

	mu  sync.Mutex
	got domain.Request
}

func (f *fakeProvider) Create(_ context.Context, req domain.Request) (string, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.got = req
	f.mu.Unlock()
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return "", f.err
	}
	return "dep-1", nil
}

func (f *fakeProvider) Status(context.Context, string) (domain.StatusReport, error) {
	return domain.StatusReport{Status: domain.StatusPending}, nil
}

func validInput(key string) InitiateInput {
	return InitiateInput{
		SubmissionKey: key,
		Request: domain.Request{
			Amount:    5000,
			Phone:     "0712345678",
			CreatorID: "c1",
			Purpose:   domain.PurposeSupport,
		},
	}
}

func TestInitiate_Success(t *testing.T) {
	p := &fakeProvider{}
	uc := NewInitiateUseCase(p, nil)

	res, err := uc.Execute(context.Background(), validInput(""))
	require.NoError(t, err)
	assert.Equal(t, "dep-1", res.DepositID)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestInitiate_PassesPhoneThroughUnchanged(t *testing.T) {
	p := &fakeProvider{}
	uc := NewInitiateUseCase(p, nil)
	in := validInput("k-phone")
	in.Request.Phone = " 0712-345 678"

	_, err := uc.Execute(context.Background(), in)
	require.NoError(t, err)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, " 0712-345 678", p.got.Phone)
}

func TestInitiate_ValidationFailsWithoutProviderCall(t *testing.T) {
	p := &fakeProvider{}
	uc := NewInitiateUseCase(p, nil)
	in := validInput("")
	in.Request.Purpose = domain.PurposeWishlist

	_, err := uc.Execute(context.Background(), in)
	assert.ErrorIs(t, err, domain.ErrPurposeRefRequired)
	assert.Zero(t, p.calls.Load())
}

func TestInitiate_WrapsProviderErrors(t *testing.T) {
	p := &fakeProvider{err: errors.New("connection reset")}
	uc := NewInitiateUseCase(p, nil)

	_, err := uc.Execute(context.Background(), validInput(""))
	var rejected *domain.PaymentRejected
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "provider_error", rejected.Reason)

	p.err = domain.Rejected("invalid phone", nil)
	_, err = uc.Execute(context.Background(), validInput(""))
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "invalid phone", rejected.Reason)
}

func TestInitiate_DuplicateSubmissionsShareOneCall(t *testing.T) {
	p := &fakeProvider{release: make(chan struct{})}
	uc := NewInitiateUseCase(p, nil)

	const n = 5
	var wg sync.WaitGroup
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := uc.Execute(context.Background(), validInput("submit-1"))
			if assert.NoError(t, err) {
				ids[i] = res.DepositID
			}
		}(i)
	}

	require.Eventually(t, func() bool { return p.calls.Load() == 1 }, time.Second, time.Millisecond)
	// Give the other callers time to join the in-flight call before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(p.release)
	wg.Wait()

	assert.Equal(t, int32(1), p.calls.Load())
	for _, id := range ids {
		assert.Equal(t, "dep-1", id)
	}
}
