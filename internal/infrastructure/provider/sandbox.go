package provider

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/Zhima-Mochi/creatorpay/internal/domain/deposit"
	"github.com/google/uuid"
)

const (
	defaultSandboxSuccess       = 0.7
	defaultSandboxCompleteAfter = 3
)

type sandboxDeposit struct {
	req    deposit.Request
	polls  int
	result deposit.Status
}

// Sandbox simulates the provider locally. Each deposit stays pending for
// CompleteAfter polls, then settles once according to the success rate.
type Sandbox struct {
	mu            sync.Mutex
	random        *rand.Rand
	successRate   float64
	completeAfter int
	deposits      map[string]*sandboxDeposit
}

func NewSandbox(successRate float64, completeAfter int) *Sandbox {
	if successRate < 0 || successRate > 1 {
		successRate = defaultSandboxSuccess
	}
	if completeAfter <= 0 {
		completeAfter = defaultSandboxCompleteAfter
	}
	return &Sandbox{
		random:        rand.New(rand.NewSource(time.Now().UnixNano())),
		successRate:   successRate,
		completeAfter: completeAfter,
		deposits:      make(map[string]*sandboxDeposit),
	}
}

func (s *Sandbox) Create(ctx context.Context, req deposit.Request) (string, error) {
	_ = ctx
	if err := req.Validate(); err != nil {
		return "", deposit.Rejected("invalid_request", err)
	}

	id := "dep_" + uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.deposits[id] = &sandboxDeposit{req: req, result: deposit.StatusPending}
	return id, nil
}

func (s *Sandbox) Status(ctx context.Context, depositID string) (deposit.StatusReport, error) {
	if err := ctx.Err(); err != nil {
		return deposit.StatusReport{}, &deposit.TransientError{Op: endpointStatus, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deposits[depositID]
	if !ok {
		return deposit.StatusReport{Status: deposit.StatusFailed, Reason: "unknown_deposit"}, nil
	}
	d.polls++
	if d.result == deposit.StatusPending && d.polls >= s.completeAfter {
		if s.random.Float64() < s.successRate {
			d.result = deposit.StatusCompleted
		} else {
			d.result = deposit.StatusFailed
		}
	}

	switch d.result {
	case deposit.StatusCompleted:
		return deposit.StatusReport{Status: deposit.StatusCompleted, OrderID: "ord_" + depositID}, nil
	case deposit.StatusFailed:
		return deposit.StatusReport{Status: deposit.StatusFailed, Reason: "payment_declined"}, nil
	}
	return deposit.StatusReport{Status: deposit.StatusPending}, nil
}

func (s *Sandbox) SuccessRate() float64 { return s.successRate }
