package checkout

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	domain "github.com/Zhima-Mochi/creatorpay/internal/domain/checkout"
	domdeposit "github.com/Zhima-Mochi/creatorpay/internal/domain/deposit"
	"github.com/Zhima-Mochi/creatorpay/internal/domain/poll"
	"github.com/Zhima-Mochi/creatorpay/internal/observability"
	"github.com/Zhima-Mochi/creatorpay/internal/observability/logctx"
)

// cycle is the handle of one running poll loop. Stop is idempotent and returns
// only after the loop and any in-flight status query have exited.
type cycle struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	// settled is set once the loop has run its terminal side effects and needs nothing more.
	settled atomic.Bool
}

func (c *cycle) Stop() {
	if c == nil {
		return
	}
	c.once.Do(c.cancel)
	<-c.done
}

// runner owns one attempt. opMu serializes control operations (submit, retry,
// cancel); stateMu guards the attempt and is the only lock the loop blocks on.
type runner struct {
	id string

	opMu    sync.Mutex
	cycle   *cycle
	retired bool

	stateMu sync.Mutex
	attempt *domain.Attempt
}

func (r *runner) snapshot() *domain.Attempt {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.attempt.Clone()
}

// stopCycle must be called with opMu held.
func (r *runner) stopCycle() {
	r.cycle.Stop()
	r.cycle = nil
}

// startCycle must be called with opMu held, right after a DepositCreated.
func (s *Service) startCycle(r *runner) {
	a := r.snapshot()
	logger := s.log.With(
		observability.F("attempt_id", a.ID),
		observability.F("deposit_id", a.Machine.DepositID),
		observability.F("cycle", a.Machine.Cycle),
	)
	ctx, cancel := context.WithCancel(logctx.With(s.root, logger))
	c := &cycle{cancel: cancel, done: make(chan struct{})}
	r.cycle = c
	go s.run(ctx, r, c, a.Machine.Cycle, a.Machine.DepositID)
}

func (s *Service) run(ctx context.Context, r *runner, c *cycle, cycleNo int, depositID string) {
	defer close(c.done)

	pollTimer := time.NewTimer(s.cfg.PollInterval)
	countdown := time.NewTicker(s.cfg.CountdownTick)
	defer pollTimer.Stop()
	defer countdown.Stop()

	results := make(chan poll.StatusReported, 1)
	var inflight sync.WaitGroup
	defer inflight.Wait()
	queryCtx, cancelQuery := context.WithCancel(ctx)
	defer cancelQuery()

	for {
		select {
		case <-ctx.Done():
			return

		case <-pollTimer.C:
			if ctx.Err() != nil {
				return
			}
			effects := s.apply(ctx, r, poll.PollTick{Cycle: cycleNo})
			if poll.Has(effects, poll.EffectQueryStatus) {
				inflight.Add(1)
				go func() {
					defer inflight.Done()
					results <- s.query(queryCtx, depositID, cycleNo)
				}()
			}

		case ev := <-results:
			if ctx.Err() != nil {
				return
			}
			effects := s.apply(ctx, r, ev)
			if poll.Has(effects, poll.EffectStopTimers) {
				s.settle(ctx, r, effects)
				s.detach(r, c)
				return
			}
			if poll.Has(effects, poll.EffectArmPoll) {
				pollTimer.Reset(s.cfg.PollInterval)
			}

		case <-countdown.C:
			if ctx.Err() != nil {
				return
			}
			effects := s.apply(ctx, r, poll.CountdownTick{Cycle: cycleNo})
			if poll.Has(effects, poll.EffectStopTimers) {
				s.settle(ctx, r, effects)
				s.detach(r, c)
				return
			}
		}
	}
}

// detach retires the runner of a settled cycle. When a control operation holds
// opMu it is left to that operation's release, which sees the settled flag.
func (s *Service) detach(r *runner, c *cycle) {
	c.settled.Store(true)
	if !r.opMu.TryLock() {
		return
	}
	defer r.opMu.Unlock()
	if r.cycle != c || r.retired {
		return
	}
	r.cycle = nil
	c.once.Do(c.cancel)
	s.retire(r)
}

// query asks the provider once. Errors never escape: they become transient results.
func (s *Service) query(ctx context.Context, depositID string, cycleNo int) poll.StatusReported {
	ev := poll.StatusReported{Cycle: cycleNo}
	report, err := s.Checker.Status(ctx, depositID)
	switch {
	case err != nil:
		ev.Result = poll.ResultTransient
		ev.Reason = err.Error()
		if ctx.Err() == nil {
			logctx.FromOr(ctx, s.log).Warn("status_check_transient", observability.F("error", err))
		}
	case report.Status == domdeposit.StatusCompleted:
		ev.Result = poll.ResultCompleted
	case report.Status == domdeposit.StatusFailed:
		ev.Result = poll.ResultFailed
		ev.Reason = report.Reason
	default:
		ev.Result = poll.ResultPending
	}
	s.pollCounter.Add(1, observability.L("result", string(ev.Result)))
	return ev
}

// apply reduces ev into the attempt and persists the result when it changed.
func (s *Service) apply(ctx context.Context, r *runner, ev poll.Event) []poll.Effect {
	effects, err := s.reduce(ctx, r, ev)
	if err != nil {
		logctx.FromOr(ctx, s.log).Error("poll_transition_rejected", observability.F("error", err))
	}
	return effects
}

func (s *Service) reduce(ctx context.Context, r *runner, ev poll.Event) ([]poll.Effect, error) {
	r.stateMu.Lock()
	next, effects, err := poll.Reduce(r.attempt.Machine, ev)
	if err != nil {
		r.stateMu.Unlock()
		return nil, err
	}
	changed := next != r.attempt.Machine
	r.attempt.Machine = next
	var snap *domain.Attempt
	if changed {
		r.attempt.Touch()
		snap = r.attempt.Clone()
	}
	r.stateMu.Unlock()

	if snap != nil {
		s.persist(ctx, snap)
	}
	return effects, nil
}

func (s *Service) persist(ctx context.Context, a *domain.Attempt) {
	if err := s.Attempts.Update(context.WithoutCancel(ctx), a); err != nil {
		logctx.FromOr(ctx, s.log).Error("attempt_update_failed",
			observability.F("attempt_id", a.ID),
			observability.F("error", err),
		)
	}
}

func (s *Service) setRedirect(ctx context.Context, r *runner, redirect domain.Redirect) *domain.Attempt {
	r.stateMu.Lock()
	r.attempt.Redirect = redirect
	r.attempt.Touch()
	snap := r.attempt.Clone()
	r.stateMu.Unlock()

	s.persist(ctx, snap)
	return snap
}

// settle runs the terminal side effects. They must complete even if the cycle
// is stopped meanwhile, so they run detached from the loop's cancellation.
func (s *Service) settle(ctx context.Context, r *runner, effects []poll.Effect) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	a := r.snapshot()
	logger := logctx.FromOr(ctx, s.log)
	s.outcomeCounter.Add(1, observability.L("state", string(a.Machine.State)))

	if poll.Has(effects, poll.EffectClearSession) {
		if err := s.Sessions.Clear(ctx, a.SessionID); err != nil {
			logger.Warn("session_clear_failed", observability.F("error", err))
		}
	}
	if poll.Has(effects, poll.EffectIssueToken) {
		a = s.setRedirect(ctx, r, s.confirmationRedirect(ctx, a))
	}

	logger.Info("checkout_settled",
		observability.F("state", string(a.Machine.State)),
		observability.F("attempts", a.Machine.Attempt),
		observability.F("countdown", a.Machine.Countdown),
		observability.F("transient_failures", a.Machine.Transient),
		observability.F("reason", a.Machine.Reason),
		observability.F("redirect_degraded", a.Redirect.Degraded),
	)
}
