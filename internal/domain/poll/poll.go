// Package poll holds the checkout status machine. Reduce is pure: timers and
// provider calls live in the caller, which feeds their outcomes back as events.
package poll

import (
	"errors"
	"fmt"
)

var ErrInvalidTransition = errors.New("poll: invalid transition")

const (
	DefaultMaxAttempts = 30
	DefaultCountdown   = 60
)

type State string

const (
	StateIdle       State = "IDLE"
	StateProcessing State = "PROCESSING"
	StateSuccess    State = "SUCCESS"
	StateError      State = "ERROR"
	StateTimeout    State = "TIMEOUT"
)

func (s State) Terminal() bool {
	return s == StateSuccess || s == StateError || s == StateTimeout
}

type Result string

const (
	ResultPending   Result = "pending"
	ResultCompleted Result = "completed"
	ResultFailed    Result = "failed"
	ResultTransient Result = "transient"
)

type Effect string

const (
	// EffectStartTimers arms the poll timer and the countdown ticker for the current cycle.
	EffectStartTimers Effect = "start_timers"
	// EffectStopTimers cancels every timer of the current cycle.
	EffectStopTimers Effect = "stop_timers"
	// EffectQueryStatus asks the provider for the deposit status once.
	EffectQueryStatus Effect = "query_status"
	// EffectArmPoll schedules the next poll tick one interval after this result.
	EffectArmPoll Effect = "arm_poll"
	// EffectClearSession empties the buyer's cart.
	EffectClearSession Effect = "clear_session"
	// EffectIssueToken mints the confirmation credential.
	EffectIssueToken Effect = "issue_token"
	// EffectInitiateDeposit opens a fresh deposit before polling again.
	EffectInitiateDeposit Effect = "initiate_deposit"
	// EffectResumeDeposit polls the existing deposit again.
	EffectResumeDeposit Effect = "resume_deposit"
)

type Config struct {
	MaxAttempts int
	Countdown   int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Countdown <= 0 {
		c.Countdown = DefaultCountdown
	}
	return c
}

// Machine is the state of one checkout attempt. Cycle numbers each poll cycle so
// that ticks and results from a cancelled cycle are recognised and dropped.
type Machine struct {
	State          State  `json:"state"`
	Cycle          int    `json:"cycle"`
	DepositID      string `json:"deposit_id,omitempty"`
	Attempt        int    `json:"attempt"`
	MaxAttempts    int    `json:"max_attempts"`
	Countdown      int    `json:"countdown"`
	CountdownStart int    `json:"countdown_start"`
	Transient      int    `json:"transient_failures"`
	DepositFailed  bool   `json:"deposit_failed"`
	Abandoned      bool   `json:"abandoned"`
	Reason         string `json:"reason,omitempty"`
}

func New(cfg Config) Machine {
	cfg = cfg.withDefaults()
	return Machine{
		State:          StateIdle,
		MaxAttempts:    cfg.MaxAttempts,
		Countdown:      cfg.Countdown,
		CountdownStart: cfg.Countdown,
	}
}

type Event interface{ event() }

type DepositCreated struct{ DepositID string }

type DepositRejected struct{ Reason string }

type PollTick struct{ Cycle int }

type StatusReported struct {
	Cycle  int
	Result Result
	Reason string
}

type CountdownTick struct{ Cycle int }

type Retry struct{}

type Cancel struct{}

func (DepositCreated) event()  {}
func (DepositRejected) event() {}
func (PollTick) event()        {}
func (StatusReported) event()  {}
func (CountdownTick) event()   {}
func (Retry) event()           {}
func (Cancel) event()          {}

// Reduce applies ev to m. Ticks and results that do not belong to the running
// cycle are ignored and yield no effects.
func Reduce(m Machine, ev Event) (Machine, []Effect, error) {
	switch e := ev.(type) {
	case DepositCreated:
		if m.State != StateIdle {
			return m, nil, fmt.Errorf("%w: deposit created in %s", ErrInvalidTransition, m.State)
		}
		if e.DepositID == "" {
			return m, nil, fmt.Errorf("%w: empty deposit id", ErrInvalidTransition)
		}
		m.Cycle++
		m.State = StateProcessing
		m.DepositID = e.DepositID
		m.Attempt = 0
		m.Transient = 0
		m.Countdown = m.CountdownStart
		m.DepositFailed = false
		m.Abandoned = false
		m.Reason = ""
		return m, []Effect{EffectStartTimers}, nil

	case DepositRejected:
		if m.State != StateIdle {
			return m, nil, fmt.Errorf("%w: deposit rejected in %s", ErrInvalidTransition, m.State)
		}
		m.State = StateError
		m.DepositID = ""
		m.DepositFailed = true
		m.Reason = e.Reason
		return m, nil, nil

	case PollTick:
		if !m.live(e.Cycle) {
			return m, nil, nil
		}
		return m, []Effect{EffectQueryStatus}, nil

	case StatusReported:
		if !m.live(e.Cycle) {
			return m, nil, nil
		}
		m.Attempt++
		switch e.Result {
		case ResultCompleted:
			m.State = StateSuccess
			m.Reason = ""
			return m, []Effect{EffectStopTimers, EffectClearSession, EffectIssueToken}, nil
		case ResultFailed:
			m.State = StateError
			m.DepositFailed = true
			m.Reason = e.Reason
			return m, []Effect{EffectStopTimers}, nil
		case ResultTransient:
			m.Transient++
		case ResultPending:
		default:
			return m, nil, fmt.Errorf("%w: unknown result %q", ErrInvalidTransition, e.Result)
		}
		if m.Attempt >= m.MaxAttempts {
			m.State = StateTimeout
			return m, []Effect{EffectStopTimers}, nil
		}
		return m, []Effect{EffectArmPoll}, nil

	case CountdownTick:
		if !m.live(e.Cycle) {
			return m, nil, nil
		}
		if m.Countdown > 0 {
			m.Countdown--
		}
		if m.Countdown == 0 {
			m.State = StateTimeout
			return m, []Effect{EffectStopTimers}, nil
		}
		return m, nil, nil

	case Retry:
		if m.State == StateSuccess {
			return m, nil, fmt.Errorf("%w: retry after success", ErrInvalidTransition)
		}
		effects := make([]Effect, 0, 2)
		if m.State == StateProcessing {
			effects = append(effects, EffectStopTimers)
		}
		m.State = StateIdle
		m.Attempt = 0
		m.Transient = 0
		m.Countdown = m.CountdownStart
		m.Abandoned = false
		m.Reason = ""
		if m.DepositFailed || m.DepositID == "" {
			m.DepositID = ""
			effects = append(effects, EffectInitiateDeposit)
		} else {
			effects = append(effects, EffectResumeDeposit)
		}
		return m, effects, nil

	case Cancel:
		if m.State == StateSuccess {
			return m, nil, nil
		}
		var effects []Effect
		if m.State == StateProcessing {
			effects = []Effect{EffectStopTimers}
		}
		m.State = StateIdle
		m.Abandoned = true
		m.Reason = ""
		return m, effects, nil
	}
	return m, nil, fmt.Errorf("%w: unknown event %T", ErrInvalidTransition, ev)
}

func (m Machine) live(cycle int) bool {
	return m.State == StateProcessing && cycle == m.Cycle
}

// Has reports whether effects contains want.
func Has(effects []Effect, want Effect) bool {
	for _, e := range effects {
		if e == want {
			return true
		}
	}
	return false
}
