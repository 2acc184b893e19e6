package checkout

import (
	"context"
	"errors"
	"time"

	"github.com/Zhima-Mochi/creatorpay/internal/domain/deposit"
	"github.com/Zhima-Mochi/creatorpay/internal/domain/poll"
)

var (
	ErrAttemptNotFound = errors.New("checkout: attempt not found")
	ErrConflict        = errors.New("checkout: attempt already exists")
)

type RedirectTarget string

const (
	RedirectNone         RedirectTarget = ""
	RedirectConfirmation RedirectTarget = "confirmation"
	RedirectBrowse       RedirectTarget = "browse"
)

// Redirect is where the client should navigate once the attempt settles.
// Degraded marks a confirmation page that cannot prove the payment itself.
type Redirect struct {
	Target   RedirectTarget `json:"target,omitempty"`
	URL      string         `json:"url,omitempty"`
	Degraded bool           `json:"degraded,omitempty"`
}

// Line is one priced cart line frozen at submission.
type Line struct {
	ProductID string
	Quantity  int
}

// Attempt is one submitted checkout and the poll machine driving it.
type Attempt struct {
	ID            string
	SessionID     string
	SubmissionKey string
	Request       deposit.Request
	Lines         []Line
	Creator       CreatorRef
	Machine       poll.Machine
	Redirect      Redirect
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func NewAttempt(id, sessionID, submissionKey string, req deposit.Request, creator CreatorRef, cfg poll.Config) *Attempt {
	now := time.Now().UTC()
	return &Attempt{
		ID:            id,
		SessionID:     sessionID,
		SubmissionKey: submissionKey,
		Request:       req,
		Creator:       creator,
		Machine:       poll.New(cfg),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (a *Attempt) Touch() { a.UpdatedAt = time.Now().UTC() }

func (a *Attempt) Clone() *Attempt {
	if a == nil {
		return nil
	}
	out := *a
	out.Lines = append([]Line(nil), a.Lines...)
	return &out
}

// OwnedBy reports whether the browsing session that submitted the attempt is sessionID.
func (a *Attempt) OwnedBy(sessionID string) bool {
	return sessionID != "" && a.SessionID == sessionID
}

// Message is the buyer-facing text for the current state.
func (a *Attempt) Message() string {
	m := a.Machine
	switch {
	case m.Abandoned:
		return "Checkout cancelled."
	case m.State == poll.StateIdle:
		return "Preparing your payment."
	case m.State == poll.StateProcessing:
		return "Approve the payment prompt on your phone."
	case m.State == poll.StateSuccess:
		return "Payment received. Thank you!"
	case m.State == poll.StateTimeout:
		return "Your payment might still be processing. Check your phone, then try again or go back to the shop."
	case m.State == poll.StateError && m.Reason != "":
		return "Payment could not be completed: " + m.Reason
	default:
		return "Payment could not be completed. Please try again."
	}
}

type AttemptRepository interface {
	Insert(ctx context.Context, a *Attempt) error
	Get(ctx context.Context, id string) (*Attempt, error)
	Update(ctx context.Context, a *Attempt) error
	FindBySubmission(ctx context.Context, sessionID, submissionKey string) (*Attempt, error)
	FindByDeposit(ctx context.Context, depositID string) (*Attempt, error)
}
