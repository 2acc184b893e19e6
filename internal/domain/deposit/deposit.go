package deposit

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidAmount      = errors.New("deposit: amount must be greater than zero")
	ErrPhoneRequired      = errors.New("deposit: phone number is required")
	ErrCreatorRequired    = errors.New("deposit: creator id is required")
	ErrInvalidPurpose     = errors.New("deposit: unknown purpose type")
	ErrPurposeRefRequired = errors.New("deposit: purpose reference is required")
	ErrPaymentRejected    = errors.New("deposit: payment rejected")
	ErrStatusUnavailable  = errors.New("deposit: status temporarily unavailable")
)

// DefaultBuyerName is shown to the creator when the buyer leaves the name blank.
const DefaultBuyerName = "Anonymous"

type PurposeType string

const (
	PurposeSupport  PurposeType = "support"
	PurposeShop     PurposeType = "shop"
	PurposeWishlist PurposeType = "wishlist"
)

func (p PurposeType) Valid() bool {
	switch p {
	case PurposeSupport, PurposeShop, PurposeWishlist:
		return true
	}
	return false
}

// NeedsRef reports whether the purpose must point at a product or wishlist entry.
func (p PurposeType) NeedsRef() bool {
	return p == PurposeShop || p == PurposeWishlist
}

// Request is what the mobile-money provider needs to open a deposit.
type Request struct {
	Amount     int64
	Phone      string
	BuyerName  string
	CreatorID  string
	Purpose    PurposeType
	PurposeRef string
}

// Normalize trims input and fills the default buyer name. The phone number is
// left exactly as entered: carrier detection and format checks belong to the provider.
func (r Request) Normalize() Request {
	r.BuyerName = strings.TrimSpace(r.BuyerName)
	if r.BuyerName == "" {
		r.BuyerName = DefaultBuyerName
	}
	r.PurposeRef = strings.TrimSpace(r.PurposeRef)
	return r
}

func (r Request) Validate() error {
	if r.Amount <= 0 {
		return ErrInvalidAmount
	}
	if strings.TrimSpace(r.Phone) == "" {
		return ErrPhoneRequired
	}
	if r.CreatorID == "" {
		return ErrCreatorRequired
	}
	if !r.Purpose.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPurpose, r.Purpose)
	}
	if r.Purpose.NeedsRef() && r.PurposeRef == "" {
		return ErrPurposeRefRequired
	}
	return nil
}

// PaymentRejected carries the provider's (or transport's) refusal to open a deposit.
type PaymentRejected struct {
	Reason string
	Err    error
}

func (e *PaymentRejected) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("deposit: payment rejected: %s: %v", e.Reason, e.Err)
	}
	return "deposit: payment rejected: " + e.Reason
}

func (e *PaymentRejected) Is(target error) bool { return target == ErrPaymentRejected }

func (e *PaymentRejected) Unwrap() error { return e.Err }

func Rejected(reason string, err error) error {
	return &PaymentRejected{Reason: reason, Err: err}
}

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// StatusReport is the provider's view of a deposit, already narrowed from the wire shape.
type StatusReport struct {
	Status  Status
	OrderID string
	Reason  string
}

// TransientError marks a status check that should simply be retried on the next tick.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("deposit: %s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Is(target error) bool { return target == ErrStatusUnavailable }

func (e *TransientError) Unwrap() error { return e.Err }

// Provider is the mobile-money collaborator.
type Provider interface {
	// Create opens a deposit and returns its id. Refusals are *PaymentRejected.
	Create(ctx context.Context, req Request) (string, error)
	// Status never decides flow; failures that may heal are *TransientError.
	Status(ctx context.Context, depositID string) (StatusReport, error)
}
