package checkout

import (
	"errors"
	"fmt"

	domain "github.com/Zhima-Mochi/creatorpay/internal/domain/checkout"
)

var (
	ErrSessionRequired = errors.New("checkout: session id is required")
	ErrRetryNotAllowed = errors.New("checkout: attempt cannot be retried")
	ErrShuttingDown    = errors.New("checkout: service is shutting down")
	ErrProductNotFound = errors.New("checkout: product not found")
	ErrProductForeign  = errors.New("checkout: product belongs to another creator")
	ErrAmountTooLarge  = errors.New("checkout: cart total is too large")
	ErrDepositRequired = errors.New("checkout: deposit id is required")
	ErrNotConfirmed    = errors.New("checkout: deposit has not completed")
	ErrClaimsMismatch  = errors.New("checkout: confirmation details do not match the payment")
)

// RedirectRequired tells the client to navigate instead of paying.
type RedirectRequired struct {
	Redirect domain.Redirect
	Err      error
}

func (e *RedirectRequired) Error() string {
	return fmt.Sprintf("checkout: redirect to %s: %v", e.Redirect.Target, e.Err)
}

func (e *RedirectRequired) Unwrap() error { return e.Err }
