package token

import (
	"context"
	"errors"
	"time"

	"github.com/Zhima-Mochi/creatorpay/internal/domain/deposit"
)

var (
	ErrExpired  = errors.New("token: expired")
	ErrInvalid  = errors.New("token: invalid")
	ErrConsumed = errors.New("token: already consumed")
	// ErrAlreadyIssued means the deposit already has a confirmation token.
	ErrAlreadyIssued = errors.New("token: already issued for this deposit")
)

const (
	DefaultTTL = 5 * time.Minute
	// Grace keeps records past expiry so late validations report expiry instead of
	// invalid. Past Grace the record is forgotten and reads as never issued.
	Grace = 24 * time.Hour
)

// Claims are what the confirmation page may display once the token is redeemed.
type Claims struct {
	DepositID       string              `json:"deposit_id"`
	Amount          int64               `json:"amount"`
	BuyerName       string              `json:"buyer_name"`
	CreatorUsername string              `json:"creator_username"`
	PurposeType     deposit.PurposeType `json:"purpose_type"`
	ProductID       string              `json:"product_id,omitempty"`
	Items           []LineItem          `json:"items,omitempty"`
}

// LineItem is one paid cart line, booked against inventory on fulfillment.
type LineItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

func (c Claims) Validate() error {
	if c.DepositID == "" || c.Amount <= 0 || c.CreatorUsername == "" || !c.PurposeType.Valid() {
		return ErrInvalid
	}
	for _, it := range c.Items {
		if it.ProductID == "" || it.Quantity < 1 {
			return ErrInvalid
		}
	}
	return nil
}

type Record struct {
	Token     string
	Claims    Claims
	ExpiresAt time.Time
}

// Store persists issued tokens. Save refuses a second token for the same deposit
// with ErrAlreadyIssued. Consume is atomic: exactly one caller observes success.
type Store interface {
	Save(ctx context.Context, rec Record, retain time.Duration) error
	Consume(ctx context.Context, token string, now time.Time) (Record, error)
}
