package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// PlatformMaxQuantity bounds a single purchase of an unlimited product.
const PlatformMaxQuantity = 10

var (
	ErrNotFound         = errors.New("inventory: product not found")
	ErrQuantityRejected = errors.New("inventory: quantity rejected")
)

type Reason string

const (
	ReasonBelowMinimum         Reason = "below_minimum"
	ReasonQuantityNotAllowed   Reason = "quantity_not_allowed"
	ReasonSoldOut              Reason = "sold_out"
	ReasonExceedsRemaining     Reason = "exceeds_remaining"
	ReasonExceedsPlatformLimit Reason = "exceeds_platform_limit"
)

// SlotInventory describes limited availability. MaxSlots == 0 means unlimited.
type SlotInventory struct {
	MaxSlots      int  `json:"max_slots"`
	SoldSlots     int  `json:"sold_slots"`
	AllowQuantity bool `json:"allow_quantity"`
}

func (s SlotInventory) Limited() bool { return s.MaxSlots > 0 }

// Remaining may be negative when the counter has been oversold upstream.
func (s SlotInventory) Remaining() int { return s.MaxSlots - s.SoldSlots }

type Product struct {
	ID              string
	CreatorID       string
	CreatorUsername string
	Name            string
	Price           int64
	Slots           SlotInventory
	UpdatedAt       time.Time
}

// Catalog is the read side of the product collaborator.
type Catalog interface {
	Get(ctx context.Context, productID string) (*Product, error)
}

// QuantityRejected reports why a requested quantity is not admissible.
type QuantityRejected struct {
	ProductID string
	Requested int
	Max       int
	Reason    Reason
}

func (e *QuantityRejected) Error() string {
	if e.Reason == ReasonSoldOut {
		return fmt.Sprintf("inventory: product %s is sold out", e.ProductID)
	}
	return fmt.Sprintf("inventory: quantity %d rejected for product %s (%s, max %d)", e.Requested, e.ProductID, e.Reason, e.Max)
}

func (e *QuantityRejected) Unwrap() error { return ErrQuantityRejected }

// MaxAdmissible returns the largest quantity Validate would accept; zero or less means none.
func MaxAdmissible(s SlotInventory) int {
	upper := PlatformMaxQuantity
	if s.Limited() {
		upper = s.Remaining()
	}
	if !s.AllowQuantity && upper > 1 {
		upper = 1
	}
	return upper
}

// Validate is an advisory pre-check; the authoritative slot decrement happens upstream.
func Validate(p Product, requested int) error {
	reject := func(reason Reason) error {
		return &QuantityRejected{
			ProductID: p.ID,
			Requested: requested,
			Max:       max(MaxAdmissible(p.Slots), 0),
			Reason:    reason,
		}
	}

	if requested < 1 {
		return reject(ReasonBelowMinimum)
	}
	if !p.Slots.AllowQuantity && requested != 1 {
		return reject(ReasonQuantityNotAllowed)
	}
	if p.Slots.Limited() {
		remaining := p.Slots.Remaining()
		if remaining <= 0 {
			return reject(ReasonSoldOut)
		}
		if requested > remaining {
			return reject(ReasonExceedsRemaining)
		}
		return nil
	}
	if requested > PlatformMaxQuantity {
		return reject(ReasonExceedsPlatformLimit)
	}
	return nil
}
