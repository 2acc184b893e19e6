package checkout

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrCreatorUnknown = errors.New("checkout: creator cannot be resolved")
	ErrItemNotFound   = errors.New("checkout: item not in cart")
	ErrEmptyCart      = errors.New("checkout: cart is empty")
	ErrMixedCreators  = errors.New("checkout: cart holds items from more than one creator")
	ErrInvalidItem    = errors.New("checkout: item needs a product id and a positive quantity")
)

// CreatorRef identifies the payee of a checkout.
type CreatorRef struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
}

func (c CreatorRef) Known() bool { return c.ID != "" }

type Item struct {
	ProductID string     `json:"productId"`
	Name      string     `json:"name,omitempty"`
	Price     int64      `json:"price,omitempty"`
	Quantity  int        `json:"quantity"`
	Creator   CreatorRef `json:"creator"`
}

// Cart is the session-scoped selection a buyer is about to pay for.
// Repairs lists what Decode had to fix; it is never persisted.
type Cart struct {
	Items   []Item
	Creator CreatorRef
	Repairs []string
}

func (c *Cart) Empty() bool { return len(c.Items) == 0 }

func (c *Cart) Find(productID string) (Item, bool) {
	for _, it := range c.Items {
		if it.ProductID == productID {
			return it, true
		}
	}
	return Item{}, false
}

// Add merges item into the cart and returns the resulting line. Quantities of an
// existing line are summed so that no product appears twice.
func (c *Cart) Add(item Item) (Item, error) {
	if item.ProductID == "" || item.Quantity < 1 {
		return Item{}, ErrInvalidItem
	}
	if !item.Creator.Known() {
		item.Creator = c.Creator
	}
	if c.Creator.Known() && item.Creator.Known() && item.Creator.ID != c.Creator.ID {
		return Item{}, fmt.Errorf("%w: %s", ErrMixedCreators, item.Creator.ID)
	}
	if !c.Creator.Known() {
		c.Creator = item.Creator
	}
	for i := range c.Items {
		if c.Items[i].ProductID == item.ProductID {
			c.Items[i].Quantity += item.Quantity
			return c.Items[i], nil
		}
	}
	c.Items = append(c.Items, item)
	return item, nil
}

func (c *Cart) SetQuantity(productID string, quantity int) (Item, error) {
	if quantity < 1 {
		return Item{}, ErrInvalidItem
	}
	for i := range c.Items {
		if c.Items[i].ProductID == productID {
			c.Items[i].Quantity = quantity
			return c.Items[i], nil
		}
	}
	return Item{}, ErrItemNotFound
}

func (c *Cart) Remove(productID string) error {
	for i := range c.Items {
		if c.Items[i].ProductID == productID {
			c.Items = append(c.Items[:i], c.Items[i+1:]...)
			return nil
		}
	}
	return ErrItemNotFound
}

// Payee resolves who receives the payment.
func (c *Cart) Payee() (CreatorRef, error) {
	if c.Creator.Known() {
		return c.Creator, nil
	}
	for _, it := range c.Items {
		if it.Creator.Known() {
			return it.Creator, nil
		}
	}
	return CreatorRef{}, ErrCreatorUnknown
}

// Clone returns a copy that shares no slices with c.
func (c Cart) Clone() Cart {
	out := c
	out.Items = append([]Item(nil), c.Items...)
	out.Repairs = append([]string(nil), c.Repairs...)
	return out
}

// SessionStore keeps one cart per buyer session plus the last creator the buyer visited.
type SessionStore interface {
	Load(ctx context.Context, sessionID string) (Cart, error)
	Save(ctx context.Context, sessionID string, cart Cart) error
	Clear(ctx context.Context, sessionID string) error
	RememberCreator(ctx context.Context, sessionID string, creator CreatorRef) error
}
