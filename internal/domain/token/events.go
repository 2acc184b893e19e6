package token

import "time"

// ConfirmationRedeemedEvent fires once per token, when the confirmation page redeems it.
type ConfirmationRedeemedEvent struct {
	Claims     Claims
	OccurredAt time.Time
}

func (ConfirmationRedeemedEvent) EventName() string { return "confirmation.redeemed" }

func NewConfirmationRedeemedEvent(c Claims) ConfirmationRedeemedEvent {
	return ConfirmationRedeemedEvent{
		Claims:     c,
		OccurredAt: time.Now().UTC(),
	}
}
