package notify

import (
	"context"

	"github.com/Zhima-Mochi/creatorpay/internal/application/fulfillment"
	"github.com/Zhima-Mochi/creatorpay/internal/observability"
	"github.com/Zhima-Mochi/creatorpay/internal/observability/logctx"
)

// LogNotifier writes creator notifications to the structured log. It stands in
// for a delivery channel in sandbox deployments.
type LogNotifier struct {
	log observability.Logger
}

func NewLogNotifier(tel observability.Observability) *LogNotifier {
	return &LogNotifier{
		log: observability.OrNop(tel).Logger().With(observability.F("component", "notifier")),
	}
}

func (n *LogNotifier) Notify(ctx context.Context, r fulfillment.Receipt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fields := []observability.Field{
		observability.F("deposit_id", r.DepositID),
		observability.F("creator", r.CreatorUsername),
		observability.F("buyer", r.BuyerName),
		observability.F("amount", r.Amount),
		observability.F("purpose", string(r.Purpose)),
		observability.F("confirmed_at", r.ConfirmedAt),
	}
	if r.ProductID != "" {
		fields = append(fields, observability.F("product_id", r.ProductID))
	}
	if len(r.Items) > 0 {
		fields = append(fields, observability.F("line_count", len(r.Items)))
	}
	logctx.FromOr(ctx, n.log).Info("creator_notified", fields...)
	return nil
}
