package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	domdeposit "github.com/Zhima-Mochi/creatorpay/internal/domain/deposit"
	dominventory "github.com/Zhima-Mochi/creatorpay/internal/domain/inventory"
	domtoken "github.com/Zhima-Mochi/creatorpay/internal/domain/token"
	"github.com/Zhima-Mochi/creatorpay/internal/observability"
	"github.com/Zhima-Mochi/creatorpay/internal/observability/logctx"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	fulfillmentService = "fulfillment-service"
	useCaseFulfill     = "fulfillment.fulfill"
	spanPrefix         = "UC."
	notifyPeer         = "notifier"
)

// Receipt is what the creator is told about a confirmed payment.
type Receipt struct {
	DepositID       string
	CreatorUsername string
	BuyerName       string
	Amount          int64
	Purpose         domdeposit.PurposeType
	ProductID       string
	Items           []domtoken.LineItem
	ConfirmedAt     time.Time
}

type Notifier interface {
	Notify(ctx context.Context, r Receipt) error
}

// SalesRecorder advances a product's sold counter.
type SalesRecorder interface {
	RecordSale(ctx context.Context, productID string, quantity int) error
}

// Ledger remembers fulfilled deposits. Claim reports true only for the first
// caller of a deposit id.
type Ledger interface {
	Claim(ctx context.Context, depositID string) (bool, error)
}

type Result struct {
	Notified     bool
	SaleRecorded bool
	LinesBooked  int
	Duplicate    bool
}

// FulfillUseCase reacts to a redeemed confirmation: it tells the creator and,
// for shop purchases, books every paid line against its product. A deposit is
// fulfilled at most once.
type FulfillUseCase struct {
	notifier Notifier
	sales    SalesRecorder
	ledger   Ledger

	log          observability.Logger
	tracer       observability.Tracer
	reqCounter   observability.Counter
	durHistogram observability.Histogram
	extCounter   observability.Counter
	extHistogram observability.Histogram
}

func NewFulfillUseCase(notifier Notifier, sales SalesRecorder, ledger Ledger, tel observability.Observability) *FulfillUseCase {
	tel = observability.OrNop(tel)
	return &FulfillUseCase{
		notifier:     notifier,
		sales:        sales,
		ledger:       ledger,
		log:          tel.Logger().With(observability.F("service", fulfillmentService)),
		tracer:       tel.Tracer(),
		reqCounter:   tel.Metrics().Counter(observability.MUsecaseRequests),
		durHistogram: tel.Metrics().Histogram(observability.MUsecaseDuration),
		extCounter:   tel.Metrics().Counter(observability.MExternalRequests),
		extHistogram: tel.Metrics().Histogram(observability.MExternalRequestDuration),
	}
}

func (uc *FulfillUseCase) Execute(ctx context.Context, e domtoken.ConfirmationRedeemedEvent) (_ *Result, err error) {
	c := e.Claims
	ctx, span := uc.tracer.Start(ctx, spanPrefix+"Fulfill",
		attribute.String("use_case", useCaseFulfill),
		attribute.String("deposit.id", c.DepositID),
		attribute.String("purpose.type", string(c.PurposeType)),
	)
	start := time.Now()
	outcome, statusText := "success", "OK"
	result := &Result{}
	logger := logctx.FromOr(ctx, uc.log).With(observability.F("use_case", useCaseFulfill))

	defer func() {
		lat := time.Since(start).Seconds()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, statusText)
		} else {
			span.SetStatus(codes.Ok, statusText)
		}
		span.End()

		uc.reqCounter.Add(1,
			observability.L("use_case", useCaseFulfill),
			observability.L("outcome", outcome),
		)
		uc.durHistogram.Observe(lat, observability.L("use_case", useCaseFulfill))

		fields := []observability.Field{
			observability.F("outcome", outcome),
			observability.F("status", statusText),
			observability.F("latency_seconds", lat),
			observability.F("deposit_id", c.DepositID),
			observability.F("creator", c.CreatorUsername),
			observability.F("notified", result.Notified),
			observability.F("sale_recorded", result.SaleRecorded),
			observability.F("lines_booked", result.LinesBooked),
		}
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			fields = append(fields,
				observability.F("trace_id", sc.TraceID().String()),
				observability.F("span_id", sc.SpanID().String()),
			)
		}
		if err != nil {
			fields = append(fields, observability.F("error", err.Error()))
		}
		logger.Info("use_case_done", fields...)
	}()

	if uc.ledger != nil {
		first, lerr := uc.ledger.Claim(ctx, c.DepositID)
		if lerr != nil {
			outcome, statusText = "error", "LEDGER_UNAVAILABLE"
			return result, fmt.Errorf("fulfillment: claim deposit: %w", lerr)
		}
		if !first {
			outcome, statusText = "skipped", "ALREADY_FULFILLED"
			result.Duplicate = true
			return result, nil
		}
	}

	if c.PurposeType == domdeposit.PurposeShop && uc.sales != nil {
		for _, line := range c.Items {
			serr := uc.sales.RecordSale(ctx, line.ProductID, line.Quantity)
			switch {
			case serr == nil:
				result.LinesBooked++
			case errors.Is(serr, dominventory.ErrNotFound):
				// The product was unlisted after checkout; the creator is still paid.
				logger.Warn("sale_product_missing", observability.F("product_id", line.ProductID))
			default:
				outcome, statusText = "error", "SALE_RECORD_FAILED"
				return result, fmt.Errorf("fulfillment: record sale of %s: %w", line.ProductID, serr)
			}
		}
		result.SaleRecorded = len(c.Items) > 0 && result.LinesBooked == len(c.Items)
	}

	if uc.notifier != nil {
		nerr := uc.notify(ctx, Receipt{
			DepositID:       c.DepositID,
			CreatorUsername: c.CreatorUsername,
			BuyerName:       c.BuyerName,
			Amount:          c.Amount,
			Purpose:         c.PurposeType,
			ProductID:       c.ProductID,
			Items:           c.Items,
			ConfirmedAt:     e.OccurredAt,
		})
		if nerr != nil {
			outcome, statusText = "error", "NOTIFY_FAILED"
			return result, fmt.Errorf("fulfillment: notify: %w", nerr)
		}
		result.Notified = true
	}

	return result, nil
}

func (uc *FulfillUseCase) notify(ctx context.Context, r Receipt) error {
	start := time.Now()
	err := uc.notifier.Notify(ctx, r)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	uc.extCounter.Add(1,
		observability.L("peer", notifyPeer),
		observability.L("endpoint", "notify"),
		observability.L("outcome", outcome),
	)
	uc.extHistogram.Observe(time.Since(start).Seconds(),
		observability.L("peer", notifyPeer),
		observability.L("endpoint", "notify"),
	)
	return err
}
