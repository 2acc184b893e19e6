package deposit

import (
	"context"
	"errors"
	"time"

	domain "github.com/Zhima-Mochi/creatorpay/internal/domain/deposit"
	"github.com/Zhima-Mochi/creatorpay/internal/observability"
	"github.com/Zhima-Mochi/creatorpay/internal/observability/logctx"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	depositService         = "deposit-service"
	useCaseDepositInitiate = "deposit.initiate"
	spanPrefix             = "UC."
)

type InitiateInput struct {
	// SubmissionKey collapses concurrent duplicate submissions into one provider call.
	SubmissionKey string
	Request       domain.Request
}

type InitiateResult struct {
	DepositID string
	Shared    bool
}

// InitiateUseCase opens a deposit with the provider.
type InitiateUseCase struct {
	provider domain.Provider
	group    singleflight.Group
	tel      observability.Observability

	log          observability.Logger
	reqCounter   observability.Counter   // usecase_requests_total{use_case,outcome}
	durHistogram observability.Histogram // usecase_duration_seconds{use_case}
}

func NewInitiateUseCase(provider domain.Provider, tel observability.Observability) *InitiateUseCase {
	tel = observability.OrNop(tel)
	return &InitiateUseCase{
		provider:     provider,
		tel:          tel,
		log:          tel.Logger().With(observability.F("service", depositService)),
		reqCounter:   tel.Metrics().Counter(observability.MUsecaseRequests),
		durHistogram: tel.Metrics().Histogram(observability.MUsecaseDuration),
	}
}

// Execute validates the request and calls the provider once. Every failure other
// than local validation is a *domain.PaymentRejected.
func (uc *InitiateUseCase) Execute(ctx context.Context, cmd InitiateInput) (_ *InitiateResult, err error) {
	logger := logctx.FromOr(ctx, uc.log).With(observability.F("use_case", useCaseDepositInitiate))
	req := cmd.Request.Normalize()

	ctx, span := uc.tel.Tracer().Start(ctx, spanPrefix+"InitiateDeposit",
		attribute.String("use_case", useCaseDepositInitiate),
		attribute.String("deposit.purpose", string(req.Purpose)),
		attribute.String("deposit.creator_id", req.CreatorID),
		attribute.Int64("deposit.amount", req.Amount),
	)
	start := time.Now()
	outcome, statusText := "success", "OK"
	var depositID string

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
			observability.L("use_case", useCaseDepositInitiate),
			observability.L("outcome", outcome),
		)
		uc.durHistogram.Observe(lat,
			observability.L("use_case", useCaseDepositInitiate),
		)

		fields := []observability.Field{
			observability.F("outcome", outcome),
			observability.F("status", statusText),
			observability.F("latency_seconds", lat),
		}
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			fields = append(fields,
				observability.F("trace_id", sc.TraceID().String()),
				observability.F("span_id", sc.SpanID().String()),
			)
		}
		if depositID != "" {
			fields = append(fields, observability.F("deposit_id", depositID))
		}
		if err != nil {
			fields = append(fields, observability.F("error", err.Error()))
		}
		logger.Info("use_case_done", fields...)
	}()

	if verr := req.Validate(); verr != nil {
		outcome, statusText = "error", "VALIDATION_FAILED"
		return nil, verr
	}
	if cerr := ctx.Err(); cerr != nil {
		outcome, statusText = "error", "CONTEXT_CANCELED"
		return nil, cerr
	}

	create := func() (any, error) { return uc.provider.Create(ctx, req) }
	var (
		v      any
		shared bool
	)
	if cmd.SubmissionKey == "" {
		v, err = create()
	} else {
		v, err, shared = uc.group.Do(cmd.SubmissionKey, create)
	}
	if err != nil {
		outcome, statusText = "error", "PAYMENT_REJECTED"
		var rejected *domain.PaymentRejected
		if !errors.As(err, &rejected) {
			err = domain.Rejected("provider_error", err)
		}
		return nil, err
	}

	depositID, _ = v.(string)
	if shared {
		statusText = "SHARED_SUBMISSION"
	}
	span.AddEvent("deposit.created",
		trace.WithAttributes(attribute.String("deposit.id", depositID)),
	)
	return &InitiateResult{DepositID: depositID, Shared: shared}, nil
}
