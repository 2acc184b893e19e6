package fulfillment

import (
	"context"
	"fmt"
	"time"

	"github.com/Zhima-Mochi/creatorpay/internal/application"
	domoutbox "github.com/Zhima-Mochi/creatorpay/internal/domain/outbox"
	domtoken "github.com/Zhima-Mochi/creatorpay/internal/domain/token"
	"github.com/Zhima-Mochi/creatorpay/internal/observability"
	"github.com/Zhima-Mochi/creatorpay/internal/observability/logctx"
)

const workerService = "fulfillment_worker"

type Worker struct {
	subscriber domoutbox.Subscriber
	useCase    application.UseCase[domtoken.ConfirmationRedeemedEvent, *Result]

	log          observability.Logger
	reqCounter   observability.Counter   // usecase_requests_total{use_case,outcome}
	durHistogram observability.Histogram // usecase_duration_seconds{use_case}
}

func NewWorker(
	subscriber domoutbox.Subscriber,
	useCase application.UseCase[domtoken.ConfirmationRedeemedEvent, *Result],
	tel observability.Observability,
) *Worker {
	tel = observability.OrNop(tel)
	return &Worker{
		subscriber:   subscriber,
		useCase:      useCase,
		log:          tel.Logger().With(observability.F("service", workerService)),
		reqCounter:   tel.Metrics().Counter(observability.MUsecaseRequests),
		durHistogram: tel.Metrics().Histogram(observability.MUsecaseDuration),
	}
}

func (w *Worker) Start() {
	if w.subscriber == nil || w.useCase == nil {
		return
	}
	w.subscriber.Subscribe(domtoken.ConfirmationRedeemedEvent{}.EventName(), w.handleRedeemed)
}

func (w *Worker) handleRedeemed(ctx context.Context, e domoutbox.Event) error {
	const useCase = "fulfillment.worker.confirmation_redeemed"
	evt, ok := e.(domtoken.ConfirmationRedeemedEvent)
	if !ok {
		w.count(useCase, "ignored")
		return nil
	}

	start := time.Now()
	outcome := "success"
	ctx, logger := logctx.Enrich(ctx, w.log,
		observability.F("use_case", useCase),
		observability.F("deposit_id", evt.Claims.DepositID),
	)
	defer func() {
		lat := time.Since(start).Seconds()
		w.count(useCase, outcome)
		w.durHistogram.Observe(lat, observability.L("use_case", useCase))
		logger.Debug("worker_event_handled",
			observability.F("outcome", outcome),
			observability.F("latency_seconds", lat),
		)
	}()

	if _, err := w.useCase.Execute(ctx, evt); err != nil {
		outcome = "error"
		return fmt.Errorf("worker: fulfillment: %w", err)
	}
	return nil
}

func (w *Worker) count(useCase, outcome string) {
	w.reqCounter.Add(1,
		observability.L("use_case", useCase),
		observability.L("outcome", outcome),
	)
}
