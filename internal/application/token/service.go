package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	domoutbox "github.com/Zhima-Mochi/creatorpay/internal/domain/outbox"
	domain "github.com/Zhima-Mochi/creatorpay/internal/domain/token"
	"github.com/Zhima-Mochi/creatorpay/internal/observability"
	"github.com/Zhima-Mochi/creatorpay/internal/observability/logctx"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tokenService    = "token-service"
	useCaseIssue    = "token.issue"
	useCaseValidate = "token.validate"
	spanPrefix      = "UC."
	tokenBytes      = 32
	publishPeer     = "outbox"
	publishEndpoint = "confirmation.redeemed"
	publishTimeout  = 300 * time.Millisecond
)

var ErrStore = errors.New("token: store failure")

type IssueResult struct {
	Token     string
	ExpiresAt time.Time
}

type Option func(*Service)

func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithRandom(r io.Reader) Option {
	return func(s *Service) { s.random = r }
}

// Service issues single-use confirmation tokens and redeems them.
type Service struct {
	store     domain.Store
	publisher domoutbox.Publisher
	ttl       time.Duration
	now       func() time.Time
	random    io.Reader
	tel       observability.Observability

	log          observability.Logger
	reqCounter   observability.Counter
	durHistogram observability.Histogram
	extCounter   observability.Counter
	extHistogram observability.Histogram
}

func NewService(store domain.Store, publisher domoutbox.Publisher, tel observability.Observability, opts ...Option) *Service {
	tel = observability.OrNop(tel)
	s := &Service{
		store:        store,
		publisher:    publisher,
		ttl:          domain.DefaultTTL,
		now:          time.Now,
		random:       rand.Reader,
		tel:          tel,
		log:          tel.Logger().With(observability.F("service", tokenService)),
		reqCounter:   tel.Metrics().Counter(observability.MUsecaseRequests),
		durHistogram: tel.Metrics().Histogram(observability.MUsecaseDuration),
		extCounter:   tel.Metrics().Counter(observability.MExternalRequests),
		extHistogram: tel.Metrics().Histogram(observability.MExternalRequestDuration),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Issue(ctx context.Context, claims domain.Claims) (_ *IssueResult, err error) {
	logger := logctx.FromOr(ctx, s.log).With(observability.F("use_case", useCaseIssue))
	ctx, span := s.tel.Tracer().Start(ctx, spanPrefix+"IssueToken",
		attribute.String("use_case", useCaseIssue),
		attribute.String("deposit.id", claims.DepositID),
	)
	start := time.Now()
	outcome, statusText := "success", "OK"

	defer func() {
		s.finish(ctx, span, logger, useCaseIssue, start, outcome, statusText, err,
			observability.F("deposit_id", claims.DepositID),
		)
	}()

	if verr := claims.Validate(); verr != nil {
		outcome, statusText = "error", "CLAIMS_INVALID"
		return nil, verr
	}

	buf := make([]byte, tokenBytes)
	if _, rerr := io.ReadFull(s.random, buf); rerr != nil {
		outcome, statusText = "error", "ENTROPY_UNAVAILABLE"
		return nil, fmt.Errorf("token: read random: %w", rerr)
	}
	rec := domain.Record{
		Token:     base64.RawURLEncoding.EncodeToString(buf),
		Claims:    claims,
		ExpiresAt: s.now().Add(s.ttl),
	}

	if serr := s.store.Save(ctx, rec, s.ttl+domain.Grace); serr != nil {
		if errors.Is(serr, domain.ErrAlreadyIssued) {
			outcome, statusText = "rejected", "ALREADY_ISSUED"
			return nil, serr
		}
		outcome, statusText = "error", "STORE_SAVE_FAILED"
		return nil, fmt.Errorf("%w: %w", ErrStore, serr)
	}
	return &IssueResult{Token: rec.Token, ExpiresAt: rec.ExpiresAt}, nil
}

// Validate redeems tok exactly once and announces the redemption.
func (s *Service) Validate(ctx context.Context, tok string) (_ *domain.Claims, err error) {
	logger := logctx.FromOr(ctx, s.log).With(observability.F("use_case", useCaseValidate))
	ctx, span := s.tel.Tracer().Start(ctx, spanPrefix+"ValidateToken",
		attribute.String("use_case", useCaseValidate),
	)
	start := time.Now()
	outcome, statusText := "success", "OK"
	var publishErr error

	defer func() {
		fields := []observability.Field{}
		if publishErr != nil {
			fields = append(fields, observability.F("event_publish_error", publishErr.Error()))
		}
		s.finish(ctx, span, logger, useCaseValidate, start, outcome, statusText, err, fields...)
	}()

	if raw, derr := base64.RawURLEncoding.DecodeString(tok); derr != nil || len(raw) != tokenBytes {
		outcome, statusText = "rejected", "TOKEN_MALFORMED"
		return nil, domain.ErrInvalid
	}

	rec, cerr := s.store.Consume(ctx, tok, s.now())
	switch {
	case cerr == nil:
	case errors.Is(cerr, domain.ErrExpired):
		outcome, statusText = "rejected", "TOKEN_EXPIRED"
		return nil, cerr
	case errors.Is(cerr, domain.ErrConsumed):
		outcome, statusText = "rejected", "TOKEN_CONSUMED"
		return nil, cerr
	case errors.Is(cerr, domain.ErrInvalid):
		outcome, statusText = "rejected", "TOKEN_INVALID"
		return nil, cerr
	default:
		outcome, statusText = "error", "STORE_CONSUME_FAILED"
		return nil, fmt.Errorf("%w: %w", ErrStore, cerr)
	}

	if s.publisher != nil {
		pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
		pubStart := time.Now()
		pubOutcome := "success"
		publishErr = s.publisher.Publish(pubCtx, domain.NewConfirmationRedeemedEvent(rec.Claims))
		if publishErr != nil {
			pubOutcome = "error"
			statusText = "EVENT_PUBLISH_FAILED"
		}
		cancel()

		s.extCounter.Add(1,
			observability.L("peer", publishPeer),
			observability.L("endpoint", publishEndpoint),
			observability.L("outcome", pubOutcome),
		)
		s.extHistogram.Observe(time.Since(pubStart).Seconds(),
			observability.L("peer", publishPeer),
			observability.L("endpoint", publishEndpoint),
		)
	}

	span.AddEvent("token.redeemed",
		trace.WithAttributes(attribute.String("deposit.id", rec.Claims.DepositID)),
	)
	claims := rec.Claims
	return &claims, nil
}

func (s *Service) finish(
	ctx context.Context,
	span trace.Span,
	logger observability.Logger,
	useCase string,
	start time.Time,
	outcome, statusText string,
	err error,
	extra ...observability.Field,
) {
	lat := time.Since(start).Seconds()

	if err != nil && outcome == "error" {
		span.RecordError(err)
		span.SetStatus(codes.Error, statusText)
	} else {
		span.SetStatus(codes.Ok, statusText)
	}
	span.End()

	s.reqCounter.Add(1,
		observability.L("use_case", useCase),
		observability.L("outcome", outcome),
	)
	s.durHistogram.Observe(lat, observability.L("use_case", useCase))

	fields := append([]observability.Field{
		observability.F("outcome", outcome),
		observability.F("status", statusText),
		observability.F("latency_seconds", lat),
	}, extra...)
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
}
