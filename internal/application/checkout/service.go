package checkout

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"sync"
	"time"

	appdeposit "github.com/Zhima-Mochi/creatorpay/internal/application/deposit"
	apptoken "github.com/Zhima-Mochi/creatorpay/internal/application/token"
	domain "github.com/Zhima-Mochi/creatorpay/internal/domain/checkout"
	domdeposit "github.com/Zhima-Mochi/creatorpay/internal/domain/deposit"
	dominventory "github.com/Zhima-Mochi/creatorpay/internal/domain/inventory"
	"github.com/Zhima-Mochi/creatorpay/internal/domain/poll"
	domtoken "github.com/Zhima-Mochi/creatorpay/internal/domain/token"
	"github.com/Zhima-Mochi/creatorpay/internal/observability"
	"github.com/Zhima-Mochi/creatorpay/internal/observability/logctx"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	checkoutService = "checkout-service"
	useCaseSubmit   = "checkout.submit"
	useCaseRetry    = "checkout.retry"
	useCaseCancel   = "checkout.cancel"
	useCaseConfirm  = "checkout.issue_confirmation"
	spanPrefix      = "UC."
	settleTimeout   = 10 * time.Second
)

type Config struct {
	PollInterval    time.Duration
	CountdownTick   time.Duration
	MaxAttempts     int
	Countdown       int
	ConfirmationURL string
	BrowseURL       string
	// TokenFallback puts raw payment details in the confirmation URL when no token can be issued.
	TokenFallback bool
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.CountdownTick <= 0 {
		c.CountdownTick = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = poll.DefaultMaxAttempts
	}
	if c.Countdown <= 0 {
		c.Countdown = poll.DefaultCountdown
	}
	if c.ConfirmationURL == "" {
		c.ConfirmationURL = "/payment/confirmation"
	}
	if c.BrowseURL == "" {
		c.BrowseURL = "/"
	}
	return c
}

type Deps struct {
	Sessions  domain.SessionStore
	Catalog   dominventory.Catalog
	Attempts  domain.AttemptRepository
	Initiator DepositInitiator
	Checker   StatusChecker
	Tokens    TokenIssuer
	IDs       IDGenerator
}

// Service drives checkout attempts: one deposit, one poll loop, one settlement each.
type Service struct {
	Deps
	cfg Config
	tel observability.Observability

	root    context.Context
	stopAll context.CancelFunc

	mu      sync.Mutex
	runners map[string]*runner
	closed  bool

	log            observability.Logger
	reqCounter     observability.Counter
	durHistogram   observability.Histogram
	pollCounter    observability.Counter
	outcomeCounter observability.Counter
}

func NewService(deps Deps, cfg Config, tel observability.Observability) *Service {
	tel = observability.OrNop(tel)
	log := tel.Logger().With(observability.F("service", checkoutService))
	root, cancel := context.WithCancel(logctx.With(context.Background(), log))
	return &Service{
		Deps:           deps,
		cfg:            cfg.withDefaults(),
		tel:            tel,
		root:           root,
		stopAll:        cancel,
		runners:        make(map[string]*runner),
		log:            log,
		reqCounter:     tel.Metrics().Counter(observability.MUsecaseRequests),
		durHistogram:   tel.Metrics().Histogram(observability.MUsecaseDuration),
		pollCounter:    tel.Metrics().Counter(observability.MPollQueries),
		outcomeCounter: tel.Metrics().Counter(observability.MCheckoutOutcomes),
	}
}

func (s *Service) Config() Config { return s.cfg }

type SubmitInput struct {
	SessionID     string
	SubmissionKey string
	Purpose       domdeposit.PurposeType
	// PurposeRef names the wishlist entry; shop purchases take it from the cart.
	PurposeRef string
	// Amount is ignored for shop purchases, which are priced from the catalog.
	Amount    int64
	Phone     string
	BuyerName string
}

// Submit creates an attempt and opens its deposit. Resubmitting the same key
// returns the existing attempt without another provider call.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (_ *domain.Attempt, err error) {
	ctx, tr := s.begin(ctx, useCaseSubmit, "SubmitCheckout",
		attribute.String("checkout.purpose", string(in.Purpose)),
	)
	var attempt *domain.Attempt
	defer func() { tr.end(err, attempt) }()

	if in.SessionID == "" {
		tr.fail("SESSION_REQUIRED")
		return nil, ErrSessionRequired
	}
	if s.isClosed() {
		tr.fail("SHUTTING_DOWN")
		return nil, ErrShuttingDown
	}

	if in.SubmissionKey != "" {
		existing, ferr := s.Attempts.FindBySubmission(ctx, in.SessionID, in.SubmissionKey)
		switch {
		case ferr == nil:
			tr.status("IDEMPOTENT_REPLAY")
			attempt = existing
			tr.span.AddEvent("checkout.idempotent_replay")
			return existing, nil
		case !errors.Is(ferr, domain.ErrAttemptNotFound):
			tr.fail("IDEMPOTENCY_LOOKUP_FAILED")
			return nil, ferr
		}
	}

	cart, err := s.Sessions.Load(ctx, in.SessionID)
	if err != nil {
		tr.fail("SESSION_LOAD_FAILED")
		return nil, fmt.Errorf("checkout: load session: %w", err)
	}
	if len(cart.Repairs) > 0 {
		logctx.FromOr(ctx, s.log).Warn("session_repaired", observability.F("repairs", cart.Repairs))
	}

	creator, err := cart.Payee()
	if err != nil {
		tr.reject("CREATOR_UNKNOWN")
		return nil, &RedirectRequired{
			Redirect: domain.Redirect{Target: domain.RedirectBrowse, URL: s.cfg.BrowseURL},
			Err:      err,
		}
	}

	req := domdeposit.Request{
		Amount:     in.Amount,
		Phone:      in.Phone,
		BuyerName:  in.BuyerName,
		CreatorID:  creator.ID,
		Purpose:    in.Purpose,
		PurposeRef: in.PurposeRef,
	}
	var lines []domain.Line
	if in.Purpose == domdeposit.PurposeShop {
		amount, priced, perr := s.priceCart(ctx, &cart, creator)
		if perr != nil {
			tr.fail("CART_REJECTED")
			return nil, perr
		}
		req.Amount, req.PurposeRef, lines = amount, priced[0].ProductID, priced
	}
	req = req.Normalize()
	if verr := req.Validate(); verr != nil {
		tr.fail("VALIDATION_FAILED")
		return nil, verr
	}

	attempt = domain.NewAttempt(s.IDs.NewID(), in.SessionID, in.SubmissionKey, req, creator, poll.Config{
		MaxAttempts: s.cfg.MaxAttempts,
		Countdown:   s.cfg.Countdown,
	})
	attempt.Lines = lines
	if ierr := s.Attempts.Insert(ctx, attempt); ierr != nil {
		if errors.Is(ierr, domain.ErrConflict) && in.SubmissionKey != "" {
			if existing, ferr := s.Attempts.FindBySubmission(ctx, in.SessionID, in.SubmissionKey); ferr == nil {
				tr.status("IDEMPOTENT_REPLAY")
				attempt = existing
				return existing, nil
			}
		}
		tr.fail("ATTEMPT_INSERT_FAILED")
		return nil, fmt.Errorf("checkout: insert attempt: %w", ierr)
	}
	tr.span.SetAttributes(attribute.String("checkout.attempt_id", attempt.ID))

	r := s.track(attempt)
	r.opMu.Lock()
	defer s.release(r)

	s.initiate(ctx, r, in.SubmissionKey)
	attempt = r.snapshot()
	if attempt.Machine.State == poll.StateError {
		tr.reject("PAYMENT_REJECTED")
	}
	return attempt, nil
}

// Get returns the attempt when sessionID submitted it. Other sessions see ErrAttemptNotFound.
func (s *Service) Get(ctx context.Context, sessionID, id string) (*domain.Attempt, error) {
	if sessionID == "" {
		return nil, ErrSessionRequired
	}
	a, err := s.Attempts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.OwnedBy(sessionID) {
		return nil, domain.ErrAttemptNotFound
	}
	return a, nil
}

// Retry stops any running cycle before resetting, then either resumes the same
// deposit or opens a new one when the previous deposit failed.
func (s *Service) Retry(ctx context.Context, sessionID, id string) (_ *domain.Attempt, err error) {
	ctx, tr := s.begin(ctx, useCaseRetry, "RetryCheckout", attribute.String("checkout.attempt_id", id))
	var attempt *domain.Attempt
	defer func() { tr.end(err, attempt) }()

	if s.isClosed() {
		tr.fail("SHUTTING_DOWN")
		return nil, ErrShuttingDown
	}
	r, err := s.acquire(ctx, sessionID, id)
	if err != nil {
		tr.fail("ATTEMPT_LOAD_FAILED")
		return nil, err
	}
	defer s.release(r)
	r.stopCycle()

	effects, rerr := s.reduce(ctx, r, poll.Retry{})
	if rerr != nil {
		tr.reject("RETRY_NOT_ALLOWED")
		attempt = r.snapshot()
		return nil, fmt.Errorf("%w: %w", ErrRetryNotAllowed, rerr)
	}
	s.setRedirect(ctx, r, domain.Redirect{})

	switch {
	case poll.Has(effects, poll.EffectInitiateDeposit):
		a := r.snapshot()
		key := a.SubmissionKey
		if key == "" {
			key = a.ID
		}
		s.initiate(ctx, r, fmt.Sprintf("%s#%d", key, a.Machine.Cycle+1))
	case poll.Has(effects, poll.EffectResumeDeposit):
		a := r.snapshot()
		s.beginPolling(ctx, r, a.Machine.DepositID)
	}

	attempt = r.snapshot()
	return attempt, nil
}

// Cancel abandons the attempt. Nothing from its poll cycle is observed afterwards.
func (s *Service) Cancel(ctx context.Context, sessionID, id string) (_ *domain.Attempt, err error) {
	ctx, tr := s.begin(ctx, useCaseCancel, "CancelCheckout", attribute.String("checkout.attempt_id", id))
	var attempt *domain.Attempt
	defer func() { tr.end(err, attempt) }()

	r, err := s.acquire(ctx, sessionID, id)
	if err != nil {
		tr.fail("ATTEMPT_LOAD_FAILED")
		return nil, err
	}
	defer s.release(r)
	r.stopCycle()

	if _, rerr := s.reduce(ctx, r, poll.Cancel{}); rerr != nil {
		tr.fail("CANCEL_FAILED")
		return nil, rerr
	}
	attempt = r.snapshot()
	if attempt.Machine.Abandoned {
		attempt = s.setRedirect(ctx, r, domain.Redirect{Target: domain.RedirectBrowse, URL: s.cfg.BrowseURL})
	}
	return attempt, nil
}

// ConfirmationRequest asks for the confirmation token of a paid deposit. Amount and
// CreatorUsername are optional cross-checks against what was actually paid.
type ConfirmationRequest struct {
	SessionID       string
	DepositID       string
	Amount          int64
	CreatorUsername string
}

// IssueConfirmation mints the token for a deposit whose attempt reached SUCCESS,
// for the session that paid it. The claims come from the attempt, never from the
// caller, and the token store keeps it to one token per deposit.
func (s *Service) IssueConfirmation(ctx context.Context, req ConfirmationRequest) (_ *apptoken.IssueResult, err error) {
	ctx, tr := s.begin(ctx, useCaseConfirm, "IssueConfirmation", attribute.String("deposit.id", req.DepositID))
	var attempt *domain.Attempt
	defer func() { tr.end(err, attempt) }()

	switch {
	case req.SessionID == "":
		tr.reject("SESSION_REQUIRED")
		return nil, ErrSessionRequired
	case req.DepositID == "":
		tr.reject("DEPOSIT_REQUIRED")
		return nil, ErrDepositRequired
	}

	a, err := s.Attempts.FindByDeposit(ctx, req.DepositID)
	if errors.Is(err, domain.ErrAttemptNotFound) || (err == nil && !a.OwnedBy(req.SessionID)) {
		tr.reject("ATTEMPT_NOT_FOUND")
		return nil, domain.ErrAttemptNotFound
	}
	if err != nil {
		tr.fail("ATTEMPT_LOAD_FAILED")
		return nil, err
	}
	attempt = a

	if a.Machine.State != poll.StateSuccess {
		tr.reject("NOT_CONFIRMED")
		return nil, ErrNotConfirmed
	}
	claims := claimsFor(a)
	if (req.Amount != 0 && req.Amount != claims.Amount) ||
		(req.CreatorUsername != "" && req.CreatorUsername != claims.CreatorUsername) {
		tr.reject("CLAIMS_MISMATCH")
		return nil, ErrClaimsMismatch
	}

	res, err := s.Tokens.Issue(ctx, claims)
	switch {
	case errors.Is(err, domtoken.ErrAlreadyIssued):
		tr.reject("ALREADY_ISSUED")
		return nil, err
	case err != nil:
		tr.fail("TOKEN_ISSUE_FAILED")
		return nil, err
	}
	return res, nil
}

// Shutdown stops every running poll cycle. Attempts keep their last persisted state.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	runners := make([]*runner, 0, len(s.runners))
	for _, r := range s.runners {
		runners = append(runners, r)
	}
	s.mu.Unlock()

	s.stopAll()
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for _, r := range runners {
			r.opMu.Lock()
			r.stopCycle()
			r.opMu.Unlock()
		}
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// initiate opens a deposit for the runner's request and starts polling on success.
// Must be called with opMu held and the machine in IDLE.
func (s *Service) initiate(ctx context.Context, r *runner, submissionKey string) {
	a := r.snapshot()
	res, err := s.Initiator.Execute(ctx, appdeposit.InitiateInput{
		SubmissionKey: submissionKey,
		Request:       a.Request,
	})
	if err != nil {
		s.apply(ctx, r, poll.DepositRejected{Reason: rejectionReason(err)})
		return
	}
	s.beginPolling(ctx, r, res.DepositID)
}

// beginPolling feeds DepositCreated and arms the loop. Must be called with opMu held.
func (s *Service) beginPolling(ctx context.Context, r *runner, depositID string) {
	effects := s.apply(ctx, r, poll.DepositCreated{DepositID: depositID})
	if poll.Has(effects, poll.EffectStartTimers) {
		s.startCycle(r)
	}
}

func rejectionReason(err error) string {
	var rejected *domdeposit.PaymentRejected
	if errors.As(err, &rejected) {
		return rejected.Reason
	}
	return err.Error()
}

// priceCart validates every line against the catalog and sums the total.
func (s *Service) priceCart(ctx context.Context, cart *domain.Cart, creator domain.CreatorRef) (int64, []domain.Line, error) {
	if cart.Empty() {
		return 0, nil, domain.ErrEmptyCart
	}
	var total int64
	lines := make([]domain.Line, 0, len(cart.Items))
	for _, it := range cart.Items {
		product, err := s.Catalog.Get(ctx, it.ProductID)
		if errors.Is(err, dominventory.ErrNotFound) {
			return 0, nil, fmt.Errorf("%w: %s", ErrProductNotFound, it.ProductID)
		}
		if err != nil {
			return 0, nil, fmt.Errorf("checkout: load product %s: %w", it.ProductID, err)
		}
		if product.CreatorID != "" && product.CreatorID != creator.ID {
			return 0, nil, fmt.Errorf("%w: %s", ErrProductForeign, it.ProductID)
		}
		if err := dominventory.Validate(*product, it.Quantity); err != nil {
			return 0, nil, err
		}
		if total, err = addLine(total, product.Price, it.Quantity); err != nil {
			return 0, nil, fmt.Errorf("%w: %s", err, it.ProductID)
		}
		lines = append(lines, domain.Line{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return total, lines, nil
}

// addLine returns total + price*qty, refusing results that do not fit in int64.
func addLine(total, price int64, qty int) (int64, error) {
	if price < 0 {
		return 0, ErrAmountTooLarge
	}
	q := int64(qty)
	if price != 0 && q > math.MaxInt64/price {
		return 0, ErrAmountTooLarge
	}
	line := price * q
	if line > math.MaxInt64-total {
		return 0, ErrAmountTooLarge
	}
	return total + line, nil
}

// claimsFor describes what the attempt actually paid for.
func claimsFor(a *domain.Attempt) domtoken.Claims {
	username := a.Creator.Username
	if username == "" {
		username = a.Creator.ID
	}
	claims := domtoken.Claims{
		DepositID:       a.Machine.DepositID,
		Amount:          a.Request.Amount,
		BuyerName:       a.Request.BuyerName,
		CreatorUsername: username,
		PurposeType:     a.Request.Purpose,
	}
	if a.Request.Purpose == domdeposit.PurposeShop {
		claims.ProductID = a.Request.PurposeRef
		for _, l := range a.Lines {
			claims.Items = append(claims.Items, domtoken.LineItem{ProductID: l.ProductID, Quantity: l.Quantity})
		}
	}
	return claims
}

func (s *Service) confirmationRedirect(ctx context.Context, a *domain.Attempt) domain.Redirect {
	claims := claimsFor(a)

	redirect := domain.Redirect{Target: domain.RedirectConfirmation}
	q := url.Values{}
	res, err := s.Tokens.Issue(ctx, claims)
	switch {
	case err == nil:
		q.Set("token", res.Token)
	case s.cfg.TokenFallback:
		logctx.FromOr(ctx, s.log).Warn("token_issue_failed_using_fallback", observability.F("error", err))
		redirect.Degraded = true
		q.Set("depositId", claims.DepositID)
		q.Set("amount", strconv.FormatInt(claims.Amount, 10))
		q.Set("name", claims.BuyerName)
		q.Set("creator", claims.CreatorUsername)
		q.Set("type", string(claims.PurposeType))
	default:
		logctx.FromOr(ctx, s.log).Warn("token_issue_failed", observability.F("error", err))
		redirect.Degraded = true
	}
	redirect.URL = withQuery(s.cfg.ConfirmationURL, q)
	return redirect
}

func withQuery(base string, q url.Values) string {
	if len(q) == 0 {
		return base
	}
	u, err := url.Parse(base)
	if err != nil {
		return base + "?" + q.Encode()
	}
	existing := u.Query()
	for k, vs := range q {
		existing[k] = vs
	}
	u.RawQuery = existing.Encode()
	return u.String()
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Service) track(a *domain.Attempt) *runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &runner{id: a.ID, attempt: a.Clone()}
	s.runners[a.ID] = r
	return r
}

// acquire returns the attempt's runner with opMu held, after checking that
// sessionID owns the attempt. A runner retired while we waited for its lock is
// replaced by a fresh one loaded from the repository.
func (s *Service) acquire(ctx context.Context, sessionID, id string) (*runner, error) {
	if sessionID == "" {
		return nil, ErrSessionRequired
	}
	for {
		r, err := s.runnerFor(ctx, id)
		if err != nil {
			return nil, err
		}
		r.opMu.Lock()
		if r.retired {
			r.opMu.Unlock()
			continue
		}
		if !r.snapshot().OwnedBy(sessionID) {
			s.release(r)
			return nil, domain.ErrAttemptNotFound
		}
		return r, nil
	}
}

// release ends a control operation. A runner with no live cycle is retired so the
// registry only holds attempts that are actually polling.
func (s *Service) release(r *runner) {
	if r.cycle == nil || r.cycle.settled.Load() {
		r.stopCycle()
		s.retire(r)
	}
	r.opMu.Unlock()
}

// retire must be called with opMu held and no cycle running.
func (s *Service) retire(r *runner) {
	r.retired = true
	s.mu.Lock()
	if s.runners[r.id] == r {
		delete(s.runners, r.id)
	}
	s.mu.Unlock()
}

func (s *Service) runnerFor(ctx context.Context, id string) (*runner, error) {
	s.mu.Lock()
	r, ok := s.runners[id]
	s.mu.Unlock()
	if ok {
		return r, nil
	}

	a, err := s.Attempts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runners[id]; ok {
		return r, nil
	}
	r = &runner{id: id, attempt: a}
	s.runners[id] = r
	return r, nil
}

// tracker records one use case invocation the same way every use case does:
// a span, RED metrics and a single use_case_done log line.
type tracker struct {
	s          *Service
	ctx        context.Context
	span       trace.Span
	logger     observability.Logger
	useCase    string
	start      time.Time
	outcome    string
	statusText string
}

func (s *Service) begin(ctx context.Context, useCase, spanName string, attrs ...attribute.KeyValue) (context.Context, *tracker) {
	logger := logctx.FromOr(ctx, s.log).With(observability.F("use_case", useCase))
	attrs = append([]attribute.KeyValue{attribute.String("use_case", useCase)}, attrs...)
	ctx, span := s.tel.Tracer().Start(ctx, spanPrefix+spanName, attrs...)
	return ctx, &tracker{
		s:          s,
		ctx:        ctx,
		span:       span,
		logger:     logger,
		useCase:    useCase,
		start:      time.Now(),
		outcome:    "success",
		statusText: "OK",
	}
}

func (t *tracker) fail(status string)   { t.outcome, t.statusText = "error", status }
func (t *tracker) reject(status string) { t.outcome, t.statusText = "rejected", status }
func (t *tracker) status(status string) { t.statusText = status }

func (t *tracker) end(err error, a *domain.Attempt) {
	lat := time.Since(t.start).Seconds()

	if err != nil && t.outcome == "error" {
		t.span.RecordError(err)
		t.span.SetStatus(codes.Error, t.statusText)
	} else {
		t.span.SetStatus(codes.Ok, t.statusText)
	}
	t.span.End()

	t.s.reqCounter.Add(1,
		observability.L("use_case", t.useCase),
		observability.L("outcome", t.outcome),
	)
	t.s.durHistogram.Observe(lat, observability.L("use_case", t.useCase))

	fields := []observability.Field{
		observability.F("outcome", t.outcome),
		observability.F("status", t.statusText),
		observability.F("latency_seconds", lat),
	}
	if sc := trace.SpanContextFromContext(t.ctx); sc.IsValid() {
		fields = append(fields,
			observability.F("trace_id", sc.TraceID().String()),
			observability.F("span_id", sc.SpanID().String()),
		)
	}
	if a != nil {
		fields = append(fields,
			observability.F("attempt_id", a.ID),
			observability.F("state", string(a.Machine.State)),
		)
		if a.Machine.DepositID != "" {
			fields = append(fields, observability.F("deposit_id", a.Machine.DepositID))
		}
	}
	if err != nil {
		fields = append(fields, observability.F("error", err.Error()))
	}
	t.logger.Info("use_case_done", fields...)
}
