// Package provider talks to the mobile-money deposit API.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Zhima-Mochi/creatorpay/internal/domain/deposit"
	"github.com/Zhima-Mochi/creatorpay/internal/observability"
	"github.com/Zhima-Mochi/creatorpay/internal/observability/logctx"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/time/rate"
)

const (
	peerName         = "payment-provider"
	endpointCreate   = "create-deposit"
	endpointStatus   = "check-status"
	maxResponseBytes = 1 << 20
)

var (
	ErrUnexpectedShape = errors.New("provider: unexpected response shape")
	errServer          = errors.New("provider: server error")
	// errCallerGone marks a call abandoned by its own context; it says nothing about provider health.
	errCallerGone = errors.New("provider: caller abandoned the call")
)

type Config struct {
	BaseURL string
	Timeout time.Duration
	// RPS caps outbound calls across all checkouts; zero disables the limit.
	RPS   float64
	Burst int
	// BreakerFailures consecutive transport failures open the breaker.
	BreakerFailures uint32
	BreakerCooldown time.Duration
	HTTPClient      *http.Client
}

type Client struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*response]

	log          observability.Logger
	tracer       observability.Tracer
	extCounter   observability.Counter
	extHistogram observability.Histogram
}

type response struct {
	status int
	body   []byte
}

func New(cfg Config, tel observability.Observability) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("provider: invalid base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = max(1, int(cfg.RPS))
	}

	tel = observability.OrNop(tel)
	log := tel.Logger().With(observability.F("component", peerName))
	failures := cfg.BreakerFailures

	c := &Client{
		base:         base,
		http:         httpClient,
		limiter:      rate.NewLimiter(limit, burst),
		log:          log,
		tracer:       tel.Tracer(),
		extCounter:   tel.Metrics().Counter(observability.MExternalRequests),
		extHistogram: tel.Metrics().Histogram(observability.MExternalRequestDuration),
	}
	c.breaker = gobreaker.NewCircuitBreaker[*response](gobreaker.Settings{
		Name:    peerName,
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsExcluded: func(err error) bool {
			return errors.Is(err, errCallerGone)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit_breaker_state_changed",
				observability.F("breaker", name),
				observability.F("from", from.String()),
				observability.F("to", to.String()),
			)
		},
	})
	return c, nil
}

type createRequest struct {
	Amount      int64  `json:"amount"`
	PhoneNumber string `json:"phoneNumber"`
	BuyerName   string `json:"supporterName"`
	CreatorID   string `json:"creatorId"`
	Type        string `json:"type"`
	ProductID   string `json:"productId,omitempty"`
	WishlistID  string `json:"wishlistId,omitempty"`
}

type createResponse struct {
	Success   *bool  `json:"success"`
	DepositID string `json:"deposit_id"`
	Error     string `json:"error"`
}

// Create opens a deposit. Every failure is reported as *deposit.PaymentRejected.
func (c *Client) Create(ctx context.Context, req deposit.Request) (string, error) {
	body := createRequest{
		Amount:      req.Amount,
		PhoneNumber: req.Phone,
		BuyerName:   req.BuyerName,
		CreatorID:   req.CreatorID,
		Type:        string(req.Purpose),
	}
	switch req.Purpose {
	case deposit.PurposeShop:
		body.ProductID = req.PurposeRef
	case deposit.PurposeWishlist:
		body.WishlistID = req.PurposeRef
	}

	resp, err := c.do(ctx, endpointCreate, http.MethodPost, "/create-deposit", body)
	if err != nil {
		return "", deposit.Rejected(rejectReason(err), err)
	}

	var out createResponse
	if err := json.Unmarshal(resp.body, &out); err != nil || out.Success == nil {
		return "", deposit.Rejected("unexpected_response", ErrUnexpectedShape)
	}
	if !*out.Success {
		reason := strings.TrimSpace(out.Error)
		if reason == "" {
			reason = "provider_rejected"
		}
		return "", deposit.Rejected(reason, nil)
	}
	if out.DepositID == "" {
		return "", deposit.Rejected("unexpected_response", fmt.Errorf("%w: success without deposit id", ErrUnexpectedShape))
	}
	return out.DepositID, nil
}

type statusResponse struct {
	Success     *bool `json:"success"`
	IsCompleted *bool `json:"isCompleted"`
	Order       *struct {
		ID string `json:"id"`
	} `json:"order"`
	PendingPayment *struct {
		Status string `json:"status"`
	} `json:"pendingPayment"`
	Error string `json:"error"`
}

// Status narrows the provider's reply to a single report. Transport trouble and
// shapes it cannot interpret are *deposit.TransientError.
func (c *Client) Status(ctx context.Context, depositID string) (deposit.StatusReport, error) {
	path := "/check-status?" + url.Values{"depositId": {depositID}}.Encode()
	resp, err := c.do(ctx, endpointStatus, http.MethodGet, path, nil)
	if err != nil {
		return deposit.StatusReport{}, &deposit.TransientError{Op: endpointStatus, Err: err}
	}

	var out statusResponse
	if err := json.Unmarshal(resp.body, &out); err != nil || out.Success == nil {
		return deposit.StatusReport{}, &deposit.TransientError{Op: endpointStatus, Err: ErrUnexpectedShape}
	}
	if !*out.Success {
		reason := strings.TrimSpace(out.Error)
		if reason == "" {
			reason = "status_rejected"
		}
		return deposit.StatusReport{Status: deposit.StatusFailed, Reason: reason}, nil
	}
	if out.IsCompleted == nil {
		return deposit.StatusReport{}, &deposit.TransientError{Op: endpointStatus, Err: ErrUnexpectedShape}
	}
	if *out.IsCompleted {
		report := deposit.StatusReport{Status: deposit.StatusCompleted}
		if out.Order != nil {
			report.OrderID = out.Order.ID
		}
		return report, nil
	}
	if out.PendingPayment != nil && strings.EqualFold(out.PendingPayment.Status, string(deposit.StatusFailed)) {
		return deposit.StatusReport{Status: deposit.StatusFailed, Reason: "deposit_failed"}, nil
	}
	return deposit.StatusReport{Status: deposit.StatusPending}, nil
}

// do sends one request through the limiter and the breaker. Only transport
// failures and 5xx replies count against the breaker.
func (c *Client) do(ctx context.Context, endpoint, method, path string, payload any) (_ *response, err error) {
	ctx, span := c.tracer.Start(ctx, "Provider."+endpoint,
		attribute.String("peer.service", peerName),
		attribute.String("http.method", method),
	)
	start := time.Now()
	outcome := "success"
	defer func() {
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "OK")
		}
		span.End()
		c.extCounter.Add(1,
			observability.L("peer", peerName),
			observability.L("endpoint", endpoint),
			observability.L("outcome", outcome),
		)
		c.extHistogram.Observe(time.Since(start).Seconds(),
			observability.L("peer", peerName),
			observability.L("endpoint", endpoint),
		)
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("provider: rate limit wait: %w", err)
	}

	var body []byte
	if payload != nil {
		if body, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("provider: encode request: %w", err)
		}
	}

	resp, err := c.breaker.Execute(func() (*response, error) {
		resp, err := c.send(ctx, method, path, body, payload != nil)
		if err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", errCallerGone, err)
		}
		return resp, err
	})
	if err != nil {
		logctx.FromOr(ctx, c.log).Warn("provider_call_failed",
			observability.F("endpoint", endpoint),
			observability.F("error", err),
		)
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.status))
	return resp, nil
}

func (c *Client) send(ctx context.Context, method, path string, body []byte, hasPayload bool) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if hasPayload {
		req.Header.Set("Content-Type", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: %d", errServer, res.StatusCode)
	}
	return &response{status: res.StatusCode, body: data}, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "provider_unavailable"
	case errors.Is(err, errServer):
		return "provider_error"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "network_error"
	}
}
