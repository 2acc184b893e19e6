package httppresentation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	appcheckout "github.com/Zhima-Mochi/creatorpay/internal/application/checkout"
	apptoken "github.com/Zhima-Mochi/creatorpay/internal/application/token"
	domain "github.com/Zhima-Mochi/creatorpay/internal/domain/checkout"
	domdeposit "github.com/Zhima-Mochi/creatorpay/internal/domain/deposit"
	dominventory "github.com/Zhima-Mochi/creatorpay/internal/domain/inventory"
	"github.com/Zhima-Mochi/creatorpay/internal/domain/poll"
	domtoken "github.com/Zhima-Mochi/creatorpay/internal/domain/token"
	"github.com/Zhima-Mochi/creatorpay/internal/observability"
	"github.com/Zhima-Mochi/creatorpay/internal/observability/logctx"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	componentHTTPHandler = "http_server"
	headerRequestID      = "X-Request-ID"
	headerSessionID      = "X-Session-ID"
	headerIdempotencyKey = "Idempotency-Key"
	maxBodyBytes         = 1 << 20
)

type CheckoutService interface {
	Submit(ctx context.Context, in appcheckout.SubmitInput) (*domain.Attempt, error)
	Get(ctx context.Context, sessionID, id string) (*domain.Attempt, error)
	Retry(ctx context.Context, sessionID, id string) (*domain.Attempt, error)
	Cancel(ctx context.Context, sessionID, id string) (*domain.Attempt, error)
	IssueConfirmation(ctx context.Context, req appcheckout.ConfirmationRequest) (*apptoken.IssueResult, error)
}

type CartService interface {
	Get(ctx context.Context, sessionID string) (domain.Cart, error)
	AddItem(ctx context.Context, sessionID, productID string, quantity int) (domain.Cart, error)
	SetQuantity(ctx context.Context, sessionID, productID string, quantity int) (domain.Cart, error)
	RemoveItem(ctx context.Context, sessionID, productID string) (domain.Cart, error)
	Clear(ctx context.Context, sessionID string) error
	VisitCreator(ctx context.Context, sessionID string, creator domain.CreatorRef) error
}

// TokenService redeems confirmation tokens. Issuing goes through CheckoutService,
// which derives the claims from the paid attempt.
type TokenService interface {
	Validate(ctx context.Context, token string) (*domtoken.Claims, error)
}

type Handler struct {
	checkout CheckoutService
	cart     CartService
	tokens   TokenService
	tel      observability.Observability
	log      observability.Logger

	reqCounter   observability.Counter
	durHistogram observability.Histogram
}

func NewHandler(checkout CheckoutService, cart CartService, tokens TokenService, tel observability.Observability) *Handler {
	tel = observability.OrNop(tel)
	return &Handler{
		checkout:     checkout,
		cart:         cart,
		tokens:       tokens,
		tel:          tel,
		log:          tel.Logger().With(observability.F("component", componentHTTPHandler)),
		reqCounter:   tel.Metrics().Counter(observability.MHTTPRequests),
		durHistogram: tel.Metrics().Histogram(observability.MHTTPRequestDuration),
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	h.handle(r, http.MethodGet, "/health", h.handleHealth)

	h.handle(r, http.MethodGet, "/cart", h.handleGetCart)
	h.handle(r, http.MethodDelete, "/cart", h.handleClearCart)
	h.handle(r, http.MethodPost, "/cart/items", h.handleAddItem)
	h.handle(r, http.MethodPut, "/cart/items/{productID}", h.handleSetQuantity)
	h.handle(r, http.MethodDelete, "/cart/items/{productID}", h.handleRemoveItem)
	h.handle(r, http.MethodPut, "/cart/creator", h.handleVisitCreator)

	h.handle(r, http.MethodPost, "/checkout", h.handleSubmit)
	h.handle(r, http.MethodGet, "/checkout/{checkoutID}", h.handleGetCheckout)
	h.handle(r, http.MethodPost, "/checkout/{checkoutID}/retry", h.handleRetry)
	h.handle(r, http.MethodPost, "/checkout/{checkoutID}/cancel", h.handleCancel)

	h.handle(r, http.MethodPost, "/generate-token", h.handleGenerateToken)
	h.handle(r, http.MethodGet, "/validate-token", h.handleValidateToken)

	return r
}

// handle wires one route: Route label → Trace → Request Logger → Metrics → Access Log → Handler.
func (h *Handler) handle(r chi.Router, method, pattern string, handler http.HandlerFunc) {
	route := method + " " + pattern
	wrapped := withTrace(
		ObservabilityMiddleware(
			h.log,
			func(r *http.Request) string { return r.Header.Get(headerRequestID) },
			sessionID,
			h.tel,
		)(
			h.withHTTPMetrics(
				h.withAccessLog(handler),
			),
		),
	)
	r.Method(method, pattern, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		wrapped.ServeHTTP(w, req.WithContext(contextWithRoute(req.Context(), route)))
	}))
}

func sessionID(r *http.Request) string { return r.Header.Get(headerSessionID) }

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- cart

type itemView struct {
	ProductID string `json:"productId"`
	Name      string `json:"name,omitempty"`
	Price     int64  `json:"price,omitempty"`
	Quantity  int    `json:"quantity"`
}

type creatorView struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
}

type cartView struct {
	Items   []itemView   `json:"items"`
	Creator *creatorView `json:"creator,omitempty"`
	Total   int64        `json:"total"`
}

func toCartView(c domain.Cart) cartView {
	v := cartView{Items: make([]itemView, 0, len(c.Items))}
	for _, it := range c.Items {
		v.Items = append(v.Items, itemView{ProductID: it.ProductID, Name: it.Name, Price: it.Price, Quantity: it.Quantity})
		v.Total += it.Price * int64(it.Quantity)
	}
	if c.Creator.Known() {
		v.Creator = &creatorView{ID: c.Creator.ID, Username: c.Creator.Username}
	}
	return v
}

func (h *Handler) handleGetCart(w http.ResponseWriter, r *http.Request) {
	cart, err := h.cart.Get(r.Context(), sessionID(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCartView(cart))
}

func (h *Handler) handleClearCart(w http.ResponseWriter, r *http.Request) {
	if err := h.cart.Clear(r.Context(), sessionID(r)); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type addItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

func (h *Handler) handleAddItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	cart, err := h.cart.AddItem(r.Context(), sessionID(r), req.ProductID, req.Quantity)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCartView(cart))
}

type setQuantityRequest struct {
	Quantity int `json:"quantity"`
}

func (h *Handler) handleSetQuantity(w http.ResponseWriter, r *http.Request) {
	var req setQuantityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cart, err := h.cart.SetQuantity(r.Context(), sessionID(r), chi.URLParam(r, "productID"), req.Quantity)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCartView(cart))
}

func (h *Handler) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	cart, err := h.cart.RemoveItem(r.Context(), sessionID(r), chi.URLParam(r, "productID"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCartView(cart))
}

func (h *Handler) handleVisitCreator(w http.ResponseWriter, r *http.Request) {
	var req creatorView
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.cart.VisitCreator(r.Context(), sessionID(r), domain.CreatorRef{ID: req.ID, Username: req.Username}); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- checkout

type submitRequest struct {
	SubmissionKey string `json:"submissionKey"`
	Type          string `json:"type"`
	PurposeRef    string `json:"purposeRef"`
	WishlistID    string `json:"wishlistId"`
	Amount        int64  `json:"amount"`
	PhoneNumber   string `json:"phoneNumber"`
	SupporterName string `json:"supporterName"`
}

type redirectView struct {
	Target   string `json:"target"`
	URL      string `json:"url"`
	Degraded bool   `json:"degraded,omitempty"`
}

type attemptView struct {
	CheckoutID  string        `json:"checkoutId"`
	State       string        `json:"state"`
	DepositID   string        `json:"depositId,omitempty"`
	Purpose     string        `json:"type"`
	Amount      int64         `json:"amount"`
	Attempt     int           `json:"attempt"`
	MaxAttempts int           `json:"maxAttempts"`
	Countdown   int           `json:"countdown"`
	Abandoned   bool          `json:"abandoned,omitempty"`
	CanRetry    bool          `json:"canRetry"`
	Reason      string        `json:"reason,omitempty"`
	Message     string        `json:"message"`
	Redirect    *redirectView `json:"redirect,omitempty"`
}

func toAttemptView(a *domain.Attempt) attemptView {
	m := a.Machine
	v := attemptView{
		CheckoutID:  a.ID,
		State:       string(m.State),
		DepositID:   m.DepositID,
		Purpose:     string(a.Request.Purpose),
		Amount:      a.Request.Amount,
		Attempt:     m.Attempt,
		MaxAttempts: m.MaxAttempts,
		Countdown:   m.Countdown,
		Abandoned:   m.Abandoned,
		CanRetry:    m.State != poll.StateSuccess && (m.State.Terminal() || m.Abandoned),
		Reason:      m.Reason,
		Message:     a.Message(),
	}
	if a.Redirect.Target != domain.RedirectNone {
		v.Redirect = &redirectView{Target: string(a.Redirect.Target), URL: a.Redirect.URL, Degraded: a.Redirect.Degraded}
	}
	return v
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	key := req.SubmissionKey
	if key == "" {
		key = r.Header.Get(headerIdempotencyKey)
	}
	ref := req.PurposeRef
	if ref == "" {
		ref = req.WishlistID
	}

	attempt, err := h.checkout.Submit(r.Context(), appcheckout.SubmitInput{
		SessionID:     sessionID(r),
		SubmissionKey: key,
		Purpose:       domdeposit.PurposeType(req.Type),
		PurposeRef:    ref,
		Amount:        req.Amount,
		Phone:         req.PhoneNumber,
		BuyerName:     req.SupporterName,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAttemptView(attempt))
}

func (h *Handler) handleGetCheckout(w http.ResponseWriter, r *http.Request) {
	h.respondAttempt(w, r, h.checkout.Get)
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	h.respondAttempt(w, r, h.checkout.Retry)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	h.respondAttempt(w, r, h.checkout.Cancel)
}

func (h *Handler) respondAttempt(w http.ResponseWriter, r *http.Request, op func(context.Context, string, string) (*domain.Attempt, error)) {
	attempt, err := op(r.Context(), sessionID(r), chi.URLParam(r, "checkoutID"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAttemptView(attempt))
}

// --- tokens

// generateTokenRequest still accepts the display fields older clients send;
// only depositId, amount and creatorUsername are read, the last two as cross-checks.
type generateTokenRequest struct {
	DepositID       string `json:"depositId"`
	Amount          int64  `json:"amount"`
	SupporterName   string `json:"supporterName"`
	CreatorUsername string `json:"creatorUsername"`
	Type            string `json:"type"`
	ProductID       string `json:"productId"`
}

type generateTokenResponse struct {
	Success   bool      `json:"success"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (h *Handler) handleGenerateToken(w http.ResponseWriter, r *http.Request) {
	var req generateTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := h.checkout.IssueConfirmation(r.Context(), appcheckout.ConfirmationRequest{
		SessionID:       sessionID(r),
		DepositID:       req.DepositID,
		Amount:          req.Amount,
		CreatorUsername: req.CreatorUsername,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, generateTokenResponse{Success: true, Token: res.Token, ExpiresAt: res.ExpiresAt})
}

type tokenData struct {
	DepositID       string     `json:"depositId"`
	Type            string     `json:"type"`
	Amount          int64      `json:"amount"`
	SupporterName   string     `json:"supporterName"`
	CreatorUsername string     `json:"creatorUsername"`
	ProductID       string     `json:"productId,omitempty"`
	Items           []itemView `json:"items,omitempty"`
}

type validateTokenResponse struct {
	Success  bool       `json:"success"`
	Data     *tokenData `json:"data,omitempty"`
	Error    string     `json:"error,omitempty"`
	Degraded bool       `json:"degraded,omitempty"`
}

func (h *Handler) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	claims, err := h.tokens.Validate(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		status, code := http.StatusServiceUnavailable, "token_unavailable"
		switch {
		case errors.Is(err, domtoken.ErrInvalid):
			status, code = http.StatusBadRequest, "token_invalid"
		case errors.Is(err, domtoken.ErrExpired):
			status, code = http.StatusGone, "token_expired"
		case errors.Is(err, domtoken.ErrConsumed):
			status, code = http.StatusGone, "token_consumed"
		}
		logctx.FromOr(r.Context(), h.log).Warn("token_validation_failed", observability.F("reason", code))
		// The confirmation page falls back to a generic thank-you.
		writeJSON(w, status, validateTokenResponse{Error: code, Degraded: true})
		return
	}
	writeJSON(w, http.StatusOK, validateTokenResponse{
		Success: true,
		Data: &tokenData{
			DepositID:       claims.DepositID,
			Type:            string(claims.PurposeType),
			Amount:          claims.Amount,
			SupporterName:   claims.BuyerName,
			CreatorUsername: claims.CreatorUsername,
			ProductID:       claims.ProductID,
			Items:           toItemViews(claims.Items),
		},
	})
}

func toItemViews(items []domtoken.LineItem) []itemView {
	if len(items) == 0 {
		return nil
	}
	out := make([]itemView, 0, len(items))
	for _, it := range items {
		out = append(out, itemView{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return out
}

// --- encoding

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type quantityRejectedBody struct {
	Error     string `json:"error"`
	Reason    string `json:"reason"`
	ProductID string `json:"productId"`
	Requested int    `json:"requested"`
	Max       int    `json:"max"`
}

type redirectBody struct {
	Error    string       `json:"error"`
	Redirect redirectView `json:"redirect"`
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var rejected *dominventory.QuantityRejected
	var redirect *appcheckout.RedirectRequired

	switch {
	case errors.As(err, &rejected):
		writeJSON(w, http.StatusUnprocessableEntity, quantityRejectedBody{
			Error:     err.Error(),
			Reason:    string(rejected.Reason),
			ProductID: rejected.ProductID,
			Requested: rejected.Requested,
			Max:       rejected.Max,
		})
	case errors.As(err, &redirect):
		writeJSON(w, http.StatusConflict, redirectBody{
			Error: err.Error(),
			Redirect: redirectView{
				Target: string(redirect.Redirect.Target),
				URL:    redirect.Redirect.URL,
			},
		})
	case errors.Is(err, domain.ErrAttemptNotFound),
		errors.Is(err, domain.ErrItemNotFound),
		errors.Is(err, appcheckout.ErrProductNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, appcheckout.ErrRetryNotAllowed),
		errors.Is(err, appcheckout.ErrNotConfirmed),
		errors.Is(err, appcheckout.ErrClaimsMismatch),
		errors.Is(err, domtoken.ErrAlreadyIssued),
		errors.Is(err, domain.ErrMixedCreators):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, appcheckout.ErrAmountTooLarge):
		writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, appcheckout.ErrSessionRequired),
		errors.Is(err, appcheckout.ErrDepositRequired),
		errors.Is(err, appcheckout.ErrProductForeign),
		errors.Is(err, domain.ErrEmptyCart),
		errors.Is(err, domain.ErrInvalidItem),
		errors.Is(err, domain.ErrCreatorUnknown),
		errors.Is(err, domdeposit.ErrInvalidAmount),
		errors.Is(err, domdeposit.ErrPhoneRequired),
		errors.Is(err, domdeposit.ErrCreatorRequired),
		errors.Is(err, domdeposit.ErrInvalidPurpose),
		errors.Is(err, domdeposit.ErrPurposeRefRequired),
		errors.Is(err, domtoken.ErrInvalid):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, appcheckout.ErrShuttingDown),
		errors.Is(err, apptoken.ErrStore):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		logctx.FromOr(r.Context(), h.log).Error("http_unhandled_error", observability.F("error", err))
		writeError(w, http.StatusInternalServerError, err)
	}
}
