package httppresentation

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	appcheckout "github.com/Zhima-Mochi/creatorpay/internal/application/checkout"
	appdeposit "github.com/Zhima-Mochi/creatorpay/internal/application/deposit"
	apptoken "github.com/Zhima-Mochi/creatorpay/internal/application/token"
	dominventory "github.com/Zhima-Mochi/creatorpay/internal/domain/inventory"
	"github.com/Zhima-Mochi/creatorpay/internal/infrastructure/id"
	"github.com/Zhima-Mochi/creatorpay/internal/infrastructure/memory"
	"github.com/Zhima-Mochi/creatorpay/internal/infrastructure/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*httptest.Server
	checkout *appcheckout.Service
}

func newTestServer(t *testing.T, successRate float64) *testServer {
	t.Helper()
	sessions := memory.NewSessionStore()
	catalog := memory.NewCatalogRepository(
		dominventory.Product{ID: "mug", CreatorID: "c1", CreatorUsername: "alice", Name: "Mug", Price: 1500,
			Slots: dominventory.SlotInventory{MaxSlots: 3, AllowQuantity: true}},
	)
	sandbox := provider.NewSandbox(successRate, 1)
	tokens := apptoken.NewService(memory.NewTokenStore(), nil, nil)

	checkout := appcheckout.NewService(appcheckout.Deps{
		Sessions:  sessions,
		Catalog:   catalog,
		Attempts:  memory.NewAttemptRepository(),
		Initiator: appdeposit.NewInitiateUseCase(sandbox, nil),
		Checker:   sandbox,
		Tokens:    tokens,
		IDs:       id.NewUUIDGenerator(),
	}, appcheckout.Config{
		PollInterval:    time.Millisecond,
		ConfirmationURL: "https://shop.test/payment/confirmation",
		BrowseURL:       "https://shop.test/",
	}, nil)
	t.Cleanup(func() { _ = checkout.Shutdown(context.Background()) })

	h := NewHandler(checkout, appcheckout.NewCartService(sessions, catalog, nil), tokens, nil)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, checkout: checkout}
}

func (s *testServer) do(t *testing.T, method, path, session string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	require.NoError(t, err)
	if session != "" {
		req.Header.Set(headerSessionID, session)
	}
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, 1)
	resp, body := srv.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, resp.Header.Get(headerRequestID))
}

func TestCart_AddAndReject(t *testing.T) {
	srv := newTestServer(t, 1)

	resp, body := srv.do(t, http.MethodPost, "/cart/items", "s1", map[string]any{"productId": "mug", "quantity": 2})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3000, body["total"])

	resp, body = srv.do(t, http.MethodPut, "/cart/items/mug", "s1", map[string]any{"quantity": 4})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "exceeds_remaining", body["reason"])
	assert.EqualValues(t, 3, body["max"])

	resp, _ = srv.do(t, http.MethodDelete, "/cart/items/mug", "s1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = srv.do(t, http.MethodDelete, "/cart/items/mug", "s1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCart_RequiresSession(t *testing.T) {
	srv := newTestServer(t, 1)
	resp, _ := srv.do(t, http.MethodGet, "/cart", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCheckout_UnknownCreatorRedirects(t *testing.T) {
	srv := newTestServer(t, 1)
	resp, body := srv.do(t, http.MethodPost, "/checkout", "s1", map[string]any{
		"type": "support", "amount": 500, "phoneNumber": "0712345678",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	redirect := body["redirect"].(map[string]any)
	assert.Equal(t, "browse", redirect["target"])
	assert.Equal(t, "https://shop.test/", redirect["url"])
}

func TestCheckout_ShopPurchaseToRedeemedToken(t *testing.T) {
	srv := newTestServer(t, 1)

	resp, _ := srv.do(t, http.MethodPost, "/cart/items", "s1", map[string]any{"productId": "mug", "quantity": 2})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := srv.do(t, http.MethodPost, "/checkout", "s1", map[string]any{
		"type": "shop", "phoneNumber": "0712345678", "supporterName": "Amani", "submissionKey": "form-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "PROCESSING", body["state"])
	assert.EqualValues(t, 3000, body["amount"])
	checkoutID := body["checkoutId"].(string)

	var redirect map[string]any
	require.Eventually(t, func() bool {
		_, body = srv.do(t, http.MethodGet, "/checkout/"+checkoutID, "s1", nil)
		r, ok := body["redirect"].(map[string]any)
		redirect = r
		return body["state"] == "SUCCESS" && ok
	}, 2*time.Second, 5*time.Millisecond)

	u, err := url.Parse(redirect["url"].(string))
	require.NoError(t, err)
	token := u.Query().Get("token")
	require.Len(t, token, 43)

	resp, body = srv.do(t, http.MethodGet, "/validate-token?token="+token, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	assert.Equal(t, "shop", data["type"])
	assert.Equal(t, "mug", data["productId"])
	assert.Equal(t, "alice", data["creatorUsername"])
	assert.EqualValues(t, 3000, data["amount"])
	items := data["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "mug", items[0].(map[string]any)["productId"])
	assert.EqualValues(t, 2, items[0].(map[string]any)["quantity"])

	resp, body = srv.do(t, http.MethodGet, "/validate-token?token="+token, "", nil)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
	assert.Equal(t, "token_consumed", body["error"])
	assert.Equal(t, true, body["degraded"])

	resp, body = srv.do(t, http.MethodGet, "/cart", "s1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["items"], "cart is cleared after a successful payment")

	resp, _ = srv.do(t, http.MethodPost, "/checkout/"+checkoutID+"/retry", "s1", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCheckout_FailedDepositCanRetry(t *testing.T) {
	srv := newTestServer(t, 0)
	resp, _ := srv.do(t, http.MethodPut, "/cart/creator", "s1", map[string]any{"id": "c1", "username": "alice"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body := srv.do(t, http.MethodPost, "/checkout", "s1", map[string]any{
		"type": "support", "amount": 500, "phoneNumber": "0712345678",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	checkoutID := body["checkoutId"].(string)

	require.Eventually(t, func() bool {
		_, body = srv.do(t, http.MethodGet, "/checkout/"+checkoutID, "s1", nil)
		return body["state"] == "ERROR"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, true, body["canRetry"])
	firstDeposit := body["depositId"]

	resp, body = srv.do(t, http.MethodPost, "/checkout/"+checkoutID+"/retry", "s1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEqual(t, firstDeposit, body["depositId"])

	resp, body = srv.do(t, http.MethodPost, "/checkout/"+checkoutID+"/cancel", "s1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["abandoned"])
}

func TestCheckout_ValidationErrors(t *testing.T) {
	srv := newTestServer(t, 1)
	srv.do(t, http.MethodPut, "/cart/creator", "s1", map[string]any{"id": "c1"})

	resp, _ := srv.do(t, http.MethodPost, "/checkout", "s1", map[string]any{
		"type": "support", "amount": 0, "phoneNumber": "0712345678",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = srv.do(t, http.MethodPost, "/checkout", "s1", map[string]any{"bogus": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = srv.do(t, http.MethodGet, "/checkout/missing", "s1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// supportCheckout pays 500 to alice from session s1 and waits for the attempt to settle.
func (s *testServer) supportCheckout(t *testing.T, want string) map[string]any {
	t.Helper()
	resp, _ := s.do(t, http.MethodPut, "/cart/creator", "s1", map[string]any{"id": "c1", "username": "alice"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body := s.do(t, http.MethodPost, "/checkout", "s1", map[string]any{
		"type": "support", "amount": 500, "phoneNumber": "0712345678",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	checkoutID := body["checkoutId"].(string)

	require.Eventually(t, func() bool {
		_, body = s.do(t, http.MethodGet, "/checkout/"+checkoutID, "s1", nil)
		return body["state"] == want
	}, 2*time.Second, 5*time.Millisecond)
	return body
}

func TestCheckout_OtherSessionSeesNotFound(t *testing.T) {
	srv := newTestServer(t, 0)
	body := srv.supportCheckout(t, "ERROR")
	checkoutID := body["checkoutId"].(string)

	for _, path := range []string{"/checkout/" + checkoutID + "/retry", "/checkout/" + checkoutID + "/cancel"} {
		resp, _ := srv.do(t, http.MethodPost, path, "s2", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
	resp, _ := srv.do(t, http.MethodGet, "/checkout/"+checkoutID, "s2", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = srv.do(t, http.MethodGet, "/checkout/"+checkoutID, "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, body = srv.do(t, http.MethodGet, "/checkout/"+checkoutID, "s1", nil)
	assert.Equal(t, "ERROR", body["state"])
	assert.NotEqual(t, true, body["abandoned"])
}

func TestTokens_GenerateRequiresPaidDepositOfTheSession(t *testing.T) {
	srv := newTestServer(t, 1)
	body := srv.supportCheckout(t, "SUCCESS")
	depositID := body["depositId"].(string)

	resp, _ := srv.do(t, http.MethodPost, "/generate-token", "", map[string]any{"depositId": depositID})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = srv.do(t, http.MethodPost, "/generate-token", "s2", map[string]any{"depositId": depositID})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = srv.do(t, http.MethodPost, "/generate-token", "s1", map[string]any{"depositId": "dep-forged", "amount": 1200})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = srv.do(t, http.MethodPost, "/generate-token", "s1", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = srv.do(t, http.MethodPost, "/generate-token", "s1", map[string]any{"depositId": depositID, "amount": 999999})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Settlement already minted the deposit's token.
	resp, _ = srv.do(t, http.MethodPost, "/generate-token", "s1", map[string]any{
		"depositId": depositID, "amount": 500, "creatorUsername": "alice", "supporterName": "ignored",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestTokens_GenerateRejectsUnpaidDeposit(t *testing.T) {
	srv := newTestServer(t, 0)
	body := srv.supportCheckout(t, "ERROR")

	resp, _ := srv.do(t, http.MethodPost, "/generate-token", "s1", map[string]any{"depositId": body["depositId"]})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestTokens_ValidateRejectsUnknownToken(t *testing.T) {
	srv := newTestServer(t, 1)

	resp, body := srv.do(t, http.MethodGet, "/validate-token?token=not-a-token", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "token_invalid", body["error"])
	assert.Equal(t, true, body["degraded"])
}
