package paypal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"affiliate-ledger/internal/config"
	"affiliate-ledger/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *atomic.Int32) {
	t.Helper()

	var tokenCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	})
	mux.Handle("/", handler)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	c := NewClient(config.PayPalConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		WebhookID:    "WH-ID",
		Sandbox:      true,
	}, zap.NewNop())
	c.baseURL = server.URL

	return c, &tokenCalls
}

func TestNewClientSelectsEnvironment(t *testing.T) {
	assert.Equal(t, sandboxURL, NewClient(config.PayPalConfig{Sandbox: true}, zap.NewNop()).baseURL)
	assert.Equal(t, liveURL, NewClient(config.PayPalConfig{}, zap.NewNop()).baseURL)
}

func TestSendPayout(t *testing.T) {
	var got PayoutRequest
	var requestID string

	c, tokenCalls := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/payments/payouts", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		requestID = r.Header.Get("PayPal-Request-Id")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"batch_header":{"payout_batch_id":"BATCH-1","batch_status":"PENDING"}}`))
	}))

	payout := &models.Payout{ID: 7, Amount: 2550, Currency: "USD", SenderBatchID: "sb-7"}

	batchID, err := c.SendPayout(context.Background(), payout, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "BATCH-1", batchID)
	assert.Equal(t, "sb-7", requestID)
	assert.Equal(t, "sb-7", got.SenderBatchHeader.SenderBatchID)
	require.Len(t, got.Items, 1)
	assert.Equal(t, "EMAIL", got.Items[0].RecipientType)
	assert.Equal(t, "25.50", got.Items[0].Amount.Value)
	assert.Equal(t, "alice@example.com", got.Items[0].Receiver)

	// токен переиспользуется
	_, err = c.SendPayout(context.Background(), payout, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, int32(1), tokenCalls.Load())
}

func TestSendPayoutAPIError(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"name":"INSUFFICIENT_FUNDS","message":"Sender does not have sufficient funds.","debug_id":"abc"}`))
	}))

	_, err := c.SendPayout(context.Background(), &models.Payout{ID: 1, Amount: 2000, Currency: "USD", SenderBatchID: "sb"}, "a@example.com")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "INSUFFICIENT_FUNDS", apiErr.Name)
	assert.Contains(t, err.Error(), "INSUFFICIENT_FUNDS")
	assert.True(t, apiErr.Rejected())
}

func TestAPIErrorRejected(t *testing.T) {
	tests := []struct {
		status   int
		rejected bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnprocessableEntity, true},
		{http.StatusForbidden, true},
		{http.StatusUnauthorized, false},
		{http.StatusRequestTimeout, false},
		{http.StatusConflict, false},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.rejected, (&APIError{StatusCode: tt.status}).Rejected())
		})
	}
}

func TestSendPayoutServerErrorIsRetryable(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := c.SendPayout(context.Background(), &models.Payout{ID: 1, Amount: 2000, Currency: "USD", SenderBatchID: "sb"}, "a@example.com")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.False(t, apiErr.Rejected())
}

func TestSendPayoutBadCredentials(t *testing.T) {
	c, _ := newTestClient(t, http.NotFoundHandler())
	c.clientSecret = "wrong"

	_, err := c.SendPayout(context.Background(), &models.Payout{SenderBatchID: "sb"}, "a@example.com")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.False(t, apiErr.Rejected())
}

func TestVerifyWebhookSignature(t *testing.T) {
	var received map[string]json.RawMessage

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/notifications/verify-webhook-signature", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Write([]byte(`{"verification_status":"SUCCESS"}`))
	}))

	header := http.Header{}
	header.Set("PAYPAL-AUTH-ALGO", "SHA256withRSA")
	header.Set("PAYPAL-CERT-URL", "https://api.paypal.com/cert")
	header.Set("PAYPAL-TRANSMISSION-ID", "tx-1")
	header.Set("PAYPAL-TRANSMISSION-SIG", "sig")
	header.Set("PAYPAL-TRANSMISSION-TIME", "2024-01-01T00:00:00Z")

	body := []byte(`{"id":"WH-1","event_type":"PAYMENT.PAYOUTS-ITEM.SUCCEEDED"}`)
	ok, err := c.VerifyWebhookSignature(context.Background(), header, body)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, string(body), string(received["webhook_event"]))
	assert.JSONEq(t, `"WH-ID"`, string(received["webhook_id"]))

	// без заголовков подписи запрос к PayPal не выполняется
	ok, err = c.VerifyWebhookSignature(context.Background(), http.Header{}, body)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyWebhookSignatureFailure(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"verification_status":"FAILURE"}`))
	}))

	header := http.Header{}
	header.Set("PAYPAL-TRANSMISSION-ID", "tx-1")
	header.Set("PAYPAL-TRANSMISSION-SIG", "forged")

	ok, err := c.VerifyWebhookSignature(context.Background(), header, []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "20.00", FormatValue(2000))
	assert.Equal(t, "0.07", FormatValue(7))
	assert.Equal(t, "1234.56", FormatValue(123456))
}
