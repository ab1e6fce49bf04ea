package webhook

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"affiliate-ledger/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeVerifier struct {
	ok  bool
	err error
}

func (v fakeVerifier) VerifyWebhookSignature(ctx context.Context, header http.Header, body []byte) (bool, error) {
	return v.ok, v.err
}

type fakeApplier struct {
	outcomes []models.PayoutOutcome
	payout   *models.Payout
	err      error
}

func (a *fakeApplier) ApplyOutcome(ctx context.Context, outcome models.PayoutOutcome) (*models.Payout, error) {
	a.outcomes = append(a.outcomes, outcome)
	return a.payout, a.err
}

func postPayPal(h *PayPalWebhookHandler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/paypal", bytes.NewReader([]byte(body)))
	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, req)
	return rec
}

const itemSucceeded = `{
  "id": "WH-1",
  "event_type": "PAYMENT.PAYOUTS-ITEM.SUCCEEDED",
  "resource": {"payout_batch_id": "BATCH-1", "payout_item_id": "ITEM-1", "transaction_status": "SUCCESS"}
}`

func TestParsePayoutOutcome(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		resource  string
		relevant  bool
		succeeded bool
		reason    string
	}{
		{"успешный перевод", "PAYMENT.PAYOUTS-ITEM.SUCCEEDED", `{"payout_batch_id":"B"}`, true, true, ""},
		{"ошибка с кодом", "PAYMENT.PAYOUTS-ITEM.FAILED", `{"payout_batch_id":"B","errors":{"name":"RECEIVER_UNREGISTERED"}}`, true, false, "RECEIVER_UNREGISTERED"},
		{"возврат без кода", "PAYMENT.PAYOUTS-ITEM.RETURNED", `{"payout_batch_id":"B","transaction_status":"RETURNED"}`, true, false, "RETURNED"},
		{"блокировка", "PAYMENT.PAYOUTS-ITEM.BLOCKED", `{"payout_batch_id":"B"}`, true, false, "PAYOUTS-ITEM.BLOCKED"},
		{"пакет отклонен", "PAYMENT.PAYOUTSBATCH.DENIED", `{"batch_header":{"payout_batch_id":"B","batch_status":"DENIED"}}`, true, false, "BATCH_DENIED"},
		{"пакет обработан", "PAYMENT.PAYOUTSBATCH.SUCCESS", `{"batch_header":{"payout_batch_id":"B"}}`, false, false, ""},
		{"невостребован", "PAYMENT.PAYOUTS-ITEM.UNCLAIMED", `{"payout_batch_id":"B"}`, false, false, ""},
		{"другое событие", "CHECKOUT.ORDER.APPROVED", `{}`, false, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, relevant, err := ParsePayoutOutcome(PayPalEvent{ID: "WH", EventType: tt.eventType, Resource: []byte(tt.resource)})
			require.NoError(t, err)
			assert.Equal(t, tt.relevant, relevant)
			if !relevant {
				return
			}
			assert.Equal(t, "B", outcome.ProviderBatchID)
			assert.Equal(t, tt.succeeded, outcome.Succeeded)
			assert.Equal(t, tt.reason, outcome.FailureReason)
			assert.Equal(t, models.ProviderPayPal, outcome.Provider)
		})
	}

	_, _, err := ParsePayoutOutcome(PayPalEvent{ID: "WH", EventType: "PAYMENT.PAYOUTS-ITEM.SUCCEEDED", Resource: []byte(`{}`)})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestParsePayoutOutcomeSenderBatchID(t *testing.T) {
	outcome, relevant, err := ParsePayoutOutcome(PayPalEvent{
		ID:        "WH",
		EventType: "PAYMENT.PAYOUTS-ITEM.SUCCEEDED",
		Resource:  []byte(`{"payout_batch_id":"B","sender_batch_id":"sb-7"}`),
	})
	require.NoError(t, err)
	assert.True(t, relevant)
	assert.Equal(t, "sb-7", outcome.SenderBatchID)

	outcome, relevant, err = ParsePayoutOutcome(PayPalEvent{
		ID:        "WH",
		EventType: "PAYMENT.PAYOUTSBATCH.DENIED",
		Resource:  []byte(`{"batch_header":{"sender_batch_header":{"sender_batch_id":"sb-8"}}}`),
	})
	require.NoError(t, err)
	assert.True(t, relevant)
	assert.Empty(t, outcome.ProviderBatchID)
	assert.Equal(t, "sb-8", outcome.SenderBatchID)
}

func TestPayPalItemSucceeded(t *testing.T) {
	applier := &fakeApplier{payout: &models.Payout{ID: 1, Status: models.PayoutStatusCompleted}}
	m := &webhookMetrics{}
	h := NewPayPalWebhookHandler(fakeVerifier{ok: true}, applier, m, zap.NewNop())

	resp := postPayPal(h, itemSucceeded)
	assert.Equal(t, http.StatusOK, resp.Code)
	require.Len(t, applier.outcomes, 1)
	assert.Equal(t, "WH-1", applier.outcomes[0].EventID)
	assert.Equal(t, "BATCH-1", applier.outcomes[0].ProviderBatchID)
	assert.True(t, applier.outcomes[0].Succeeded)
	assert.Equal(t, []string{"paypal:PAYMENT.PAYOUTS-ITEM.SUCCEEDED:processed"}, m.results)
}

func TestPayPalSignature(t *testing.T) {
	applier := &fakeApplier{}

	resp := postPayPal(NewPayPalWebhookHandler(fakeVerifier{ok: false}, applier, &webhookMetrics{}, zap.NewNop()), itemSucceeded)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = postPayPal(NewPayPalWebhookHandler(fakeVerifier{err: errors.New("timeout")}, applier, &webhookMetrics{}, zap.NewNop()), itemSucceeded)
	assert.Equal(t, http.StatusInternalServerError, resp.Code)

	assert.Empty(t, applier.outcomes)
}

func TestPayPalErrorMapping(t *testing.T) {
	t.Run("неизвестный пакет подтверждается", func(t *testing.T) {
		applier := &fakeApplier{err: models.ErrPayoutNotFound}
		resp := postPayPal(NewPayPalWebhookHandler(fakeVerifier{ok: true}, applier, &webhookMetrics{}, zap.NewNop()), itemSucceeded)
		assert.Equal(t, http.StatusOK, resp.Code)
	})

	t.Run("сбой базы запрашивает повтор", func(t *testing.T) {
		applier := &fakeApplier{err: errors.New("deadlock detected")}
		resp := postPayPal(NewPayPalWebhookHandler(fakeVerifier{ok: true}, applier, &webhookMetrics{}, zap.NewNop()), itemSucceeded)
		assert.Equal(t, http.StatusInternalServerError, resp.Code)
	})

	t.Run("нерелевантное событие", func(t *testing.T) {
		applier := &fakeApplier{}
		body := `{"id":"WH-2","event_type":"PAYMENT.PAYOUTSBATCH.PROCESSING","resource":{}}`
		resp := postPayPal(NewPayPalWebhookHandler(fakeVerifier{ok: true}, applier, &webhookMetrics{}, zap.NewNop()), body)
		assert.Equal(t, http.StatusOK, resp.Code)
		assert.Empty(t, applier.outcomes)
	})

	t.Run("некорректное тело", func(t *testing.T) {
		resp := postPayPal(NewPayPalWebhookHandler(fakeVerifier{ok: true}, &fakeApplier{}, &webhookMetrics{}, zap.NewNop()), `{`)
		assert.Equal(t, http.StatusBadRequest, resp.Code)
	})
}
