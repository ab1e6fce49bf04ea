package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"affiliate-ledger/pkg/models"

	"go.uber.org/zap"
)

// SignatureVerifier проверяет подлинность webhook'а PayPal
type SignatureVerifier interface {
	VerifyWebhookSignature(ctx context.Context, header http.Header, body []byte) (bool, error)
}

// OutcomeApplier применяет результат выплаты
type OutcomeApplier interface {
	ApplyOutcome(ctx context.Context, outcome models.PayoutOutcome) (*models.Payout, error)
}

// PayPalWebhookHandler обрабатывает webhook'и PayPal Payouts
type PayPalWebhookHandler struct {
	verifier SignatureVerifier
	payouts  OutcomeApplier
	metrics  Metrics
	logger   *zap.Logger
}

// NewPayPalWebhookHandler создает новый обработчик webhook'ов PayPal
func NewPayPalWebhookHandler(verifier SignatureVerifier, payouts OutcomeApplier, metrics Metrics, logger *zap.Logger) *PayPalWebhookHandler {
	return &PayPalWebhookHandler{
		verifier: verifier,
		payouts:  payouts,
		metrics:  metrics,
		logger:   logger,
	}
}

// PayPalEvent представляет событие PayPal
type PayPalEvent struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Resource  json.RawMessage `json:"resource"`
}

// payoutItemResource ресурс событий PAYMENT.PAYOUTS-ITEM.*
type payoutItemResource struct {
	PayoutBatchID     string `json:"payout_batch_id"`
	SenderBatchID     string `json:"sender_batch_id"`
	PayoutItemID      string `json:"payout_item_id"`
	TransactionStatus string `json:"transaction_status"`
	Errors            struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"errors"`
}

// payoutBatchResource ресурс событий PAYMENT.PAYOUTSBATCH.*
type payoutBatchResource struct {
	BatchHeader struct {
		PayoutBatchID     string `json:"payout_batch_id"`
		BatchStatus       string `json:"batch_status"`
		SenderBatchHeader struct {
			SenderBatchID string `json:"sender_batch_id"`
		} `json:"sender_batch_header"`
	} `json:"batch_header"`
}

// HandleWebhook обрабатывает входящий webhook от PayPal
func (h *PayPalWebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		h.logger.Error("ошибка чтения webhook'а PayPal", zap.Error(err))
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	ok, err := h.verifier.VerifyWebhookSignature(r.Context(), r.Header, body)
	if err != nil {
		h.logger.Error("ошибка проверки подписи PayPal", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if !ok {
		h.logger.Warn("неверная подпись webhook'а PayPal")
		h.metrics.RecordWebhook(models.ProviderPayPal, "unknown", resultRejected)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var event PayPalEvent
	if err := json.Unmarshal(body, &event); err != nil || event.ID == "" {
		h.logger.Error("ошибка парсинга webhook'а PayPal", zap.Error(err))
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	h.logger.Info("получен webhook от PayPal",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.EventType))

	outcome, relevant, err := ParsePayoutOutcome(event)
	if err != nil {
		h.logger.Warn("некорректный ресурс webhook'а PayPal", zap.String("event_id", event.ID), zap.Error(err))
		h.metrics.RecordWebhook(models.ProviderPayPal, event.EventType, resultRejected)
		writeOK(w)
		return
	}
	if !relevant {
		h.metrics.RecordWebhook(models.ProviderPayPal, event.EventType, resultIgnored)
		writeOK(w)
		return
	}

	payout, err := h.payouts.ApplyOutcome(r.Context(), outcome)
	if err != nil {
		if acknowledgeable(err) {
			h.logger.Warn("webhook PayPal отклонен без повтора",
				zap.String("event_id", event.ID),
				zap.String("payout_batch_id", outcome.ProviderBatchID),
				zap.Error(err))
			h.metrics.RecordWebhook(models.ProviderPayPal, event.EventType, resultRejected)
			writeOK(w)
			return
		}

		h.logger.Error("ошибка обработки webhook'а PayPal",
			zap.String("event_id", event.ID),
			zap.Error(err))
		h.metrics.RecordWebhook(models.ProviderPayPal, event.EventType, resultFailed)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	result := resultProcessed
	if payout == nil {
		result = resultIgnored
	}
	h.metrics.RecordWebhook(models.ProviderPayPal, event.EventType, result)
	writeOK(w)
}

// ParsePayoutOutcome извлекает результат выплаты из события PayPal.
// relevant = false для событий, не завершающих выплату.
func ParsePayoutOutcome(event PayPalEvent) (models.PayoutOutcome, bool, error) {
	outcome := models.PayoutOutcome{
		Provider:  models.ProviderPayPal,
		EventID:   event.ID,
		EventType: event.EventType,
	}

	switch {
	case strings.HasPrefix(event.EventType, "PAYMENT.PAYOUTS-ITEM."):
		var item payoutItemResource
		if err := json.Unmarshal(event.Resource, &item); err != nil {
			return outcome, false, models.ErrInvalidInput.Wrap(err)
		}
		outcome.ProviderBatchID = item.PayoutBatchID
		outcome.SenderBatchID = item.SenderBatchID

		switch strings.TrimPrefix(event.EventType, "PAYMENT.PAYOUTS-ITEM.") {
		case "SUCCEEDED":
			outcome.Succeeded = true
		case "FAILED", "BLOCKED", "RETURNED", "REFUNDED", "DENIED", "CANCELED":
			outcome.FailureReason = item.Errors.Name
			if outcome.FailureReason == "" {
				outcome.FailureReason = item.TransactionStatus
			}
		default:
			// UNCLAIMED и HELD еще могут завершиться любым исходом
			return outcome, false, nil
		}

	case event.EventType == "PAYMENT.PAYOUTSBATCH.DENIED":
		var batch payoutBatchResource
		if err := json.Unmarshal(event.Resource, &batch); err != nil {
			return outcome, false, models.ErrInvalidInput.Wrap(err)
		}
		outcome.ProviderBatchID = batch.BatchHeader.PayoutBatchID
		outcome.SenderBatchID = batch.BatchHeader.SenderBatchHeader.SenderBatchID
		outcome.FailureReason = "BATCH_DENIED"

	default:
		// успех пакета не гарантирует успех перевода, ждем событие по элементу
		return outcome, false, nil
	}

	if outcome.ProviderBatchID == "" && outcome.SenderBatchID == "" {
		return outcome, false, models.ErrInvalidInput
	}
	if !outcome.Succeeded && outcome.FailureReason == "" {
		outcome.FailureReason = strings.TrimPrefix(event.EventType, "PAYMENT.")
	}
	return outcome, true, nil
}
