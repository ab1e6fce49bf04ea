package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"affiliate-ledger/pkg/models"

	"go.uber.org/zap"
)

// PaymentRecorder начисляет и отменяет комиссии по событиям оплаты
type PaymentRecorder interface {
	RecordPayment(ctx context.Context, event models.PaymentEvent) (*models.Commission, error)
	CancelByPayment(ctx context.Context, provider, eventID, paymentID, reason string) (*models.Commission, error)
}

var (
	errMissingSignature = errors.New("отсутствует заголовок Stripe-Signature")
	errBadSignature     = errors.New("подпись не совпадает")
	errStaleSignature   = errors.New("подпись устарела")
)

// StripeWebhookHandler обрабатывает webhook'и Stripe об оплате подписок
type StripeWebhookHandler struct {
	recorder  PaymentRecorder
	metrics   Metrics
	secret    string
	tolerance time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewStripeWebhookHandler создает новый обработчик webhook'ов Stripe
func NewStripeWebhookHandler(recorder PaymentRecorder, metrics Metrics, secret string, tolerance time.Duration, logger *zap.Logger) *StripeWebhookHandler {
	return &StripeWebhookHandler{
		recorder:  recorder,
		metrics:   metrics,
		secret:    secret,
		tolerance: tolerance,
		logger:    logger,
		now:       time.Now,
	}
}

// StripeEvent представляет событие Stripe
type StripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// stripeInvoice поля счета, нужные для начисления
type stripeInvoice struct {
	ID                  string            `json:"id"`
	AmountPaid          int64             `json:"amount_paid"`
	Currency            string            `json:"currency"`
	Metadata            map[string]string `json:"metadata"`
	SubscriptionDetails struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
}

// stripeCharge поля платежа, нужные для отмены начисления
type stripeCharge struct {
	ID       string `json:"id"`
	Invoice  string `json:"invoice"`
	Refunded bool   `json:"refunded"`
}

// HandleWebhook обрабатывает входящий webhook от Stripe
func (h *StripeWebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		h.logger.Error("ошибка чтения webhook'а Stripe", zap.Error(err))
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if err := VerifyStripeSignature(r.Header.Get("Stripe-Signature"), body, h.secret, h.tolerance, h.now()); err != nil {
		h.logger.Warn("неверная подпись webhook'а Stripe", zap.Error(err))
		h.metrics.RecordWebhook(models.ProviderStripe, "unknown", resultRejected)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var event StripeEvent
	if err := json.Unmarshal(body, &event); err != nil || event.ID == "" {
		h.logger.Error("ошибка парсинга webhook'а Stripe", zap.Error(err))
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	h.logger.Info("получен webhook от Stripe",
		zap.String("event_id", event.ID),
		zap.String("type", event.Type))

	var result string
	switch event.Type {
	case "invoice.paid", "invoice.payment_succeeded":
		result, err = h.handleInvoicePaid(r.Context(), event)
	case "charge.refunded":
		result, err = h.handleChargeRefunded(r.Context(), event)
	default:
		result = resultIgnored
	}

	if err != nil {
		if acknowledgeable(err) {
			h.logger.Warn("webhook Stripe отклонен без повтора",
				zap.String("event_id", event.ID),
				zap.Error(err))
			h.metrics.RecordWebhook(models.ProviderStripe, event.Type, resultRejected)
			writeOK(w)
			return
		}

		h.logger.Error("ошибка обработки webhook'а Stripe",
			zap.String("event_id", event.ID),
			zap.Error(err))
		h.metrics.RecordWebhook(models.ProviderStripe, event.Type, resultFailed)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.metrics.RecordWebhook(models.ProviderStripe, event.Type, result)
	writeOK(w)
}

// handleInvoicePaid начисляет комиссию за оплаченный счет подписки
func (h *StripeWebhookHandler) handleInvoicePaid(ctx context.Context, event StripeEvent) (string, error) {
	var invoice stripeInvoice
	if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
		return "", models.ErrInvalidInput.Wrap(err)
	}

	if invoice.AmountPaid == 0 {
		// пробный период или полностью покрытый скидкой счет
		return resultIgnored, nil
	}

	userID, ok := invoiceUserID(invoice)
	if !ok {
		h.logger.Warn("в счете Stripe нет user_id", zap.String("invoice_id", invoice.ID))
		return resultIgnored, nil
	}

	commission, err := h.recorder.RecordPayment(ctx, models.PaymentEvent{
		Provider:       models.ProviderStripe,
		EventID:        event.ID,
		PaymentID:      invoice.ID,
		ReferredUserID: userID,
		Amount:         invoice.AmountPaid,
		Currency:       strings.ToUpper(invoice.Currency),
	})
	if err != nil {
		return "", err
	}
	if commission == nil {
		return resultIgnored, nil
	}
	return resultProcessed, nil
}

// handleChargeRefunded отменяет комиссию за полностью возвращенный платеж
func (h *StripeWebhookHandler) handleChargeRefunded(ctx context.Context, event StripeEvent) (string, error) {
	var charge stripeCharge
	if err := json.Unmarshal(event.Data.Object, &charge); err != nil {
		return "", models.ErrInvalidInput.Wrap(err)
	}

	if charge.Invoice == "" || !charge.Refunded {
		h.logger.Info("частичный возврат или платеж вне подписки, комиссия не меняется",
			zap.String("charge_id", charge.ID))
		return resultIgnored, nil
	}

	commission, err := h.recorder.CancelByPayment(ctx, models.ProviderStripe, event.ID, charge.Invoice, "refund")
	if err != nil {
		return "", err
	}
	if commission == nil {
		return resultIgnored, nil
	}
	return resultProcessed, nil
}

func invoiceUserID(invoice stripeInvoice) (int64, bool) {
	for _, md := range []map[string]string{invoice.Metadata, invoice.SubscriptionDetails.Metadata} {
		if raw, ok := md["user_id"]; ok {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err == nil && id > 0 {
				return id, true
			}
		}
	}
	return 0, false
}

// VerifyStripeSignature проверяет заголовок Stripe-Signature вида
// "t=<unix>,v1=<hex>" как HMAC-SHA256 от "<t>.<body>".
func VerifyStripeSignature(header string, body []byte, secret string, tolerance time.Duration, now time.Time) error {
	if header == "" {
		return errMissingSignature
	}

	var (
		timestamp  int64
		signatures []string
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("некорректная метка времени: %w", err)
			}
			timestamp = ts
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == 0 || len(signatures) == 0 {
		return errMissingSignature
	}

	if tolerance > 0 {
		age := now.Sub(time.Unix(timestamp, 0))
		if age > tolerance || age < -tolerance {
			return errStaleSignature
		}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := mac.Sum(nil)

	for _, sig := range signatures {
		decoded, err := hex.DecodeString(sig)
		if err == nil && hmac.Equal(decoded, expected) {
			return nil
		}
	}
	return errBadSignature
}
