package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"affiliate-ledger/internal/config"
	"affiliate-ledger/pkg/models"

	"go.uber.org/zap"
)

const (
	liveURL    = "https://api-m.paypal.com"
	sandboxURL = "https://api-m.sandbox.paypal.com"
)

// Client представляет клиент PayPal Payouts API
type Client struct {
	clientID     string
	clientSecret string
	webhookID    string
	baseURL      string
	httpClient   *http.Client
	logger       *zap.Logger

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

// Money представляет сумму в формате PayPal
type Money struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

// PayoutItem получатель в пакетной выплате
type PayoutItem struct {
	RecipientType string `json:"recipient_type"`
	Amount        Money  `json:"amount"`
	Receiver      string `json:"receiver"`
	Note          string `json:"note,omitempty"`
	SenderItemID  string `json:"sender_item_id"`
}

// SenderBatchHeader заголовок пакетной выплаты
type SenderBatchHeader struct {
	SenderBatchID string `json:"sender_batch_id"`
	EmailSubject  string `json:"email_subject,omitempty"`
	EmailMessage  string `json:"email_message,omitempty"`
}

// PayoutRequest запрос на создание пакетной выплаты
type PayoutRequest struct {
	SenderBatchHeader SenderBatchHeader `json:"sender_batch_header"`
	Items             []PayoutItem      `json:"items"`
}

// PayoutResponse ответ на создание пакетной выплаты
type PayoutResponse struct {
	BatchHeader struct {
		PayoutBatchID string `json:"payout_batch_id"`
		BatchStatus   string `json:"batch_status"`
	} `json:"batch_header"`
}

// APIError ошибка, возвращенная PayPal
type APIError struct {
	StatusCode int
	Name       string `json:"name"`
	Message    string `json:"message"`
	DebugID    string `json:"debug_id"`
}

func (e *APIError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("paypal %d %s: %s", e.StatusCode, e.Name, e.Message)
	}
	return fmt.Sprintf("paypal: неожиданный статус ответа %d", e.StatusCode)
}

// Rejected сообщает, что PayPal окончательно отклонил запрос и пакет не создан.
// 401, 408, 409, 429 и 5xx допускают повтор с тем же PayPal-Request-Id.
func (e *APIError) Rejected() bool {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests:
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// NewClient создает клиент PayPal
func NewClient(cfg config.PayPalConfig, logger *zap.Logger) *Client {
	baseURL := liveURL
	if cfg.Sandbox {
		baseURL = sandboxURL
	}

	return &Client{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		webhookID:    cfg.WebhookID,
		baseURL:      baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// SendPayout создает пакетную выплату с одним получателем.
// sender_batch_id используется и как PayPal-Request-Id, поэтому повторная
// отправка той же выплаты не создает второй перевод.
func (c *Client) SendPayout(ctx context.Context, payout *models.Payout, receiverEmail string) (string, error) {
	payoutReq := PayoutRequest{
		SenderBatchHeader: SenderBatchHeader{
			SenderBatchID: payout.SenderBatchID,
			EmailSubject:  "Партнерская выплата",
			EmailMessage:  "Спасибо, что рекомендуете нас!",
		},
		Items: []PayoutItem{{
			RecipientType: "EMAIL",
			Amount: Money{
				Value:    FormatValue(payout.Amount),
				Currency: payout.Currency,
			},
			Receiver:     receiverEmail,
			Note:         fmt.Sprintf("Партнерская выплата #%d", payout.ID),
			SenderItemID: fmt.Sprintf("payout-%d", payout.ID),
		}},
	}

	var resp PayoutResponse
	headers := map[string]string{"PayPal-Request-Id": payout.SenderBatchID}
	if err := c.do(ctx, http.MethodPost, "/v1/payments/payouts", headers, payoutReq, &resp); err != nil {
		return "", err
	}

	if resp.BatchHeader.PayoutBatchID == "" {
		return "", fmt.Errorf("paypal не вернул payout_batch_id")
	}

	c.logger.Info("пакетная выплата создана в PayPal",
		zap.Int64("payout_id", payout.ID),
		zap.String("payout_batch_id", resp.BatchHeader.PayoutBatchID),
		zap.String("batch_status", resp.BatchHeader.BatchStatus))

	return resp.BatchHeader.PayoutBatchID, nil
}

// VerifyWebhookSignature проверяет подпись webhook'а через PayPal API
func (c *Client) VerifyWebhookSignature(ctx context.Context, header http.Header, body []byte) (bool, error) {
	if c.webhookID == "" {
		return false, fmt.Errorf("PAYPAL_WEBHOOK_ID не задан")
	}

	req := struct {
		AuthAlgo         string          `json:"auth_algo"`
		CertURL          string          `json:"cert_url"`
		TransmissionID   string          `json:"transmission_id"`
		TransmissionSig  string          `json:"transmission_sig"`
		TransmissionTime string          `json:"transmission_time"`
		WebhookID        string          `json:"webhook_id"`
		WebhookEvent     json.RawMessage `json:"webhook_event"`
	}{
		AuthAlgo:         header.Get("PAYPAL-AUTH-ALGO"),
		CertURL:          header.Get("PAYPAL-CERT-URL"),
		TransmissionID:   header.Get("PAYPAL-TRANSMISSION-ID"),
		TransmissionSig:  header.Get("PAYPAL-TRANSMISSION-SIG"),
		TransmissionTime: header.Get("PAYPAL-TRANSMISSION-TIME"),
		WebhookID:        c.webhookID,
		WebhookEvent:     json.RawMessage(body),
	}
	if req.TransmissionID == "" || req.TransmissionSig == "" {
		return false, nil
	}

	var resp struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", nil, req, &resp); err != nil {
		return false, err
	}

	return resp.VerificationStatus == "SUCCESS", nil
}

// token возвращает действующий OAuth токен, запрашивая новый при необходимости
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.expiresAt) {
		return c.accessToken, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("ошибка создания HTTP запроса: %w", err)
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ошибка получения токена PayPal: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", decodeAPIError(resp)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("ошибка парсинга токена: %w", err)
	}

	c.accessToken = tokenResp.AccessToken
	// обновляем токен за минуту до истечения
	c.expiresAt = time.Now().Add(time.Duration(tokenResp.ExpiresIn)*time.Second - time.Minute)

	c.logger.Debug("получен токен PayPal", zap.Int64("expires_in", tokenResp.ExpiresIn))
	return c.accessToken, nil
}

func (c *Client) do(ctx context.Context, method, path string, headers map[string]string, body, out any) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	reqBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("ошибка сериализации запроса: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("ошибка создания HTTP запроса: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ошибка отправки запроса: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		c.mu.Lock()
		c.accessToken = ""
		c.mu.Unlock()
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ошибка парсинга ответа: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, apiErr)
	return apiErr
}

// FormatValue переводит центы в строку с двумя знаками после точки
func FormatValue(cents int64) string {
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}
