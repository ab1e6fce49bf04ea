package models

import (
	"time"
)

// Payout представляет запрос партнера на вывод средств
type Payout struct {
	ID              int64        `json:"id" db:"id"`
	AffiliateID     int64        `json:"affiliate_id" db:"affiliate_id"`
	Amount          int64        `json:"amount" db:"amount"`
	Currency        string       `json:"currency" db:"currency"`
	Method          PayoutMethod `json:"method" db:"method"`
	Status          PayoutStatus `json:"status" db:"status"`
	SenderBatchID   string       `json:"sender_batch_id" db:"sender_batch_id"`
	ProviderBatchID *string      `json:"provider_batch_id,omitempty" db:"provider_batch_id"`
	FailureReason   *string      `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt       time.Time    `json:"created_at" db:"created_at"`
	ProcessedAt     *time.Time   `json:"processed_at,omitempty" db:"processed_at"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty" db:"completed_at"`
	FailedAt        *time.Time   `json:"failed_at,omitempty" db:"failed_at"`
}

// PayoutMethod способ выплаты
type PayoutMethod string

const (
	PayoutMethodPayPal PayoutMethod = "paypal"
)

// PayoutStatus статус выплаты
type PayoutStatus string

const (
	PayoutStatusPending    PayoutStatus = "pending"
	PayoutStatusProcessing PayoutStatus = "processing"
	PayoutStatusCompleted  PayoutStatus = "completed"
	PayoutStatusFailed     PayoutStatus = "failed"
)

// IsInFlight проверяет, обрабатывается ли выплата
func (ps PayoutStatus) IsInFlight() bool {
	return ps == PayoutStatusPending || ps == PayoutStatusProcessing
}

// IsTerminal проверяет, является ли статус конечным
func (ps PayoutStatus) IsTerminal() bool {
	return ps == PayoutStatusCompleted || ps == PayoutStatusFailed
}

// PayoutOutcome результат обработки выплаты провайдером
type PayoutOutcome struct {
	Provider string
	// EventID идентификатор доставки webhook'а
	EventID         string
	EventType       string
	ProviderBatchID string
	// SenderBatchID наш идентификатор пакета, по нему находится выплата,
	// для которой не успели сохранить ProviderBatchID
	SenderBatchID string
	Succeeded     bool
	FailureReason string
}
