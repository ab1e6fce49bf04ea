package models

import (
	"time"
)

// WebhookEvent зарегистрированная доставка webhook'а.
// Пара (Provider, EventID) уникальна.
type WebhookEvent struct {
	Provider   string    `json:"provider" db:"provider"`
	EventID    string    `json:"event_id" db:"event_id"`
	EventType  string    `json:"event_type" db:"event_type"`
	ReceivedAt time.Time `json:"received_at" db:"received_at"`
}

const (
	ProviderStripe = "stripe"
	ProviderPayPal = "paypal"
)
