package models

import (
	"time"
)

// Commission представляет начисление партнеру за оплату подписки приглашенного студента
type Commission struct {
	ID                 int64            `json:"id" db:"id"`
	AffiliateID        int64            `json:"affiliate_id" db:"affiliate_id"`
	ReferralID         int64            `json:"referral_id" db:"referral_id"`
	PaymentEventID     string           `json:"payment_event_id" db:"payment_event_id"`
	SubscriptionAmount int64            `json:"subscription_amount" db:"subscription_amount"`
	Amount             int64            `json:"amount" db:"amount"`
	Currency           string           `json:"currency" db:"currency"`
	Status             CommissionStatus `json:"status" db:"status"`
	PayoutID           *int64           `json:"payout_id,omitempty" db:"payout_id"`
	CancelReason       *string          `json:"cancel_reason,omitempty" db:"cancel_reason"`
	CreatedAt          time.Time        `json:"created_at" db:"created_at"`
	ApprovedAt         *time.Time       `json:"approved_at,omitempty" db:"approved_at"`
	PaidAt             *time.Time       `json:"paid_at,omitempty" db:"paid_at"`
	CancelledAt        *time.Time       `json:"cancelled_at,omitempty" db:"cancelled_at"`
}

// CommissionStatus статус комиссии
type CommissionStatus string

const (
	CommissionStatusPending   CommissionStatus = "pending"
	CommissionStatusApproved  CommissionStatus = "approved"
	CommissionStatusPaid      CommissionStatus = "paid"
	CommissionStatusCancelled CommissionStatus = "cancelled"
)

// IsValid проверяет валидность статуса комиссии
func (cs CommissionStatus) IsValid() bool {
	switch cs {
	case CommissionStatusPending, CommissionStatusApproved, CommissionStatusPaid, CommissionStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo проверяет допустимость перехода.
// pending -> approved -> paid, отмена возможна только до выплаты.
func (cs CommissionStatus) CanTransitionTo(next CommissionStatus) bool {
	switch cs {
	case CommissionStatusPending:
		return next == CommissionStatusApproved || next == CommissionStatusCancelled
	case CommissionStatusApproved:
		return next == CommissionStatusPaid || next == CommissionStatusCancelled
	default:
		return false
	}
}

// IsReserved проверяет, закреплена ли комиссия за выплатой
func (c *Commission) IsReserved() bool {
	return c.PayoutID != nil
}

// PaymentEvent подтвержденная оплата подписки студентом
type PaymentEvent struct {
	// Provider платежная система (stripe, paypal)
	Provider string
	// EventID идентификатор доставки webhook'а, пустой для ручных вызовов
	EventID string
	// PaymentID идентификатор платежа у провайдера, ключ идемпотентности комиссии
	PaymentID      string
	ReferredUserID int64
	Amount         int64
	Currency       string
}

// CommissionFilter параметры выборки комиссий
type CommissionFilter struct {
	Status *CommissionStatus
	Limit  int
	Offset int
}
