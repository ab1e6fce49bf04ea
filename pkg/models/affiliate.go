package models

import (
	"time"
)

// Affiliate представляет студента, участвующего в партнерской программе.
// Все суммы хранятся в центах.
type Affiliate struct {
	ID             int64     `json:"id" db:"id"`
	UserID         int64     `json:"user_id" db:"user_id"`
	ReferralCode   string    `json:"referral_code" db:"referral_code"`
	PayoutEmail    *string   `json:"payout_email,omitempty" db:"payout_email"`
	PendingBalance int64     `json:"pending_balance" db:"pending_balance"`
	PaidBalance    int64     `json:"paid_balance" db:"paid_balance"`
	TotalEarnings  int64     `json:"total_earnings" db:"total_earnings"`
	IsActive       bool      `json:"is_active" db:"is_active"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// HasPayoutEmail проверяет, указан ли email для выплат
func (a *Affiliate) HasPayoutEmail() bool {
	return a.PayoutEmail != nil && *a.PayoutEmail != ""
}

// BalanceDelta описывает изменение баланса партнера в рамках одной операции
type BalanceDelta struct {
	Pending  int64
	Paid     int64
	Earnings int64
}

// IsZero проверяет, что изменение пустое
func (d BalanceDelta) IsZero() bool {
	return d.Pending == 0 && d.Paid == 0 && d.Earnings == 0
}

// LedgerReport результат сверки баланса партнера с комиссиями
type LedgerReport struct {
	AffiliateID    int64 `json:"affiliate_id"`
	PendingBalance int64 `json:"pending_balance"`
	PaidBalance    int64 `json:"paid_balance"`
	CommissionSum  int64 `json:"commission_sum"`
	Drift          int64 `json:"drift"`
}

// Balanced проверяет выполнение инварианта pending + paid == сумма неотмененных комиссий
func (r *LedgerReport) Balanced() bool {
	return r.Drift == 0
}

// AffiliateOverview сводная информация для личного кабинета партнера
type AffiliateOverview struct {
	Affiliate *Affiliate     `json:"affiliate"`
	Referrals *ReferralStats `json:"referrals"`
	// MinPayout минимальная сумма выплаты в центах
	MinPayout    int64  `json:"min_payout"`
	Currency     string `json:"currency"`
	ReferralLink string `json:"referral_link"`
}
