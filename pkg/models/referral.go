package models

import (
	"time"
)

// Referral представляет связь между партнером и приглашенным студентом
type Referral struct {
	ID             int64          `json:"id" db:"id"`
	AffiliateID    int64          `json:"affiliate_id" db:"affiliate_id"`
	ReferredUserID int64          `json:"referred_user_id" db:"referred_user_id"`
	Status         ReferralStatus `json:"status" db:"status"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	ConvertedAt    *time.Time     `json:"converted_at,omitempty" db:"converted_at"`
}

// ReferralStatus представляет статус реферала
type ReferralStatus string

const (
	ReferralStatusPending   ReferralStatus = "pending"
	ReferralStatusConverted ReferralStatus = "converted"
	ReferralStatusExpired   ReferralStatus = "expired"
	ReferralStatusCancelled ReferralStatus = "cancelled"
)

// IsValid проверяет валидность статуса реферала
func (rs ReferralStatus) IsValid() bool {
	switch rs {
	case ReferralStatusPending, ReferralStatusConverted, ReferralStatusExpired, ReferralStatusCancelled:
		return true
	default:
		return false
	}
}

// IsOpen проверяет, может ли реферал приносить комиссии
func (rs ReferralStatus) IsOpen() bool {
	return rs == ReferralStatusPending || rs == ReferralStatusConverted
}

// ReferralStats представляет статистику рефералов партнера
type ReferralStats struct {
	TotalReferrals     int `json:"total_referrals"`
	PendingReferrals   int `json:"pending_referrals"`
	ConvertedReferrals int `json:"converted_referrals"`
	ExpiredReferrals   int `json:"expired_referrals"`
}
