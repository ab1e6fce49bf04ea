package referral

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"affiliate-ledger/internal/store"
	"affiliate-ledger/pkg/models"

	"go.uber.org/zap"
)

// Metrics интерфейс метрик рефералов
type Metrics interface {
	RecordReferral(status string, count int64)
}

// Service представляет сервис для управления реферальными связями
type Service struct {
	store   store.Store
	ttl     time.Duration
	metrics Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewService создает новый сервис рефералов. ttl задает срок, за который
// приглашенный студент должен оплатить подписку.
func NewService(st store.Store, ttl time.Duration, metrics Metrics, logger *zap.Logger) *Service {
	return &Service{
		store:   st,
		ttl:     ttl,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// NormalizeCode убирает префикс "ref_" и приводит код к верхнему регистру
func NormalizeCode(code string) string {
	code = strings.TrimSpace(code)
	if len(code) > 3 && strings.EqualFold(code[:4], "ref_") {
		code = code[4:]
	}
	return strings.ToUpper(code)
}

// Track привязывает нового студента к партнеру по реферальному коду
func (s *Service) Track(ctx context.Context, referredUserID int64, code string) (*models.Referral, error) {
	code = NormalizeCode(code)
	if referredUserID <= 0 || code == "" {
		return nil, models.ErrInvalidInput
	}

	affiliate, err := s.store.Affiliate().GetByReferralCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if !affiliate.IsActive {
		return nil, models.ErrAffiliateInactive
	}

	// Проверяем, что пользователи разные
	if affiliate.UserID == referredUserID {
		return nil, models.ErrSelfReferral
	}

	// Проверяем, что студент еще не был приглашен
	_, err = s.store.Referral().GetByReferredUserID(ctx, referredUserID)
	if err == nil {
		return nil, models.ErrAlreadyReferred
	}
	if !errors.Is(err, models.ErrReferralNotFound) {
		return nil, fmt.Errorf("ошибка проверки реферала: %w", err)
	}

	referral := &models.Referral{
		AffiliateID:    affiliate.ID,
		ReferredUserID: referredUserID,
		Status:         models.ReferralStatusPending,
		CreatedAt:      s.now(),
	}
	if err := s.store.Referral().Create(ctx, referral); err != nil {
		return nil, err
	}

	s.metrics.RecordReferral(string(models.ReferralStatusPending), 1)
	s.logger.Info("создан новый реферал",
		zap.Int64("affiliate_id", affiliate.ID),
		zap.Int64("referred_user_id", referredUserID))

	return referral, nil
}

// Cancel отменяет реферал. Отмененный реферал больше не приносит комиссий,
// начисленные ранее комиссии сохраняются.
func (s *Service) Cancel(ctx context.Context, referralID int64) (*models.Referral, error) {
	ok, err := s.store.Referral().UpdateStatus(ctx, referralID,
		[]models.ReferralStatus{models.ReferralStatusPending, models.ReferralStatusConverted},
		models.ReferralStatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("ошибка отмены реферала: %w", err)
	}
	if !ok {
		if _, err := s.store.Referral().GetByID(ctx, referralID); err != nil {
			return nil, err
		}
		return nil, models.ErrInvalidTransition
	}

	s.metrics.RecordReferral(string(models.ReferralStatusCancelled), 1)
	s.logger.Info("реферал отменен", zap.Int64("referral_id", referralID))

	return s.store.Referral().GetByID(ctx, referralID)
}

// ExpireStale переводит в expired рефералы без оплаты старше ttl
func (s *Service) ExpireStale(ctx context.Context) (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}

	n, err := s.store.Referral().ExpirePending(ctx, s.now().Add(-s.ttl))
	if err != nil {
		return 0, fmt.Errorf("ошибка истечения рефералов: %w", err)
	}

	if n > 0 {
		s.metrics.RecordReferral(string(models.ReferralStatusExpired), n)
		s.logger.Info("истек срок рефералов без оплаты", zap.Int64("count", n))
	}
	return n, nil
}

// List возвращает рефералов партнера
func (s *Service) List(ctx context.Context, affiliateID int64) ([]*models.Referral, error) {
	referrals, err := s.store.Referral().ListByAffiliate(ctx, affiliateID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения рефералов: %w", err)
	}
	return referrals, nil
}
