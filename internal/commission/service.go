package commission

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

// Metrics интерфейс метрик начислений
type Metrics interface {
	RecordCommission(result string, amount int64)
	RecordCommissionTransition(status string, count int64)
}

// Config параметры начисления комиссий
type Config struct {
	// RateBps ставка в базисных пунктах, 8000 = 80%
	RateBps    int64
	Currency   string
	HoldPeriod time.Duration
}

// Service начисляет и сопровождает комиссии партнеров
type Service struct {
	store   store.Store
	cfg     Config
	metrics Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewService создает сервис комиссий
func NewService(st store.Store, cfg Config, metrics Metrics, logger *zap.Logger) *Service {
	return &Service{
		store:   st,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Calculate возвращает комиссию floor(amount * rate) в минимальных единицах валюты
func Calculate(amount, rateBps int64) int64 {
	if amount <= 0 || rateBps <= 0 {
		return 0
	}
	return amount * rateBps / 10000
}

const (
	resultCreated     = "created"
	resultDuplicate   = "duplicate"
	resultNotReferred = "not_referred"
	resultSkipped     = "skipped"
)

// RecordPayment начисляет комиссию за оплату подписки приглашенным студентом.
// Для платежей без открытого реферала возвращает nil без ошибки.
func (s *Service) RecordPayment(ctx context.Context, event models.PaymentEvent) (*models.Commission, error) {
	if event.PaymentID == "" || event.ReferredUserID <= 0 {
		return nil, models.ErrInvalidInput
	}
	if event.Amount <= 0 {
		return nil, models.ErrInvalidAmount
	}
	if !strings.EqualFold(event.Currency, s.cfg.Currency) {
		return nil, models.ErrCurrencyMismatch.Wrap(fmt.Errorf("получено %s, ожидается %s", event.Currency, s.cfg.Currency))
	}

	var (
		created *models.Commission
		result  = resultNotReferred
	)

	err := s.store.WithTx(ctx, func(tx store.Store) error {
		if event.EventID != "" {
			first, err := tx.WebhookEvent().Record(ctx, &models.WebhookEvent{
				Provider:   event.Provider,
				EventID:    event.EventID,
				EventType:  "payment.succeeded",
				ReceivedAt: s.now(),
			})
			if err != nil {
				return err
			}
			if !first {
				result = resultDuplicate
				return nil
			}
		}

		referral, err := tx.Referral().GetByReferredUserID(ctx, event.ReferredUserID)
		if errors.Is(err, models.ErrReferralNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !referral.Status.IsOpen() {
			return nil
		}

		affiliate, err := tx.Affiliate().GetByIDForUpdate(ctx, referral.AffiliateID)
		if err != nil {
			return err
		}
		if !affiliate.IsActive {
			result = resultSkipped
			s.logger.Info("партнер деактивирован, комиссия не начисляется",
				zap.Int64("affiliate_id", affiliate.ID),
				zap.String("payment_id", event.PaymentID))
			return nil
		}

		amount := Calculate(event.Amount, s.cfg.RateBps)
		if amount == 0 {
			result = resultSkipped
			return nil
		}

		commission := &models.Commission{
			AffiliateID:        affiliate.ID,
			ReferralID:         referral.ID,
			PaymentEventID:     event.PaymentID,
			SubscriptionAmount: event.Amount,
			Amount:             amount,
			Currency:           s.cfg.Currency,
			Status:             models.CommissionStatusPending,
			CreatedAt:          s.now(),
		}

		inserted, err := tx.Commission().CreateIfAbsent(ctx, commission)
		if err != nil {
			return err
		}
		if !inserted {
			result = resultDuplicate
			return nil
		}

		if err := tx.Affiliate().AdjustBalances(ctx, affiliate.ID, models.BalanceDelta{
			Pending:  amount,
			Earnings: amount,
		}); err != nil {
			return err
		}

		if referral.Status == models.ReferralStatusPending {
			if _, err := tx.Referral().MarkConverted(ctx, referral.ID, commission.CreatedAt); err != nil {
				return err
			}
		}

		created = commission
		result = resultCreated
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка начисления комиссии: %w", err)
	}

	var amount int64
	if created != nil {
		amount = created.Amount
		s.logger.Info("комиссия начислена",
			zap.Int64("commission_id", created.ID),
			zap.Int64("affiliate_id", created.AffiliateID),
			zap.String("payment_id", event.PaymentID),
			zap.Int64("amount", created.Amount))
	} else {
		s.logger.Debug("платеж обработан без начисления",
			zap.String("payment_id", event.PaymentID),
			zap.String("result", result))
	}
	s.metrics.RecordCommission(result, amount)

	return created, nil
}

// Approve одобряет комиссию вручную
func (s *Service) Approve(ctx context.Context, id int64) (*models.Commission, error) {
	var approved *models.Commission

	err := s.store.WithTx(ctx, func(tx store.Store) error {
		c, err := tx.Commission().GetByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !c.Status.CanTransitionTo(models.CommissionStatusApproved) {
			return models.ErrInvalidTransition
		}

		ok, err := tx.Commission().Approve(ctx, id, s.now())
		if err != nil {
			return err
		}
		if !ok {
			return models.ErrInvalidTransition
		}

		approved, err = tx.Commission().GetByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordCommissionTransition(string(models.CommissionStatusApproved), 1)
	s.logger.Info("комиссия одобрена", zap.Int64("commission_id", id))

	return approved, nil
}

// ApproveDue одобряет комиссии, у которых истек срок удержания
func (s *Service) ApproveDue(ctx context.Context) (int64, error) {
	now := s.now()
	n, err := s.store.Commission().ApproveCreatedBefore(ctx, now.Add(-s.cfg.HoldPeriod), now)
	if err != nil {
		return 0, err
	}

	if n > 0 {
		s.metrics.RecordCommissionTransition(string(models.CommissionStatusApproved), n)
		s.logger.Info("комиссии одобрены по истечении срока удержания", zap.Int64("count", n))
	}
	return n, nil
}

// Cancel отменяет невыплаченную комиссию и списывает ее с баланса партнера
func (s *Service) Cancel(ctx context.Context, id int64, reason string) (*models.Commission, error) {
	var cancelled *models.Commission

	err := s.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		cancelled, err = s.cancelInTx(ctx, tx, id, reason)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordCommissionTransition(string(models.CommissionStatusCancelled), 1)
	s.logger.Info("комиссия отменена",
		zap.Int64("commission_id", id),
		zap.String("reason", reason))

	return cancelled, nil
}

// CancelByPayment отменяет комиссию за возвращенный платеж.
// Если комиссии нет, возвращает nil без ошибки.
func (s *Service) CancelByPayment(ctx context.Context, provider, eventID, paymentID, reason string) (*models.Commission, error) {
	var cancelled *models.Commission

	err := s.store.WithTx(ctx, func(tx store.Store) error {
		if eventID != "" {
			first, err := tx.WebhookEvent().Record(ctx, &models.WebhookEvent{
				Provider:   provider,
				EventID:    eventID,
				EventType:  "payment.refunded",
				ReceivedAt: s.now(),
			})
			if err != nil || !first {
				return err
			}
		}

		c, err := tx.Commission().GetByPaymentEventID(ctx, paymentID)
		if errors.Is(err, models.ErrCommissionNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		cancelled, err = s.cancelInTx(ctx, tx, c.ID, reason)
		if errors.Is(err, models.ErrInvalidTransition) {
			// выплаченную комиссию вернуть нельзя, оставляем для ручной сверки
			s.logger.Warn("возврат платежа по уже выплаченной или закрепленной комиссии",
				zap.Int64("commission_id", c.ID),
				zap.String("payment_id", paymentID),
				zap.String("status", string(c.Status)))
			cancelled = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка отмены комиссии по возврату: %w", err)
	}

	if cancelled != nil {
		s.metrics.RecordCommissionTransition(string(models.CommissionStatusCancelled), 1)
		s.logger.Info("комиссия отменена из-за возврата платежа",
			zap.Int64("commission_id", cancelled.ID),
			zap.String("payment_id", paymentID))
	}

	return cancelled, nil
}

func (s *Service) cancelInTx(ctx context.Context, tx store.Store, id int64, reason string) (*models.Commission, error) {
	c, err := tx.Commission().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	// партнер блокируется первым, как и в остальных операциях с балансом
	if _, err := tx.Affiliate().GetByIDForUpdate(ctx, c.AffiliateID); err != nil {
		return nil, err
	}

	ok, err := tx.Commission().Cancel(ctx, id, reason, s.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.ErrInvalidTransition
	}

	if err := tx.Affiliate().AdjustBalances(ctx, c.AffiliateID, models.BalanceDelta{
		Pending:  -c.Amount,
		Earnings: -c.Amount,
	}); err != nil {
		return nil, err
	}

	return tx.Commission().GetByID(ctx, id)
}

// List возвращает комиссии партнера
func (s *Service) List(ctx context.Context, affiliateID int64, filter models.CommissionFilter) ([]*models.Commission, error) {
	if filter.Status != nil && !filter.Status.IsValid() {
		return nil, models.ErrInvalidInput
	}
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 50
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	commissions, err := s.store.Commission().ListByAffiliate(ctx, affiliateID, filter)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения комиссий: %w", err)
	}
	return commissions, nil
}
