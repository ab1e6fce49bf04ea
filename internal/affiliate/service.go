package affiliate

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"

	"affiliate-ledger/internal/store"
	"affiliate-ledger/pkg/models"

	"go.uber.org/zap"
)

const maxCodeAttempts = 10

// Config параметры партнерской программы, видимые партнеру
type Config struct {
	MinPayout   int64
	Currency    string
	LinkBaseURL string
}

// Service управляет участием студентов в партнерской программе
type Service struct {
	store  store.Store
	cfg    Config
	logger *zap.Logger
}

// NewService создает сервис партнеров
func NewService(st store.Store, cfg Config, logger *zap.Logger) *Service {
	return &Service{
		store:  st,
		cfg:    cfg,
		logger: logger,
	}
}

// Enroll регистрирует пользователя в партнерской программе.
// Повторный вызов возвращает существующую запись и created = false.
func (s *Service) Enroll(ctx context.Context, userID int64, payoutEmail string) (*models.Affiliate, bool, error) {
	if userID <= 0 {
		return nil, false, models.ErrInvalidInput
	}

	var email *string
	if payoutEmail != "" {
		normalized, err := NormalizeEmail(payoutEmail)
		if err != nil {
			return nil, false, err
		}
		email = &normalized
	}

	existing, err := s.store.Affiliate().GetByUserID(ctx, userID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, models.ErrAffiliateNotFound) {
		return nil, false, fmt.Errorf("ошибка получения партнера: %w", err)
	}

	code, err := s.uniqueReferralCode(ctx)
	if err != nil {
		return nil, false, err
	}

	affiliate := &models.Affiliate{
		UserID:       userID,
		ReferralCode: code,
		PayoutEmail:  email,
		IsActive:     true,
	}
	if err := s.store.Affiliate().Create(ctx, affiliate); err != nil {
		// параллельная регистрация того же пользователя
		if again, getErr := s.store.Affiliate().GetByUserID(ctx, userID); getErr == nil {
			return again, false, nil
		}
		return nil, false, fmt.Errorf("ошибка создания партнера: %w", err)
	}

	s.logger.Info("пользователь зарегистрирован в партнерской программе",
		zap.Int64("user_id", userID),
		zap.String("referral_code", code))

	return affiliate, true, nil
}

// uniqueReferralCode генерирует код, которого еще нет у других партнеров
func (s *Service) uniqueReferralCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := s.store.Affiliate().GenerateReferralCode(ctx)
		if err != nil {
			return "", fmt.Errorf("ошибка генерации реферального кода: %w", err)
		}

		_, err = s.store.Affiliate().GetByReferralCode(ctx, code)
		if errors.Is(err, models.ErrAffiliateNotFound) {
			return code, nil
		}
		if err != nil {
			return "", fmt.Errorf("ошибка проверки реферального кода: %w", err)
		}

		s.logger.Warn("сгенерированный код уже существует, пробуем снова",
			zap.String("code", code),
			zap.Int("attempt", attempt+1))
	}

	return "", fmt.Errorf("не удалось сгенерировать уникальный реферальный код после %d попыток", maxCodeAttempts)
}

// GetByUser возвращает партнера по ID пользователя
func (s *Service) GetByUser(ctx context.Context, userID int64) (*models.Affiliate, error) {
	return s.store.Affiliate().GetByUserID(ctx, userID)
}

// UpdatePayoutEmail меняет адрес PayPal для выплат
func (s *Service) UpdatePayoutEmail(ctx context.Context, userID int64, email string) (*models.Affiliate, error) {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}

	affiliate, err := s.store.Affiliate().GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if err := s.store.Affiliate().UpdatePayoutEmail(ctx, affiliate.ID, normalized); err != nil {
		return nil, fmt.Errorf("ошибка обновления email для выплат: %w", err)
	}

	s.logger.Info("email для выплат обновлен", zap.Int64("affiliate_id", affiliate.ID))
	affiliate.PayoutEmail = &normalized
	return affiliate, nil
}

// SetActive включает или отключает участие партнера в программе
func (s *Service) SetActive(ctx context.Context, affiliateID int64, active bool) (*models.Affiliate, error) {
	if err := s.store.Affiliate().SetActive(ctx, affiliateID, active); err != nil {
		return nil, err
	}

	s.logger.Info("статус партнера изменен",
		zap.Int64("affiliate_id", affiliateID),
		zap.Bool("active", active))

	return s.store.Affiliate().GetByID(ctx, affiliateID)
}

// Overview собирает данные для личного кабинета партнера
func (s *Service) Overview(ctx context.Context, userID int64) (*models.AffiliateOverview, error) {
	affiliate, err := s.store.Affiliate().GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	stats, err := s.store.Referral().GetStats(ctx, affiliate.ID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения статистики рефералов: %w", err)
	}

	return &models.AffiliateOverview{
		Affiliate:    affiliate,
		Referrals:    stats,
		MinPayout:    s.cfg.MinPayout,
		Currency:     s.cfg.Currency,
		ReferralLink: s.ReferralLink(affiliate.ReferralCode),
	}, nil
}

// ReferralLink формирует ссылку на регистрацию с кодом партнера
func (s *Service) ReferralLink(code string) string {
	u, err := url.Parse(s.cfg.LinkBaseURL)
	if err != nil || s.cfg.LinkBaseURL == "" {
		return code
	}
	q := u.Query()
	q.Set("ref", code)
	u.RawQuery = q.Encode()
	return u.String()
}

// Reconcile сверяет баланс партнера с суммой его неотмененных комиссий.
// Строка партнера блокируется, поэтому сверка не видит начисление наполовину.
func (s *Service) Reconcile(ctx context.Context, affiliateID int64) (*models.LedgerReport, error) {
	var report *models.LedgerReport

	err := s.store.WithTx(ctx, func(tx store.Store) error {
		affiliate, err := tx.Affiliate().GetByIDForUpdate(ctx, affiliateID)
		if err != nil {
			return err
		}

		sum, err := tx.Commission().SumOutstanding(ctx, affiliateID)
		if err != nil {
			return fmt.Errorf("ошибка подсчета комиссий: %w", err)
		}

		report = &models.LedgerReport{
			AffiliateID:    affiliateID,
			PendingBalance: affiliate.PendingBalance,
			PaidBalance:    affiliate.PaidBalance,
			CommissionSum:  sum,
			Drift:          affiliate.PendingBalance + affiliate.PaidBalance - sum,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// ReconcileAll возвращает отчеты только по партнерам с расхождением
func (s *Service) ReconcileAll(ctx context.Context) ([]*models.LedgerReport, error) {
	ids, err := s.store.Affiliate().ListIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения партнеров: %w", err)
	}

	var drifted []*models.LedgerReport
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return drifted, err
		}

		report, err := s.Reconcile(ctx, id)
		if err != nil {
			return drifted, err
		}
		if !report.Balanced() {
			s.logger.Error("расхождение баланса партнера",
				zap.Int64("affiliate_id", id),
				zap.Int64("pending_balance", report.PendingBalance),
				zap.Int64("paid_balance", report.PaidBalance),
				zap.Int64("commission_sum", report.CommissionSum),
				zap.Int64("drift", report.Drift))
			drifted = append(drifted, report)
		}
	}

	s.logger.Info("сверка балансов завершена",
		zap.Int("affiliates", len(ids)),
		zap.Int("drifted", len(drifted)))

	return drifted, nil
}

// NormalizeEmail проверяет адрес для выплат и приводит его к нижнему регистру.
// Адреса с отображаемым именем не принимаются.
func NormalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" || len(email) > 254 {
		return "", models.ErrInvalidEmail
	}

	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Name != "" || addr.Address != email {
		return "", models.ErrInvalidEmail
	}

	at := strings.LastIndex(addr.Address, "@")
	if at < 1 || !strings.Contains(addr.Address[at+1:], ".") {
		return "", models.ErrInvalidEmail
	}

	return strings.ToLower(addr.Address), nil
}
