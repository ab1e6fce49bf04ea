package store

import (
	"context"
	"fmt"
	"time"

	"affiliate-ledger/pkg/models"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const affiliateColumns = `id, user_id, referral_code, payout_email, pending_balance, paid_balance,
		       total_earnings, is_active, created_at, updated_at`

// PostgresAffiliateRepository реализует AffiliateRepository для PostgreSQL
type PostgresAffiliateRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewAffiliateRepository создает новый репозиторий партнеров
func NewAffiliateRepository(db DBTX, logger *zap.Logger) AffiliateRepository {
	return &PostgresAffiliateRepository{
		db:     db,
		logger: logger,
	}
}

func scanAffiliate(row pgx.Row) (*models.Affiliate, error) {
	a := &models.Affiliate{}
	err := row.Scan(
		&a.ID, &a.UserID, &a.ReferralCode, &a.PayoutEmail, &a.PendingBalance, &a.PaidBalance,
		&a.TotalEarnings, &a.IsActive, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Create создает партнера
func (r *PostgresAffiliateRepository) Create(ctx context.Context, affiliate *models.Affiliate) error {
	query := `
		INSERT INTO affiliates (user_id, referral_code, payout_email, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		RETURNING id`

	now := time.Now()
	affiliate.CreatedAt = now
	affiliate.UpdatedAt = now

	err := r.db.QueryRow(ctx, query,
		affiliate.UserID,
		affiliate.ReferralCode,
		affiliate.PayoutEmail,
		affiliate.IsActive,
		now,
	).Scan(&affiliate.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return models.ErrInvalidInput.Wrap(fmt.Errorf("партнер уже существует или код занят: %w", err))
		}
		return fmt.Errorf("ошибка создания партнера: %w", err)
	}

	r.logger.Info("партнер создан",
		zap.Int64("affiliate_id", affiliate.ID),
		zap.Int64("user_id", affiliate.UserID))

	return nil
}

// GetByID получает партнера по ID
func (r *PostgresAffiliateRepository) GetByID(ctx context.Context, id int64) (*models.Affiliate, error) {
	query := `SELECT ` + affiliateColumns + ` FROM affiliates WHERE id = $1`

	a, err := scanAffiliate(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err, models.ErrAffiliateNotFound, "ошибка получения партнера")
	}
	return a, nil
}

// GetByIDForUpdate получает партнера с блокировкой строки
func (r *PostgresAffiliateRepository) GetByIDForUpdate(ctx context.Context, id int64) (*models.Affiliate, error) {
	query := `SELECT ` + affiliateColumns + ` FROM affiliates WHERE id = $1 FOR UPDATE`

	a, err := scanAffiliate(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err, models.ErrAffiliateNotFound, "ошибка блокировки партнера")
	}
	return a, nil
}

// GetByUserID получает партнера по ID студента
func (r *PostgresAffiliateRepository) GetByUserID(ctx context.Context, userID int64) (*models.Affiliate, error) {
	query := `SELECT ` + affiliateColumns + ` FROM affiliates WHERE user_id = $1`

	a, err := scanAffiliate(r.db.QueryRow(ctx, query, userID))
	if err != nil {
		return nil, notFound(err, models.ErrAffiliateNotFound, "ошибка получения партнера по пользователю")
	}
	return a, nil
}

// GetByReferralCode получает партнера по реферальному коду
func (r *PostgresAffiliateRepository) GetByReferralCode(ctx context.Context, code string) (*models.Affiliate, error) {
	query := `SELECT ` + affiliateColumns + ` FROM affiliates WHERE referral_code = $1`

	a, err := scanAffiliate(r.db.QueryRow(ctx, query, code))
	if err != nil {
		return nil, notFound(err, models.ErrAffiliateNotFound, "ошибка получения партнера по коду")
	}
	return a, nil
}

// GenerateReferralCode генерирует реферальный код на стороне базы данных
func (r *PostgresAffiliateRepository) GenerateReferralCode(ctx context.Context) (string, error) {
	var code string
	if err := r.db.QueryRow(ctx, `SELECT generate_referral_code()`).Scan(&code); err != nil {
		return "", fmt.Errorf("ошибка генерации реферального кода: %w", err)
	}
	return code, nil
}

// UpdatePayoutEmail обновляет email для выплат
func (r *PostgresAffiliateRepository) UpdatePayoutEmail(ctx context.Context, id int64, email string) error {
	query := `UPDATE affiliates SET payout_email = $1, updated_at = NOW() WHERE id = $2`

	tag, err := r.db.Exec(ctx, query, email, id)
	if err != nil {
		return fmt.Errorf("ошибка обновления email для выплат: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrAffiliateNotFound
	}
	return nil
}

// SetActive включает или отключает партнера
func (r *PostgresAffiliateRepository) SetActive(ctx context.Context, id int64, active bool) error {
	query := `UPDATE affiliates SET is_active = $1, updated_at = NOW() WHERE id = $2`

	tag, err := r.db.Exec(ctx, query, active, id)
	if err != nil {
		return fmt.Errorf("ошибка изменения активности партнера: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrAffiliateNotFound
	}
	return nil
}

// AdjustBalances изменяет балансы партнера одним запросом
func (r *PostgresAffiliateRepository) AdjustBalances(ctx context.Context, id int64, delta models.BalanceDelta) error {
	if delta.IsZero() {
		return nil
	}

	query := `
		UPDATE affiliates
		SET pending_balance = pending_balance + $1,
		    paid_balance = paid_balance + $2,
		    total_earnings = total_earnings + $3,
		    updated_at = NOW()
		WHERE id = $4`

	tag, err := r.db.Exec(ctx, query, delta.Pending, delta.Paid, delta.Earnings, id)
	if err != nil {
		return fmt.Errorf("ошибка изменения баланса партнера: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrAffiliateNotFound
	}

	r.logger.Debug("баланс партнера изменен",
		zap.Int64("affiliate_id", id),
		zap.Int64("pending_delta", delta.Pending),
		zap.Int64("paid_delta", delta.Paid),
		zap.Int64("earnings_delta", delta.Earnings))

	return nil
}

// ListIDs возвращает идентификаторы всех партнеров
func (r *PostgresAffiliateRepository) ListIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM affiliates ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка партнеров: %w", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения списка партнеров: %w", err)
	}
	return ids, nil
}
