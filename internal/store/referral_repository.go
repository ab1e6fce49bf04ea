package store

import (
	"context"
	"fmt"
	"time"

	"affiliate-ledger/pkg/models"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// PostgresReferralRepository реализует ReferralRepository для PostgreSQL
type PostgresReferralRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewReferralRepository создает новый репозиторий рефералов
func NewReferralRepository(db DBTX, logger *zap.Logger) ReferralRepository {
	return &PostgresReferralRepository{
		db:     db,
		logger: logger,
	}
}

func scanReferral(row pgx.Row) (*models.Referral, error) {
	referral := &models.Referral{}
	err := row.Scan(
		&referral.ID,
		&referral.AffiliateID,
		&referral.ReferredUserID,
		&referral.Status,
		&referral.CreatedAt,
		&referral.ConvertedAt,
	)
	if err != nil {
		return nil, err
	}
	return referral, nil
}

// Create создает новую реферальную связь
func (r *PostgresReferralRepository) Create(ctx context.Context, referral *models.Referral) error {
	query := `
		INSERT INTO referrals (affiliate_id, referred_user_id, status, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	err := r.db.QueryRow(
		ctx, query,
		referral.AffiliateID,
		referral.ReferredUserID,
		string(referral.Status),
		referral.CreatedAt,
	).Scan(&referral.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return models.ErrAlreadyReferred
		}
		return fmt.Errorf("ошибка создания реферала: %w", err)
	}

	return nil
}

// GetByID получает реферал по ID
func (r *PostgresReferralRepository) GetByID(ctx context.Context, id int64) (*models.Referral, error) {
	query := `
		SELECT id, affiliate_id, referred_user_id, status, created_at, converted_at
		FROM referrals
		WHERE id = $1`

	referral, err := scanReferral(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err, models.ErrReferralNotFound, "ошибка получения реферала")
	}
	return referral, nil
}

// GetByReferredUserID получает реферал по ID приглашенного студента
func (r *PostgresReferralRepository) GetByReferredUserID(ctx context.Context, userID int64) (*models.Referral, error) {
	query := `
		SELECT id, affiliate_id, referred_user_id, status, created_at, converted_at
		FROM referrals
		WHERE referred_user_id = $1`

	referral, err := scanReferral(r.db.QueryRow(ctx, query, userID))
	if err != nil {
		return nil, notFound(err, models.ErrReferralNotFound, "ошибка получения реферала")
	}
	return referral, nil
}

// ListByAffiliate получает все рефералы партнера
func (r *PostgresReferralRepository) ListByAffiliate(ctx context.Context, affiliateID int64) ([]*models.Referral, error) {
	query := `
		SELECT id, affiliate_id, referred_user_id, status, created_at, converted_at
		FROM referrals
		WHERE affiliate_id = $1
		ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, affiliateID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения рефералов: %w", err)
	}
	defer rows.Close()

	var referrals []*models.Referral
	for rows.Next() {
		referral, err := scanReferral(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования реферала: %w", err)
		}
		referrals = append(referrals, referral)
	}

	return referrals, rows.Err()
}

// MarkConverted отмечает первую оплату приглашенного студента
func (r *PostgresReferralRepository) MarkConverted(ctx context.Context, id int64, at time.Time) (bool, error) {
	query := `
		UPDATE referrals
		SET status = 'converted', converted_at = $1
		WHERE id = $2 AND status = 'pending'`

	tag, err := r.db.Exec(ctx, query, at, id)
	if err != nil {
		return false, fmt.Errorf("ошибка конверсии реферала: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateStatus меняет статус реферала, если текущий статус входит в from
func (r *PostgresReferralRepository) UpdateStatus(ctx context.Context, id int64, from []models.ReferralStatus, to models.ReferralStatus) (bool, error) {
	allowed := make([]string, 0, len(from))
	for _, s := range from {
		allowed = append(allowed, string(s))
	}

	query := `
		UPDATE referrals
		SET status = $1
		WHERE id = $2 AND status = ANY($3)`

	tag, err := r.db.Exec(ctx, query, string(to), id, allowed)
	if err != nil {
		return false, fmt.Errorf("ошибка обновления статуса реферала: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ExpirePending переводит устаревшие неоплаченные рефералы в expired
func (r *PostgresReferralRepository) ExpirePending(ctx context.Context, createdBefore time.Time) (int64, error) {
	query := `
		UPDATE referrals
		SET status = 'expired'
		WHERE status = 'pending' AND created_at < $1`

	tag, err := r.db.Exec(ctx, query, createdBefore)
	if err != nil {
		return 0, fmt.Errorf("ошибка истечения рефералов: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetStats получает статистику рефералов партнера
func (r *PostgresReferralRepository) GetStats(ctx context.Context, affiliateID int64) (*models.ReferralStats, error) {
	query := `
		SELECT
			COUNT(*) AS total_referrals,
			COUNT(*) FILTER (WHERE status = 'pending') AS pending_referrals,
			COUNT(*) FILTER (WHERE status = 'converted') AS converted_referrals,
			COUNT(*) FILTER (WHERE status = 'expired') AS expired_referrals
		FROM referrals
		WHERE affiliate_id = $1`

	stats := &models.ReferralStats{}
	err := r.db.QueryRow(ctx, query, affiliateID).Scan(
		&stats.TotalReferrals,
		&stats.PendingReferrals,
		&stats.ConvertedReferrals,
		&stats.ExpiredReferrals,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения статистики рефералов: %w", err)
	}

	return stats, nil
}
