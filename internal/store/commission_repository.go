package store

import (
	"context"
	"fmt"
	"time"

	"affiliate-ledger/pkg/models"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const commissionColumns = `id, affiliate_id, referral_id, payment_event_id, subscription_amount, amount,
		       currency, status, payout_id, cancel_reason, created_at, approved_at, paid_at, cancelled_at`

// PostgresCommissionRepository реализует CommissionRepository для PostgreSQL
type PostgresCommissionRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewCommissionRepository создает новый репозиторий комиссий
func NewCommissionRepository(db DBTX, logger *zap.Logger) CommissionRepository {
	return &PostgresCommissionRepository{
		db:     db,
		logger: logger,
	}
}

func scanCommission(row pgx.Row) (*models.Commission, error) {
	c := &models.Commission{}
	err := row.Scan(
		&c.ID, &c.AffiliateID, &c.ReferralID, &c.PaymentEventID, &c.SubscriptionAmount, &c.Amount,
		&c.Currency, &c.Status, &c.PayoutID, &c.CancelReason, &c.CreatedAt, &c.ApprovedAt, &c.PaidAt, &c.CancelledAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *PostgresCommissionRepository) list(ctx context.Context, query string, args ...any) ([]*models.Commission, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения комиссий: %w", err)
	}
	defer rows.Close()

	var commissions []*models.Commission
	for rows.Next() {
		c, err := scanCommission(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования комиссии: %w", err)
		}
		commissions = append(commissions, c)
	}
	return commissions, rows.Err()
}

// CreateIfAbsent создает комиссию. Повторная вставка для того же платежа игнорируется.
func (r *PostgresCommissionRepository) CreateIfAbsent(ctx context.Context, commission *models.Commission) (bool, error) {
	query := `
		INSERT INTO commissions (
			affiliate_id, referral_id, payment_event_id, subscription_amount,
			amount, currency, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (payment_event_id) DO NOTHING
		RETURNING id`

	err := r.db.QueryRow(ctx, query,
		commission.AffiliateID,
		commission.ReferralID,
		commission.PaymentEventID,
		commission.SubscriptionAmount,
		commission.Amount,
		commission.Currency,
		string(commission.Status),
		commission.CreatedAt,
	).Scan(&commission.ID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("ошибка создания комиссии: %w", err)
	}

	return true, nil
}

// GetByID получает комиссию по ID
func (r *PostgresCommissionRepository) GetByID(ctx context.Context, id int64) (*models.Commission, error) {
	query := `SELECT ` + commissionColumns + ` FROM commissions WHERE id = $1`

	c, err := scanCommission(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err, models.ErrCommissionNotFound, "ошибка получения комиссии")
	}
	return c, nil
}

// GetByIDForUpdate получает комиссию с блокировкой строки
func (r *PostgresCommissionRepository) GetByIDForUpdate(ctx context.Context, id int64) (*models.Commission, error) {
	query := `SELECT ` + commissionColumns + ` FROM commissions WHERE id = $1 FOR UPDATE`

	c, err := scanCommission(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err, models.ErrCommissionNotFound, "ошибка блокировки комиссии")
	}
	return c, nil
}

// GetByPaymentEventID получает комиссию по идентификатору платежа
func (r *PostgresCommissionRepository) GetByPaymentEventID(ctx context.Context, paymentEventID string) (*models.Commission, error) {
	query := `SELECT ` + commissionColumns + ` FROM commissions WHERE payment_event_id = $1`

	c, err := scanCommission(r.db.QueryRow(ctx, query, paymentEventID))
	if err != nil {
		return nil, notFound(err, models.ErrCommissionNotFound, "ошибка получения комиссии по платежу")
	}
	return c, nil
}

// ListByAffiliate получает комиссии партнера
func (r *PostgresCommissionRepository) ListByAffiliate(ctx context.Context, affiliateID int64, filter models.CommissionFilter) ([]*models.Commission, error) {
	var status *string
	if filter.Status != nil {
		s := string(*filter.Status)
		status = &s
	}

	query := `SELECT ` + commissionColumns + `
		FROM commissions
		WHERE affiliate_id = $1 AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4`

	return r.list(ctx, query, affiliateID, status, filter.Limit, filter.Offset)
}

// ListPayable получает одобренные незакрепленные комиссии с блокировкой
func (r *PostgresCommissionRepository) ListPayable(ctx context.Context, affiliateID int64) ([]*models.Commission, error) {
	query := `SELECT ` + commissionColumns + `
		FROM commissions
		WHERE affiliate_id = $1 AND status = 'approved' AND payout_id IS NULL
		ORDER BY id
		FOR UPDATE`

	return r.list(ctx, query, affiliateID)
}

// Approve одобряет комиссию в статусе pending
func (r *PostgresCommissionRepository) Approve(ctx context.Context, id int64, at time.Time) (bool, error) {
	query := `
		UPDATE commissions
		SET status = 'approved', approved_at = $1
		WHERE id = $2 AND status = 'pending'`

	tag, err := r.db.Exec(ctx, query, at, id)
	if err != nil {
		return false, fmt.Errorf("ошибка одобрения комиссии: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ApproveCreatedBefore одобряет комиссии, у которых истек срок удержания
func (r *PostgresCommissionRepository) ApproveCreatedBefore(ctx context.Context, before time.Time, at time.Time) (int64, error) {
	query := `
		UPDATE commissions
		SET status = 'approved', approved_at = $1
		WHERE status = 'pending' AND created_at < $2`

	tag, err := r.db.Exec(ctx, query, at, before)
	if err != nil {
		return 0, fmt.Errorf("ошибка одобрения комиссий: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Cancel отменяет невыплаченную и незакрепленную комиссию
func (r *PostgresCommissionRepository) Cancel(ctx context.Context, id int64, reason string, at time.Time) (bool, error) {
	query := `
		UPDATE commissions
		SET status = 'cancelled', cancel_reason = $1, cancelled_at = $2
		WHERE id = $3
		  AND (status = 'pending' OR (status = 'approved' AND payout_id IS NULL))`

	tag, err := r.db.Exec(ctx, query, reason, at, id)
	if err != nil {
		return false, fmt.Errorf("ошибка отмены комиссии: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AttachToPayout закрепляет комиссии за выплатой
func (r *PostgresCommissionRepository) AttachToPayout(ctx context.Context, ids []int64, payoutID int64) (int64, error) {
	query := `
		UPDATE commissions
		SET payout_id = $1
		WHERE id = ANY($2) AND status = 'approved' AND payout_id IS NULL`

	tag, err := r.db.Exec(ctx, query, payoutID, ids)
	if err != nil {
		return 0, fmt.Errorf("ошибка привязки комиссий к выплате: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkPaidByPayout отмечает комиссии выплаты как выплаченные
func (r *PostgresCommissionRepository) MarkPaidByPayout(ctx context.Context, payoutID int64, at time.Time) (int64, error) {
	query := `
		UPDATE commissions
		SET status = 'paid', paid_at = $1
		WHERE payout_id = $2 AND status = 'approved'`

	tag, err := r.db.Exec(ctx, query, at, payoutID)
	if err != nil {
		return 0, fmt.Errorf("ошибка отметки выплаченных комиссий: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DetachFromPayout освобождает комиссии неуспешной выплаты
func (r *PostgresCommissionRepository) DetachFromPayout(ctx context.Context, payoutID int64) (int64, error) {
	query := `
		UPDATE commissions
		SET payout_id = NULL
		WHERE payout_id = $1 AND status = 'approved'`

	tag, err := r.db.Exec(ctx, query, payoutID)
	if err != nil {
		return 0, fmt.Errorf("ошибка освобождения комиссий: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SumOutstanding возвращает сумму неотмененных комиссий партнера
func (r *PostgresCommissionRepository) SumOutstanding(ctx context.Context, affiliateID int64) (int64, error) {
	query := `
		SELECT COALESCE(SUM(amount), 0)::bigint
		FROM commissions
		WHERE affiliate_id = $1 AND status <> 'cancelled'`

	var sum int64
	if err := r.db.QueryRow(ctx, query, affiliateID).Scan(&sum); err != nil {
		return 0, fmt.Errorf("ошибка подсчета суммы комиссий: %w", err)
	}
	return sum, nil
}
