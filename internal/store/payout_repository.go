package store

import (
	"context"
	"fmt"
	"time"

	"affiliate-ledger/pkg/models"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const payoutColumns = `id, affiliate_id, amount, currency, method, status, sender_batch_id, provider_batch_id,
		       failure_reason, created_at, processed_at, completed_at, failed_at`

// PostgresPayoutRepository реализует PayoutRepository для PostgreSQL
type PostgresPayoutRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewPayoutRepository создает новый репозиторий выплат
func NewPayoutRepository(db DBTX, logger *zap.Logger) PayoutRepository {
	return &PostgresPayoutRepository{
		db:     db,
		logger: logger,
	}
}

func scanPayout(row pgx.Row) (*models.Payout, error) {
	p := &models.Payout{}
	err := row.Scan(
		&p.ID, &p.AffiliateID, &p.Amount, &p.Currency, &p.Method, &p.Status, &p.SenderBatchID, &p.ProviderBatchID,
		&p.FailureReason, &p.CreatedAt, &p.ProcessedAt, &p.CompletedAt, &p.FailedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *PostgresPayoutRepository) list(ctx context.Context, query string, args ...any) ([]*models.Payout, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения выплат: %w", err)
	}
	defer rows.Close()

	var payouts []*models.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования выплаты: %w", err)
		}
		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}

// Create создает выплату. Для одного партнера может существовать только одна
// выплата в статусе pending или processing.
func (r *PostgresPayoutRepository) Create(ctx context.Context, payout *models.Payout) error {
	query := `
		INSERT INTO payouts (affiliate_id, amount, currency, method, status, sender_batch_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	err := r.db.QueryRow(ctx, query,
		payout.AffiliateID,
		payout.Amount,
		payout.Currency,
		string(payout.Method),
		string(payout.Status),
		payout.SenderBatchID,
		payout.CreatedAt,
	).Scan(&payout.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return models.ErrPayoutInFlight
		}
		return fmt.Errorf("ошибка создания выплаты: %w", err)
	}

	r.logger.Info("выплата создана в БД",
		zap.Int64("payout_id", payout.ID),
		zap.Int64("affiliate_id", payout.AffiliateID),
		zap.Int64("amount", payout.Amount))

	return nil
}

// GetByID получает выплату по ID
func (r *PostgresPayoutRepository) GetByID(ctx context.Context, id int64) (*models.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE id = $1`

	p, err := scanPayout(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err, models.ErrPayoutNotFound, "ошибка получения выплаты")
	}
	return p, nil
}

// GetByProviderBatchID получает выплату по идентификатору пакета у провайдера
func (r *PostgresPayoutRepository) GetByProviderBatchID(ctx context.Context, batchID string) (*models.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE provider_batch_id = $1`

	p, err := scanPayout(r.db.QueryRow(ctx, query, batchID))
	if err != nil {
		return nil, notFound(err, models.ErrPayoutNotFound, "ошибка получения выплаты по пакету")
	}
	return p, nil
}

// GetBySenderBatchID получает выплату по нашему идентификатору пакета
func (r *PostgresPayoutRepository) GetBySenderBatchID(ctx context.Context, senderBatchID string) (*models.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE sender_batch_id = $1`

	p, err := scanPayout(r.db.QueryRow(ctx, query, senderBatchID))
	if err != nil {
		return nil, notFound(err, models.ErrPayoutNotFound, "ошибка получения выплаты по sender_batch_id")
	}
	return p, nil
}

// HasInFlight проверяет наличие незавершенной выплаты
func (r *PostgresPayoutRepository) HasInFlight(ctx context.Context, affiliateID int64) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM payouts
			WHERE affiliate_id = $1 AND status IN ('pending', 'processing')
		)`

	var exists bool
	if err := r.db.QueryRow(ctx, query, affiliateID).Scan(&exists); err != nil {
		return false, fmt.Errorf("ошибка проверки незавершенных выплат: %w", err)
	}
	return exists, nil
}

// ListByAffiliate получает выплаты партнера
func (r *PostgresPayoutRepository) ListByAffiliate(ctx context.Context, affiliateID int64, limit, offset int) ([]*models.Payout, error) {
	query := `SELECT ` + payoutColumns + `
		FROM payouts
		WHERE affiliate_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`

	return r.list(ctx, query, affiliateID, limit, offset)
}

// ListPendingBefore получает выплаты, ожидающие отправки провайдеру
func (r *PostgresPayoutRepository) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*models.Payout, error) {
	query := `SELECT ` + payoutColumns + `
		FROM payouts
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`

	return r.list(ctx, query, before, limit)
}

// MarkProcessing отмечает выплату как отправленную провайдеру
func (r *PostgresPayoutRepository) MarkProcessing(ctx context.Context, id int64, providerBatchID string, at time.Time) (bool, error) {
	query := `
		UPDATE payouts
		SET status = 'processing', provider_batch_id = $1, processed_at = $2
		WHERE id = $3 AND status = 'pending'`

	tag, err := r.db.Exec(ctx, query, providerBatchID, at, id)
	if err != nil {
		return false, fmt.Errorf("ошибка перевода выплаты в обработку: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCompleted завершает выплату, если она еще не в конечном статусе
func (r *PostgresPayoutRepository) MarkCompleted(ctx context.Context, id int64, at time.Time) (bool, error) {
	query := `
		UPDATE payouts
		SET status = 'completed', completed_at = $1
		WHERE id = $2 AND status IN ('pending', 'processing')`

	tag, err := r.db.Exec(ctx, query, at, id)
	if err != nil {
		return false, fmt.Errorf("ошибка завершения выплаты: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed отмечает выплату как неуспешную, если она еще не в конечном статусе
func (r *PostgresPayoutRepository) MarkFailed(ctx context.Context, id int64, reason string, at time.Time) (bool, error) {
	query := `
		UPDATE payouts
		SET status = 'failed', failure_reason = $1, failed_at = $2
		WHERE id = $3 AND status IN ('pending', 'processing')`

	tag, err := r.db.Exec(ctx, query, reason, at, id)
	if err != nil {
		return false, fmt.Errorf("ошибка отметки неуспешной выплаты: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
