package store

import (
	"context"
	"fmt"

	"affiliate-ledger/pkg/models"

	"go.uber.org/zap"
)

// PostgresWebhookEventRepository реализует WebhookEventRepository для PostgreSQL
type PostgresWebhookEventRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewWebhookEventRepository создает новый репозиторий событий
func NewWebhookEventRepository(db DBTX, logger *zap.Logger) WebhookEventRepository {
	return &PostgresWebhookEventRepository{
		db:     db,
		logger: logger,
	}
}

// Record регистрирует доставку webhook'а
func (r *PostgresWebhookEventRepository) Record(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	query := `
		INSERT INTO webhook_events (provider, event_id, event_type, received_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, event_id) DO NOTHING`

	tag, err := r.db.Exec(ctx, query, event.Provider, event.EventID, event.EventType, event.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("ошибка регистрации события webhook'а: %w", err)
	}

	if tag.RowsAffected() == 0 {
		r.logger.Info("повторная доставка webhook'а",
			zap.String("provider", event.Provider),
			zap.String("event_id", event.EventID))
		return false, nil
	}

	return true, nil
}
