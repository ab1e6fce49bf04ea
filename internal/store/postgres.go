package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"affiliate-ledger/internal/config"
	"affiliate-ledger/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DBTX общий интерфейс пула соединений и транзакции
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store представляет интерфейс для работы с базой данных
type Store interface {
	Affiliate() AffiliateRepository
	Referral() ReferralRepository
	Commission() CommissionRepository
	Payout() PayoutRepository
	WebhookEvent() WebhookEventRepository
	// WithTx выполняет fn в транзакции. Внутри транзакции повторный вызов
	// переиспользует текущую транзакцию.
	WithTx(ctx context.Context, fn func(tx Store) error) error
	Ping(ctx context.Context) error
	Close() error
}

// AffiliateRepository интерфейс для работы с партнерами
type AffiliateRepository interface {
	Create(ctx context.Context, affiliate *models.Affiliate) error
	GetByID(ctx context.Context, id int64) (*models.Affiliate, error)
	// GetByIDForUpdate блокирует строку партнера до конца транзакции
	GetByIDForUpdate(ctx context.Context, id int64) (*models.Affiliate, error)
	GetByUserID(ctx context.Context, userID int64) (*models.Affiliate, error)
	GetByReferralCode(ctx context.Context, code string) (*models.Affiliate, error)
	GenerateReferralCode(ctx context.Context) (string, error)
	UpdatePayoutEmail(ctx context.Context, id int64, email string) error
	SetActive(ctx context.Context, id int64, active bool) error
	AdjustBalances(ctx context.Context, id int64, delta models.BalanceDelta) error
	ListIDs(ctx context.Context) ([]int64, error)
}

// ReferralRepository интерфейс для работы с рефералами
type ReferralRepository interface {
	Create(ctx context.Context, referral *models.Referral) error
	GetByID(ctx context.Context, id int64) (*models.Referral, error)
	GetByReferredUserID(ctx context.Context, userID int64) (*models.Referral, error)
	ListByAffiliate(ctx context.Context, affiliateID int64) ([]*models.Referral, error)
	// MarkConverted переводит реферал в converted только из pending
	MarkConverted(ctx context.Context, id int64, at time.Time) (bool, error)
	UpdateStatus(ctx context.Context, id int64, from []models.ReferralStatus, to models.ReferralStatus) (bool, error)
	ExpirePending(ctx context.Context, createdBefore time.Time) (int64, error)
	GetStats(ctx context.Context, affiliateID int64) (*models.ReferralStats, error)
}

// CommissionRepository интерфейс для работы с комиссиями
type CommissionRepository interface {
	// CreateIfAbsent вставляет комиссию, если для платежа ее еще нет
	CreateIfAbsent(ctx context.Context, commission *models.Commission) (bool, error)
	GetByID(ctx context.Context, id int64) (*models.Commission, error)
	GetByIDForUpdate(ctx context.Context, id int64) (*models.Commission, error)
	GetByPaymentEventID(ctx context.Context, paymentEventID string) (*models.Commission, error)
	ListByAffiliate(ctx context.Context, affiliateID int64, filter models.CommissionFilter) ([]*models.Commission, error)
	// ListPayable возвращает одобренные комиссии, не закрепленные за выплатой
	ListPayable(ctx context.Context, affiliateID int64) ([]*models.Commission, error)
	Approve(ctx context.Context, id int64, at time.Time) (bool, error)
	ApproveCreatedBefore(ctx context.Context, before time.Time, at time.Time) (int64, error)
	Cancel(ctx context.Context, id int64, reason string, at time.Time) (bool, error)
	AttachToPayout(ctx context.Context, ids []int64, payoutID int64) (int64, error)
	MarkPaidByPayout(ctx context.Context, payoutID int64, at time.Time) (int64, error)
	DetachFromPayout(ctx context.Context, payoutID int64) (int64, error)
	SumOutstanding(ctx context.Context, affiliateID int64) (int64, error)
}

// PayoutRepository интерфейс для работы с выплатами
type PayoutRepository interface {
	Create(ctx context.Context, payout *models.Payout) error
	GetByID(ctx context.Context, id int64) (*models.Payout, error)
	GetByProviderBatchID(ctx context.Context, batchID string) (*models.Payout, error)
	GetBySenderBatchID(ctx context.Context, senderBatchID string) (*models.Payout, error)
	HasInFlight(ctx context.Context, affiliateID int64) (bool, error)
	ListByAffiliate(ctx context.Context, affiliateID int64, limit, offset int) ([]*models.Payout, error)
	ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*models.Payout, error)
	MarkProcessing(ctx context.Context, id int64, providerBatchID string, at time.Time) (bool, error)
	MarkCompleted(ctx context.Context, id int64, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id int64, reason string, at time.Time) (bool, error)
}

// WebhookEventRepository интерфейс для регистрации доставок webhook'ов
type WebhookEventRepository interface {
	// Record возвращает false, если событие уже было зарегистрировано
	Record(ctx context.Context, event *models.WebhookEvent) (bool, error)
}

// store реализует интерфейс Store
type store struct {
	pool       *pgxpool.Pool
	db         DBTX
	logger     *zap.Logger
	affiliate  AffiliateRepository
	referral   ReferralRepository
	commission CommissionRepository
	payout     PayoutRepository
	webhook    WebhookEventRepository
}

// NewStore создает новое подключение к базе данных
func NewStore(cfg *config.Config, logger *zap.Logger) (Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Создание пула подключений
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга DSN: %w", err)
	}

	// Настройка пула
	poolConfig.MaxConns = cfg.Database.MaxConns
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	db, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к базе данных: %w", err)
	}

	// Проверка подключения
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ошибка проверки подключения к базе данных: %w", err)
	}

	logger.Info("успешное подключение к базе данных PostgreSQL")

	return newStore(db, db, logger), nil
}

func newStore(pool *pgxpool.Pool, db DBTX, logger *zap.Logger) *store {
	return &store{
		pool:       pool,
		db:         db,
		logger:     logger,
		affiliate:  NewAffiliateRepository(db, logger),
		referral:   NewReferralRepository(db, logger),
		commission: NewCommissionRepository(db, logger),
		payout:     NewPayoutRepository(db, logger),
		webhook:    NewWebhookEventRepository(db, logger),
	}
}

// Affiliate возвращает репозиторий партнеров
func (s *store) Affiliate() AffiliateRepository {
	return s.affiliate
}

// Referral возвращает репозиторий рефералов
func (s *store) Referral() ReferralRepository {
	return s.referral
}

// Commission возвращает репозиторий комиссий
func (s *store) Commission() CommissionRepository {
	return s.commission
}

// Payout возвращает репозиторий выплат
func (s *store) Payout() PayoutRepository {
	return s.payout
}

// WebhookEvent возвращает репозиторий событий webhook'ов
func (s *store) WebhookEvent() WebhookEventRepository {
	return s.webhook
}

// WithTx выполняет операции в транзакции
func (s *store) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if _, inTx := s.db.(pgx.Tx); inTx {
		return fn(s)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}

	if err := fn(newStore(s.pool, tx, s.logger)); err != nil {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.logger.Error("ошибка отката транзакции", zap.Error(rollbackErr))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}

	return nil
}

// Ping проверяет доступность базы данных
func (s *store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close закрывает подключение к базе данных
func (s *store) Close() error {
	s.logger.Info("закрытие подключения к базе данных")
	s.pool.Close()
	return nil
}

// isUniqueViolation проверяет нарушение уникального ограничения
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// notFound заменяет pgx.ErrNoRows на доменную ошибку
func notFound(err error, domainErr *models.Error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domainErr
	}
	return fmt.Errorf("%s: %w", op, err)
}
