package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"affiliate-ledger/internal/store"
	"affiliate-ledger/pkg/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Provider отправляет деньги партнеру через платежную систему
type Provider interface {
	// SendPayout создает пакетную выплату и возвращает идентификатор пакета у провайдера
	SendPayout(ctx context.Context, payout *models.Payout, receiverEmail string) (string, error)
}

// Rejection реализуют ошибки провайдера, по которым известно, отказал ли он
// в выплате окончательно
type Rejection interface {
	Rejected() bool
}

// Notifier уведомляет партнера о ходе выплаты
type Notifier interface {
	PayoutRequested(ctx context.Context, affiliate *models.Affiliate, payout *models.Payout) error
	PayoutCompleted(ctx context.Context, affiliate *models.Affiliate, payout *models.Payout) error
	PayoutFailed(ctx context.Context, affiliate *models.Affiliate, payout *models.Payout) error
}

// Alerter сообщает операторам о сбоях выплат
type Alerter interface {
	Alert(ctx context.Context, text string) error
}

// Metrics интерфейс метрик выплат
type Metrics interface {
	RecordPayout(status string, amount int64)
}

// Config параметры выплат
type Config struct {
	MinPayout    int64
	Currency     string
	AutoDispatch bool
	// DispatchMinDelay возраст ожидающей выплаты, после которого ее подхватывает планировщик
	DispatchMinDelay time.Duration
}

// Service управляет выплатами партнерам
type Service struct {
	store    store.Store
	provider Provider
	notifier Notifier
	alerter  Alerter
	metrics  Metrics
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewService создает сервис выплат. provider может быть nil, тогда выплаты
// остаются в статусе pending до ручной обработки.
func NewService(st store.Store, provider Provider, notifier Notifier, alerter Alerter, metrics Metrics, cfg Config, logger *zap.Logger) *Service {
	return &Service{
		store:    st,
		provider: provider,
		notifier: notifier,
		alerter:  alerter,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Request создает выплату на всю сумму одобренных комиссий партнера.
// Проверки выполняются в порядке: активность, email, минимальный баланс,
// отсутствие выплаты в обработке, сумма одобренных комиссий.
func (s *Service) Request(ctx context.Context, userID int64) (*models.Payout, error) {
	var (
		payout    *models.Payout
		affiliate *models.Affiliate
	)

	err := s.store.WithTx(ctx, func(tx store.Store) error {
		found, err := tx.Affiliate().GetByUserID(ctx, userID)
		if err != nil {
			return err
		}

		affiliate, err = tx.Affiliate().GetByIDForUpdate(ctx, found.ID)
		if err != nil {
			return err
		}

		if !affiliate.IsActive {
			return models.ErrAffiliateInactive
		}
		if !affiliate.HasPayoutEmail() {
			return models.ErrNoPayoutEmail
		}
		if affiliate.PendingBalance < s.cfg.MinPayout {
			return models.ErrBelowMinimum
		}

		inFlight, err := tx.Payout().HasInFlight(ctx, affiliate.ID)
		if err != nil {
			return err
		}
		if inFlight {
			return models.ErrPayoutInFlight
		}

		payable, err := tx.Commission().ListPayable(ctx, affiliate.ID)
		if err != nil {
			return err
		}

		var (
			amount int64
			ids    = make([]int64, 0, len(payable))
		)
		for _, c := range payable {
			amount += c.Amount
			ids = append(ids, c.ID)
		}
		if amount < s.cfg.MinPayout {
			// часть баланса еще на удержании
			return models.ErrBelowMinimum.Wrap(fmt.Errorf("одобрено %d из %d", amount, affiliate.PendingBalance))
		}

		payout = &models.Payout{
			AffiliateID:   affiliate.ID,
			Amount:        amount,
			Currency:      s.cfg.Currency,
			Method:        models.PayoutMethodPayPal,
			Status:        models.PayoutStatusPending,
			SenderBatchID: uuid.NewString(),
			CreatedAt:     s.now(),
		}
		if err := tx.Payout().Create(ctx, payout); err != nil {
			return err
		}

		attached, err := tx.Commission().AttachToPayout(ctx, ids, payout.ID)
		if err != nil {
			return err
		}
		if attached != int64(len(ids)) {
			return fmt.Errorf("закреплено %d комиссий из %d", attached, len(ids))
		}

		return tx.Affiliate().AdjustBalances(ctx, affiliate.ID, models.BalanceDelta{
			Pending: -amount,
			Paid:    amount,
		})
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordPayout(string(models.PayoutStatusPending), payout.Amount)
	s.logger.Info("создан запрос на выплату",
		zap.Int64("payout_id", payout.ID),
		zap.Int64("affiliate_id", payout.AffiliateID),
		zap.Int64("amount", payout.Amount))

	if err := s.notifier.PayoutRequested(ctx, affiliate, payout); err != nil {
		s.logger.Warn("ошибка отправки уведомления о запросе выплаты",
			zap.Int64("payout_id", payout.ID),
			zap.Error(err))
	}

	if s.cfg.AutoDispatch && s.provider != nil {
		dispatched, err := s.dispatch(ctx, payout, affiliate)
		switch {
		case err == nil:
			payout = dispatched
		case dispatched != nil && dispatched.Status == models.PayoutStatusPending:
			// отправку повторит планировщик
			payout = dispatched
		default:
			return dispatched, err
		}
	}

	return payout, nil
}

// DispatchPending отправляет провайдеру ожидающие выплаты старше DispatchMinDelay
func (s *Service) DispatchPending(ctx context.Context) (int, error) {
	if s.provider == nil {
		return 0, nil
	}

	pending, err := s.store.Payout().ListPendingBefore(ctx, s.now().Add(-s.cfg.DispatchMinDelay), 50)
	if err != nil {
		return 0, fmt.Errorf("ошибка получения ожидающих выплат: %w", err)
	}

	dispatched := 0
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return dispatched, err
		}

		affiliate, err := s.store.Affiliate().GetByID(ctx, p.AffiliateID)
		if err != nil {
			s.logger.Error("ошибка получения партнера для выплаты",
				zap.Int64("payout_id", p.ID),
				zap.Error(err))
			continue
		}

		if _, err := s.dispatch(ctx, p, affiliate); err != nil {
			continue
		}
		dispatched++
	}

	return dispatched, nil
}

// dispatch передает выплату провайдеру. Окончательный отказ провайдера
// помечает выплату неуспешной и возвращает средства на баланс. При любой
// другой ошибке выплата остается в pending: провайдер мог создать пакет, а
// повторная отправка с тем же sender_batch_id его не продублирует.
func (s *Service) dispatch(ctx context.Context, payout *models.Payout, affiliate *models.Affiliate) (*models.Payout, error) {
	if !affiliate.HasPayoutEmail() {
		return s.resolve(ctx, payout.ID, false, "payout email missing")
	}

	batchID, sendErr := s.provider.SendPayout(ctx, payout, *affiliate.PayoutEmail)
	if sendErr != nil {
		if !isRejection(sendErr) {
			s.logger.Warn("результат отправки выплаты неизвестен, повторим позже",
				zap.Int64("payout_id", payout.ID),
				zap.String("sender_batch_id", payout.SenderBatchID),
				zap.Error(sendErr))
			return payout, models.ErrProviderFailure.Wrap(sendErr)
		}

		s.logger.Error("провайдер отклонил выплату",
			zap.Int64("payout_id", payout.ID),
			zap.Error(sendErr))

		failed, err := s.resolve(ctx, payout.ID, false, "provider error: "+sendErr.Error())
		if err != nil {
			return nil, err
		}
		return failed, models.ErrProviderFailure.Wrap(sendErr)
	}

	ok, err := s.store.Payout().MarkProcessing(ctx, payout.ID, batchID, s.now())
	if err != nil {
		return nil, fmt.Errorf("ошибка обновления статуса выплаты: %w", err)
	}
	if !ok {
		current, err := s.store.Payout().GetByID(ctx, payout.ID)
		if err != nil {
			return nil, err
		}
		s.logger.Error("провайдер принял выплату, которая уже не ожидает отправки",
			zap.Int64("payout_id", payout.ID),
			zap.String("status", string(current.Status)),
			zap.String("provider_batch_id", batchID))
		s.alert(ctx, fmt.Sprintf("Выплата #%d партнеру #%d на %s отправлена в пакете %s, но в учете она в статусе %s. Нужна ручная сверка.",
			payout.ID, payout.AffiliateID, FormatAmount(payout.Amount, payout.Currency), batchID, current.Status))
		return current, nil
	}

	s.metrics.RecordPayout(string(models.PayoutStatusProcessing), payout.Amount)
	s.logger.Info("выплата передана провайдеру",
		zap.Int64("payout_id", payout.ID),
		zap.String("provider_batch_id", batchID))

	return s.store.Payout().GetByID(ctx, payout.ID)
}

// isRejection проверяет, что провайдер окончательно отказал в выплате
func isRejection(err error) bool {
	var r Rejection
	return errors.As(err, &r) && r.Rejected()
}

// ApplyOutcome применяет результат выплаты, полученный от провайдера.
// Повторная доставка события и события по уже завершенной выплате игнорируются.
func (s *Service) ApplyOutcome(ctx context.Context, outcome models.PayoutOutcome) (*models.Payout, error) {
	var (
		payout   *models.Payout
		changed  bool
		previous models.PayoutStatus
	)

	err := s.store.WithTx(ctx, func(tx store.Store) error {
		if outcome.EventID != "" {
			first, err := tx.WebhookEvent().Record(ctx, &models.WebhookEvent{
				Provider:   outcome.Provider,
				EventID:    outcome.EventID,
				EventType:  outcome.EventType,
				ReceivedAt: s.now(),
			})
			if err != nil || !first {
				return err
			}
		}

		p, err := findOutcomePayout(ctx, tx, outcome)
		if err != nil {
			return err
		}
		previous = p.Status

		changed, err = s.resolveInTx(ctx, tx, p, outcome.Succeeded, outcome.FailureReason)
		if err != nil {
			return err
		}

		payout, err = tx.Payout().GetByID(ctx, p.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.afterResolve(ctx, payout)
	} else if payout != nil && outcome.Succeeded && previous == models.PayoutStatusFailed {
		s.logger.Error("провайдер подтвердил выплату, уже возвращенную на баланс",
			zap.Int64("payout_id", payout.ID),
			zap.String("event_id", outcome.EventID))
		s.alert(ctx, fmt.Sprintf("Выплата #%d партнеру #%d на %s проведена провайдером, но в учете отмечена неуспешной. Нужна ручная сверка.",
			payout.ID, payout.AffiliateID, FormatAmount(payout.Amount, payout.Currency)))
	}
	return payout, nil
}

// findOutcomePayout ищет выплату по пакету провайдера, затем по sender_batch_id
func findOutcomePayout(ctx context.Context, tx store.Store, outcome models.PayoutOutcome) (*models.Payout, error) {
	if outcome.ProviderBatchID != "" {
		p, err := tx.Payout().GetByProviderBatchID(ctx, outcome.ProviderBatchID)
		if err == nil || !errors.Is(err, models.ErrPayoutNotFound) || outcome.SenderBatchID == "" {
			return p, err
		}
	}
	if outcome.SenderBatchID == "" {
		return nil, models.ErrPayoutNotFound
	}
	return tx.Payout().GetBySenderBatchID(ctx, outcome.SenderBatchID)
}

// Resolve вручную завершает выплату по решению администратора
func (s *Service) Resolve(ctx context.Context, payoutID int64, succeeded bool, reason string) (*models.Payout, error) {
	p, err := s.store.Payout().GetByID(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if p.Status.IsTerminal() {
		return nil, models.ErrInvalidTransition
	}
	return s.resolve(ctx, payoutID, succeeded, reason)
}

func (s *Service) resolve(ctx context.Context, payoutID int64, succeeded bool, reason string) (*models.Payout, error) {
	var (
		payout  *models.Payout
		changed bool
	)

	err := s.store.WithTx(ctx, func(tx store.Store) error {
		p, err := tx.Payout().GetByID(ctx, payoutID)
		if err != nil {
			return err
		}

		changed, err = s.resolveInTx(ctx, tx, p, succeeded, reason)
		if err != nil {
			return err
		}

		payout, err = tx.Payout().GetByID(ctx, payoutID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.afterResolve(ctx, payout)
	}
	return payout, nil
}

// resolveInTx переводит выплату в конечный статус. Успех помечает закрепленные
// комиссии выплаченными, неудача открепляет их и возвращает сумму в pending.
func (s *Service) resolveInTx(ctx context.Context, tx store.Store, p *models.Payout, succeeded bool, reason string) (bool, error) {
	if _, err := tx.Affiliate().GetByIDForUpdate(ctx, p.AffiliateID); err != nil {
		return false, err
	}

	now := s.now()

	if succeeded {
		ok, err := tx.Payout().MarkCompleted(ctx, p.ID, now)
		if err != nil || !ok {
			return false, err
		}
		if _, err := tx.Commission().MarkPaidByPayout(ctx, p.ID, now); err != nil {
			return false, err
		}
		return true, nil
	}

	if reason == "" {
		reason = "unknown"
	}
	ok, err := tx.Payout().MarkFailed(ctx, p.ID, reason, now)
	if err != nil || !ok {
		return false, err
	}
	if _, err := tx.Commission().DetachFromPayout(ctx, p.ID); err != nil {
		return false, err
	}
	if err := tx.Affiliate().AdjustBalances(ctx, p.AffiliateID, models.BalanceDelta{
		Pending: p.Amount,
		Paid:    -p.Amount,
	}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) afterResolve(ctx context.Context, payout *models.Payout) {
	s.metrics.RecordPayout(string(payout.Status), payout.Amount)

	affiliate, err := s.store.Affiliate().GetByID(ctx, payout.AffiliateID)
	if err != nil {
		s.logger.Error("ошибка получения партнера для уведомления", zap.Error(err))
		return
	}

	if payout.Status == models.PayoutStatusCompleted {
		s.logger.Info("выплата завершена",
			zap.Int64("payout_id", payout.ID),
			zap.Int64("amount", payout.Amount))
		if err := s.notifier.PayoutCompleted(ctx, affiliate, payout); err != nil {
			s.logger.Warn("ошибка отправки уведомления о выплате", zap.Error(err))
		}
		return
	}

	reason := ""
	if payout.FailureReason != nil {
		reason = *payout.FailureReason
	}
	s.logger.Warn("выплата не прошла, средства возвращены на баланс",
		zap.Int64("payout_id", payout.ID),
		zap.Int64("affiliate_id", payout.AffiliateID),
		zap.String("reason", reason))

	if err := s.notifier.PayoutFailed(ctx, affiliate, payout); err != nil {
		s.logger.Warn("ошибка отправки уведомления о неудачной выплате", zap.Error(err))
	}
	s.alert(ctx, fmt.Sprintf("Выплата #%d партнеру #%d на %s не прошла: %s",
		payout.ID, payout.AffiliateID, FormatAmount(payout.Amount, payout.Currency), reason))
}

func (s *Service) alert(ctx context.Context, text string) {
	if s.alerter == nil {
		return
	}
	if err := s.alerter.Alert(ctx, text); err != nil {
		s.logger.Warn("ошибка отправки оповещения", zap.Error(err))
	}
}

// Get возвращает выплату партнера
func (s *Service) Get(ctx context.Context, affiliateID, payoutID int64) (*models.Payout, error) {
	p, err := s.store.Payout().GetByID(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if p.AffiliateID != affiliateID {
		return nil, models.ErrPayoutNotFound
	}
	return p, nil
}

// List возвращает выплаты партнера, новые первыми
func (s *Service) List(ctx context.Context, affiliateID int64, limit, offset int) ([]*models.Payout, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	payouts, err := s.store.Payout().ListByAffiliate(ctx, affiliateID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения выплат: %w", err)
	}
	return payouts, nil
}

// FormatAmount форматирует сумму в центах для сообщений
func FormatAmount(cents int64, currency string) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, cents/100, cents%100, currency)
}
