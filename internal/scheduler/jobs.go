package scheduler

import (
	"context"
	"fmt"

	"affiliate-ledger/pkg/models"

	"go.uber.org/zap"
)

// CommissionApprover одобряет комиссии, у которых истек срок удержания
type CommissionApprover interface {
	ApproveDue(ctx context.Context) (int64, error)
}

// ReferralExpirer закрывает рефералы без оплаты
type ReferralExpirer interface {
	ExpireStale(ctx context.Context) (int64, error)
}

// PayoutDispatcher отправляет ожидающие выплаты провайдеру
type PayoutDispatcher interface {
	DispatchPending(ctx context.Context) (int, error)
}

// LedgerReconciler сверяет балансы партнеров с комиссиями
type LedgerReconciler interface {
	ReconcileAll(ctx context.Context) ([]*models.LedgerReport, error)
}

// DriftGauge публикует число партнеров с расхождением баланса
type DriftGauge interface {
	SetDriftedAffiliates(n int)
}

// Alerter отправляет оповещение операторам
type Alerter interface {
	Alert(ctx context.Context, text string) error
}

// CommissionApprovalJob переводит комиссии из pending в approved после срока удержания
type CommissionApprovalJob struct {
	commissions CommissionApprover
	logger      *zap.Logger
}

func NewCommissionApprovalJob(commissions CommissionApprover, logger *zap.Logger) *CommissionApprovalJob {
	return &CommissionApprovalJob{commissions: commissions, logger: logger}
}

func (j *CommissionApprovalJob) Name() string { return "commission_approval" }

func (j *CommissionApprovalJob) Run(ctx context.Context) error {
	n, err := j.commissions.ApproveDue(ctx)
	if err != nil {
		return err
	}
	j.logger.Debug("одобрение комиссий завершено", zap.Int64("approved", n))
	return nil
}

// ReferralExpiryJob закрывает рефералы, не оплатившие подписку за отведенный срок
type ReferralExpiryJob struct {
	referrals ReferralExpirer
	logger    *zap.Logger
}

func NewReferralExpiryJob(referrals ReferralExpirer, logger *zap.Logger) *ReferralExpiryJob {
	return &ReferralExpiryJob{referrals: referrals, logger: logger}
}

func (j *ReferralExpiryJob) Name() string { return "referral_expiry" }

func (j *ReferralExpiryJob) Run(ctx context.Context) error {
	n, err := j.referrals.ExpireStale(ctx)
	if err != nil {
		return err
	}
	j.logger.Debug("истечение рефералов завершено", zap.Int64("expired", n))
	return nil
}

// PayoutDispatchJob отправляет провайдеру выплаты, оставшиеся в pending
type PayoutDispatchJob struct {
	payouts PayoutDispatcher
	logger  *zap.Logger
}

func NewPayoutDispatchJob(payouts PayoutDispatcher, logger *zap.Logger) *PayoutDispatchJob {
	return &PayoutDispatchJob{payouts: payouts, logger: logger}
}

func (j *PayoutDispatchJob) Name() string { return "payout_dispatch" }

func (j *PayoutDispatchJob) Run(ctx context.Context) error {
	n, err := j.payouts.DispatchPending(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		j.logger.Info("выплаты отправлены провайдеру", zap.Int("dispatched", n))
	}
	return nil
}

// ReconciliationJob проверяет, что pending + paid каждого партнера равны сумме его комиссий
type ReconciliationJob struct {
	ledger  LedgerReconciler
	gauge   DriftGauge
	alerter Alerter
	logger  *zap.Logger
}

// NewReconciliationJob создает задачу сверки. gauge и alerter могут быть nil.
func NewReconciliationJob(ledger LedgerReconciler, gauge DriftGauge, alerter Alerter, logger *zap.Logger) *ReconciliationJob {
	return &ReconciliationJob{ledger: ledger, gauge: gauge, alerter: alerter, logger: logger}
}

func (j *ReconciliationJob) Name() string { return "ledger_reconciliation" }

func (j *ReconciliationJob) Run(ctx context.Context) error {
	drifted, err := j.ledger.ReconcileAll(ctx)
	if err != nil {
		return err
	}

	if j.gauge != nil {
		j.gauge.SetDriftedAffiliates(len(drifted))
	}
	if len(drifted) == 0 || j.alerter == nil {
		return nil
	}

	text := fmt.Sprintf("Сверка балансов: расхождение у %d партнеров, первый #%d (drift %d)",
		len(drifted), drifted[0].AffiliateID, drifted[0].Drift)
	if err := j.alerter.Alert(ctx, text); err != nil {
		j.logger.Warn("ошибка отправки оповещения о расхождении", zap.Error(err))
	}
	return nil
}
