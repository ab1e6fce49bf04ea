package commission

import (
	"context"
	"errors"
	"testing"
	"time"

	"affiliate-ledger/internal/store/storetest"
	"affiliate-ledger/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordedMetrics struct {
	results     map[string]int
	transitions map[string]int64
}

func newRecordedMetrics() *recordedMetrics {
	return &recordedMetrics{results: map[string]int{}, transitions: map[string]int64{}}
}

func (m *recordedMetrics) RecordCommission(result string, amount int64) {
	m.results[result]++
}

func (m *recordedMetrics) RecordCommissionTransition(status string, count int64) {
	m.transitions[status] += count
}

type fixture struct {
	st        *storetest.Store
	svc       *Service
	metrics   *recordedMetrics
	affiliate *models.Affiliate
	referral  *models.Referral
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st := storetest.New()
	m := newRecordedMetrics()
	svc := NewService(st, Config{RateBps: 8000, Currency: "USD", HoldPeriod: 14 * 24 * time.Hour}, m, zap.NewNop())

	aff := st.Seed(models.Affiliate{UserID: 1, ReferralCode: "ALICE001", IsActive: true})
	ref := st.SeedReferral(models.Referral{AffiliateID: aff.ID, ReferredUserID: 2, Status: models.ReferralStatusPending})

	return &fixture{st: st, svc: svc, metrics: m, affiliate: aff, referral: ref}
}

func (f *fixture) balance(t *testing.T) *models.Affiliate {
	t.Helper()
	a, err := f.st.Affiliate().GetByID(context.Background(), f.affiliate.ID)
	require.NoError(t, err)
	return a
}

func payment(id string, amount int64) models.PaymentEvent {
	return models.PaymentEvent{
		Provider:       models.ProviderStripe,
		EventID:        "evt_" + id,
		PaymentID:      id,
		ReferredUserID: 2,
		Amount:         amount,
		Currency:       "usd",
	}
}

func TestCalculate(t *testing.T) {
	tests := []struct {
		name   string
		amount int64
		bps    int64
		want   int64
	}{
		{"десять долларов", 1000, 8000, 800},
		{"округление вниз", 999, 8000, 799},
		{"один цент", 1, 8000, 0},
		{"нулевая сумма", 0, 8000, 0},
		{"отрицательная сумма", -100, 8000, 0},
		{"полная ставка", 2500, 10000, 2500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Calculate(tt.amount, tt.bps))
		})
	}
}

func TestRecordPaymentCreatesCommission(t *testing.T) {
	f := newFixture(t)

	c, err := f.svc.RecordPayment(context.Background(), payment("in_1", 1000))
	require.NoError(t, err)
	require.NotNil(t, c)

	assert.Equal(t, int64(800), c.Amount)
	assert.Equal(t, int64(1000), c.SubscriptionAmount)
	assert.Equal(t, models.CommissionStatusPending, c.Status)
	assert.Equal(t, "USD", c.Currency)

	a := f.balance(t)
	assert.Equal(t, int64(800), a.PendingBalance)
	assert.Equal(t, int64(800), a.TotalEarnings)
	assert.Equal(t, int64(0), a.PaidBalance)

	ref, err := f.st.Referral().GetByID(context.Background(), f.referral.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReferralStatusConverted, ref.Status)
	assert.NotNil(t, ref.ConvertedAt)

	assert.Equal(t, 1, f.metrics.results[resultCreated])
}

func TestRecordPaymentIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RecordPayment(ctx, payment("in_1", 1000))
	require.NoError(t, err)

	// повторная доставка того же события
	c, err := f.svc.RecordPayment(ctx, payment("in_1", 1000))
	require.NoError(t, err)
	assert.Nil(t, c)

	// то же оплата под другим событием
	again := payment("in_1", 1000)
	again.EventID = "evt_other"
	c, err = f.svc.RecordPayment(ctx, again)
	require.NoError(t, err)
	assert.Nil(t, c)

	assert.Len(t, f.st.Commissions(f.affiliate.ID), 1)
	assert.Equal(t, int64(800), f.balance(t).PendingBalance)
	assert.Equal(t, 2, f.metrics.results[resultDuplicate])
}

func TestRecordPaymentRecurringPayments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, id := range []string{"in_1", "in_2", "in_3"} {
		_, err := f.svc.RecordPayment(ctx, payment(id, 1000))
		require.NoError(t, err)
	}

	assert.Len(t, f.st.Commissions(f.affiliate.ID), 3)
	assert.Equal(t, int64(2400), f.balance(t).PendingBalance)
}

func TestRecordPaymentWithoutReferral(t *testing.T) {
	f := newFixture(t)

	event := payment("in_1", 1000)
	event.ReferredUserID = 99

	c, err := f.svc.RecordPayment(context.Background(), event)
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.Equal(t, 1, f.metrics.results[resultNotReferred])
}

func TestRecordPaymentClosedReferral(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.st.Referral().UpdateStatus(ctx, f.referral.ID,
		[]models.ReferralStatus{models.ReferralStatusPending}, models.ReferralStatusExpired)
	require.NoError(t, err)

	c, err := f.svc.RecordPayment(ctx, payment("in_1", 1000))
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.Empty(t, f.st.Commissions(f.affiliate.ID))
}

func TestRecordPaymentInactiveAffiliate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.st.Affiliate().SetActive(ctx, f.affiliate.ID, false))

	c, err := f.svc.RecordPayment(ctx, payment("in_1", 1000))
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.Equal(t, int64(0), f.balance(t).PendingBalance)
}

func TestRecordPaymentValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wrongCurrency := payment("in_1", 1000)
	wrongCurrency.Currency = "EUR"
	_, err := f.svc.RecordPayment(ctx, wrongCurrency)
	assert.ErrorIs(t, err, models.ErrCurrencyMismatch)
	assert.Equal(t, models.KindValidation, models.KindOf(err))

	_, err = f.svc.RecordPayment(ctx, payment("in_2", 0))
	assert.ErrorIs(t, err, models.ErrInvalidAmount)

	noPayment := payment("", 1000)
	_, err = f.svc.RecordPayment(ctx, noPayment)
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	assert.Empty(t, f.st.Commissions(f.affiliate.ID))
}

func TestRecordPaymentRollsBackOnCommitFailure(t *testing.T) {
	f := newFixture(t)
	f.st.FailCommit = errors.New("connection reset")

	_, err := f.svc.RecordPayment(context.Background(), payment("in_1", 1000))
	require.Error(t, err)

	assert.Empty(t, f.st.Commissions(f.affiliate.ID))
	assert.Equal(t, int64(0), f.balance(t).PendingBalance)

	// повтор после сбоя должен начислить комиссию
	c, err := f.svc.RecordPayment(context.Background(), payment("in_1", 1000))
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestApprove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.svc.RecordPayment(ctx, payment("in_1", 1000))
	require.NoError(t, err)

	approved, err := f.svc.Approve(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommissionStatusApproved, approved.Status)
	assert.NotNil(t, approved.ApprovedAt)

	_, err = f.svc.Approve(ctx, c.ID)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = f.svc.Approve(ctx, 12345)
	assert.ErrorIs(t, err, models.ErrCommissionNotFound)
}

func TestApproveDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()
	f.svc.now = func() time.Time { return now }

	old := f.st.SeedCommission(models.Commission{
		AffiliateID: f.affiliate.ID, ReferralID: f.referral.ID, PaymentEventID: "in_old",
		Amount: 800, Currency: "USD", Status: models.CommissionStatusPending,
		CreatedAt: now.Add(-15 * 24 * time.Hour),
	})
	fresh := f.st.SeedCommission(models.Commission{
		AffiliateID: f.affiliate.ID, ReferralID: f.referral.ID, PaymentEventID: "in_new",
		Amount: 800, Currency: "USD", Status: models.CommissionStatusPending,
		CreatedAt: now.Add(-time.Hour),
	})

	n, err := f.svc.ApproveDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := f.st.Commission().GetByID(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommissionStatusApproved, got.Status)

	got, err = f.st.Commission().GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommissionStatusPending, got.Status)

	assert.Equal(t, int64(1), f.metrics.transitions[string(models.CommissionStatusApproved)])
}

func TestCancelRestoresLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.svc.RecordPayment(ctx, payment("in_1", 1000))
	require.NoError(t, err)
	_, err = f.svc.RecordPayment(ctx, payment("in_2", 500))
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctx, c.ID, "chargeback")
	require.NoError(t, err)
	assert.Equal(t, models.CommissionStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelReason)
	assert.Equal(t, "chargeback", *cancelled.CancelReason)

	a := f.balance(t)
	assert.Equal(t, int64(400), a.PendingBalance)
	assert.Equal(t, int64(400), a.TotalEarnings)

	sum, err := f.st.Commission().SumOutstanding(ctx, f.affiliate.ID)
	require.NoError(t, err)
	assert.Equal(t, a.PendingBalance+a.PaidBalance, sum)

	_, err = f.svc.Cancel(ctx, c.ID, "again")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestCancelReservedCommissionIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payoutID := int64(77)
	c := f.st.SeedCommission(models.Commission{
		AffiliateID: f.affiliate.ID, ReferralID: f.referral.ID, PaymentEventID: "in_1",
		Amount: 800, Currency: "USD", Status: models.CommissionStatusApproved, PayoutID: &payoutID,
	})

	_, err := f.svc.Cancel(ctx, c.ID, "refund")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestCancelByPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RecordPayment(ctx, payment("in_1", 1000))
	require.NoError(t, err)

	c, err := f.svc.CancelByPayment(ctx, models.ProviderStripe, "evt_refund", "in_1", "refund")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, models.CommissionStatusCancelled, c.Status)
	assert.Equal(t, int64(0), f.balance(t).PendingBalance)

	// повторная доставка возврата не меняет баланс
	c, err = f.svc.CancelByPayment(ctx, models.ProviderStripe, "evt_refund", "in_1", "refund")
	require.NoError(t, err)
	assert.Nil(t, c)

	// возврат платежа без комиссии
	c, err = f.svc.CancelByPayment(ctx, models.ProviderStripe, "evt_other", "in_unknown", "refund")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestCancelByPaymentPaidCommission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payoutID := int64(5)
	f.st.SeedCommission(models.Commission{
		AffiliateID: f.affiliate.ID, ReferralID: f.referral.ID, PaymentEventID: "in_paid",
		Amount: 800, Currency: "USD", Status: models.CommissionStatusPaid, PayoutID: &payoutID,
	})

	c, err := f.svc.CancelByPayment(ctx, models.ProviderStripe, "evt_1", "in_paid", "refund")
	require.NoError(t, err)
	assert.Nil(t, c)

	got, err := f.st.Commission().GetByPaymentEventID(ctx, "in_paid")
	require.NoError(t, err)
	assert.Equal(t, models.CommissionStatusPaid, got.Status)
}

func TestList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, id := range []string{"in_1", "in_2", "in_3"} {
		_, err := f.svc.RecordPayment(ctx, payment(id, 1000))
		require.NoError(t, err)
	}

	all, err := f.svc.List(ctx, f.affiliate.ID, models.CommissionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	page, err := f.svc.List(ctx, f.affiliate.ID, models.CommissionFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page, 1)

	bogus := models.CommissionStatus("bogus")
	_, err = f.svc.List(ctx, f.affiliate.ID, models.CommissionFilter{Status: &bogus})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}
