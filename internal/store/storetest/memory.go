// Package storetest содержит реализацию store.Store в памяти для тестов сервисов.
// Транзакции сериализуются и откатываются восстановлением снимка состояния.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"affiliate-ledger/internal/store"
	"affiliate-ledger/pkg/models"
)

type state struct {
	affiliates  map[int64]models.Affiliate
	referrals   map[int64]models.Referral
	commissions map[int64]models.Commission
	payouts     map[int64]models.Payout
	events      map[string]models.WebhookEvent
	seq         int64
	codeSeq     int
}

func newState() *state {
	return &state{
		affiliates:  make(map[int64]models.Affiliate),
		referrals:   make(map[int64]models.Referral),
		commissions: make(map[int64]models.Commission),
		payouts:     make(map[int64]models.Payout),
		events:      make(map[string]models.WebhookEvent),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.affiliates {
		c.affiliates[k] = v
	}
	for k, v := range s.referrals {
		c.referrals[k] = v
	}
	for k, v := range s.commissions {
		c.commissions[k] = v
	}
	for k, v := range s.payouts {
		c.payouts[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	c.seq = s.seq
	c.codeSeq = s.codeSeq
	return c
}

func (s *state) nextID() int64 {
	s.seq++
	return s.seq
}

// Store хранилище в памяти
type Store struct {
	mu   sync.Mutex
	txMu sync.Mutex
	st   *state

	// ReferralCodes очередь кодов, выдаваемых GenerateReferralCode до автогенерации
	ReferralCodes []string
	// FailCommit заставляет следующую транзакцию завершиться ошибкой после fn
	FailCommit error
}

// New создает пустое хранилище
func New() *Store {
	return &Store{st: newState()}
}

var _ store.Store = (*Store)(nil)

func (s *Store) Affiliate() store.AffiliateRepository       { return affiliateRepo{s} }
func (s *Store) Referral() store.ReferralRepository         { return referralRepo{s} }
func (s *Store) Commission() store.CommissionRepository     { return commissionRepo{s} }
func (s *Store) Payout() store.PayoutRepository             { return payoutRepo{s} }
func (s *Store) WebhookEvent() store.WebhookEventRepository { return webhookRepo{s} }
func (s *Store) Ping(ctx context.Context) error             { return nil }
func (s *Store) Close() error                               { return nil }

// WithTx выполняет fn атомарно
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.st.clone()
	s.mu.Unlock()

	err := fn(&txStore{Store: s})
	if err == nil && s.FailCommit != nil {
		err = s.FailCommit
		s.FailCommit = nil
	}
	if err != nil {
		s.mu.Lock()
		s.st = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// txStore переиспользует текущую транзакцию при вложенных вызовах
type txStore struct {
	*Store
}

func (t *txStore) WithTx(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(t)
}

// Seed добавляет партнера напрямую, минуя сервисы
func (s *Store) Seed(a models.Affiliate) *models.Affiliate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == 0 {
		a.ID = s.st.nextID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
		a.UpdatedAt = a.CreatedAt
	}
	s.st.affiliates[a.ID] = a
	return &a
}

// SeedCommission добавляет комиссию напрямую
func (s *Store) SeedCommission(c models.Commission) *models.Commission {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == 0 {
		c.ID = s.st.nextID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	s.st.commissions[c.ID] = c
	return &c
}

// SeedReferral добавляет реферал напрямую
func (s *Store) SeedReferral(r models.Referral) *models.Referral {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == 0 {
		r.ID = s.st.nextID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	s.st.referrals[r.ID] = r
	return &r
}

// Commissions возвращает все комиссии партнера, отсортированные по ID
func (s *Store) Commissions(affiliateID int64) []models.Commission {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Commission
	for _, c := range s.st.commissions {
		if c.AffiliateID == affiliateID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Payouts возвращает все выплаты партнера
func (s *Store) Payouts(affiliateID int64) []models.Payout {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Payout
	for _, p := range s.st.payouts {
		if p.AffiliateID == affiliateID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func eventKey(provider, id string) string {
	return provider + "/" + id
}

type affiliateRepo struct{ s *Store }

func (r affiliateRepo) Create(ctx context.Context, a *models.Affiliate) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.st.affiliates {
		if existing.UserID == a.UserID || existing.ReferralCode == a.ReferralCode {
			return models.ErrInvalidInput.Wrap(fmt.Errorf("duplicate affiliate"))
		}
	}
	a.ID = r.s.st.nextID()
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	r.s.st.affiliates[a.ID] = *a
	return nil
}

func (r affiliateRepo) GetByID(ctx context.Context, id int64) (*models.Affiliate, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.st.affiliates[id]
	if !ok {
		return nil, models.ErrAffiliateNotFound
	}
	return &a, nil
}

func (r affiliateRepo) GetByIDForUpdate(ctx context.Context, id int64) (*models.Affiliate, error) {
	return r.GetByID(ctx, id)
}

func (r affiliateRepo) GetByUserID(ctx context.Context, userID int64) (*models.Affiliate, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.st.affiliates {
		if a.UserID == userID {
			return &a, nil
		}
	}
	return nil, models.ErrAffiliateNotFound
}

func (r affiliateRepo) GetByReferralCode(ctx context.Context, code string) (*models.Affiliate, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.st.affiliates {
		if a.ReferralCode == code {
			return &a, nil
		}
	}
	return nil, models.ErrAffiliateNotFound
}

func (r affiliateRepo) GenerateReferralCode(ctx context.Context) (string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if len(r.s.ReferralCodes) > 0 {
		code := r.s.ReferralCodes[0]
		r.s.ReferralCodes = r.s.ReferralCodes[1:]
		return code, nil
	}
	r.s.st.codeSeq++
	return fmt.Sprintf("CODE%04d", r.s.st.codeSeq), nil
}

func (r affiliateRepo) UpdatePayoutEmail(ctx context.Context, id int64, email string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.st.affiliates[id]
	if !ok {
		return models.ErrAffiliateNotFound
	}
	a.PayoutEmail = &email
	a.UpdatedAt = time.Now()
	r.s.st.affiliates[id] = a
	return nil
}

func (r affiliateRepo) SetActive(ctx context.Context, id int64, active bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.st.affiliates[id]
	if !ok {
		return models.ErrAffiliateNotFound
	}
	a.IsActive = active
	r.s.st.affiliates[id] = a
	return nil
}

func (r affiliateRepo) AdjustBalances(ctx context.Context, id int64, delta models.BalanceDelta) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.st.affiliates[id]
	if !ok {
		return models.ErrAffiliateNotFound
	}
	a.PendingBalance += delta.Pending
	a.PaidBalance += delta.Paid
	a.TotalEarnings += delta.Earnings
	if a.PendingBalance < 0 || a.PaidBalance < 0 {
		return fmt.Errorf("balance check constraint violated")
	}
	r.s.st.affiliates[id] = a
	return nil
}

func (r affiliateRepo) ListIDs(ctx context.Context) ([]int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ids := make([]int64, 0, len(r.s.st.affiliates))
	for id := range r.s.st.affiliates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

type referralRepo struct{ s *Store }

func (r referralRepo) Create(ctx context.Context, ref *models.Referral) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.st.referrals {
		if existing.ReferredUserID == ref.ReferredUserID {
			return models.ErrAlreadyReferred
		}
	}
	ref.ID = r.s.st.nextID()
	r.s.st.referrals[ref.ID] = *ref
	return nil
}

func (r referralRepo) GetByID(ctx context.Context, id int64) (*models.Referral, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ref, ok := r.s.st.referrals[id]
	if !ok {
		return nil, models.ErrReferralNotFound
	}
	return &ref, nil
}

func (r referralRepo) GetByReferredUserID(ctx context.Context, userID int64) (*models.Referral, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, ref := range r.s.st.referrals {
		if ref.ReferredUserID == userID {
			return &ref, nil
		}
	}
	return nil, models.ErrReferralNotFound
}

func (r referralRepo) ListByAffiliate(ctx context.Context, affiliateID int64) ([]*models.Referral, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Referral
	for _, ref := range r.s.st.referrals {
		if ref.AffiliateID == affiliateID {
			ref := ref
			out = append(out, &ref)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (r referralRepo) MarkConverted(ctx context.Context, id int64, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ref, ok := r.s.st.referrals[id]
	if !ok || ref.Status != models.ReferralStatusPending {
		return false, nil
	}
	ref.Status = models.ReferralStatusConverted
	ref.ConvertedAt = &at
	r.s.st.referrals[id] = ref
	return true, nil
}

func (r referralRepo) UpdateStatus(ctx context.Context, id int64, from []models.ReferralStatus, to models.ReferralStatus) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ref, ok := r.s.st.referrals[id]
	if !ok {
		return false, nil
	}
	for _, s := range from {
		if ref.Status == s {
			ref.Status = to
			r.s.st.referrals[id] = ref
			return true, nil
		}
	}
	return false, nil
}

func (r referralRepo) ExpirePending(ctx context.Context, createdBefore time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, ref := range r.s.st.referrals {
		if ref.Status == models.ReferralStatusPending && ref.CreatedAt.Before(createdBefore) {
			ref.Status = models.ReferralStatusExpired
			r.s.st.referrals[id] = ref
			n++
		}
	}
	return n, nil
}

func (r referralRepo) GetStats(ctx context.Context, affiliateID int64) (*models.ReferralStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stats := &models.ReferralStats{}
	for _, ref := range r.s.st.referrals {
		if ref.AffiliateID != affiliateID {
			continue
		}
		stats.TotalReferrals++
		switch ref.Status {
		case models.ReferralStatusPending:
			stats.PendingReferrals++
		case models.ReferralStatusConverted:
			stats.ConvertedReferrals++
		case models.ReferralStatusExpired:
			stats.ExpiredReferrals++
		}
	}
	return stats, nil
}

type commissionRepo struct{ s *Store }

func (r commissionRepo) CreateIfAbsent(ctx context.Context, c *models.Commission) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.st.commissions {
		if existing.PaymentEventID == c.PaymentEventID {
			return false, nil
		}
	}
	c.ID = r.s.st.nextID()
	r.s.st.commissions[c.ID] = *c
	return true, nil
}

func (r commissionRepo) GetByID(ctx context.Context, id int64) (*models.Commission, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.st.commissions[id]
	if !ok {
		return nil, models.ErrCommissionNotFound
	}
	return &c, nil
}

func (r commissionRepo) GetByIDForUpdate(ctx context.Context, id int64) (*models.Commission, error) {
	return r.GetByID(ctx, id)
}

func (r commissionRepo) GetByPaymentEventID(ctx context.Context, paymentEventID string) (*models.Commission, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.st.commissions {
		if c.PaymentEventID == paymentEventID {
			return &c, nil
		}
	}
	return nil, models.ErrCommissionNotFound
}

func (r commissionRepo) ListByAffiliate(ctx context.Context, affiliateID int64, filter models.CommissionFilter) ([]*models.Commission, error) {
	all := r.s.Commissions(affiliateID)
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	var out []*models.Commission
	for _, c := range all {
		if filter.Status != nil && c.Status != *filter.Status {
			continue
		}
		c := c
		out = append(out, &c)
	}
	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r commissionRepo) ListPayable(ctx context.Context, affiliateID int64) ([]*models.Commission, error) {
	var out []*models.Commission
	for _, c := range r.s.Commissions(affiliateID) {
		if c.Status == models.CommissionStatusApproved && c.PayoutID == nil {
			c := c
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r commissionRepo) update(id int64, fn func(c *models.Commission) bool) bool {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.st.commissions[id]
	if !ok || !fn(&c) {
		return false
	}
	r.s.st.commissions[id] = c
	return true
}

func (r commissionRepo) Approve(ctx context.Context, id int64, at time.Time) (bool, error) {
	return r.update(id, func(c *models.Commission) bool {
		if c.Status != models.CommissionStatusPending {
			return false
		}
		c.Status = models.CommissionStatusApproved
		c.ApprovedAt = &at
		return true
	}), nil
}

func (r commissionRepo) ApproveCreatedBefore(ctx context.Context, before time.Time, at time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, c := range r.s.st.commissions {
		if c.Status == models.CommissionStatusPending && c.CreatedAt.Before(before) {
			c.Status = models.CommissionStatusApproved
			c.ApprovedAt = &at
			r.s.st.commissions[id] = c
			n++
		}
	}
	return n, nil
}

func (r commissionRepo) Cancel(ctx context.Context, id int64, reason string, at time.Time) (bool, error) {
	return r.update(id, func(c *models.Commission) bool {
		cancellable := c.Status == models.CommissionStatusPending ||
			(c.Status == models.CommissionStatusApproved && c.PayoutID == nil)
		if !cancellable {
			return false
		}
		c.Status = models.CommissionStatusCancelled
		c.CancelReason = &reason
		c.CancelledAt = &at
		return true
	}), nil
}

func (r commissionRepo) AttachToPayout(ctx context.Context, ids []int64, payoutID int64) (int64, error) {
	var n int64
	for _, id := range ids {
		if r.update(id, func(c *models.Commission) bool {
			if c.Status != models.CommissionStatusApproved || c.PayoutID != nil {
				return false
			}
			pid := payoutID
			c.PayoutID = &pid
			return true
		}) {
			n++
		}
	}
	return n, nil
}

func (r commissionRepo) byPayout(payoutID int64, fn func(c *models.Commission)) int64 {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, c := range r.s.st.commissions {
		if c.PayoutID != nil && *c.PayoutID == payoutID && c.Status == models.CommissionStatusApproved {
			fn(&c)
			r.s.st.commissions[id] = c
			n++
		}
	}
	return n
}

func (r commissionRepo) MarkPaidByPayout(ctx context.Context, payoutID int64, at time.Time) (int64, error) {
	return r.byPayout(payoutID, func(c *models.Commission) {
		c.Status = models.CommissionStatusPaid
		c.PaidAt = &at
	}), nil
}

func (r commissionRepo) DetachFromPayout(ctx context.Context, payoutID int64) (int64, error) {
	return r.byPayout(payoutID, func(c *models.Commission) {
		c.PayoutID = nil
	}), nil
}

func (r commissionRepo) SumOutstanding(ctx context.Context, affiliateID int64) (int64, error) {
	var sum int64
	for _, c := range r.s.Commissions(affiliateID) {
		if c.Status != models.CommissionStatusCancelled {
			sum += c.Amount
		}
	}
	return sum, nil
}

type payoutRepo struct{ s *Store }

func (r payoutRepo) Create(ctx context.Context, p *models.Payout) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.st.payouts {
		if existing.AffiliateID == p.AffiliateID && existing.Status.IsInFlight() {
			return models.ErrPayoutInFlight
		}
	}
	p.ID = r.s.st.nextID()
	r.s.st.payouts[p.ID] = *p
	return nil
}

func (r payoutRepo) GetByID(ctx context.Context, id int64) (*models.Payout, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.st.payouts[id]
	if !ok {
		return nil, models.ErrPayoutNotFound
	}
	return &p, nil
}

func (r payoutRepo) GetByProviderBatchID(ctx context.Context, batchID string) (*models.Payout, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, p := range r.s.st.payouts {
		if p.ProviderBatchID != nil && *p.ProviderBatchID == batchID {
			return &p, nil
		}
	}
	return nil, models.ErrPayoutNotFound
}

func (r payoutRepo) GetBySenderBatchID(ctx context.Context, senderBatchID string) (*models.Payout, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, p := range r.s.st.payouts {
		if p.SenderBatchID == senderBatchID {
			return &p, nil
		}
	}
	return nil, models.ErrPayoutNotFound
}

func (r payoutRepo) HasInFlight(ctx context.Context, affiliateID int64) (bool, error) {
	for _, p := range r.s.Payouts(affiliateID) {
		if p.Status.IsInFlight() {
			return true, nil
		}
	}
	return false, nil
}

func (r payoutRepo) ListByAffiliate(ctx context.Context, affiliateID int64, limit, offset int) ([]*models.Payout, error) {
	all := r.s.Payouts(affiliateID)
	var out []*models.Payout
	for i := len(all) - 1; i >= 0; i-- {
		p := all[i]
		out = append(out, &p)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (r payoutRepo) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*models.Payout, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Payout
	for _, p := range r.s.st.payouts {
		if p.Status == models.PayoutStatusPending && p.CreatedAt.Before(before) {
			p := p
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (r payoutRepo) update(id int64, fn func(p *models.Payout) bool) bool {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.st.payouts[id]
	if !ok || !fn(&p) {
		return false
	}
	r.s.st.payouts[id] = p
	return true
}

func (r payoutRepo) MarkProcessing(ctx context.Context, id int64, providerBatchID string, at time.Time) (bool, error) {
	return r.update(id, func(p *models.Payout) bool {
		if p.Status != models.PayoutStatusPending {
			return false
		}
		p.Status = models.PayoutStatusProcessing
		p.ProviderBatchID = &providerBatchID
		p.ProcessedAt = &at
		return true
	}), nil
}

func (r payoutRepo) MarkCompleted(ctx context.Context, id int64, at time.Time) (bool, error) {
	return r.update(id, func(p *models.Payout) bool {
		if !p.Status.IsInFlight() {
			return false
		}
		p.Status = models.PayoutStatusCompleted
		p.CompletedAt = &at
		return true
	}), nil
}

func (r payoutRepo) MarkFailed(ctx context.Context, id int64, reason string, at time.Time) (bool, error) {
	return r.update(id, func(p *models.Payout) bool {
		if !p.Status.IsInFlight() {
			return false
		}
		p.Status = models.PayoutStatusFailed
		p.FailureReason = &reason
		p.FailedAt = &at
		return true
	}), nil
}

type webhookRepo struct{ s *Store }

func (r webhookRepo) Record(ctx context.Context, e *models.WebhookEvent) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := eventKey(e.Provider, e.EventID)
	if _, ok := r.s.st.events[key]; ok {
		return false, nil
	}
	r.s.st.events[key] = *e
	return true, nil
}
