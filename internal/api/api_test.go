package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"affiliate-ledger/internal/affiliate"
	"affiliate-ledger/internal/auth"
	"affiliate-ledger/internal/commission"
	"affiliate-ledger/internal/metrics"
	"affiliate-ledger/internal/notify"
	"affiliate-ledger/internal/payout"
	"affiliate-ledger/internal/referral"
	"affiliate-ledger/internal/store/storetest"
	"affiliate-ledger/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	st       *storetest.Store
	router   *gin.Engine
	verifier *auth.Verifier
	registry *prometheus.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	logger := zaptest.NewLogger(t)
	st := storetest.New()
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(logger, reg, reg)
	verifier := auth.NewVerifier("test-secret", "lingua-ai")

	router := NewRouter(Deps{
		Affiliates: affiliate.NewService(st, affiliate.Config{
			MinPayout:   2000,
			Currency:    "USD",
			LinkBaseURL: "https://lingua.ai/signup",
		}, logger),
		Referrals: referral.NewService(st, 30*24*time.Hour, m, logger),
		Commissions: commission.NewService(st, commission.Config{
			RateBps:    8000,
			Currency:   "USD",
			HoldPeriod: 14 * 24 * time.Hour,
		}, m, logger),
		Payouts: payout.NewService(st, nil, notify.NewLogNotifier(logger), nil, m, payout.Config{
			MinPayout: 2000,
			Currency:  "USD",
		}, logger),
		Verifier:       verifier,
		Health:         metrics.NewHandler(m, st, logger),
		Metrics:        m,
		AllowedOrigins: []string{"*"},
		Logger:         logger,
	})

	return &testServer{st: st, router: router, verifier: verifier, registry: reg}
}

func (s *testServer) token(t *testing.T, userID int64, role string) string {
	t.Helper()
	token, err := s.verifier.Issue(auth.Principal{UserID: userID, Role: role}, time.Hour)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// seedEarning создает партнера с одобренной комиссией на amount центов
func (s *testServer) seedEarning(t *testing.T, userID, amount int64) *models.Affiliate {
	t.Helper()
	email := fmt.Sprintf("user%d@example.com", userID)
	a := s.st.Seed(models.Affiliate{
		UserID:       userID,
		ReferralCode: fmt.Sprintf("CODE%04d", userID),
		PayoutEmail:  &email,
		IsActive:     true,
	})
	s.st.SeedCommission(models.Commission{
		AffiliateID:    a.ID,
		ReferralID:     1,
		PaymentEventID: fmt.Sprintf("in_%d", userID),
		Amount:         amount,
		Currency:       "USD",
		Status:         models.CommissionStatusApproved,
	})
	require.NoError(t, s.st.Affiliate().AdjustBalances(context.Background(), a.ID,
		models.BalanceDelta{Pending: amount, Earnings: amount}))
	return a
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestRequestIDIsPropagated(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, "req-123", rec.Header().Get(requestIDHeader))
}

func TestAuthentication(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/affiliate/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthenticated", decode(t, rec)["error"])

	rec = s.do(t, http.MethodGet, "/api/v1/affiliate/me", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/admin/reconcile", s.token(t, 1, auth.RoleStudent), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", decode(t, rec)["error"])
}

func TestEnrollAndOverview(t *testing.T) {
	s := newTestServer(t)
	token := s.token(t, 7, auth.RoleStudent)

	rec := s.do(t, http.MethodGet, "/api/v1/affiliate/me", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/affiliate/enroll", token, map[string]string{"payout_email": "Bob@Example.com"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Contains(t, body["referral_link"], "https://lingua.ai/signup?ref=")

	rec = s.do(t, http.MethodPost, "/api/v1/affiliate/enroll", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/affiliate/me", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	overview := decode(t, rec)
	assert.Equal(t, float64(2000), overview["min_payout"])
	assert.Equal(t, "bob@example.com", overview["affiliate"].(map[string]interface{})["payout_email"])
}

func TestUpdatePayoutEmailValidation(t *testing.T) {
	s := newTestServer(t)
	s.seedEarning(t, 5, 100)
	token := s.token(t, 5, auth.RoleStudent)

	rec := s.do(t, http.MethodPut, "/api/v1/affiliate/payout-email", token, map[string]string{"payout_email": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_email", decode(t, rec)["error"])

	rec = s.do(t, http.MethodPut, "/api/v1/affiliate/payout-email", token, map[string]string{"payout_email": "new@example.com"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTrackReferral(t *testing.T) {
	s := newTestServer(t)
	s.seedEarning(t, 5, 100)

	rec := s.do(t, http.MethodPost, "/api/v1/referrals/track", s.token(t, 6, auth.RoleStudent), map[string]string{"code": "ref_code0005"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "pending", decode(t, rec)["status"])

	rec = s.do(t, http.MethodPost, "/api/v1/referrals/track", s.token(t, 6, auth.RoleStudent), map[string]string{"code": "CODE0005"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_referred", decode(t, rec)["error"])

	rec = s.do(t, http.MethodPost, "/api/v1/referrals/track", s.token(t, 5, auth.RoleStudent), map[string]string{"code": "CODE0005"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/referrals/track", s.token(t, 8, auth.RoleStudent), map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", decode(t, rec)["error"])
}

func TestRequestPayout(t *testing.T) {
	s := newTestServer(t)
	s.seedEarning(t, 5, 2500)
	token := s.token(t, 5, auth.RoleStudent)

	rec := s.do(t, http.MethodPost, "/api/v1/affiliate/payouts", token, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode(t, rec)
	assert.Equal(t, float64(2500), created["amount"])
	assert.Equal(t, "pending", created["status"])

	rec = s.do(t, http.MethodPost, "/api/v1/affiliate/payouts", token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "below_minimum", decode(t, rec)["error"])

	rec = s.do(t, http.MethodGet, "/api/v1/affiliate/payouts", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["payouts"], 1)

	id := int64(created["id"].(float64))
	rec = s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/affiliate/payouts/%d", id), token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	s.seedEarning(t, 9, 100)
	rec = s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/affiliate/payouts/%d", id), s.token(t, 9, auth.RoleStudent), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestPayoutBelowMinimum(t *testing.T) {
	s := newTestServer(t)
	s.seedEarning(t, 5, 1999)

	rec := s.do(t, http.MethodPost, "/api/v1/affiliate/payouts", s.token(t, 5, auth.RoleStudent), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "below_minimum", decode(t, rec)["error"])
}

func TestListCommissions(t *testing.T) {
	s := newTestServer(t)
	s.seedEarning(t, 5, 700)
	token := s.token(t, 5, auth.RoleStudent)

	rec := s.do(t, http.MethodGet, "/api/v1/affiliate/commissions?status=approved", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["commissions"], 1)

	rec = s.do(t, http.MethodGet, "/api/v1/affiliate/commissions?status=bogus", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminEndpoints(t *testing.T) {
	s := newTestServer(t)
	a := s.seedEarning(t, 5, 700)
	admin := s.token(t, 1, auth.RoleAdmin)

	commissions := s.st.Commissions(a.ID)
	require.Len(t, commissions, 1)

	rec := s.do(t, http.MethodPost, fmt.Sprintf("/api/v1/admin/commissions/%d/cancel", commissions[0].ID), admin, map[string]string{"reason": "chargeback"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "cancelled", decode(t, rec)["status"])

	rec = s.do(t, http.MethodPost, fmt.Sprintf("/api/v1/admin/commissions/%d/approve", commissions[0].ID), admin, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", decode(t, rec)["error"])

	rec = s.do(t, http.MethodPost, "/api/v1/admin/commissions/abc/approve", admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/admin/affiliates/%d/reconcile", a.ID), admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decode(t, rec)["drift"])

	rec = s.do(t, http.MethodGet, "/api/v1/admin/reconcile", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode(t, rec)["drifted"])

	rec = s.do(t, http.MethodPut, fmt.Sprintf("/api/v1/admin/affiliates/%d/active", a.ID), admin, map[string]bool{"active": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["is_active"])

	rec = s.do(t, http.MethodPut, fmt.Sprintf("/api/v1/admin/affiliates/%d/active", a.ID), admin, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPut, "/api/v1/admin/affiliates/999/active", admin, map[string]bool{"active": true})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/admin/payouts/dispatch", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decode(t, rec)["dispatched"])
}

func TestOptionalBodyAcceptsChunkedEmptyBody(t *testing.T) {
	s := newTestServer(t)
	a := s.seedEarning(t, 5, 700)
	admin := s.token(t, 1, auth.RoleAdmin)
	commissions := s.st.Commissions(a.ID)
	require.Len(t, commissions, 1)
	path := fmt.Sprintf("/api/v1/admin/commissions/%d/cancel", commissions[0].ID)

	send := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.ContentLength = -1
		req.TransferEncoding = []string{"chunked"}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+admin)
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		return rec
	}

	rec := send(`{"reason":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = send("")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "cancelled", body["status"])
	assert.Equal(t, "cancelled by admin", body["cancel_reason"])
}

func TestAdminResolvePayout(t *testing.T) {
	s := newTestServer(t)
	a := s.seedEarning(t, 5, 2500)
	admin := s.token(t, 1, auth.RoleAdmin)

	rec := s.do(t, http.MethodPost, "/api/v1/affiliate/payouts", s.token(t, 5, auth.RoleStudent), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := int64(decode(t, rec)["id"].(float64))

	rec = s.do(t, http.MethodPost, fmt.Sprintf("/api/v1/admin/payouts/%d/resolve", id), admin, map[string]interface{}{
		"succeeded": false,
		"reason":    "receiver unregistered",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "failed", decode(t, rec)["status"])

	account, err := s.st.Affiliate().GetByID(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), account.PendingBalance)
	assert.Equal(t, int64(0), account.PaidBalance)

	rec = s.do(t, http.MethodPost, fmt.Sprintf("/api/v1/admin/payouts/%d/resolve", id), admin, map[string]interface{}{"succeeded": true})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHTTPMetricsUseRouteTemplate(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodGet, "/health", "", nil)
	s.do(t, http.MethodGet, "/nowhere", "", nil)

	s.do(t, http.MethodGet, "/health", "", nil)

	// две серии: /health и unmatched
	n, err := testutil.GatherAndCount(s.registry, "http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{models.ErrInvalidInput, http.StatusBadRequest},
		{models.ErrUnauthenticated, http.StatusUnauthorized},
		{models.ErrAffiliateInactive, http.StatusForbidden},
		{models.ErrPayoutInFlight, http.StatusConflict},
		{models.ErrPayoutNotFound, http.StatusNotFound},
		{models.ErrProviderFailure.Wrap(fmt.Errorf("timeout")), http.StatusBadGateway},
		{fmt.Errorf("db down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
