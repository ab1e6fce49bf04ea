package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	return NewWithRegistry(zap.NewNop(), reg, reg)
}

func TestMetrics(t *testing.T) {
	m := newTestMetrics()

	m.RecordCommission("created", 800)
	m.RecordCommission("created", 400)
	m.RecordCommission("duplicate", 0)
	m.RecordCommissionTransition("approved", 3)
	m.RecordReferral("pending", 1)
	m.RecordPayout("pending", 2500)
	m.RecordPayout("completed", 2500)
	m.RecordWebhook("stripe", "invoice.paid", "processed")
	m.RecordHTTPRequest("GET", "/api/affiliate/me", "200", 0.01)
	m.RecordJob("commission_approval", nil)
	m.RecordJob("commission_approval", errors.New("db down"))
	m.SetDriftedAffiliates(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.commissions.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commissions.WithLabelValues("duplicate")))
	assert.Equal(t, 1200.0, testutil.ToFloat64(m.commissionAmount))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.commissionTransitions.WithLabelValues("approved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.payouts.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobRuns.WithLabelValues("commission_approval", "failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.driftedAffiliates))

	// неизвестные имена только логируются
	m.IncrementCounter("unknown_total")
	m.SetGauge("unknown", 1)
	m.ObserveHistogram("unknown", 1)
}

func TestMetricsHandlerExposesRegistry(t *testing.T) {
	m := newTestMetrics()
	m.RecordWebhook("paypal", "PAYMENT.PAYOUTS-ITEM.SUCCEEDED", "processed")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "webhook_events_total"))
}

type pinger struct{ err error }

func (p pinger) Ping(ctx context.Context) error { return p.err }

func TestHealthHandler(t *testing.T) {
	m := newTestMetrics()

	rec := httptest.NewRecorder()
	NewHandler(m, pinger{}, zap.NewNop()).HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","service":"affiliate-ledger"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	NewHandler(m, pinger{err: errors.New("down")}, zap.NewNop()).HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
