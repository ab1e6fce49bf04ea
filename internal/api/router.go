package api

import (
	"net/http"

	"affiliate-ledger/internal/affiliate"
	"affiliate-ledger/internal/auth"
	"affiliate-ledger/internal/commission"
	"affiliate-ledger/internal/metrics"
	"affiliate-ledger/internal/payout"
	"affiliate-ledger/internal/referral"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Deps зависимости HTTP слоя
type Deps struct {
	Affiliates  *affiliate.Service
	Referrals   *referral.Service
	Commissions *commission.Service
	Payouts     *payout.Service

	Verifier *auth.Verifier
	Health   *metrics.Handler
	Metrics  HTTPMetrics

	// PayPalWebhook nil, если выплаты через PayPal не настроены
	StripeWebhook http.HandlerFunc
	PayPalWebhook http.HandlerFunc

	AllowedOrigins []string
	Logger         *zap.Logger
}

// Server обработчики REST API партнерской программы
type Server struct {
	affiliates  *affiliate.Service
	referrals   *referral.Service
	commissions *commission.Service
	payouts     *payout.Service
	logger      *zap.Logger
}

// NewRouter собирает маршруты: публичные, партнерские и административные
func NewRouter(d Deps) *gin.Engine {
	s := &Server{
		affiliates:  d.Affiliates,
		referrals:   d.Referrals,
		commissions: d.Commissions,
		payouts:     d.Payouts,
		logger:      d.Logger,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(AccessLog(d.Logger))
	if d.Metrics != nil {
		r.Use(Metrics(d.Metrics))
	}
	r.Use(CORS(d.AllowedOrigins))

	if d.Health != nil {
		r.GET("/health", gin.WrapF(d.Health.HealthHandler))
		r.GET("/metrics", gin.WrapH(d.Health.MetricsHandler()))
	}

	webhooks := r.Group("/webhooks")
	if d.StripeWebhook != nil {
		webhooks.POST("/stripe", gin.WrapF(d.StripeWebhook))
	}
	if d.PayPalWebhook != nil {
		webhooks.POST("/paypal", gin.WrapF(d.PayPalWebhook))
	}

	v1 := r.Group("/api/v1")
	v1.Use(RequireAuth(d.Verifier, d.Logger))

	me := v1.Group("/affiliate")
	{
		me.POST("/enroll", s.enroll)
		me.GET("/me", s.overview)
		me.PUT("/payout-email", s.updatePayoutEmail)
		me.GET("/commissions", s.listCommissions)
		me.GET("/referrals", s.listReferrals)
		me.POST("/payouts", s.requestPayout)
		me.GET("/payouts", s.listPayouts)
		me.GET("/payouts/:id", s.getPayout)
	}

	v1.POST("/referrals/track", s.trackReferral)

	admin := v1.Group("/admin")
	admin.Use(RequireAdmin(d.Logger))
	{
		admin.POST("/commissions/:id/approve", s.approveCommission)
		admin.POST("/commissions/:id/cancel", s.cancelCommission)
		admin.POST("/payouts/dispatch", s.dispatchPayouts)
		admin.POST("/payouts/:id/resolve", s.resolvePayout)
		admin.PUT("/affiliates/:id/active", s.setAffiliateActive)
		admin.GET("/affiliates/:id/reconcile", s.reconcileAffiliate)
		admin.GET("/reconcile", s.reconcileAll)
		admin.POST("/referrals/:id/cancel", s.cancelReferral)
	}

	return r
}
