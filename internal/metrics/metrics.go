package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics содержит все метрики приложения
type Metrics struct {
	logger   *zap.Logger
	gatherer prometheus.Gatherer

	// Счетчики
	commissions           *prometheus.CounterVec
	commissionAmount      prometheus.Counter
	commissionTransitions *prometheus.CounterVec
	referrals             *prometheus.CounterVec
	payouts               *prometheus.CounterVec
	webhookEvents         *prometheus.CounterVec
	httpRequests          *prometheus.CounterVec
	jobRuns               *prometheus.CounterVec

	// Гистограммы
	payoutAmount    prometheus.Histogram
	requestDuration *prometheus.HistogramVec

	// Gauge метрики
	driftedAffiliates prometheus.Gauge

	// Мьютекс для thread-safety
	mu sync.RWMutex
}

// New создает метрики в глобальном реестре Prometheus
func New(logger *zap.Logger) *Metrics {
	return NewWithRegistry(logger, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewWithRegistry создает метрики в переданном реестре
func NewWithRegistry(logger *zap.Logger, reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		logger:   logger,
		gatherer: gatherer,

		// Счетчики начислений
		commissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "affiliate_commissions_total",
				Help: "Количество обработанных оплат по результату начисления",
			},
			[]string{"result"}, // created, duplicate, not_referred, skipped
		),

		commissionAmount: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "affiliate_commission_amount_cents_total",
				Help: "Сумма начисленных комиссий в центах",
			},
		),

		commissionTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "affiliate_commission_transitions_total",
				Help: "Количество смен статуса комиссий",
			},
			[]string{"status"},
		),

		referrals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "affiliate_referrals_total",
				Help: "Количество рефералов по статусу",
			},
			[]string{"status"},
		),

		payouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "affiliate_payouts_total",
				Help: "Количество выплат по статусу",
			},
			[]string{"status"}, // pending, processing, completed, failed
		),

		webhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_events_total",
				Help: "Количество входящих webhook'ов",
			},
			[]string{"provider", "event_type", "result"},
		),

		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Количество HTTP запросов",
			},
			[]string{"method", "path", "status"},
		),

		jobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_job_runs_total",
				Help: "Количество запусков фоновых задач",
			},
			[]string{"job", "status"},
		),

		// Гистограмма сумм выплат
		payoutAmount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "affiliate_payout_amount_cents",
				Help:    "Сумма запрошенной выплаты в центах",
				Buckets: []float64{2000, 5000, 10000, 25000, 50000, 100000, 250000},
			},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Время обработки HTTP запроса в секундах",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		// Gauge партнеров с расхождением баланса
		driftedAffiliates: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "affiliate_ledger_drifted",
				Help: "Количество партнеров, баланс которых не сходится с комиссиями",
			},
		),
	}

	// Регистрируем все метрики
	reg.MustRegister(
		m.commissions,
		m.commissionAmount,
		m.commissionTransitions,
		m.referrals,
		m.payouts,
		m.webhookEvents,
		m.httpRequests,
		m.jobRuns,
		m.payoutAmount,
		m.requestDuration,
		m.driftedAffiliates,
	)

	return m
}

// IncrementCounter увеличивает счетчик
func (m *Metrics) IncrementCounter(name string, labels ...string) {
	m.AddCounter(name, 1, labels...)
}

// AddCounter увеличивает счетчик на value
func (m *Metrics) AddCounter(name string, value float64, labels ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var counter *prometheus.CounterVec

	switch name {
	case "affiliate_commissions_total":
		counter = m.commissions
	case "affiliate_commission_transitions_total":
		counter = m.commissionTransitions
	case "affiliate_referrals_total":
		counter = m.referrals
	case "affiliate_payouts_total":
		counter = m.payouts
	case "webhook_events_total":
		counter = m.webhookEvents
	case "http_requests_total":
		counter = m.httpRequests
	case "scheduler_job_runs_total":
		counter = m.jobRuns
	case "affiliate_commission_amount_cents_total":
		m.commissionAmount.Add(value)
		return
	default:
		m.logger.Error("неизвестная метрика", zap.String("name", name))
		return
	}

	counter.WithLabelValues(labels...).Add(value)
}

// SetGauge устанавливает значение gauge метрики
func (m *Metrics) SetGauge(name string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch name {
	case "affiliate_ledger_drifted":
		m.driftedAffiliates.Set(value)
	default:
		m.logger.Error("неизвестная gauge метрика", zap.String("name", name))
		return
	}

	m.logger.Debug("метрика установлена", zap.String("metric", name), zap.Float64("value", value))
}

// ObserveHistogram добавляет наблюдение в гистограмму
func (m *Metrics) ObserveHistogram(name string, value float64, labels ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch name {
	case "http_request_duration_seconds":
		m.requestDuration.WithLabelValues(labels...).Observe(value)
	case "affiliate_payout_amount_cents":
		m.payoutAmount.Observe(value)
	default:
		m.logger.Error("неизвестная гистограмма", zap.String("name", name))
	}
}

// RecordCommission записывает результат обработки оплаты
func (m *Metrics) RecordCommission(result string, amount int64) {
	m.IncrementCounter("affiliate_commissions_total", result)
	if amount > 0 {
		m.AddCounter("affiliate_commission_amount_cents_total", float64(amount))
	}
}

// RecordCommissionTransition записывает смену статуса комиссий
func (m *Metrics) RecordCommissionTransition(status string, count int64) {
	m.AddCounter("affiliate_commission_transitions_total", float64(count), status)
}

// RecordReferral записывает изменение статуса рефералов
func (m *Metrics) RecordReferral(status string, count int64) {
	m.AddCounter("affiliate_referrals_total", float64(count), status)
}

// RecordPayout записывает смену статуса выплаты
func (m *Metrics) RecordPayout(status string, amount int64) {
	m.IncrementCounter("affiliate_payouts_total", status)
	if status == "pending" {
		m.ObserveHistogram("affiliate_payout_amount_cents", float64(amount))
	}
}

// RecordWebhook записывает обработку webhook'а
func (m *Metrics) RecordWebhook(provider, eventType, result string) {
	m.IncrementCounter("webhook_events_total", provider, eventType, result)
}

// RecordHTTPRequest записывает HTTP запрос
func (m *Metrics) RecordHTTPRequest(method, path, status string, seconds float64) {
	m.IncrementCounter("http_requests_total", method, path, status)
	m.ObserveHistogram("http_request_duration_seconds", seconds, method, path)
}

// RecordJob записывает запуск фоновой задачи
func (m *Metrics) RecordJob(job string, err error) {
	status := "success"
	if err != nil {
		status = "failed"
	}
	m.IncrementCounter("scheduler_job_runs_total", job, status)
}

// SetDriftedAffiliates записывает число партнеров с расхождением баланса
func (m *Metrics) SetDriftedAffiliates(n int) {
	m.SetGauge("affiliate_ledger_drifted", float64(n))
}

// Handler возвращает HTTP handler для метрик
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
