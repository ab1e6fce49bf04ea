package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"affiliate-ledger/internal/affiliate"
	"affiliate-ledger/internal/api"
	"affiliate-ledger/internal/auth"
	"affiliate-ledger/internal/commission"
	"affiliate-ledger/internal/config"
	"affiliate-ledger/internal/metrics"
	"affiliate-ledger/internal/migrations"
	"affiliate-ledger/internal/notify"
	"affiliate-ledger/internal/payout"
	"affiliate-ledger/internal/paypal"
	"affiliate-ledger/internal/referral"
	"affiliate-ledger/internal/scheduler"
	"affiliate-ledger/internal/store"
	"affiliate-ledger/internal/webhook"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Инициализация логгера
	logger, err := initLogger(cfg)
	if err != nil {
		fmt.Printf("Ошибка инициализации логгера: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("запуск сервиса партнерской программы",
		zap.String("env", cfg.App.Env),
		zap.Int64("commission_rate_bps", cfg.Affiliate.CommissionRateBps),
		zap.String("currency", cfg.Affiliate.Currency))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Применение миграций
	if err := migrations.RunMigrations(ctx, cfg, logger); err != nil {
		logger.Fatal("ошибка применения миграций", zap.Error(err))
	}

	// Инициализация базы данных
	st, err := store.NewStore(cfg, logger)
	if err != nil {
		logger.Fatal("ошибка инициализации базы данных", zap.Error(err))
	}
	defer st.Close()

	// Инициализация метрик
	metricsSystem := metrics.New(logger)

	// Уведомления партнеров
	var notifier payout.Notifier
	if cfg.SMTPEnabled() {
		notifier = notify.NewEmailNotifier(cfg.SMTP, logger)
		logger.Info("уведомления по email включены", zap.String("smtp_host", cfg.SMTP.Host))
	} else {
		notifier = notify.NewLogNotifier(logger)
		logger.Info("SMTP не настроен, уведомления пишутся в лог")
	}

	// Оповещения операторов
	var alerter payout.Alerter
	if cfg.TelegramAlertsEnabled() {
		telegramAlerter, err := notify.NewTelegramAlerter(cfg.Telegram.BotToken, cfg.Telegram.AlertChatID, logger)
		if err != nil {
			logger.Error("оповещения в Telegram отключены", zap.Error(err))
		} else {
			alerter = telegramAlerter
		}
	}

	// Провайдер выплат
	var (
		provider      payout.Provider
		paypalClient  *paypal.Client
		paypalWebhook http.HandlerFunc
	)
	if cfg.PayPalEnabled() {
		paypalClient = paypal.NewClient(cfg.PayPal, logger)
		provider = paypalClient
		logger.Info("PayPal клиент инициализирован", zap.Bool("sandbox", cfg.PayPal.Sandbox))
	} else {
		logger.Warn("PayPal не настроен, выплаты останутся в pending до ручного завершения")
	}

	// Инициализация сервисов
	affiliateService := affiliate.NewService(st, affiliate.Config{
		MinPayout:   cfg.Affiliate.MinPayoutCents,
		Currency:    cfg.Affiliate.Currency,
		LinkBaseURL: cfg.Affiliate.LinkBaseURL,
	}, logger)

	referralService := referral.NewService(st, cfg.Affiliate.ReferralTTL(), metricsSystem, logger)

	commissionService := commission.NewService(st, commission.Config{
		RateBps:    cfg.Affiliate.CommissionRateBps,
		Currency:   cfg.Affiliate.Currency,
		HoldPeriod: cfg.Affiliate.HoldPeriod(),
	}, metricsSystem, logger)

	payoutService := payout.NewService(st, provider, notifier, alerter, metricsSystem, payout.Config{
		MinPayout:        cfg.Affiliate.MinPayoutCents,
		Currency:         cfg.Affiliate.Currency,
		AutoDispatch:     cfg.Affiliate.AutoDispatch,
		DispatchMinDelay: cfg.Affiliate.DispatchMinDelay,
	}, logger)

	// Webhook'и платежных систем
	stripeHandler := webhook.NewStripeWebhookHandler(commissionService, metricsSystem,
		cfg.Stripe.WebhookSecret, cfg.Stripe.Tolerance, logger)
	if paypalClient != nil {
		paypalWebhook = webhook.NewPayPalWebhookHandler(paypalClient, payoutService, metricsSystem, logger).HandleWebhook
	}

	if cfg.App.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := api.NewRouter(api.Deps{
		Affiliates:     affiliateService,
		Referrals:      referralService,
		Commissions:    commissionService,
		Payouts:        payoutService,
		Verifier:       auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		Health:         metrics.NewHandler(metricsSystem, st, logger),
		Metrics:        metricsSystem,
		StripeWebhook:  stripeHandler.HandleWebhook,
		PayPalWebhook:  paypalWebhook,
		AllowedOrigins: cfg.App.AllowedOrigins,
		Logger:         logger,
	})

	// Инициализация планировщика задач
	var jobAlerter scheduler.Alerter
	if alerter != nil {
		jobAlerter = alerter
	}
	taskScheduler := scheduler.NewScheduler(logger, metricsSystem)
	taskScheduler.AddJob(scheduler.NewCommissionApprovalJob(commissionService, logger))
	taskScheduler.AddJob(scheduler.NewReferralExpiryJob(referralService, logger))
	taskScheduler.AddJob(scheduler.NewPayoutDispatchJob(payoutService, logger))
	taskScheduler.AddJob(scheduler.NewReconciliationJob(affiliateService, metricsSystem, jobAlerter, logger))

	// Обработка сигналов для graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.App.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("HTTP сервер запущен", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ошибка HTTP сервера", zap.Error(err))
			sigChan <- syscall.SIGTERM
		}
	}()

	go taskScheduler.Start(ctx, cfg.App.SchedulerInterval)

	logger.Info("приложение запущено и готово к работе",
		zap.String("address", fmt.Sprintf("http://localhost:%d", cfg.App.Port)))

	// Ожидание сигнала завершения
	<-sigChan
	logger.Info("получен сигнал завершения, начинаем graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("ошибка при остановке HTTP сервера", zap.Error(err))
	}

	logger.Info("приложение завершено")
}

// initLogger инициализирует логгер: JSON в продакшене, консольный формат в разработке
func initLogger(cfg *config.Config) (*zap.Logger, error) {
	zapConfig := zap.NewDevelopmentConfig()
	if cfg.App.IsProduction() {
		zapConfig = zap.NewProductionConfig()
	}
	zapConfig.Level = cfg.App.GetLogLevel()
	zapConfig.OutputPaths = []string{"stdout", "logs/app.log"}
	zapConfig.ErrorOutputPaths = []string{"stderr", "logs/error.log"}

	// Создаем директорию для логов если её нет
	if err := os.MkdirAll("logs", 0755); err != nil {
		return nil, fmt.Errorf("ошибка создания директории логов: %w", err)
	}

	return zapConfig.Build()
}
