package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"affiliate-ledger/internal/affiliate"
	"affiliate-ledger/internal/auth"
	"affiliate-ledger/internal/commission"
	"affiliate-ledger/internal/config"
	"affiliate-ledger/internal/metrics"
	"affiliate-ledger/internal/migrations"
	"affiliate-ledger/internal/notify"
	"affiliate-ledger/internal/payout"
	"affiliate-ledger/internal/paypal"
	"affiliate-ledger/internal/referral"
	"affiliate-ledger/internal/store"

	"go.uber.org/zap"
)

// errDryRun откатывает транзакцию пробного запуска
var errDryRun = errors.New("dry run")

// sideEffectCommands обращаются к внешним системам, их откат транзакцией невозможен
var sideEffectCommands = map[string]bool{
	"dispatch": true,
}

// checkDryRun отклоняет пробный запуск команд с внешними эффектами
func checkDryRun(command string, dryRun bool) error {
	if dryRun && sideEffectCommands[command] {
		return fmt.Errorf("команда %s отправляет деньги через PayPal и не поддерживает -dry-run", command)
	}
	return nil
}

const usage = `Использование: ledgerctl [флаги] <команда>

Команды:
  reconcile         сверить балансы партнеров с комиссиями
  approve-due       одобрить комиссии с истекшим сроком удержания
  expire-referrals  закрыть рефералы без оплаты
  dispatch          отправить ожидающие выплаты в PayPal
  migrate-status    показать статус миграций
  issue-token       выпустить access токен для API

Флаги:
`

func main() {
	var (
		dryRun    = flag.Bool("dry-run", false, "Выполнить в транзакции и откатить изменения")
		affID     = flag.Int64("affiliate", 0, "ID партнера для reconcile (0 = все партнеры)")
		userID    = flag.Int64("user", 0, "ID пользователя для issue-token")
		role      = flag.String("role", auth.RoleAdmin, "Роль для issue-token")
		email     = flag.String("email", "", "Email для issue-token")
		tokenTTL  = flag.Duration("ttl", time.Hour, "Срок действия токена для issue-token")
		verbosity = flag.Bool("v", false, "Подробный лог")
	)
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	command := flag.Arg(0)

	// Инициализация логгера
	zapConfig := zap.NewProductionConfig()
	if *verbosity {
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := zapConfig.Build()
	if err != nil {
		log.Fatal("Ошибка инициализации логгера:", err)
	}
	defer logger.Sync()

	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Ошибка загрузки конфигурации", zap.Error(err))
	}

	ctx := context.Background()

	switch command {
	case "issue-token":
		err = issueToken(cfg, *userID, *email, *role, *tokenTTL)
	case "migrate-status":
		err = migrations.GetMigrationStatus(ctx, cfg, logger)
	default:
		err = runLedgerCommand(ctx, cfg, command, *affID, *dryRun, logger)
	}

	if err != nil {
		logger.Fatal("Ошибка выполнения команды", zap.String("command", command), zap.Error(err))
	}
}

func issueToken(cfg *config.Config, userID int64, email, role string, ttl time.Duration) error {
	if userID <= 0 {
		return fmt.Errorf("укажите -user")
	}
	token, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer).Issue(auth.Principal{
		UserID: userID,
		Email:  email,
		Role:   role,
	}, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func runLedgerCommand(ctx context.Context, cfg *config.Config, command string, affiliateID int64, dryRun bool, logger *zap.Logger) error {
	if err := checkDryRun(command, dryRun); err != nil {
		return err
	}

	// Подключение к базе данных
	st, err := store.NewStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("ошибка подключения к базе данных: %w", err)
	}
	defer st.Close()

	if !dryRun {
		return execute(ctx, st, cfg, command, affiliateID, logger)
	}

	logger.Info("DRY RUN: изменения будут откачены", zap.String("command", command))
	err = st.WithTx(ctx, func(tx store.Store) error {
		if err := execute(ctx, tx, cfg, command, affiliateID, logger); err != nil {
			return err
		}
		return errDryRun
	})
	if errors.Is(err, errDryRun) {
		return nil
	}
	return err
}

func execute(ctx context.Context, st store.Store, cfg *config.Config, command string, affiliateID int64, logger *zap.Logger) error {
	// метрики CLI не публикуются
	m := metrics.New(zap.NewNop())

	switch command {
	case "reconcile":
		return reconcile(ctx, affiliate.NewService(st, affiliate.Config{
			MinPayout: cfg.Affiliate.MinPayoutCents,
			Currency:  cfg.Affiliate.Currency,
		}, logger), affiliateID, logger)

	case "approve-due":
		n, err := commission.NewService(st, commission.Config{
			RateBps:    cfg.Affiliate.CommissionRateBps,
			Currency:   cfg.Affiliate.Currency,
			HoldPeriod: cfg.Affiliate.HoldPeriod(),
		}, m, logger).ApproveDue(ctx)
		if err != nil {
			return err
		}
		logger.Info("одобрено комиссий", zap.Int64("count", n))
		return nil

	case "expire-referrals":
		n, err := referral.NewService(st, cfg.Affiliate.ReferralTTL(), m, logger).ExpireStale(ctx)
		if err != nil {
			return err
		}
		logger.Info("закрыто рефералов", zap.Int64("count", n))
		return nil

	case "dispatch":
		if !cfg.PayPalEnabled() {
			return fmt.Errorf("PayPal не настроен: задайте PAYPAL_CLIENT_ID и PAYPAL_CLIENT_SECRET")
		}
		n, err := payout.NewService(st, paypal.NewClient(cfg.PayPal, logger), notify.NewLogNotifier(logger), nil, m, payout.Config{
			MinPayout:        cfg.Affiliate.MinPayoutCents,
			Currency:         cfg.Affiliate.Currency,
			DispatchMinDelay: cfg.Affiliate.DispatchMinDelay,
		}, logger).DispatchPending(ctx)
		if err != nil {
			return err
		}
		logger.Info("отправлено выплат", zap.Int("count", n))
		return nil

	default:
		return fmt.Errorf("неизвестная команда %q", command)
	}
}

func reconcile(ctx context.Context, svc *affiliate.Service, affiliateID int64, logger *zap.Logger) error {
	if affiliateID > 0 {
		report, err := svc.Reconcile(ctx, affiliateID)
		if err != nil {
			return err
		}
		logger.Info("сверка партнера",
			zap.Int64("affiliate_id", report.AffiliateID),
			zap.Int64("pending_balance", report.PendingBalance),
			zap.Int64("paid_balance", report.PaidBalance),
			zap.Int64("commission_sum", report.CommissionSum),
			zap.Int64("drift", report.Drift))
		if !report.Balanced() {
			return fmt.Errorf("баланс партнера %d расходится на %d", affiliateID, report.Drift)
		}
		return nil
	}

	drifted, err := svc.ReconcileAll(ctx)
	if err != nil {
		return err
	}
	if len(drifted) > 0 {
		return fmt.Errorf("расхождение у %d партнеров", len(drifted))
	}
	return nil
}
