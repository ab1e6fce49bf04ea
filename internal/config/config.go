package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Config содержит все конфигурационные параметры приложения
type Config struct {
	Database  DatabaseConfig
	App       AppConfig
	Auth      AuthConfig
	Affiliate AffiliateConfig
	PayPal    PayPalConfig
	Stripe    StripeConfig
	SMTP      SMTPConfig
	Telegram  TelegramConfig
}

type DatabaseConfig struct {
	Host          string
	Port          int
	User          string
	Password      string
	Name          string
	SSLMode       string
	MigrationPath string
	MaxConns      int32
}

type AppConfig struct {
	Env               string
	LogLevel          string
	Port              int
	AllowedOrigins    []string
	SchedulerInterval time.Duration
}

// AuthConfig содержит настройки проверки access токенов
type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

// AffiliateConfig содержит параметры партнерской программы
type AffiliateConfig struct {
	// CommissionRateBps ставка комиссии в базисных пунктах (8000 = 80%)
	CommissionRateBps int64
	// MinPayoutCents минимальная сумма выплаты
	MinPayoutCents   int64
	Currency         string
	HoldDays         int
	ReferralTTLDays  int
	AutoDispatch     bool
	DispatchMinDelay time.Duration
	// LinkBaseURL адрес страницы регистрации для реферальных ссылок
	LinkBaseURL string
}

// PayPalConfig содержит настройки PayPal Payouts
type PayPalConfig struct {
	ClientID     string
	ClientSecret string
	WebhookID    string
	Sandbox      bool
}

// StripeConfig содержит настройки webhook'ов Stripe
type StripeConfig struct {
	WebhookSecret string
	Tolerance     time.Duration
}

// SMTPConfig содержит настройки отправки почты
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

// TelegramConfig содержит настройки оповещений операторов
type TelegramConfig struct {
	BotToken    string
	AlertChatID int64
}

// Load загружает конфигурацию из переменных окружения и .env
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	// Database
	cfg.Database.Host = getEnvDefault("DB_HOST", "localhost")
	cfg.Database.Port = getEnvIntDefault("DB_PORT", 5432)
	cfg.Database.User = os.Getenv("DB_USER")
	cfg.Database.Password = os.Getenv("DB_PASSWORD")
	cfg.Database.Name = os.Getenv("DB_NAME")
	cfg.Database.SSLMode = getEnvDefault("DB_SSL_MODE", "disable")
	cfg.Database.MigrationPath = getEnvDefault("MIGRATION_PATH", "scripts/migrations")
	cfg.Database.MaxConns = int32(getEnvIntDefault("DB_MAX_CONNS", 10))

	// App
	cfg.App.Env = getEnvDefault("APP_ENV", "development")
	cfg.App.LogLevel = getEnvDefault("LOG_LEVEL", "info")
	cfg.App.Port = getEnvIntDefault("APP_PORT", 8080)
	cfg.App.AllowedOrigins = getEnvListDefault("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	cfg.App.SchedulerInterval = getEnvDurationDefault("SCHEDULER_INTERVAL", 15*time.Minute)

	// Auth
	cfg.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.Auth.Issuer = getEnvDefault("JWT_ISSUER", "")

	// Affiliate
	rate := getEnvFloatDefault("AFFILIATE_COMMISSION_RATE", 0.80)
	cfg.Affiliate.CommissionRateBps = int64(math.Round(rate * 10000))
	cfg.Affiliate.MinPayoutCents = int64(getEnvIntDefault("AFFILIATE_MIN_PAYOUT_CENTS", 2000))
	cfg.Affiliate.Currency = strings.ToUpper(getEnvDefault("AFFILIATE_CURRENCY", "USD"))
	cfg.Affiliate.HoldDays = getEnvIntDefault("AFFILIATE_HOLD_DAYS", 14)
	cfg.Affiliate.ReferralTTLDays = getEnvIntDefault("AFFILIATE_REFERRAL_TTL_DAYS", 30)
	cfg.Affiliate.AutoDispatch = getEnvBoolDefault("AFFILIATE_AUTO_DISPATCH", true)
	cfg.Affiliate.DispatchMinDelay = getEnvDurationDefault("AFFILIATE_DISPATCH_MIN_DELAY", time.Minute)
	cfg.Affiliate.LinkBaseURL = getEnvDefault("AFFILIATE_LINK_BASE_URL", "https://lingua.ai/signup")

	// PayPal
	cfg.PayPal.ClientID = os.Getenv("PAYPAL_CLIENT_ID")
	cfg.PayPal.ClientSecret = os.Getenv("PAYPAL_CLIENT_SECRET")
	cfg.PayPal.WebhookID = os.Getenv("PAYPAL_WEBHOOK_ID")
	cfg.PayPal.Sandbox = getEnvBoolDefault("PAYPAL_SANDBOX", true)

	// Stripe
	cfg.Stripe.WebhookSecret = os.Getenv("STRIPE_WEBHOOK_SECRET")
	cfg.Stripe.Tolerance = getEnvDurationDefault("STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute)

	// SMTP
	cfg.SMTP.Host = os.Getenv("SMTP_HOST")
	cfg.SMTP.Port = getEnvIntDefault("SMTP_PORT", 587)
	cfg.SMTP.User = os.Getenv("SMTP_USER")
	cfg.SMTP.Password = os.Getenv("SMTP_PASSWORD")
	cfg.SMTP.From = getEnvDefault("EMAIL_FROM", "no-reply@localhost")

	// Telegram
	cfg.Telegram.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.Telegram.AlertChatID = int64(getEnvIntDefault("TELEGRAM_ALERT_CHAT_ID", 0))

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("ошибка валидации конфигурации: %w", err)
	}

	return cfg, nil
}

func getEnvDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getEnvIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getEnvFloatDefault(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvBoolDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvDurationDefault(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getEnvListDefault(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// validateConfig проверяет корректность конфигурации
func validateConfig(config *Config) error {
	if config.Database.Host == "" {
		return fmt.Errorf("DB_HOST не установлен")
	}
	if config.Database.User == "" {
		return fmt.Errorf("DB_USER не установлен")
	}
	if config.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD не установлен")
	}
	if config.Database.Name == "" {
		return fmt.Errorf("DB_NAME не установлен")
	}
	if config.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET не установлен")
	}
	if config.Stripe.WebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET не установлен")
	}
	if config.Affiliate.CommissionRateBps <= 0 || config.Affiliate.CommissionRateBps > 10000 {
		return fmt.Errorf("AFFILIATE_COMMISSION_RATE должен быть в диапазоне (0, 1]")
	}
	if config.Affiliate.MinPayoutCents <= 0 {
		return fmt.Errorf("AFFILIATE_MIN_PAYOUT_CENTS должен быть положительным")
	}
	if len(config.Affiliate.Currency) != 3 {
		return fmt.Errorf("AFFILIATE_CURRENCY должен быть трехбуквенным кодом ISO 4217")
	}
	if config.PayPal.ClientID != "" && config.PayPal.ClientSecret == "" {
		return fmt.Errorf("PAYPAL_CLIENT_SECRET не установлен")
	}
	// без webhook id подпись не проверить, а PayPal будет повторять доставку бесконечно
	if config.PayPal.ClientID != "" && config.PayPal.WebhookID == "" {
		return fmt.Errorf("PAYPAL_WEBHOOK_ID не установлен")
	}

	return nil
}

// GetDSN возвращает строку подключения к базе данных
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// GetURL возвращает строку подключения в формате URL для goose
func (c *DatabaseConfig) GetURL() string {
	return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

// IsDevelopment проверяет, запущено ли приложение в режиме разработки
func (c *AppConfig) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction проверяет, запущено ли приложение в продакшн режиме
func (c *AppConfig) IsProduction() bool {
	return c.Env == "production"
}

// GetLogLevel возвращает уровень логирования в формате zap
func (c *AppConfig) GetLogLevel() zap.AtomicLevel {
	switch c.LogLevel {
	case "debug":
		return zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		return zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		return zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		return zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zap.InfoLevel)
	}
}

// HoldPeriod возвращает срок удержания комиссии до одобрения
func (c *AffiliateConfig) HoldPeriod() time.Duration {
	return time.Duration(c.HoldDays) * 24 * time.Hour
}

// ReferralTTL возвращает срок жизни неконвертированного реферала
func (c *AffiliateConfig) ReferralTTL() time.Duration {
	return time.Duration(c.ReferralTTLDays) * 24 * time.Hour
}

// PayPalEnabled проверяет, настроены ли выплаты через PayPal
func (c *Config) PayPalEnabled() bool {
	return c.PayPal.ClientID != "" && c.PayPal.ClientSecret != "" && c.PayPal.WebhookID != ""
}

// SMTPEnabled проверяет, настроена ли отправка почты
func (c *Config) SMTPEnabled() bool {
	return c.SMTP.Host != "" && c.SMTP.User != ""
}

// TelegramAlertsEnabled проверяет, настроены ли оповещения в Telegram
func (c *Config) TelegramAlertsEnabled() bool {
	return c.Telegram.BotToken != "" && c.Telegram.AlertChatID != 0
}
