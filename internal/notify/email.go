package notify

import (
	"context"
	"fmt"
	"html"
	"net/smtp"
	"strings"
	"time"

	"affiliate-ledger/internal/config"
	"affiliate-ledger/pkg/models"

	"go.uber.org/zap"
)

// sendMailFunc совпадает с сигнатурой smtp.SendMail
type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier отправляет партнерам письма о выплатах через SMTP
type EmailNotifier struct {
	cfg      config.SMTPConfig
	sendMail sendMailFunc
	logger   *zap.Logger
}

// NewEmailNotifier создает отправителя писем
func NewEmailNotifier(cfg config.SMTPConfig, logger *zap.Logger) *EmailNotifier {
	return &EmailNotifier{
		cfg:      cfg,
		sendMail: smtp.SendMail,
		logger:   logger,
	}
}

// PayoutRequested сообщает о принятом запросе на выплату
func (n *EmailNotifier) PayoutRequested(ctx context.Context, affiliate *models.Affiliate, payout *models.Payout) error {
	body := fmt.Sprintf(`
        <h2>Запрос на выплату принят</h2>
        <p>Мы отправим <strong>%s</strong> на PayPal %s.</p>
        <p>Номер выплаты: #%d</p>
    `, formatMoney(payout.Amount, payout.Currency), html.EscapeString(recipient(affiliate)), payout.ID)
	return n.send(ctx, affiliate, "Запрос на выплату принят", body)
}

// PayoutCompleted сообщает о завершенной выплате
func (n *EmailNotifier) PayoutCompleted(ctx context.Context, affiliate *models.Affiliate, payout *models.Payout) error {
	body := fmt.Sprintf(`
        <h2>Выплата отправлена</h2>
        <p><strong>%s</strong> зачислены на PayPal %s.</p>
        <p>Спасибо, что рекомендуете нас!</p>
    `, formatMoney(payout.Amount, payout.Currency), html.EscapeString(recipient(affiliate)))
	return n.send(ctx, affiliate, "Выплата отправлена", body)
}

// PayoutFailed сообщает о неудачной выплате
func (n *EmailNotifier) PayoutFailed(ctx context.Context, affiliate *models.Affiliate, payout *models.Payout) error {
	reason := "неизвестна"
	if payout.FailureReason != nil {
		reason = *payout.FailureReason
	}
	body := fmt.Sprintf(`
        <h2>Выплата не прошла</h2>
        <p>Выплату <strong>%s</strong> не удалось отправить. Причина: %s.</p>
        <p>Сумма возвращена на баланс. Проверьте email PayPal в личном кабинете и запросите выплату снова.</p>
    `, formatMoney(payout.Amount, payout.Currency), html.EscapeString(reason))
	return n.send(ctx, affiliate, "Выплата не прошла", body)
}

func (n *EmailNotifier) send(ctx context.Context, affiliate *models.Affiliate, subject, body string) error {
	if !affiliate.HasPayoutEmail() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	to := *affiliate.PayoutEmail
	msg := []byte(fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"Date: %s\r\n"+
		"MIME-Version: 1.0\r\n"+
		"Content-Type: text/html; charset=utf-8\r\n"+
		"\r\n"+
		"%s\r\n", n.cfg.From, to, subject, time.Now().Format(time.RFC1123Z), strings.TrimSpace(body)))

	var auth smtp.Auth
	if n.cfg.User != "" {
		auth = smtp.PlainAuth("", n.cfg.User, n.cfg.Password, n.cfg.Host)
	}

	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	if err := n.sendMail(addr, auth, n.cfg.From, []string{to}, msg); err != nil {
		return fmt.Errorf("ошибка отправки письма: %w", err)
	}

	n.logger.Debug("письмо отправлено",
		zap.Int64("affiliate_id", affiliate.ID),
		zap.String("subject", subject))
	return nil
}

// LogNotifier записывает уведомления в лог, когда SMTP не настроен
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier создает уведомитель, пишущий в лог
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) PayoutRequested(ctx context.Context, affiliate *models.Affiliate, payout *models.Payout) error {
	n.log("запрос на выплату", affiliate, payout)
	return nil
}

func (n *LogNotifier) PayoutCompleted(ctx context.Context, affiliate *models.Affiliate, payout *models.Payout) error {
	n.log("выплата завершена", affiliate, payout)
	return nil
}

func (n *LogNotifier) PayoutFailed(ctx context.Context, affiliate *models.Affiliate, payout *models.Payout) error {
	n.log("выплата не прошла", affiliate, payout)
	return nil
}

func (n *LogNotifier) log(msg string, affiliate *models.Affiliate, payout *models.Payout) {
	n.logger.Info("уведомление партнера: "+msg,
		zap.Int64("affiliate_id", affiliate.ID),
		zap.Int64("payout_id", payout.ID),
		zap.Int64("amount", payout.Amount))
}

func recipient(affiliate *models.Affiliate) string {
	if affiliate.PayoutEmail == nil {
		return ""
	}
	return *affiliate.PayoutEmail
}

func formatMoney(cents int64, currency string) string {
	return fmt.Sprintf("%d.%02d %s", cents/100, cents%100, currency)
}
