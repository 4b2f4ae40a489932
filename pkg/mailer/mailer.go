package mailer

import (
	"context"
	"fmt"

	gomail "github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/noah-isme/realty-api/pkg/config"
)

// Mailer sends transactional mail over SMTP.
type Mailer struct {
	cfg    config.SMTPConfig
	client *gomail.Client
	logger *zap.Logger
}

// New builds an SMTP-backed mailer.
func New(cfg config.SMTPConfig, logger *zap.Logger) (*Mailer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []gomail.Option{
		gomail.WithPort(cfg.Port),
		gomail.WithTLSPolicy(gomail.TLSOpportunistic),
	}
	if cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(cfg.Username),
			gomail.WithPassword(cfg.Password),
		)
	}

	client, err := gomail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("mailer client: %w", err)
	}

	return &Mailer{cfg: cfg, client: client, logger: logger}, nil
}

// SendPasswordReset emails a reset link containing the one-time token.
func (m *Mailer) SendPasswordReset(ctx context.Context, to, resetToken string) error {
	msg := gomail.NewMsg()
	if err := msg.From(m.cfg.FromAddress); err != nil {
		return fmt.Errorf("reset mail from: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("reset mail to: %w", err)
	}

	link := fmt.Sprintf("%s/%s", m.cfg.ResetURL, resetToken)
	msg.Subject("Reset your password")
	msg.SetBodyString(gomail.TypeTextPlain, fmt.Sprintf(
		"A password reset was requested for your account.\n\n"+
			"Open the link below within 30 minutes to choose a new password:\n\n%s\n\n"+
			"If you did not request this, you can ignore this email.\n", link))

	if err := m.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send reset mail: %w", err)
	}

	m.logger.Info("password reset mail sent", zap.String("to", to))
	return nil
}
