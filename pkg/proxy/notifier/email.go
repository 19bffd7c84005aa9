package notifier

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/wneessen/go-mail"

	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/models"
)

// emailPattern is the shape check applied to sender and recipient addresses.
var emailPattern = regexp.MustCompile(`^\S+@\S+\.\S+$`)

type emailNotifier struct {
	logger *slog.Logger
	smtp   SMTPConfig
}

func init() {
	Register(MethodEmail, newEmailNotifier)
}

func newEmailNotifier(c *Config, logger *slog.Logger) (Notifier, error) {
	if c.SMTP.Server == "" {
		return nil, ErrNotConfigured
	}

	return &emailNotifier{logger: logger, smtp: c.SMTP}, nil
}

// Notify sends msg as a plain text mail. Sender, recipient and subject come
// from the parameter bag.
func (n *emailNotifier) Notify(ctx context.Context, msg string, params models.Generic) error {
	sender := bagString(params, "sender", "")
	recipient := bagString(params, "recipient", "")
	subject := bagString(params, "subject", "")

	if err := validateMail(sender, recipient, subject, msg); err != nil {
		return err
	}

	m := mail.NewMsg()
	if err := m.From(sender); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}

	if err := m.To(recipient); err != nil {
		return fmt.Errorf("failed to set recipient: %w", err)
	}

	m.Subject(subject)
	m.SetBodyString(mail.TypeTextPlain, msg)

	opts := []mail.Option{
		mail.WithPort(n.smtp.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if n.smtp.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(n.smtp.Username),
			mail.WithPassword(n.smtp.Password),
		)
	}

	client, err := mail.NewClient(n.smtp.Server, opts...)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("failed to send mail: %w", err)
	}

	n.logger.Debug("Mail sent", "recipient", recipient)

	return nil
}

// validateMail rejects malformed addresses and empty content before any
// transport is dialled. The email and gmail methods share these checks.
func validateMail(sender, recipient, subject, body string) error {
	if !emailPattern.MatchString(sender) {
		return fmt.Errorf("%w: malformed sender address %q", ErrInvalidParams, sender)
	}

	if !emailPattern.MatchString(recipient) {
		return fmt.Errorf("%w: malformed recipient address %q", ErrInvalidParams, recipient)
	}

	if strings.TrimSpace(subject) == "" {
		return fmt.Errorf("%w: empty subject", ErrInvalidParams)
	}

	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("%w: empty body", ErrInvalidParams)
	}

	return nil
}
