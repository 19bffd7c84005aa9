package notifier

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/models"
)

type gmailNotifier struct {
	logger          *slog.Logger
	credentialsFile string
}

func init() {
	Register(MethodGmail, newGmailNotifier)
}

func newGmailNotifier(c *Config, logger *slog.Logger) (Notifier, error) {
	if c.Gmail.CredentialsFile == "" {
		return nil, ErrNotConfigured
	}

	return &gmailNotifier{logger: logger, credentialsFile: c.Gmail.CredentialsFile}, nil
}

// Notify sends msg through the Gmail API as the authenticated user. The
// parameter bag uses the same addressing keys as the email method.
func (n *gmailNotifier) Notify(ctx context.Context, msg string, params models.Generic) error {
	sender := bagString(params, "sender", "")
	recipient := bagString(params, "recipient", "")
	subject := bagString(params, "subject", "")

	if err := validateMail(sender, recipient, subject, msg); err != nil {
		return err
	}

	service, err := gmail.NewService(
		ctx,
		option.WithCredentialsFile(n.credentialsFile),
		option.WithScopes(gmail.GmailSendScope),
	)
	if err != nil {
		return fmt.Errorf("failed to create Gmail service: %w", err)
	}

	message := &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString([]byte(rfc2822(sender, recipient, subject, msg))),
	}

	if _, err := service.Users.Messages.Send("me", message).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to send Gmail message: %w", err)
	}

	n.logger.Debug("Gmail message sent", "recipient", recipient)

	return nil
}

// rfc2822 renders the minimal message the Gmail API expects in the raw field.
func rfc2822(sender, recipient, subject, body string) string {
	return fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", sender, recipient, subject, body)
}
