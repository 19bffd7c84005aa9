package notifier

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"

	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/models"
)

type slackNotifier struct {
	logger  *slog.Logger
	client  *slack.Client
	channel string
}

func init() {
	Register(MethodSlack, newSlackNotifier)
}

func newSlackNotifier(c *Config, logger *slog.Logger) (Notifier, error) {
	if c.Slack.BotToken == "" {
		return nil, ErrNotConfigured
	}

	return &slackNotifier{
		logger:  logger,
		client:  slack.New(c.Slack.BotToken),
		channel: c.Slack.Channel,
	}, nil
}

// Notify posts msg to the channel named in the parameter bag, falling back
// to the configured default channel.
func (n *slackNotifier) Notify(ctx context.Context, msg string, params models.Generic) error {
	if strings.TrimSpace(msg) == "" {
		return fmt.Errorf("%w: empty message", ErrInvalidParams)
	}

	channel := bagString(params, "channel", n.channel)
	if channel == "" {
		return fmt.Errorf("%w: no channel", ErrInvalidParams)
	}

	if _, _, err := n.client.PostMessageContext(ctx, channel, slack.MsgOptionText(msg, false)); err != nil {
		return fmt.Errorf("failed to post message to channel %s: %w", channel, err)
	}

	n.logger.Debug("Slack message posted", "channel", channel)

	return nil
}
