// Package slack implements the Notifier port against a Slack channel.
//
// The notifier is strictly fire-and-forget: delivery failures are logged
// and dropped, and a short per-post timeout keeps a slow Slack API from
// ever holding up a pipeline stage.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/slack-go/slack"

	"github.com/forest-ops/snapshot-pipeline/internal/ports/outbound"
)

// Compile-time check that Notifier implements outbound.Notifier.
var _ outbound.Notifier = (*Notifier)(nil)

// slackAPI is the subset of the Slack client the notifier uses.
type slackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Config holds Slack notifier configuration.
type Config struct {
	// Token is the bot token.
	Token string

	// Channel is the channel ID or name to post to, e.g. "#forest-dump".
	Channel string

	// PostTimeout bounds each post. Default 10s.
	PostTimeout time.Duration

	// Logger is the structured logger.
	Logger *slog.Logger
}

// ConfigDefaults returns a config with default values.
func ConfigDefaults() Config {
	return Config{
		Channel:     "#forest-dump",
		PostTimeout: 10 * time.Second,
		Logger:      slog.Default(),
	}
}

// Notifier posts pipeline messages to a Slack channel.
type Notifier struct {
	client  slackAPI
	channel string
	timeout time.Duration
	logger  *slog.Logger
}

// NewNotifier creates a Slack notifier.
func NewNotifier(config Config) (*Notifier, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("slack token is required")
	}

	defaults := ConfigDefaults()
	if config.Channel == "" {
		config.Channel = defaults.Channel
	}
	if config.PostTimeout == 0 {
		config.PostTimeout = defaults.PostTimeout
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &Notifier{
		client:  slack.New(config.Token),
		channel: config.Channel,
		timeout: config.PostTimeout,
		logger:  config.Logger.With("component", "slack-notifier"),
	}, nil
}

// statusDecoration returns the emoji framing for a severity, kept from the
// original channel conventions so dashboards and muscle memory still work.
func statusDecoration(severity outbound.Severity) (string, string) {
	switch severity {
	case outbound.SeveritySuccess:
		return ":white_check_mark:", ":evergreen_tree::deciduous_tree::evergreen_tree:"
	case outbound.SeverityFailed:
		return ":x:", ":fire::evergreen_tree::fire:"
	default:
		return ":information_source:", ":evergreen_tree:"
	}
}

// Post sends a message to the channel. Failures are logged and swallowed;
// the returned error is always nil so callers cannot accidentally couple
// pipeline outcomes to notification delivery.
func (n *Notifier) Post(ctx context.Context, message string, severity outbound.Severity) error {
	emoji, forest := statusDecoration(severity)
	text := fmt.Sprintf("%s %s %s", emoji, message, forest)

	postCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	_, _, err := n.client.PostMessageContext(postCtx, n.channel,
		slack.MsgOptionText(text, false),
	)
	if err != nil {
		n.logger.Error("failed to send slack message", "error", err, "channel", n.channel)
		return nil
	}

	n.logger.Debug("slack notification sent", "text", text)
	return nil
}
