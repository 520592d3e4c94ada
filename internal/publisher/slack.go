package publisher

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/t77yq/post-scheduler/internal/model"
)

// SlackConfig configures a Slack client
type SlackConfig struct {
	Token   string
	Channel string

	// APIURL overrides the Slack API endpoint. It must end with a slash.
	APIURL string
}

// SlackClient publishes content as a message in a Slack channel
type SlackClient struct {
	logger  *zap.Logger
	api     *slack.Client
	channel string
}

// NewSlackClient creates a Slack client
func NewSlackClient(logger *zap.Logger, cfg SlackConfig) (*SlackClient, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("%w: slack token", ErrMissingSetting)
	}
	if cfg.Channel == "" {
		return nil, fmt.Errorf("%w: slack channel", ErrMissingSetting)
	}

	var opts []slack.Option
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}

	return &SlackClient{
		logger:  logger.Named("slack"),
		api:     slack.New(cfg.Token, opts...),
		channel: cfg.Channel,
	}, nil
}

// Publish implements Client. The message timestamp is the published id.
func (c *SlackClient) Publish(ctx context.Context, content *model.Content) (string, error) {
	_, ts, err := c.api.PostMessageContext(ctx, c.channel,
		slack.MsgOptionText(FormatText(content), false))
	if err != nil {
		return "", fmt.Errorf("slack post failed: %w", err)
	}

	c.logger.Debug("Posted message",
		zap.String("channel", c.channel),
		zap.String("ts", ts))
	return ts, nil
}

// FormatText renders content as plain message text
func FormatText(content *model.Content) string {
	var b strings.Builder
	if content.Title != "" {
		b.WriteString("*")
		b.WriteString(content.Title)
		b.WriteString("*\n")
	}
	b.WriteString(content.Text)
	for _, u := range content.MediaURLs {
		b.WriteString("\n")
		b.WriteString(u)
	}
	return b.String()
}
