package monitor

import (
	"context"
	"fmt"
	"sort"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/t77yq/post-scheduler/internal/model"
)

// LogChannel writes alerts to the log
type LogChannel struct {
	logger *zap.Logger
}

// NewLogChannel creates a log channel
func NewLogChannel(logger *zap.Logger) *LogChannel {
	return &LogChannel{logger: logger.Named("alert")}
}

// Name implements NotificationChannel
func (c *LogChannel) Name() string { return "log" }

// Send implements NotificationChannel
func (c *LogChannel) Send(ctx context.Context, alert *model.Alert) error {
	c.logger.Warn(alert.Message,
		zap.String("alert_id", alert.ID),
		zap.String("severity", string(alert.Severity)),
		zap.String("post_id", alert.PostID),
		zap.String("owner_id", alert.OwnerID))
	return nil
}

// SlackChannel posts alerts to a Slack channel
type SlackChannel struct {
	api     *slack.Client
	channel string
}

// NewSlackChannel creates a Slack notification channel. apiURL overrides the
// Slack endpoint when set.
func NewSlackChannel(token, channel, apiURL string) *SlackChannel {
	var opts []slack.Option
	if apiURL != "" {
		opts = append(opts, slack.OptionAPIURL(apiURL))
	}
	return &SlackChannel{
		api:     slack.New(token, opts...),
		channel: channel,
	}
}

// Name implements NotificationChannel
func (c *SlackChannel) Name() string { return "slack" }

// Send implements NotificationChannel
func (c *SlackChannel) Send(ctx context.Context, alert *model.Alert) error {
	attachment := slack.Attachment{
		Color:  severityColor(alert.Severity),
		Title:  fmt.Sprintf("[%s] scheduled post failed", alert.Severity),
		Text:   alert.Message,
		Fields: alertFields(alert),
	}

	_, _, err := c.api.PostMessageContext(ctx, c.channel,
		slack.MsgOptionText(alert.Message, false),
		slack.MsgOptionAttachments(attachment))
	if err != nil {
		return fmt.Errorf("slack alert failed: %w", err)
	}
	return nil
}

func severityColor(s model.AlertSeverity) string {
	switch s {
	case model.AlertSeverityCritical:
		return "danger"
	case model.AlertSeverityError:
		return "warning"
	default:
		return "#439FE0"
	}
}

func alertFields(alert *model.Alert) []slack.AttachmentField {
	fields := []slack.AttachmentField{
		{Title: "Post", Value: alert.PostID, Short: true},
		{Title: "Owner", Value: alert.OwnerID, Short: true},
	}

	errs, _ := alert.Data["errors"].(map[string]interface{})
	platforms := make([]string, 0, len(errs))
	for p := range errs {
		platforms = append(platforms, p)
	}
	sort.Strings(platforms)
	for _, p := range platforms {
		fields = append(fields, slack.AttachmentField{
			Title: p,
			Value: fmt.Sprint(errs[p]),
		})
	}
	return fields
}
