package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/post-scheduler/internal/model"
)

// Client sends content to a single platform and returns the id the platform
// assigned to the new post
type Client interface {
	Publish(ctx context.Context, content *model.Content) (string, error)
}

// Kind selects the client implementation for a platform
type Kind string

const (
	KindWebhook Kind = "webhook"
	KindSlack   Kind = "slack"
	KindDryRun  Kind = "dryrun"
)

var (
	// ErrUnknownKind is returned for a platform configured with an unsupported client kind
	ErrUnknownKind = errors.New("unknown publisher kind")

	// ErrMissingSetting is returned when a client is configured without a required setting
	ErrMissingSetting = errors.New("missing publisher setting")
)

// PlatformConfig describes how to reach one platform
type PlatformConfig struct {
	Kind    Kind              `mapstructure:"kind"`
	URL     string            `mapstructure:"url"`
	Token   string            `mapstructure:"token"`
	Channel string            `mapstructure:"channel"`
	Headers map[string]string `mapstructure:"headers"`
	Timeout time.Duration     `mapstructure:"timeout"`
}

// NewClient builds the client described by cfg
func NewClient(logger *zap.Logger, platform model.Platform, cfg PlatformConfig) (Client, error) {
	switch cfg.Kind {
	case KindWebhook:
		client, err := NewWebhookClient(logger, WebhookConfig{
			URL:     cfg.URL,
			Token:   cfg.Token,
			Headers: cfg.Headers,
			Timeout: cfg.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("platform %s: %w", platform, err)
		}
		return client, nil
	case KindSlack:
		client, err := NewSlackClient(logger, SlackConfig{
			Token:   cfg.Token,
			Channel: cfg.Channel,
			APIURL:  cfg.URL,
		})
		if err != nil {
			return nil, fmt.Errorf("platform %s: %w", platform, err)
		}
		return client, nil
	case KindDryRun, "":
		return NewDryRunClient(logger, platform), nil
	default:
		return nil, fmt.Errorf("%w: %q for platform %s", ErrUnknownKind, cfg.Kind, platform)
	}
}
