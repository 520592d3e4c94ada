package publisher

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/post-scheduler/internal/model"
)

// DryRunClient logs content instead of publishing it
type DryRunClient struct {
	logger *zap.Logger
}

// NewDryRunClient creates a dry-run client for platform
func NewDryRunClient(logger *zap.Logger, platform model.Platform) *DryRunClient {
	return &DryRunClient{
		logger: logger.Named("dryrun").With(zap.String("platform", string(platform))),
	}
}

// Publish implements Client
func (c *DryRunClient) Publish(ctx context.Context, content *model.Content) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := "dryrun-" + uuid.New().String()
	c.logger.Info("Dry run publish",
		zap.String("content_ref", content.Ref),
		zap.String("published_id", id),
		zap.Int("text_length", len(content.Text)),
		zap.Int("media", len(content.MediaURLs)))
	return id, nil
}
