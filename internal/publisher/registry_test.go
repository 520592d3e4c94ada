package publisher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/post-scheduler/internal/model"
)

type clientFunc func(ctx context.Context, content *model.Content) (string, error)

func (f clientFunc) Publish(ctx context.Context, content *model.Content) (string, error) {
	return f(ctx, content)
}

var testContent = &model.Content{Ref: "content-1", Title: "Launch", Text: "We shipped"}

func TestRegistry_Publish(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(zap.NewNop(), BreakerConfig{})

	registry.Register("Twitter", clientFunc(func(ctx context.Context, content *model.Content) (string, error) {
		return "tw-" + content.Ref, nil
	}))
	registry.Register("LinkedIn", clientFunc(func(ctx context.Context, content *model.Content) (string, error) {
		return "", errors.New("rate limited")
	}))
	registry.Register("Empty", clientFunc(func(ctx context.Context, content *model.Content) (string, error) {
		return "", nil
	}))

	t.Run("success", func(t *testing.T) {
		result := registry.Publish(ctx, "Twitter", testContent)
		require.NoError(t, result.Validate())
		assert.True(t, result.Success)
		assert.Equal(t, "tw-content-1", result.PublishedID)
		assert.Equal(t, model.Platform("Twitter"), result.Platform)
	})

	t.Run("client error", func(t *testing.T) {
		result := registry.Publish(ctx, "LinkedIn", testContent)
		require.NoError(t, result.Validate())
		assert.False(t, result.Success)
		assert.Equal(t, "rate limited", result.Error)
	})

	t.Run("empty id", func(t *testing.T) {
		result := registry.Publish(ctx, "Empty", testContent)
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "empty post id")
	})

	t.Run("unknown platform", func(t *testing.T) {
		result := registry.Publish(ctx, "Myspace", testContent)
		require.NoError(t, result.Validate())
		assert.False(t, result.Success)
		assert.Equal(t, `platform "Myspace" is not configured`, result.Error)
	})

	assert.Equal(t, []model.Platform{"Empty", "LinkedIn", "Twitter"}, registry.Platforms())
}

func TestRegistry_Timeout(t *testing.T) {
	registry := NewRegistry(zap.NewNop(), BreakerConfig{})
	registry.Register("Slow", clientFunc(func(ctx context.Context, content *model.Content) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	result := registry.Publish(ctx, "Slow", testContent)
	assert.False(t, result.Success)
	assert.Equal(t, "timeout", result.Error)
}

func TestRegistry_CircuitBreaker(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(zap.NewNop(), BreakerConfig{
		FailureThreshold: 2,
		Window:           2,
		Delay:            time.Minute,
	})

	var calls atomic.Int32
	registry.Register("Flaky", clientFunc(func(ctx context.Context, content *model.Content) (string, error) {
		calls.Add(1)
		return "", errors.New("503 service unavailable")
	}))

	state, ok := registry.BreakerState("Flaky")
	require.True(t, ok)
	assert.Equal(t, "closed", state)

	for i := 0; i < 2; i++ {
		result := registry.Publish(ctx, "Flaky", testContent)
		assert.Equal(t, "503 service unavailable", result.Error)
	}

	state, _ = registry.BreakerState("Flaky")
	assert.Equal(t, "open", state)

	result := registry.Publish(ctx, "Flaky", testContent)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "circuit open")
	assert.Equal(t, int32(2), calls.Load())

	_, ok = registry.BreakerState("Missing")
	assert.False(t, ok)
}

func TestRegistry_Configure(t *testing.T) {
	registry := NewRegistry(zap.NewNop(), BreakerConfig{})

	require.NoError(t, registry.Configure("Dev", PlatformConfig{Kind: KindDryRun}))
	require.NoError(t, registry.Configure("Bridge", PlatformConfig{Kind: KindWebhook, URL: "http://localhost:9000/publish"}))

	err := registry.Configure("Fax", PlatformConfig{Kind: "fax"})
	assert.ErrorIs(t, err, ErrUnknownKind)

	err = registry.Configure("NoURL", PlatformConfig{Kind: KindWebhook})
	assert.ErrorIs(t, err, ErrMissingSetting)

	err = registry.Configure("NoChannel", PlatformConfig{Kind: KindSlack, Token: "xoxb-test"})
	assert.ErrorIs(t, err, ErrMissingSetting)

	assert.Equal(t, []model.Platform{"Bridge", "Dev"}, registry.Platforms())

	result := registry.Publish(context.Background(), "Dev", testContent)
	assert.True(t, result.Success)
	assert.Contains(t, result.PublishedID, "dryrun-")
}
