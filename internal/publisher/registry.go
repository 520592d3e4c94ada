package publisher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"go.uber.org/zap"

	"github.com/t77yq/post-scheduler/internal/model"
)

// BreakerConfig configures the per-platform circuit breaker
type BreakerConfig struct {
	// FailureThreshold failures within the last Window calls open the breaker
	FailureThreshold uint
	Window           uint

	// Delay is how long the breaker stays open before probing again
	Delay time.Duration

	// SuccessThreshold probes must succeed before the breaker closes
	SuccessThreshold uint
}

// DefaultBreakerConfig returns the breaker settings used when none are given
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Window:           10,
		Delay:            30 * time.Second,
		SuccessThreshold: 1,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	def := DefaultBreakerConfig()
	if c.Window == 0 {
		c.Window = def.Window
	}
	if c.FailureThreshold == 0 || c.FailureThreshold > c.Window {
		c.FailureThreshold = min(def.FailureThreshold, c.Window)
	}
	if c.Delay <= 0 {
		c.Delay = def.Delay
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	return c
}

type platformClient struct {
	client  Client
	breaker circuitbreaker.CircuitBreaker[string]
}

// Registry routes publish calls to the client registered for each platform
type Registry struct {
	logger  *zap.Logger
	breaker BreakerConfig
	now     func() time.Time

	mu      sync.RWMutex
	clients map[model.Platform]*platformClient
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger, breaker BreakerConfig) *Registry {
	return &Registry{
		logger:  logger.Named("publisher"),
		breaker: breaker.withDefaults(),
		now:     time.Now,
		clients: make(map[model.Platform]*platformClient),
	}
}

// Register binds a client to a platform, replacing any previous binding
func (r *Registry) Register(platform model.Platform, client Client) {
	logger := r.logger.With(zap.String("platform", string(platform)))

	breaker := circuitbreaker.NewBuilder[string]().
		WithFailureThresholdRatio(r.breaker.FailureThreshold, r.breaker.Window).
		WithDelay(r.breaker.Delay).
		WithSuccessThreshold(r.breaker.SuccessThreshold).
		HandleIf(func(_ string, err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		}).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			logger.Warn("Circuit breaker state changed",
				zap.String("from", stateName(event.OldState)),
				zap.String("to", stateName(event.NewState)))
		}).
		Build()

	r.mu.Lock()
	r.clients[platform] = &platformClient{client: client, breaker: breaker}
	r.mu.Unlock()

	logger.Info("Registered platform client")
}

// Configure builds the client described by cfg and registers it
func (r *Registry) Configure(platform model.Platform, cfg PlatformConfig) error {
	client, err := NewClient(r.logger, platform, cfg)
	if err != nil {
		return err
	}
	r.Register(platform, client)
	return nil
}

// Platforms returns the registered platforms in name order
func (r *Registry) Platforms() []model.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()

	platforms := make([]model.Platform, 0, len(r.clients))
	for p := range r.clients {
		platforms = append(platforms, p)
	}
	sort.Slice(platforms, func(i, j int) bool { return platforms[i] < platforms[j] })
	return platforms
}

// BreakerState reports the circuit breaker state of a platform
func (r *Registry) BreakerState(platform model.Platform) (string, bool) {
	r.mu.RLock()
	pc, ok := r.clients[platform]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}
	return stateName(pc.breaker.State()), true
}

func stateName(state circuitbreaker.State) string {
	switch state {
	case circuitbreaker.ClosedState:
		return "closed"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	case circuitbreaker.OpenState:
		return "open"
	default:
		return "unknown"
	}
}

// Publish sends content to platform. Every failure, including an unknown
// platform or an open breaker, is reported as a failed result.
func (r *Registry) Publish(ctx context.Context, platform model.Platform, content *model.Content) model.PublishResult {
	r.mu.RLock()
	pc, ok := r.clients[platform]
	r.mu.RUnlock()
	if !ok {
		return model.FailedResult(platform, fmt.Sprintf("platform %q is not configured", platform), r.now())
	}

	id, err := failsafe.With[string](pc.breaker).WithContext(ctx).Get(func() (string, error) {
		return pc.client.Publish(ctx, content)
	})
	if err == nil && id == "" {
		err = errors.New("platform returned an empty post id")
	}
	if err != nil {
		return model.FailedResult(platform, errorMessage(platform, err), r.now())
	}
	return model.SucceededResult(platform, id, r.now())
}

func errorMessage(platform model.Platform, err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, circuitbreaker.ErrOpen):
		return fmt.Sprintf("circuit open for platform %q", platform)
	default:
		return err.Error()
	}
}
