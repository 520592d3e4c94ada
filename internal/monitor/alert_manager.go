package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/post-scheduler/internal/events"
	"github.com/t77yq/post-scheduler/internal/model"
)

const (
	alertConsumer   = "post-failure-alerts"
	maxRecentAlerts = 100
	maxAlertDeliver = 5
)

// NotificationChannel represents a channel for sending alert notifications
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, alert *model.Alert) error
}

// AlertManager turns failed-post events into alerts and fans them out to
// notification channels
type AlertManager struct {
	logger  *zap.Logger
	js      nats.JetStreamContext
	metrics *Metrics

	mu       sync.RWMutex
	channels []NotificationChannel
	recent   []model.Alert
	sub      *nats.Subscription
	ctx      context.Context
}

// NewAlertManager creates a new alert manager. metrics may be nil.
func NewAlertManager(logger *zap.Logger, js nats.JetStreamContext, metrics *Metrics) *AlertManager {
	return &AlertManager{
		logger:  logger.Named("alerts"),
		js:      js,
		metrics: metrics,
		ctx:     context.Background(),
	}
}

// AddChannel registers a notification channel
func (m *AlertManager) AddChannel(ch NotificationChannel) {
	m.mu.Lock()
	m.channels = append(m.channels, ch)
	m.mu.Unlock()
}

// Start subscribes to failed-post events through a durable consumer so
// failures raised while the manager was down are still delivered.
func (m *AlertManager) Start(ctx context.Context) error {
	if err := events.EnsureStream(m.js, 0); err != nil {
		return err
	}

	sub, err := m.js.Subscribe(events.Subject(model.EventFailed), m.handleEvent,
		nats.Durable(alertConsumer),
		nats.ManualAck(),
		nats.AckWait(30*time.Second),
		nats.MaxDeliver(maxAlertDeliver),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to post failures: %w", err)
	}

	m.mu.Lock()
	m.sub = sub
	m.ctx = ctx
	m.mu.Unlock()

	m.logger.Info("Alert manager started")
	return nil
}

// Stop stops receiving events
func (m *AlertManager) Stop() {
	m.mu.Lock()
	sub := m.sub
	m.sub = nil
	m.mu.Unlock()

	if sub != nil {
		if err := sub.Drain(); err != nil {
			m.logger.Warn("Failed to drain alert subscription", zap.Error(err))
		}
	}
}

// Recent returns the most recent alerts, newest first
func (m *AlertManager) Recent() []model.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Alert, len(m.recent))
	for i, a := range m.recent {
		out[len(m.recent)-1-i] = a
	}
	return out
}

func (m *AlertManager) handleEvent(msg *nats.Msg) {
	event, err := events.Decode(msg)
	if err != nil {
		m.logger.Error("Failed to decode post event", zap.Error(err))
		// Malformed payloads never become valid
		msg.Term()
		return
	}

	alert := NewFailureAlert(event)
	m.record(alert)

	m.mu.RLock()
	ctx := m.ctx
	channels := append([]NotificationChannel(nil), m.channels...)
	m.mu.RUnlock()

	failed := 0
	for _, ch := range channels {
		err := ch.Send(ctx, alert)
		m.metrics.ObserveAlert(ch.Name(), err)
		if err != nil {
			failed++
			m.logger.Error("Failed to send alert",
				zap.String("channel", ch.Name()),
				zap.String("post_id", alert.PostID),
				zap.Error(err))
		}
	}

	m.logger.Info("Alert created",
		zap.String("id", alert.ID),
		zap.String("post_id", alert.PostID),
		zap.String("severity", string(alert.Severity)),
		zap.Int("channels", len(channels)),
		zap.Int("failed_channels", failed))

	if failed > 0 {
		msg.Nak()
		return
	}
	msg.Ack()
}

func (m *AlertManager) record(alert *model.Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.recent = append(m.recent, *alert)
	if len(m.recent) > maxRecentAlerts {
		m.recent = m.recent[len(m.recent)-maxRecentAlerts:]
	}
}

// NewFailureAlert builds the alert for a post that exhausted its retries.
// A post that never reached any platform is critical.
func NewFailureAlert(event model.PostEvent) *model.Alert {
	latest := make(map[model.Platform]model.PublishResult)
	for _, r := range event.Results {
		latest[r.Platform] = r
	}

	severity := model.AlertSeverityCritical
	errs := make(map[string]interface{})
	var failedPlatforms []string
	for p, r := range latest {
		if r.Success {
			severity = model.AlertSeverityError
			continue
		}
		errs[string(p)] = r.Error
		failedPlatforms = append(failedPlatforms, string(p))
	}
	sort.Strings(failedPlatforms)

	return &model.Alert{
		ID:       uuid.New().String(),
		Type:     model.AlertTypePublishFailure,
		Severity: severity,
		PostID:   event.PostID,
		OwnerID:  event.OwnerID,
		Message: fmt.Sprintf("post %s failed after %d retries on %s",
			event.PostID, event.RetryCount, strings.Join(failedPlatforms, ", ")),
		Data: map[string]interface{}{
			"event_id":    event.ID,
			"retry_count": event.RetryCount,
			"errors":      errs,
		},
		CreatedAt: time.Now().UTC(),
	}
}
