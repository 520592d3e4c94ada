package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/post-scheduler/internal/events"
	"github.com/t77yq/post-scheduler/internal/model"
	"github.com/t77yq/post-scheduler/internal/testutil"
)

type recordingChannel struct {
	name string
	err  error

	mu     sync.Mutex
	alerts []*model.Alert
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) Send(ctx context.Context, alert *model.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, alert)
	return c.err
}

func (c *recordingChannel) received() []*model.Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*model.Alert(nil), c.alerts...)
}

func failedPost(t *testing.T, results ...model.PublishResult) *model.ScheduledPost {
	t.Helper()
	post, err := model.NewScheduledPost("owner-1", "content-1",
		[]model.Platform{"Twitter", "LinkedIn"}, time.Now())
	require.NoError(t, err)
	post.Status = model.PostStatusFailed
	post.RetryCount = 3
	post.PublishResults = results
	return post
}

func TestNewFailureAlert(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name     string
		results  []model.PublishResult
		severity model.AlertSeverity
		errors   map[string]interface{}
	}{
		{
			name: "no platform reached",
			results: []model.PublishResult{
				model.FailedResult("Twitter", "rate limited", now),
				model.FailedResult("LinkedIn", "timeout", now),
				model.FailedResult("Twitter", "timeout", now.Add(time.Minute)),
			},
			severity: model.AlertSeverityCritical,
			errors:   map[string]interface{}{"Twitter": "timeout", "LinkedIn": "timeout"},
		},
		{
			name: "partial success",
			results: []model.PublishResult{
				model.SucceededResult("Twitter", "tw-1", now),
				model.FailedResult("LinkedIn", "unauthorized", now),
			},
			severity: model.AlertSeverityError,
			errors:   map[string]interface{}{"LinkedIn": "unauthorized"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			post := failedPost(t, tt.results...)
			event := model.NewPostEvent(model.EventFailed, post, now)

			alert := NewFailureAlert(event)
			assert.NotEmpty(t, alert.ID)
			assert.Equal(t, model.AlertTypePublishFailure, alert.Type)
			assert.Equal(t, tt.severity, alert.Severity)
			assert.Equal(t, post.ID, alert.PostID)
			assert.Equal(t, "owner-1", alert.OwnerID)
			assert.Contains(t, alert.Message, "after 3 retries")
			assert.Equal(t, tt.errors, alert.Data["errors"])
			assert.Equal(t, event.ID, alert.Data["event_id"])
		})
	}
}

func TestAlertManager_DeliversFailedEvents(t *testing.T) {
	_, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	logger := zaptest.NewLogger(t)
	metrics := NewMetrics(prometheus.NewRegistry())
	manager := NewAlertManager(logger, js, metrics)

	primary := &recordingChannel{name: "primary"}
	manager.AddChannel(primary)
	manager.AddChannel(NewLogChannel(zap.NewNop()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, manager.Start(ctx))
	defer manager.Stop()

	sink, err := events.NewJetStreamSink(js, logger, time.Hour)
	require.NoError(t, err)

	now := time.Now()
	post := failedPost(t, model.FailedResult("Twitter", "timeout", now))

	// Only terminal failures raise alerts
	published := failedPost(t, model.SucceededResult("Twitter", "tw-1", now))
	published.Status = model.PostStatusPublished
	require.NoError(t, sink.Emit(ctx, model.NewPostEvent(model.EventPublished, published, now)))
	require.NoError(t, sink.Emit(ctx, model.NewPostEvent(model.EventFailed, post, now)))

	require.Eventually(t, func() bool { return len(primary.received()) == 1 },
		5*time.Second, 20*time.Millisecond)

	alert := primary.received()[0]
	assert.Equal(t, post.ID, alert.PostID)
	assert.Equal(t, model.AlertSeverityCritical, alert.Severity)

	recent := manager.Recent()
	require.Len(t, recent, 1)
	assert.Equal(t, alert.ID, recent[0].ID)

	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.Alerts.WithLabelValues("primary", "ok")))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.Alerts.WithLabelValues("log", "ok")))
}

func TestAlertManager_RedeliversOnChannelFailure(t *testing.T) {
	_, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	logger := zaptest.NewLogger(t)
	metrics := NewMetrics(prometheus.NewRegistry())
	manager := NewAlertManager(logger, js, metrics)

	flaky := &recordingChannel{name: "flaky", err: errors.New("slack unavailable")}
	manager.AddChannel(flaky)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, manager.Start(ctx))
	defer manager.Stop()

	sink, err := events.NewJetStreamSink(js, logger, time.Hour)
	require.NoError(t, err)

	post := failedPost(t, model.FailedResult("LinkedIn", "unauthorized", time.Now()))
	require.NoError(t, sink.Emit(ctx, model.NewPostEvent(model.EventFailed, post, time.Now())))

	// A nak'd alert is redelivered
	require.Eventually(t, func() bool { return len(flaky.received()) >= 2 },
		10*time.Second, 20*time.Millisecond)

	for _, a := range flaky.received() {
		assert.Equal(t, post.ID, a.PostID)
	}
	assert.GreaterOrEqual(t, promtest.ToFloat64(metrics.Alerts.WithLabelValues("flaky", "error")), 2.0)
}

func TestAlertManager_StopWithoutStart(t *testing.T) {
	manager := NewAlertManager(zap.NewNop(), nil, nil)
	manager.Stop()
	assert.Empty(t, manager.Recent())
}
