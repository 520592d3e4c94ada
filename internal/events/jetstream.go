package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/post-scheduler/internal/model"
)

const (
	// StreamName is the JetStream stream holding post lifecycle events
	StreamName = "POST_EVENTS"

	// SubjectPrefix prefixes every event subject, e.g. post.failed
	SubjectPrefix = "post."

	defaultMaxAge = 7 * 24 * time.Hour
)

// Subject returns the subject an event type is published on
func Subject(t model.EventType) string {
	return SubjectPrefix + string(t)
}

// EnsureStream creates the event stream if it does not exist yet
func EnsureStream(js nats.JetStreamContext, maxAge time.Duration) error {
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}

	info, err := js.StreamInfo(StreamName)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}
	if info != nil {
		return nil
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{SubjectPrefix + ">"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     maxAge,
		MaxMsgs:    -1,
		MaxBytes:   -1,
		Discard:    nats.DiscardOld,
		MaxMsgSize: 1 * 1024 * 1024, // 1MB
		Storage:    nats.FileStorage,
		Replicas:   1,
		Duplicates: time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", StreamName, err)
	}
	return nil
}

// JetStreamSink publishes post events to JetStream
type JetStreamSink struct {
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewJetStreamSink ensures the event stream exists and returns a sink for it
func NewJetStreamSink(js nats.JetStreamContext, logger *zap.Logger, maxAge time.Duration) (*JetStreamSink, error) {
	if err := EnsureStream(js, maxAge); err != nil {
		return nil, err
	}
	return &JetStreamSink{
		js:     js,
		logger: logger.Named("events"),
	}, nil
}

// Emit publishes event on its subject. The event id doubles as the
// JetStream message id so redelivered publishes are deduplicated.
func (s *JetStreamSink) Emit(ctx context.Context, event model.PostEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := Subject(event.Type)
	if _, err := s.js.Publish(subject, data, nats.MsgId(event.ID), nats.Context(ctx)); err != nil {
		s.logger.Error("Failed to publish event",
			zap.String("subject", subject),
			zap.String("post_id", event.PostID),
			zap.Error(err))
		return fmt.Errorf("failed to publish event: %w", err)
	}

	s.logger.Debug("Event published",
		zap.String("subject", subject),
		zap.String("post_id", event.PostID))
	return nil
}

// Decode parses an event message
func Decode(msg *nats.Msg) (model.PostEvent, error) {
	var event model.PostEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		return event, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return event, nil
}

// NopSink discards events
type NopSink struct{}

// Emit implements scheduler.EventSink
func (NopSink) Emit(context.Context, model.PostEvent) error { return nil }
