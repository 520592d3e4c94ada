package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the kind of post lifecycle event
type EventType string

const (
	EventPublished      EventType = "published"
	EventRetryScheduled EventType = "retry_scheduled"
	EventFailed         EventType = "failed"
	EventCancelled      EventType = "cancelled"
)

// PostEvent is emitted whenever the engine settles a post outcome
type PostEvent struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	PostID        string          `json:"post_id"`
	OwnerID       string          `json:"owner_id"`
	Status        PostStatus      `json:"status"`
	RetryCount    int             `json:"retry_count"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	Results       []PublishResult `json:"results,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// NewPostEvent snapshots post into an event of the given type.
func NewPostEvent(t EventType, post *ScheduledPost, at time.Time) PostEvent {
	ev := PostEvent{
		ID:         uuid.New().String(),
		Type:       t,
		PostID:     post.ID,
		OwnerID:    post.OwnerID,
		Status:     post.Status,
		RetryCount: post.RetryCount,
		Results:    append([]PublishResult(nil), post.PublishResults...),
		OccurredAt: at.UTC(),
	}
	if t == EventRetryScheduled {
		next := post.ScheduledTime
		ev.NextAttemptAt = &next
	}
	return ev
}
