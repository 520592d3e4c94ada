package scheduler

import (
	"context"
	"time"

	"github.com/t77yq/post-scheduler/internal/model"
)

// PostStore defines the persistence collaborator the engine drives
type PostStore interface {
	// FindDue returns pending posts whose scheduled time is at or before now
	FindDue(ctx context.Context, now time.Time) ([]*model.ScheduledPost, error)

	// Claim atomically moves a due post from pending to processing and
	// returns a token identifying this claim. It reports false when another
	// dispatcher already claimed the post.
	Claim(ctx context.Context, id string, now time.Time) (string, bool, error)

	// ExtendClaim refreshes the claim time while the token still holds the
	// claim. It reports false once the claim has been lost.
	ExtendClaim(ctx context.Context, id, token string, now time.Time) (bool, error)

	// Save persists the outcome of a claimed post. It fails with a claim-lost
	// error unless token still holds the claim.
	Save(ctx context.Context, post *model.ScheduledPost, token string) error

	// Release returns a claimed post to pending without changing anything
	// else. A token that no longer holds the claim leaves the post untouched.
	Release(ctx context.Context, id, token string) error

	// ReleaseStale returns posts claimed before the cutoff to pending
	ReleaseStale(ctx context.Context, claimedBefore time.Time) (int, error)

	// FindByID returns a post by id
	FindByID(ctx context.Context, id string) (*model.ScheduledPost, error)

	// Create stores a new pending post
	Create(ctx context.Context, post *model.ScheduledPost) error

	// Cancel moves a pending post to cancelled
	Cancel(ctx context.Context, id string) (bool, error)

	// Reschedule changes the scheduled time of a pending post
	Reschedule(ctx context.Context, id string, at time.Time) (bool, error)
}

// PlatformPublisher sends content to one external platform.
// Implementations must be safe for concurrent use and honour ctx deadlines.
type PlatformPublisher interface {
	Publish(ctx context.Context, platform model.Platform, content *model.Content) model.PublishResult
}

// ContentProvider resolves a content reference into a renderable payload
type ContentProvider interface {
	Resolve(ctx context.Context, ref string) (*model.Content, error)
}

// EventSink receives post lifecycle events
type EventSink interface {
	Emit(ctx context.Context, event model.PostEvent) error
}

// MetricsRecorder observes scan and publish activity
type MetricsRecorder interface {
	ObserveScan(report model.ScanReport, err error)
	ObserveDispatch(outcome string)
	ObserveAttempt(platform model.Platform, success bool, duration time.Duration)
}

type nopSink struct{}

func (nopSink) Emit(context.Context, model.PostEvent) error { return nil }

type nopMetrics struct{}

func (nopMetrics) ObserveScan(model.ScanReport, error)                {}
func (nopMetrics) ObserveDispatch(string)                             {}
func (nopMetrics) ObserveAttempt(model.Platform, bool, time.Duration) {}
