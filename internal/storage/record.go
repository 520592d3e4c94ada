package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/t77yq/post-scheduler/internal/model"
)

// postRecord is the row representation of a scheduled post. Only this file
// knows how the model maps onto columns.
type postRecord struct {
	ID            string
	OwnerID       string
	ContentRef    string
	Platforms     []byte
	ScheduledTime time.Time
	Status        string
	Results       []byte
	RetryCount    int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func newPostRecord(post *model.ScheduledPost) (*postRecord, error) {
	platforms, err := json.Marshal(post.Platforms)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal platforms: %w", err)
	}
	results := post.PublishResults
	if results == nil {
		results = []model.PublishResult{}
	}
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal publish results: %w", err)
	}

	return &postRecord{
		ID:            post.ID,
		OwnerID:       post.OwnerID,
		ContentRef:    post.ContentRef,
		Platforms:     platforms,
		ScheduledTime: post.ScheduledTime.UTC(),
		Status:        string(post.Status),
		Results:       resultsJSON,
		RetryCount:    post.RetryCount,
		CreatedAt:     post.CreatedAt.UTC(),
		UpdatedAt:     post.UpdatedAt.UTC(),
	}, nil
}

func (r *postRecord) toModel() (*model.ScheduledPost, error) {
	post := &model.ScheduledPost{
		ID:            r.ID,
		OwnerID:       r.OwnerID,
		ContentRef:    r.ContentRef,
		ScheduledTime: r.ScheduledTime.UTC(),
		Status:        model.PostStatus(r.Status),
		RetryCount:    r.RetryCount,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
	if !post.Status.Valid() {
		return nil, fmt.Errorf("post %s has unknown status %q", r.ID, r.Status)
	}
	if err := json.Unmarshal(r.Platforms, &post.Platforms); err != nil {
		return nil, fmt.Errorf("failed to unmarshal platforms: %w", err)
	}
	if len(r.Results) > 0 {
		if err := json.Unmarshal(r.Results, &post.PublishResults); err != nil {
			return nil, fmt.Errorf("failed to unmarshal publish results: %w", err)
		}
	}
	return post, nil
}

func checkSaveTransition(post *model.ScheduledPost) error {
	if !model.CanTransition(model.PostStatusProcessing, post.Status) {
		return fmt.Errorf("%w: processing -> %s", ErrInvalidTransition, post.Status)
	}
	return nil
}

// newClaimToken identifies one claim of a post. Save and Release only apply
// while the stored token still matches.
func newClaimToken() string {
	return uuid.New().String()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
