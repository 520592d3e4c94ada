package api

import (
	"time"

	"github.com/t77yq/post-scheduler/internal/model"
	"github.com/t77yq/post-scheduler/internal/scheduler"
)

// PostView is the admin representation of a post
type PostView struct {
	ID            string                `json:"id"`
	OwnerID       string                `json:"owner_id"`
	ContentRef    string                `json:"content_ref"`
	Status        model.PostStatus      `json:"status"`
	ScheduledTime time.Time             `json:"scheduled_time"`
	RetryCount    int                   `json:"retry_count"`
	Platforms     []PlatformView        `json:"platforms"`
	History       []model.PublishResult `json:"history"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// PlatformView summarises one target platform of a post
type PlatformView struct {
	Platform    model.Platform `json:"platform"`
	Published   bool           `json:"published"`
	PublishedID string         `json:"published_id,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	Attempts    int            `json:"attempts"`
}

// NewPostView builds the view of post
func NewPostView(post *model.ScheduledPost) PostView {
	latest := scheduler.LatestResults(post.PublishResults, post.Platforms)

	attempts := make(map[model.Platform]int, len(post.Platforms))
	for _, r := range post.PublishResults {
		attempts[r.Platform]++
	}

	platforms := make([]PlatformView, 0, len(post.Platforms))
	for _, p := range post.Platforms {
		pv := PlatformView{Platform: p, Attempts: attempts[p]}
		if r, ok := latest[p]; ok {
			pv.Published = r.Success
			pv.PublishedID = r.PublishedID
			pv.LastError = r.Error
		}
		platforms = append(platforms, pv)
	}

	history := post.PublishResults
	if history == nil {
		history = []model.PublishResult{}
	}

	return PostView{
		ID:            post.ID,
		OwnerID:       post.OwnerID,
		ContentRef:    post.ContentRef,
		Status:        post.Status,
		ScheduledTime: post.ScheduledTime,
		RetryCount:    post.RetryCount,
		Platforms:     platforms,
		History:       history,
		CreatedAt:     post.CreatedAt,
		UpdatedAt:     post.UpdatedAt,
	}
}
