package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PostStatus represents the lifecycle state of a scheduled post
type PostStatus string

const (
	PostStatusPending    PostStatus = "pending"
	PostStatusProcessing PostStatus = "processing"
	PostStatusPublished  PostStatus = "published"
	PostStatusFailed     PostStatus = "failed"
	PostStatusCancelled  PostStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are permitted from s.
func (s PostStatus) IsTerminal() bool {
	switch s {
	case PostStatusPublished, PostStatusFailed, PostStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s PostStatus) Valid() bool {
	switch s {
	case PostStatusPending, PostStatusProcessing, PostStatusPublished, PostStatusFailed, PostStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a post may move from one status to another.
func CanTransition(from, to PostStatus) bool {
	switch from {
	case PostStatusPending:
		return to == PostStatusProcessing || to == PostStatusCancelled
	case PostStatusProcessing:
		return to == PostStatusPublished || to == PostStatusPending || to == PostStatusFailed
	}
	return false
}

// Platform identifies an external publishing target such as "Twitter" or "LinkedIn"
type Platform string

var (
	ErrNoPlatforms    = errors.New("post must target at least one platform")
	ErrMissingOwner   = errors.New("post owner is required")
	ErrMissingContent = errors.New("post content reference is required")
	ErrInvalidResult  = errors.New("invalid publish result")
)

// ScheduledPost is the unit of scheduled work
type ScheduledPost struct {
	ID             string          `json:"id"`
	OwnerID        string          `json:"owner_id"`
	ContentRef     string          `json:"content_ref"`
	Platforms      []Platform      `json:"platforms"`
	ScheduledTime  time.Time       `json:"scheduled_time"`
	Status         PostStatus      `json:"status"`
	PublishResults []PublishResult `json:"publish_results"`
	RetryCount     int             `json:"retry_count"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewScheduledPost creates a pending post. Platforms are deduplicated keeping
// first-seen order; blank entries are dropped.
func NewScheduledPost(ownerID, contentRef string, platforms []Platform, scheduledTime time.Time) (*ScheduledPost, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, ErrMissingOwner
	}
	if strings.TrimSpace(contentRef) == "" {
		return nil, ErrMissingContent
	}
	set := NormalizePlatforms(platforms)
	if len(set) == 0 {
		return nil, ErrNoPlatforms
	}

	now := time.Now().UTC()
	return &ScheduledPost{
		ID:            uuid.New().String(),
		OwnerID:       ownerID,
		ContentRef:    contentRef,
		Platforms:     set,
		ScheduledTime: scheduledTime.UTC(),
		Status:        PostStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// NormalizePlatforms trims and deduplicates platform identifiers.
func NormalizePlatforms(platforms []Platform) []Platform {
	seen := make(map[Platform]struct{}, len(platforms))
	out := make([]Platform, 0, len(platforms))
	for _, p := range platforms {
		p = Platform(strings.TrimSpace(string(p)))
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Clone returns a deep copy so callers can mutate without sharing slices.
func (p *ScheduledPost) Clone() *ScheduledPost {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Platforms = append([]Platform(nil), p.Platforms...)
	cp.PublishResults = make([]PublishResult, len(p.PublishResults))
	for i, r := range p.PublishResults {
		cp.PublishResults[i] = r.clone()
	}
	return &cp
}

// PublishResult is the outcome of one attempt against one platform
type PublishResult struct {
	Platform    Platform   `json:"platform"`
	Success     bool       `json:"success"`
	PublishedID string     `json:"published_id,omitempty"`
	Error       string     `json:"error,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	AttemptedAt time.Time  `json:"attempted_at"`
}

// SucceededResult builds a successful attempt record.
func SucceededResult(platform Platform, publishedID string, at time.Time) PublishResult {
	at = at.UTC()
	return PublishResult{
		Platform:    platform,
		Success:     true,
		PublishedID: publishedID,
		PublishedAt: &at,
		AttemptedAt: at,
	}
}

// FailedResult builds a failed attempt record.
func FailedResult(platform Platform, errMsg string, at time.Time) PublishResult {
	if errMsg == "" {
		errMsg = "unknown error"
	}
	return PublishResult{
		Platform:    platform,
		Success:     false,
		Error:       errMsg,
		AttemptedAt: at.UTC(),
	}
}

// Validate checks that exactly one of PublishedID and Error is present.
func (r PublishResult) Validate() error {
	if r.Platform == "" {
		return fmt.Errorf("%w: missing platform", ErrInvalidResult)
	}
	if r.Success {
		if r.PublishedID == "" || r.PublishedAt == nil {
			return fmt.Errorf("%w: success without published id", ErrInvalidResult)
		}
		if r.Error != "" {
			return fmt.Errorf("%w: success carries an error", ErrInvalidResult)
		}
		return nil
	}
	if r.Error == "" {
		return fmt.Errorf("%w: failure without error", ErrInvalidResult)
	}
	if r.PublishedID != "" || r.PublishedAt != nil {
		return fmt.Errorf("%w: failure carries a published id", ErrInvalidResult)
	}
	return nil
}

func (r PublishResult) clone() PublishResult {
	if r.PublishedAt != nil {
		at := *r.PublishedAt
		r.PublishedAt = &at
	}
	return r
}

// Content is the renderable payload a publisher sends to a platform
type Content struct {
	Ref       string   `json:"ref"`
	Title     string   `json:"title,omitempty"`
	Text      string   `json:"text"`
	MediaURLs []string `json:"media_urls,omitempty"`
}
