package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/t77yq/post-scheduler/internal/model"
)

type memoryEntry struct {
	post       *model.ScheduledPost
	claimedAt  *time.Time
	claimToken string
}

func (e *memoryEntry) holds(token string) bool {
	return e.post.Status == model.PostStatusProcessing && token != "" && e.claimToken == token
}

func (e *memoryEntry) unclaim() {
	e.claimedAt = nil
	e.claimToken = ""
}

// MemoryStore keeps posts and content in process memory
type MemoryStore struct {
	mu       sync.Mutex
	posts    map[string]*memoryEntry
	contents map[string]*model.Content
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		posts:    make(map[string]*memoryEntry),
		contents: make(map[string]*model.Content),
	}
}

// Create stores a new post
func (s *MemoryStore) Create(ctx context.Context, post *model.ScheduledPost) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.posts[post.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePost, post.ID)
	}
	s.posts[post.ID] = &memoryEntry{post: post.Clone()}
	return nil
}

// FindDue returns pending posts scheduled at or before now
func (s *MemoryStore) FindDue(ctx context.Context, now time.Time) ([]*model.ScheduledPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*model.ScheduledPost
	for _, e := range s.posts {
		if e.post.Status == model.PostStatusPending && !e.post.ScheduledTime.After(now) {
			due = append(due, e.post.Clone())
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledTime.Before(due[j].ScheduledTime) })
	return due, nil
}

// Claim moves a due pending post to processing and returns the token that
// fences the claim
func (s *MemoryStore) Claim(ctx context.Context, id string, now time.Time) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.posts[id]
	if !ok {
		return "", false, nil
	}
	if e.post.Status != model.PostStatusPending || e.post.ScheduledTime.After(now) {
		return "", false, nil
	}
	e.post.Status = model.PostStatusProcessing
	e.post.UpdatedAt = now.UTC()
	claimed := now.UTC()
	e.claimedAt = &claimed
	e.claimToken = newClaimToken()
	return e.claimToken, true, nil
}

// ExtendClaim moves the claim time of a held claim forward
func (s *MemoryStore) ExtendClaim(ctx context.Context, id, token string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.posts[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrPostNotFound, id)
	}
	if !e.holds(token) {
		return false, nil
	}
	claimed := now.UTC()
	e.claimedAt = &claimed
	return true, nil
}

// Save persists the outcome of a claimed post
func (s *MemoryStore) Save(ctx context.Context, post *model.ScheduledPost, token string) error {
	if err := checkSaveTransition(post); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.posts[post.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPostNotFound, post.ID)
	}
	if !e.holds(token) {
		return fmt.Errorf("%w: %s is %s", ErrClaimLost, post.ID, e.post.Status)
	}

	stored := e.post
	updated := post.Clone()
	stored.Status = updated.Status
	stored.PublishResults = updated.PublishResults
	stored.RetryCount = updated.RetryCount
	stored.ScheduledTime = updated.ScheduledTime
	stored.UpdatedAt = updated.UpdatedAt
	e.unclaim()
	return nil
}

// Release returns a processing post to pending when the token still holds
// its claim
func (s *MemoryStore) Release(ctx context.Context, id, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.posts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPostNotFound, id)
	}
	if e.holds(token) {
		e.post.Status = model.PostStatusPending
		e.unclaim()
	}
	return nil
}

// ReleaseStale returns posts claimed before the cutoff to pending
func (s *MemoryStore) ReleaseStale(ctx context.Context, claimedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := 0
	for _, e := range s.posts {
		if e.post.Status == model.PostStatusProcessing && e.claimedAt != nil && e.claimedAt.Before(claimedBefore) {
			e.post.Status = model.PostStatusPending
			e.unclaim()
			released++
		}
	}
	return released, nil
}

// FindByID returns a copy of the stored post
func (s *MemoryStore) FindByID(ctx context.Context, id string) (*model.ScheduledPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.posts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPostNotFound, id)
	}
	return e.post.Clone(), nil
}

// Cancel moves a pending post to cancelled
func (s *MemoryStore) Cancel(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.posts[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrPostNotFound, id)
	}
	if e.post.Status != model.PostStatusPending {
		return false, nil
	}
	e.post.Status = model.PostStatusCancelled
	e.post.UpdatedAt = time.Now().UTC()
	return true, nil
}

// Reschedule changes the scheduled time of a pending post
func (s *MemoryStore) Reschedule(ctx context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.posts[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrPostNotFound, id)
	}
	if e.post.Status != model.PostStatusPending {
		return false, nil
	}
	e.post.ScheduledTime = at.UTC()
	e.post.UpdatedAt = time.Now().UTC()
	return true, nil
}

// List returns posts with the given status, newest first. An empty status
// matches every post.
func (s *MemoryStore) List(ctx context.Context, status model.PostStatus, limit int) ([]*model.ScheduledPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var posts []*model.ScheduledPost
	for _, e := range s.posts {
		if status == "" || e.post.Status == status {
			posts = append(posts, e.post.Clone())
		}
	}
	sort.Slice(posts, func(i, j int) bool { return posts[i].CreatedAt.After(posts[j].CreatedAt) })
	if limit > 0 && len(posts) > limit {
		posts = posts[:limit]
	}
	return posts, nil
}

// PutContent stores or replaces a content payload
func (s *MemoryStore) PutContent(ctx context.Context, content *model.Content) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *content
	cp.MediaURLs = append([]string(nil), content.MediaURLs...)
	s.contents[content.Ref] = &cp
	return nil
}

// Resolve returns the content stored under ref
func (s *MemoryStore) Resolve(ctx context.Context, ref string) (*model.Content, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contents[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContentNotFound, ref)
	}
	cp := *c
	cp.MediaURLs = append([]string(nil), c.MediaURLs...)
	return &cp, nil
}

// Health always succeeds
func (s *MemoryStore) Health(ctx context.Context) error { return nil }

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }
