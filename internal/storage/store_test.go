package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/post-scheduler/internal/model"
)

type postStore interface {
	Create(ctx context.Context, post *model.ScheduledPost) error
	FindDue(ctx context.Context, now time.Time) ([]*model.ScheduledPost, error)
	Claim(ctx context.Context, id string, now time.Time) (string, bool, error)
	ExtendClaim(ctx context.Context, id, token string, now time.Time) (bool, error)
	Save(ctx context.Context, post *model.ScheduledPost, token string) error
	Release(ctx context.Context, id, token string) error
	ReleaseStale(ctx context.Context, claimedBefore time.Time) (int, error)
	FindByID(ctx context.Context, id string) (*model.ScheduledPost, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Reschedule(ctx context.Context, id string, at time.Time) (bool, error)
	List(ctx context.Context, status model.PostStatus, limit int) ([]*model.ScheduledPost, error)
	PutContent(ctx context.Context, content *model.Content) error
	Resolve(ctx context.Context, ref string) (*model.Content, error)
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newPost(t *testing.T, at time.Time, platforms ...model.Platform) *model.ScheduledPost {
	t.Helper()
	post, err := model.NewScheduledPost("owner-1", "content-1", platforms, at)
	require.NoError(t, err)
	return post
}

func runStoreSuite(t *testing.T, open func(t *testing.T) postStore) {
	ctx := context.Background()

	t.Run("create and find", func(t *testing.T) {
		store := open(t)
		post := newPost(t, base, "twitter", "linkedin")
		require.NoError(t, store.Create(ctx, post))

		got, err := store.FindByID(ctx, post.ID)
		require.NoError(t, err)
		assert.Equal(t, post.ID, got.ID)
		assert.Equal(t, []model.Platform{"twitter", "linkedin"}, got.Platforms)
		assert.Equal(t, model.PostStatusPending, got.Status)
		assert.True(t, got.ScheduledTime.Equal(base))
		assert.Empty(t, got.PublishResults)

		err = store.Create(ctx, post)
		assert.ErrorIs(t, err, ErrDuplicatePost)

		_, err = store.FindByID(ctx, "missing")
		assert.ErrorIs(t, err, ErrPostNotFound)
	})

	t.Run("find due orders by scheduled time", func(t *testing.T) {
		store := open(t)
		late := newPost(t, base.Add(-time.Minute), "twitter")
		early := newPost(t, base.Add(-time.Hour), "twitter")
		future := newPost(t, base.Add(time.Hour), "twitter")
		for _, p := range []*model.ScheduledPost{late, early, future} {
			require.NoError(t, store.Create(ctx, p))
		}

		due, err := store.FindDue(ctx, base)
		require.NoError(t, err)
		require.Len(t, due, 2)
		assert.Equal(t, early.ID, due[0].ID)
		assert.Equal(t, late.ID, due[1].ID)
	})

	t.Run("claim is exclusive", func(t *testing.T) {
		store := open(t)
		post := newPost(t, base, "twitter")
		require.NoError(t, store.Create(ctx, post))

		token, ok, err := store.Claim(ctx, post.ID, base)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NotEmpty(t, token)

		second, ok, err := store.Claim(ctx, post.ID, base)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Empty(t, second)

		due, err := store.FindDue(ctx, base)
		require.NoError(t, err)
		assert.Empty(t, due)
	})

	t.Run("claim requires the post to be due", func(t *testing.T) {
		store := open(t)
		post := newPost(t, base.Add(time.Hour), "twitter")
		require.NoError(t, store.Create(ctx, post))

		_, ok, err := store.Claim(ctx, post.ID, base)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("save persists results and clears claim", func(t *testing.T) {
		store := open(t)
		post := newPost(t, base, "twitter", "linkedin")
		require.NoError(t, store.Create(ctx, post))

		token, ok, err := store.Claim(ctx, post.ID, base)
		require.NoError(t, err)
		require.True(t, ok)

		claimed, err := store.FindByID(ctx, post.ID)
		require.NoError(t, err)
		assert.Equal(t, model.PostStatusProcessing, claimed.Status)

		claimed.PublishResults = append(claimed.PublishResults,
			model.SucceededResult("twitter", "tw-1", base),
			model.FailedResult("linkedin", "rate limited", base))
		claimed.Status = model.PostStatusPending
		claimed.RetryCount = 1
		claimed.ScheduledTime = base.Add(time.Minute)
		claimed.UpdatedAt = base
		require.NoError(t, store.Save(ctx, claimed, token))

		got, err := store.FindByID(ctx, post.ID)
		require.NoError(t, err)
		assert.Equal(t, model.PostStatusPending, got.Status)
		assert.Equal(t, 1, got.RetryCount)
		assert.True(t, got.ScheduledTime.Equal(base.Add(time.Minute)))
		require.Len(t, got.PublishResults, 2)
		assert.True(t, got.PublishResults[0].Success)
		assert.Equal(t, "tw-1", got.PublishResults[0].PublishedID)
		assert.Equal(t, "rate limited", got.PublishResults[1].Error)

		released, err := store.ReleaseStale(ctx, base.Add(time.Hour))
		require.NoError(t, err)
		assert.Zero(t, released)
	})

	t.Run("save without claim is rejected", func(t *testing.T) {
		store := open(t)
		post := newPost(t, base, "twitter")
		require.NoError(t, store.Create(ctx, post))

		post.Status = model.PostStatusPublished
		err := store.Save(ctx, post, "")
		assert.ErrorIs(t, err, ErrClaimLost)

		missing := newPost(t, base, "twitter")
		missing.Status = model.PostStatusFailed
		assert.ErrorIs(t, store.Save(ctx, missing, "token"), ErrPostNotFound)
	})

	t.Run("terminal rows are never mutated", func(t *testing.T) {
		store := open(t)
		post := newPost(t, base, "twitter")
		require.NoError(t, store.Create(ctx, post))
		token, ok, err := store.Claim(ctx, post.ID, base)
		require.NoError(t, err)
		require.True(t, ok)

		claimed, err := store.FindByID(ctx, post.ID)
		require.NoError(t, err)
		claimed.Status = model.PostStatusPublished
		claimed.PublishResults = []model.PublishResult{model.SucceededResult("twitter", "tw-1", base)}
		require.NoError(t, store.Save(ctx, claimed, token))

		claimed.Status = model.PostStatusFailed
		assert.ErrorIs(t, store.Save(ctx, claimed, token), ErrClaimLost)

		ok, err = store.Cancel(ctx, post.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = store.Reschedule(ctx, post.ID, base.Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := store.FindByID(ctx, post.ID)
		require.NoError(t, err)
		assert.Equal(t, model.PostStatusPublished, got.Status)
		assert.True(t, got.ScheduledTime.Equal(base))
	})

	t.Run("invalid transition is rejected", func(t *testing.T) {
		store := open(t)
		post := newPost(t, base, "twitter")
		require.NoError(t, store.Create(ctx, post))
		token, ok, err := store.Claim(ctx, post.ID, base)
		require.NoError(t, err)
		require.True(t, ok)

		post.Status = model.PostStatusCancelled
		assert.ErrorIs(t, store.Save(ctx, post, token), ErrInvalidTransition)
	})

	t.Run("release returns claim", func(t *testing.T) {
		store := open(t)
		post := newPost(t, base, "twitter")
		require.NoError(t, store.Create(ctx, post))
		token, ok, err := store.Claim(ctx, post.ID, base)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, store.Release(ctx, post.ID, token))
		got, err := store.FindByID(ctx, post.ID)
		require.NoError(t, err)
		assert.Equal(t, model.PostStatusPending, got.Status)

		assert.ErrorIs(t, store.Release(ctx, "missing", token), ErrPostNotFound)
	})

	t.Run("release stale claims", func(t *testing.T) {
		store := open(t)
		old := newPost(t, base.Add(-time.Hour), "twitter")
		fresh := newPost(t, base, "twitter")
		require.NoError(t, store.Create(ctx, old))
		require.NoError(t, store.Create(ctx, fresh))

		_, ok, err := store.Claim(ctx, old.ID, base.Add(-30*time.Minute))
		require.NoError(t, err)
		require.True(t, ok)
		_, ok, err = store.Claim(ctx, fresh.ID, base)
		require.NoError(t, err)
		require.True(t, ok)

		released, err := store.ReleaseStale(ctx, base.Add(-15*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, released)

		got, err := store.FindByID(ctx, old.ID)
		require.NoError(t, err)
		assert.Equal(t, model.PostStatusPending, got.Status)
		got, err = store.FindByID(ctx, fresh.ID)
		require.NoError(t, err)
		assert.Equal(t, model.PostStatusProcessing, got.Status)
	})

	t.Run("stale token cannot save or release", func(t *testing.T) {
		store := open(t)
		post := newPost(t, base.Add(-time.Hour), "twitter")
		require.NoError(t, store.Create(ctx, post))

		first, ok, err := store.Claim(ctx, post.ID, base.Add(-30*time.Minute))
		require.NoError(t, err)
		require.True(t, ok)

		released, err := store.ReleaseStale(ctx, base.Add(-15*time.Minute))
		require.NoError(t, err)
		require.Equal(t, 1, released)

		ok, err = store.ExtendClaim(ctx, post.ID, first, base)
		require.NoError(t, err)
		assert.False(t, ok)

		// The original holder finishes after its claim was recovered
		late, err := store.FindByID(ctx, post.ID)
		require.NoError(t, err)
		late.Status = model.PostStatusPublished
		late.PublishResults = []model.PublishResult{model.SucceededResult("twitter", "tw-late", base)}
		assert.ErrorIs(t, store.Save(ctx, late, first), ErrClaimLost)

		second, ok, err := store.Claim(ctx, post.ID, base)
		require.NoError(t, err)
		require.True(t, ok)
		assert.NotEqual(t, first, second)

		assert.ErrorIs(t, store.Save(ctx, late, first), ErrClaimLost)
		require.NoError(t, store.Release(ctx, post.ID, first))

		got, err := store.FindByID(ctx, post.ID)
		require.NoError(t, err)
		assert.Equal(t, model.PostStatusProcessing, got.Status)
		assert.Empty(t, got.PublishResults)

		got.Status = model.PostStatusPublished
		got.PublishResults = []model.PublishResult{model.SucceededResult("twitter", "tw-1", base)}
		require.NoError(t, store.Save(ctx, got, second))

		got, err = store.FindByID(ctx, post.ID)
		require.NoError(t, err)
		assert.Equal(t, model.PostStatusPublished, got.Status)
		require.Len(t, got.PublishResults, 1)
		assert.Equal(t, "tw-1", got.PublishResults[0].PublishedID)
	})

	t.Run("extend claim keeps it from going stale", func(t *testing.T) {
		store := open(t)
		post := newPost(t, base.Add(-time.Hour), "twitter")
		require.NoError(t, store.Create(ctx, post))

		token, ok, err := store.Claim(ctx, post.ID, base.Add(-30*time.Minute))
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = store.ExtendClaim(ctx, post.ID, token, base)
		require.NoError(t, err)
		assert.True(t, ok)

		released, err := store.ReleaseStale(ctx, base.Add(-15*time.Minute))
		require.NoError(t, err)
		assert.Zero(t, released)

		ok, err = store.ExtendClaim(ctx, post.ID, "other", base)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = store.ExtendClaim(ctx, "missing", token, base)
		assert.ErrorIs(t, err, ErrPostNotFound)
	})

	t.Run("cancel and reschedule pending", func(t *testing.T) {
		store := open(t)
		post := newPost(t, base, "twitter")
		require.NoError(t, store.Create(ctx, post))

		ok, err := store.Reschedule(ctx, post.ID, base.Add(2*time.Hour))
		require.NoError(t, err)
		assert.True(t, ok)

		due, err := store.FindDue(ctx, base.Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, due)

		ok, err = store.Cancel(ctx, post.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := store.FindByID(ctx, post.ID)
		require.NoError(t, err)
		assert.Equal(t, model.PostStatusCancelled, got.Status)

		_, err = store.Cancel(ctx, "missing")
		assert.ErrorIs(t, err, ErrPostNotFound)
		_, err = store.Reschedule(ctx, "missing", base)
		assert.ErrorIs(t, err, ErrPostNotFound)
	})

	t.Run("list filters by status", func(t *testing.T) {
		store := open(t)
		for i := 0; i < 3; i++ {
			post := newPost(t, base, "twitter")
			post.CreatedAt = base.Add(time.Duration(i) * time.Second)
			require.NoError(t, store.Create(ctx, post))
		}
		cancelled := newPost(t, base, "twitter")
		require.NoError(t, store.Create(ctx, cancelled))
		_, err := store.Cancel(ctx, cancelled.ID)
		require.NoError(t, err)

		pending, err := store.List(ctx, model.PostStatusPending, 10)
		require.NoError(t, err)
		assert.Len(t, pending, 3)
		assert.True(t, pending[0].CreatedAt.After(pending[1].CreatedAt))

		all, err := store.List(ctx, "", 2)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("content round trip", func(t *testing.T) {
		store := open(t)
		content := &model.Content{
			Ref:       "content-1",
			Title:     "Launch",
			Text:      "We shipped",
			MediaURLs: []string{"https://cdn.example.com/a.png"},
		}
		require.NoError(t, store.PutContent(ctx, content))

		got, err := store.Resolve(ctx, "content-1")
		require.NoError(t, err)
		assert.Equal(t, content, got)

		content.Text = "We shipped again"
		require.NoError(t, store.PutContent(ctx, content))
		got, err = store.Resolve(ctx, "content-1")
		require.NoError(t, err)
		assert.Equal(t, "We shipped again", got.Text)

		_, err = store.Resolve(ctx, "missing")
		assert.ErrorIs(t, err, ErrContentNotFound)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) postStore {
		return NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) postStore {
		store, err := NewSQLiteStore(zap.NewNop(), filepath.Join(t.TempDir(), "posts.db"))
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	})
}

func TestSQLiteStoreReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "posts.db")

	store, err := NewSQLiteStore(zap.NewNop(), path)
	require.NoError(t, err)
	post := newPost(t, base, "twitter")
	require.NoError(t, store.Create(ctx, post))
	require.NoError(t, store.Close())

	store, err = NewSQLiteStore(zap.NewNop(), path)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.FindByID(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, post.ID, got.ID)
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("POSTSCHED_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("POSTSCHED_TEST_POSTGRES_URL not set")
	}

	runStoreSuite(t, func(t *testing.T) postStore {
		ctx := context.Background()
		store, err := NewPostgresStore(ctx, zap.NewNop(), url, 4)
		require.NoError(t, err)
		_, err = store.pool.Exec(ctx, "TRUNCATE scheduled_posts, post_contents")
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	})
}
