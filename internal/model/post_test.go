package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewScheduledPost(t *testing.T) {
	at := time.Now().Add(time.Hour)

	t.Run("Deduplicates Platforms", func(t *testing.T) {
		post, err := NewScheduledPost("user-1", "content-1", []Platform{"Twitter", " LinkedIn ", "Twitter", ""}, at)
		require.NoError(t, err)
		assert.Equal(t, []Platform{"Twitter", "LinkedIn"}, post.Platforms)
		assert.Equal(t, PostStatusPending, post.Status)
		assert.NotEmpty(t, post.ID)
		assert.Zero(t, post.RetryCount)
		assert.False(t, post.CreatedAt.IsZero())
	})

	t.Run("Rejects Invalid Input", func(t *testing.T) {
		_, err := NewScheduledPost("user-1", "content-1", []Platform{" "}, at)
		assert.ErrorIs(t, err, ErrNoPlatforms)

		_, err = NewScheduledPost("", "content-1", []Platform{"Twitter"}, at)
		assert.ErrorIs(t, err, ErrMissingOwner)

		_, err = NewScheduledPost("user-1", "", []Platform{"Twitter"}, at)
		assert.ErrorIs(t, err, ErrMissingContent)
	})
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to PostStatus
		want     bool
	}{
		{PostStatusPending, PostStatusProcessing, true},
		{PostStatusPending, PostStatusCancelled, true},
		{PostStatusPending, PostStatusPublished, false},
		{PostStatusProcessing, PostStatusPublished, true},
		{PostStatusProcessing, PostStatusPending, true},
		{PostStatusProcessing, PostStatusFailed, true},
		{PostStatusProcessing, PostStatusCancelled, false},
		{PostStatusPublished, PostStatusPending, false},
		{PostStatusFailed, PostStatusPending, false},
		{PostStatusCancelled, PostStatusPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}

	assert.True(t, PostStatusPublished.IsTerminal())
	assert.True(t, PostStatusFailed.IsTerminal())
	assert.True(t, PostStatusCancelled.IsTerminal())
	assert.False(t, PostStatusPending.IsTerminal())
	assert.False(t, PostStatusProcessing.IsTerminal())
}

func TestPublishResultValidate(t *testing.T) {
	now := time.Now()

	ok := SucceededResult("Twitter", "tw-1", now)
	require.NoError(t, ok.Validate())
	assert.Empty(t, ok.Error)
	require.NotNil(t, ok.PublishedAt)

	failed := FailedResult("Twitter", "rate limited", now)
	require.NoError(t, failed.Validate())
	assert.Empty(t, failed.PublishedID)
	assert.Nil(t, failed.PublishedAt)

	assert.Equal(t, "unknown error", FailedResult("Twitter", "", now).Error)

	broken := ok
	broken.Error = "boom"
	assert.ErrorIs(t, broken.Validate(), ErrInvalidResult)

	noID := PublishResult{Platform: "Twitter", Success: true, PublishedAt: &now}
	assert.ErrorIs(t, noID.Validate(), ErrInvalidResult)
}

func TestCloneIsDeep(t *testing.T) {
	post, err := NewScheduledPost("user-1", "content-1", []Platform{"Twitter"}, time.Now())
	require.NoError(t, err)
	post.PublishResults = append(post.PublishResults, SucceededResult("Twitter", "tw-1", time.Now()))

	cp := post.Clone()
	cp.Platforms[0] = "Mastodon"
	*cp.PublishResults[0].PublishedAt = time.Time{}

	assert.Equal(t, Platform("Twitter"), post.Platforms[0])
	assert.False(t, post.PublishResults[0].PublishedAt.IsZero())
}
