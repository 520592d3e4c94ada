package scheduler

import "time"

const (
	// JobProcessScheduledPosts is the trigger job bound to Engine.Scan
	JobProcessScheduledPosts = "process_scheduled_posts"

	// JobRecoverStaleClaims is the trigger job bound to Engine.RecoverStaleClaims
	JobRecoverStaleClaims = "recover_stale_claims"

	defaultMaxRetries             = 3
	defaultMaxConcurrentPosts     = 5
	defaultMaxConcurrentPlatforms = 4
	defaultPublishTimeout         = 30 * time.Second
	defaultResolveTimeout         = 10 * time.Second
	defaultStaleClaimAfter        = 15 * time.Minute

	defaultInitialDelay = time.Minute
	defaultMaxDelay     = time.Hour
	defaultMultiplier   = 2.0

	outcomePublished = "published"
	outcomeRetried   = "retried"
	outcomeFailed    = "failed"
	outcomeSkipped   = "skipped"
	outcomeError     = "error"
)
