package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/post-scheduler/internal/model"
)

// EngineConfig defines configuration for the scheduling engine
type EngineConfig struct {
	MaxConcurrentPosts     int
	MaxConcurrentPlatforms int
	PublishTimeout         time.Duration
	ResolveTimeout         time.Duration
	StaleClaimAfter        time.Duration
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.MaxConcurrentPosts <= 0 {
		c.MaxConcurrentPosts = defaultMaxConcurrentPosts
	}
	if c.MaxConcurrentPlatforms <= 0 {
		c.MaxConcurrentPlatforms = defaultMaxConcurrentPlatforms
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = defaultPublishTimeout
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = defaultResolveTimeout
	}
	if c.StaleClaimAfter <= 0 {
		c.StaleClaimAfter = defaultStaleClaimAfter
	}
	return c
}

// MaxDispatchDuration is the longest a single dispatch of a post with the
// given number of platforms can run: one content resolve followed by the
// platform publishes in batches of MaxConcurrentPlatforms.
func (c EngineConfig) MaxDispatchDuration(platforms int) time.Duration {
	c = c.withDefaults()
	if platforms < 1 {
		platforms = 1
	}
	batches := (platforms + c.MaxConcurrentPlatforms - 1) / c.MaxConcurrentPlatforms
	return c.ResolveTimeout + time.Duration(batches)*c.PublishTimeout
}

// EngineOption customises an Engine
type EngineOption func(*Engine)

// WithEventSink sets the sink that receives post lifecycle events
func WithEventSink(sink EventSink) EngineOption {
	return func(e *Engine) {
		if sink != nil {
			e.events = sink
		}
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(m MetricsRecorder) EngineOption {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine scans for due posts and dispatches them to their platforms
type Engine struct {
	logger    *zap.Logger
	cfg       EngineConfig
	store     PostStore
	publisher PlatformPublisher
	content   ContentProvider
	policy    *RetryPolicy
	events    EventSink
	metrics   MetricsRecorder
	now       func() time.Time

	mu    sync.RWMutex
	stats model.EngineStats
}

// NewEngine creates a new scheduling engine
func NewEngine(store PostStore, publisher PlatformPublisher, content ContentProvider, policy *RetryPolicy, cfg EngineConfig, logger *zap.Logger, opts ...EngineOption) *Engine {
	if policy == nil {
		policy = &RetryPolicy{MaxRetries: defaultMaxRetries, Backoff: DefaultBackoff()}
	}
	e := &Engine{
		logger:    logger.Named("engine"),
		cfg:       cfg.withDefaults(),
		store:     store,
		publisher: publisher,
		content:   content,
		policy:    policy,
		events:    nopSink{},
		metrics:   nopMetrics{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Scan dispatches every due post. Per-post failures are counted in the
// report; only a failure to query the store is returned as an error.
func (e *Engine) Scan(ctx context.Context) (model.ScanReport, error) {
	began := time.Now()
	now := e.now()
	report := model.ScanReport{StartedAt: now.UTC()}

	due, err := e.store.FindDue(ctx, now)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		report.Duration = time.Since(began)
		e.recordScan(report, err)
		e.logger.Error("Scan failed", zap.Error(err))
		return report, err
	}
	report.Due = len(due)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(e.cfg.MaxConcurrentPosts)

	for _, post := range due {
		post := post
		g.Go(func() error {
			outcome := e.dispatch(ctx, post.ID)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomePublished:
				report.Attempted++
				report.Published++
			case outcomeRetried:
				report.Attempted++
				report.Retried++
			case outcomeFailed:
				report.Attempted++
				report.Failed++
			case outcomeSkipped:
				report.Skipped++
			case outcomeError:
				report.Errors++
			}
			return nil
		})
	}
	// Workers never return an error; Wait only joins them.
	_ = g.Wait()

	report.Duration = time.Since(began)
	e.recordScan(report, nil)

	if report.Due > 0 {
		e.logger.Info("Scan completed",
			zap.Int("due", report.Due),
			zap.Int("attempted", report.Attempted),
			zap.Int("published", report.Published),
			zap.Int("retried", report.Retried),
			zap.Int("failed", report.Failed),
			zap.Int("skipped", report.Skipped),
			zap.Int("errors", report.Errors),
			zap.Duration("duration", report.Duration))
	}
	return report, nil
}

// TriggerNow runs a scan out of band. It may overlap a scheduled scan; the
// claim step keeps a post from being dispatched twice.
func (e *Engine) TriggerNow(ctx context.Context) (model.ScanReport, error) {
	e.logger.Info("Manual scan triggered")
	return e.Scan(ctx)
}

// dispatch claims and processes a single post, returning its outcome label.
func (e *Engine) dispatch(ctx context.Context, id string) string {
	logger := e.logger.With(zap.String("post_id", id))

	token, claimed, err := e.store.Claim(ctx, id, e.now())
	if err != nil {
		logger.Error("Failed to claim post", zap.Error(err))
		e.metrics.ObserveDispatch(outcomeError)
		return outcomeError
	}
	if !claimed {
		logger.Debug("Post already claimed, skipping")
		e.metrics.ObserveDispatch(outcomeSkipped)
		return outcomeSkipped
	}

	// Once claimed, the attempt runs to completion and its outcome is
	// persisted even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	// The scan snapshot may predate another dispatcher's save, so work from
	// the row as it is now.
	post, err := e.store.FindByID(ctx, id)
	if err != nil {
		logger.Error("Failed to load claimed post", zap.Error(err))
		e.release(ctx, id, token, logger)
		e.metrics.ObserveDispatch(outcomeError)
		return outcomeError
	}

	stopHeartbeat := e.keepClaim(ctx, id, token, logger)
	results := e.publishPending(ctx, post)
	stopHeartbeat()
	post.PublishResults = append(post.PublishResults, results...)

	now := e.now()
	outcome := Summarize(post.PublishResults, post.Platforms)
	decision := e.policy.Decide(post.RetryCount, outcome, now)

	var label string
	var event model.EventType
	switch decision.Action {
	case ActionPublish:
		post.Status = model.PostStatusPublished
		label, event = outcomePublished, model.EventPublished
	case ActionRetry:
		post.Status = model.PostStatusPending
		post.RetryCount++
		post.ScheduledTime = decision.NextAttempt.UTC()
		label, event = outcomeRetried, model.EventRetryScheduled
	default:
		post.Status = model.PostStatusFailed
		label, event = outcomeFailed, model.EventFailed
	}
	post.UpdatedAt = now.UTC()

	if err := e.store.Save(ctx, post, token); err != nil {
		logger.Error("Failed to persist post outcome",
			zap.String("status", string(post.Status)),
			zap.Error(err))
		e.release(ctx, id, token, logger)
		e.metrics.ObserveDispatch(outcomeError)
		return outcomeError
	}

	fields := []zap.Field{
		zap.String("status", string(post.Status)),
		zap.Int("retry_count", post.RetryCount),
		zap.Int("attempted_platforms", len(results)),
	}
	switch decision.Action {
	case ActionRetry:
		logger.Warn("Post scheduled for retry", append(fields, zap.Time("next_attempt", post.ScheduledTime))...)
	case ActionFail:
		logger.Error("Post failed after exhausting retries", fields...)
	default:
		logger.Info("Post published", fields...)
	}

	if err := e.events.Emit(ctx, model.NewPostEvent(event, post, now)); err != nil {
		logger.Warn("Failed to emit post event", zap.String("event", string(event)), zap.Error(err))
	}
	e.metrics.ObserveDispatch(label)
	return label
}

// publishPending attempts every platform that still lacks a successful
// result. Results are returned in platform order.
func (e *Engine) publishPending(ctx context.Context, post *model.ScheduledPost) []model.PublishResult {
	pending := PendingPlatforms(post)
	if len(pending) == 0 {
		return nil
	}
	results := make([]model.PublishResult, len(pending))

	rctx, cancel := context.WithTimeout(ctx, e.cfg.ResolveTimeout)
	content, err := e.content.Resolve(rctx, post.ContentRef)
	cancel()
	if err != nil {
		e.logger.Warn("Failed to resolve post content",
			zap.String("post_id", post.ID),
			zap.String("content_ref", post.ContentRef),
			zap.Error(err))
		at := e.now()
		for i, p := range pending {
			results[i] = model.FailedResult(p, fmt.Sprintf("content unavailable: %v", err), at)
		}
		return results
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.MaxConcurrentPlatforms)
	for i, platform := range pending {
		i, platform := i, platform
		g.Go(func() error {
			results[i] = e.publishOne(ctx, post.ID, platform, content)
			return nil
		})
	}
	// Failures are carried in results, never as errors.
	_ = g.Wait()
	return results
}

// publishOne calls the publisher under the configured timeout. A call that
// outlives its deadline is recorded as a "timeout" failure.
func (e *Engine) publishOne(ctx context.Context, postID string, platform model.Platform, content *model.Content) model.PublishResult {
	pctx, cancel := context.WithTimeout(ctx, e.cfg.PublishTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan model.PublishResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- model.FailedResult(platform, fmt.Sprintf("publisher panic: %v", r), e.now())
			}
		}()
		done <- e.publisher.Publish(pctx, platform, content)
	}()

	var result model.PublishResult
	select {
	case result = <-done:
		if !result.Success && errors.Is(pctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			result = model.FailedResult(platform, ErrPublishTimeout.Error(), e.now())
		}
	case <-pctx.Done():
		msg := ErrPublishTimeout.Error()
		if ctx.Err() != nil {
			msg = ctx.Err().Error()
		}
		result = model.FailedResult(platform, msg, e.now())
	}

	result.Platform = platform
	if result.AttemptedAt.IsZero() {
		result.AttemptedAt = e.now().UTC()
	}
	if err := result.Validate(); err != nil {
		result = model.FailedResult(platform, err.Error(), result.AttemptedAt)
	}

	e.metrics.ObserveAttempt(platform, result.Success, time.Since(start))
	if !result.Success {
		e.logger.Warn("Platform publish failed",
			zap.String("post_id", postID),
			zap.String("platform", string(platform)),
			zap.String("error", result.Error))
	}
	return result
}

func (e *Engine) release(ctx context.Context, id, token string, logger *zap.Logger) {
	if err := e.store.Release(ctx, id, token); err != nil {
		logger.Error("Failed to release claim", zap.Error(err))
	}
}

// keepClaim refreshes the claim time in the background until the returned
// stop function is called, so stale claim recovery only picks up posts whose
// dispatcher has gone away.
func (e *Engine) keepClaim(ctx context.Context, id, token string, logger *zap.Logger) func() {
	interval := max(e.cfg.StaleClaimAfter/3, time.Millisecond)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				held, err := e.store.ExtendClaim(ctx, id, token, e.now())
				if err != nil {
					logger.Warn("Failed to extend claim", zap.Error(err))
					continue
				}
				if !held {
					logger.Warn("Claim lost during dispatch")
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// RecoverStaleClaims returns posts stuck in processing for longer than the
// configured threshold to pending.
func (e *Engine) RecoverStaleClaims(ctx context.Context) error {
	cutoff := e.now().Add(-e.cfg.StaleClaimAfter)
	n, err := e.store.ReleaseStale(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to release stale claims: %w", err)
	}
	if n > 0 {
		e.logger.Warn("Released stale claims", zap.Int("count", n), zap.Time("claimed_before", cutoff))
	}
	return nil
}

// Schedule stores a new pending post
func (e *Engine) Schedule(ctx context.Context, post *model.ScheduledPost) error {
	if post.Status != model.PostStatusPending {
		return fmt.Errorf("new post must be pending, got %s", post.Status)
	}
	post.Platforms = model.NormalizePlatforms(post.Platforms)
	if len(post.Platforms) == 0 {
		return model.ErrNoPlatforms
	}
	if err := e.store.Create(ctx, post); err != nil {
		return fmt.Errorf("failed to schedule post: %w", err)
	}
	e.logger.Info("Post scheduled",
		zap.String("post_id", post.ID),
		zap.Time("scheduled_time", post.ScheduledTime),
		zap.Int("platforms", len(post.Platforms)))
	return nil
}

// Cancel cancels a pending post. It reports false when the post is no
// longer pending; a claimed post finishes its current attempt first.
func (e *Engine) Cancel(ctx context.Context, id string) (bool, error) {
	ok, err := e.store.Cancel(ctx, id)
	if err != nil || !ok {
		return ok, err
	}

	e.logger.Info("Post cancelled", zap.String("post_id", id))
	if post, err := e.store.FindByID(ctx, id); err == nil {
		if err := e.events.Emit(ctx, model.NewPostEvent(model.EventCancelled, post, e.now())); err != nil {
			e.logger.Warn("Failed to emit post event", zap.String("post_id", id), zap.Error(err))
		}
	}
	return true, nil
}

// Reschedule moves a pending post to a new scheduled time
func (e *Engine) Reschedule(ctx context.Context, id string, at time.Time) (bool, error) {
	return e.store.Reschedule(ctx, id, at.UTC())
}

// Post returns the stored post
func (e *Engine) Post(ctx context.Context, id string) (*model.ScheduledPost, error) {
	return e.store.FindByID(ctx, id)
}

// Stats returns cumulative scan statistics
func (e *Engine) Stats() model.EngineStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	stats := e.stats
	if e.stats.LastScan != nil {
		last := *e.stats.LastScan
		stats.LastScan = &last
	}
	return stats
}

func (e *Engine) recordScan(report model.ScanReport, err error) {
	e.mu.Lock()
	e.stats.Scans++
	if err != nil {
		e.stats.FailedScans++
		e.stats.LastScanError = err.Error()
	} else {
		e.stats.LastScanError = ""
		e.stats.Totals.Add(report)
	}
	last := report
	e.stats.LastScan = &last
	e.mu.Unlock()

	e.metrics.ObserveScan(report, err)
}
