package scheduler

import "github.com/t77yq/post-scheduler/internal/model"

// Outcome is the aggregate view of a post's publish results
type Outcome struct {
	AllSucceeded bool
	AnySucceeded bool
	Succeeded    []model.Platform
	Pending      []model.Platform
}

// LatestResults returns the most recent result recorded for each platform.
// Results for platforms outside the target set are ignored.
func LatestResults(results []model.PublishResult, platforms []model.Platform) map[model.Platform]model.PublishResult {
	targets := make(map[model.Platform]struct{}, len(platforms))
	for _, p := range platforms {
		targets[p] = struct{}{}
	}

	latest := make(map[model.Platform]model.PublishResult, len(platforms))
	for _, r := range results {
		if _, ok := targets[r.Platform]; !ok {
			continue
		}
		latest[r.Platform] = r
	}
	return latest
}

// Summarize derives the aggregate outcome from the result log.
func Summarize(results []model.PublishResult, platforms []model.Platform) Outcome {
	latest := LatestResults(results, platforms)

	var out Outcome
	for _, p := range platforms {
		if r, ok := latest[p]; ok && r.Success {
			out.Succeeded = append(out.Succeeded, p)
			continue
		}
		out.Pending = append(out.Pending, p)
	}
	out.AnySucceeded = len(out.Succeeded) > 0
	out.AllSucceeded = len(platforms) > 0 && len(out.Pending) == 0
	return out
}

// PendingPlatforms lists the platforms that still need an attempt, in
// platform order. A platform whose latest attempt succeeded is never retried.
func PendingPlatforms(post *model.ScheduledPost) []model.Platform {
	return Summarize(post.PublishResults, post.Platforms).Pending
}
