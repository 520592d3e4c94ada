package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/post-scheduler/internal/model"
	"github.com/t77yq/post-scheduler/internal/storage"
)

// Admin job actions
const (
	ActionProcessPosts = "process_posts"
	ActionRestartJob   = "restart_job"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type jobActionRequest struct {
	Action  string `json:"action" binding:"required"`
	JobName string `json:"jobName"`
}

type schedulePostRequest struct {
	OwnerID       string     `json:"owner_id" binding:"required"`
	ContentRef    string     `json:"content_ref"`
	Content       *contentIn `json:"content"`
	Platforms     []string   `json:"platforms" binding:"required"`
	ScheduledTime time.Time  `json:"scheduled_time"`
}

type contentIn struct {
	Title     string   `json:"title"`
	Text      string   `json:"text"`
	MediaURLs []string `json:"media_urls"`
}

type rescheduleRequest struct {
	ScheduledTime time.Time `json:"scheduled_time"`
}

// StatusResponse is returned by GET /admin/status
type StatusResponse struct {
	Jobs      []model.JobStatus  `json:"jobs"`
	Engine    model.EngineStats  `json:"engine"`
	System    *model.SystemStats `json:"system,omitempty"`
	Platforms []PlatformHealth   `json:"platforms,omitempty"`
}

// PlatformHealth reports a platform's circuit breaker state
type PlatformHealth struct {
	Platform model.Platform `json:"platform"`
	Breaker  string         `json:"breaker"`
}

func (s *Server) handleJobAction(c *gin.Context) {
	var req jobActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	switch req.Action {
	case ActionProcessPosts:
		report, err := s.deps.Scheduler.TriggerNow(c.Request.Context())
		if err != nil {
			s.logger.Error("Manual scan failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"action": req.Action, "report": report})

	case ActionRestartJob:
		if req.JobName == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "jobName is required"})
			return
		}
		if !s.deps.Jobs.RestartJob(req.JobName) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found", "jobName": req.JobName})
			return
		}
		c.JSON(http.StatusOK, gin.H{"action": req.Action, "jobName": req.JobName, "restarted": true})

	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action", "action": req.Action})
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := StatusResponse{
		Jobs:   s.deps.Jobs.Status(),
		Engine: s.deps.Scheduler.Stats(),
	}
	if s.deps.System != nil {
		latest := s.deps.System.Latest()
		resp.System = &latest
	}
	if s.deps.Breakers != nil {
		for _, p := range s.deps.Breakers.Platforms() {
			state, _ := s.deps.Breakers.BreakerState(p)
			resp.Platforms = append(resp.Platforms, PlatformHealth{Platform: p, Breaker: state})
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAlerts(c *gin.Context) {
	alerts := []model.Alert{}
	if s.deps.Alerts != nil {
		alerts = s.deps.Alerts.Recent()
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

func (s *Server) handleListPosts(c *gin.Context) {
	status := model.PostStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		return
	}

	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxListLimit)
	}

	posts, err := s.deps.Catalog.List(c.Request.Context(), status, limit)
	if err != nil {
		s.logger.Error("Failed to list posts", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list posts"})
		return
	}

	views := make([]PostView, 0, len(posts))
	for _, p := range posts {
		views = append(views, NewPostView(p))
	}
	c.JSON(http.StatusOK, gin.H{"posts": views})
}

func (s *Server) handleSchedulePost(c *gin.Context) {
	var req schedulePostRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ScheduledTime.IsZero() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	ctx := c.Request.Context()
	platforms := make([]model.Platform, 0, len(req.Platforms))
	for _, p := range req.Platforms {
		platforms = append(platforms, model.Platform(p))
	}

	ref := strings.TrimSpace(req.ContentRef)
	if req.Content != nil && ref == "" {
		ref = "content-" + uuid.New().String()
	}

	post, err := model.NewScheduledPost(req.OwnerID, ref, platforms, req.ScheduledTime)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Content != nil {
		content := &model.Content{
			Ref:       ref,
			Title:     req.Content.Title,
			Text:      req.Content.Text,
			MediaURLs: req.Content.MediaURLs,
		}
		if err := s.deps.Catalog.PutContent(ctx, content); err != nil {
			s.logger.Error("Failed to store content", zap.String("ref", ref), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store content"})
			return
		}
	}

	if err := s.deps.Scheduler.Schedule(ctx, post); err != nil {
		if errors.Is(err, storage.ErrDuplicatePost) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error("Failed to schedule post", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to schedule post"})
		return
	}
	c.JSON(http.StatusCreated, NewPostView(post))
}

func (s *Server) handleGetPost(c *gin.Context) {
	post, err := s.deps.Scheduler.Post(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.postError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewPostView(post))
}

func (s *Server) handleCancelPost(c *gin.Context) {
	id := c.Param("id")
	ok, err := s.deps.Scheduler.Cancel(c.Request.Context(), id)
	if err != nil {
		s.postError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "post is not pending", "id": id})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "cancelled": true})
}

func (s *Server) handleReschedulePost(c *gin.Context) {
	var req rescheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ScheduledTime.IsZero() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	id := c.Param("id")
	ok, err := s.deps.Scheduler.Reschedule(c.Request.Context(), id, req.ScheduledTime)
	if err != nil {
		s.postError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "post is not pending", "id": id})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "scheduled_time": req.ScheduledTime.UTC()})
}

func (s *Server) postError(c *gin.Context, err error) {
	if errors.Is(err, storage.ErrPostNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "post not found", "id": c.Param("id")})
		return
	}
	s.logger.Error("Post operation failed", zap.String("id", c.Param("id")), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
