package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/t77yq/post-scheduler/internal/model"
)

// AdminSecretHeader carries the shared admin secret
const AdminSecretHeader = "X-Admin-Secret"

// Scheduler is the engine surface the admin API drives
type Scheduler interface {
	TriggerNow(ctx context.Context) (model.ScanReport, error)
	Schedule(ctx context.Context, post *model.ScheduledPost) error
	Cancel(ctx context.Context, id string) (bool, error)
	Reschedule(ctx context.Context, id string, at time.Time) (bool, error)
	Post(ctx context.Context, id string) (*model.ScheduledPost, error)
	Stats() model.EngineStats
}

// JobController restarts and reports trigger jobs
type JobController interface {
	RestartJob(name string) bool
	Status() []model.JobStatus
}

// PostCatalog lists posts and stores their content
type PostCatalog interface {
	List(ctx context.Context, status model.PostStatus, limit int) ([]*model.ScheduledPost, error)
	PutContent(ctx context.Context, content *model.Content) error
}

// SystemSampler returns the latest host resource sample
type SystemSampler interface {
	Latest() model.SystemStats
}

// BreakerReporter exposes per-platform circuit breaker state
type BreakerReporter interface {
	Platforms() []model.Platform
	BreakerState(platform model.Platform) (string, bool)
}

// AlertSource returns recently raised alerts
type AlertSource interface {
	Recent() []model.Alert
}

// HealthChecker reports whether a dependency is reachable
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Deps are the collaborators behind the admin API. Health, System, Breakers,
// Alerts and Gatherer are optional.
type Deps struct {
	Scheduler Scheduler
	Jobs      JobController
	Catalog   PostCatalog
	Health    HealthChecker
	System    SystemSampler
	Breakers  BreakerReporter
	Alerts    AlertSource
	Gatherer  prometheus.Gatherer
}

// Server serves the admin API
type Server struct {
	logger *zap.Logger
	secret []byte
	deps   Deps
}

// NewServer creates the admin API. An empty secret rejects every admin request.
func NewServer(logger *zap.Logger, secret string, deps Deps) *Server {
	return &Server{
		logger: logger.Named("api"),
		secret: []byte(secret),
		deps:   deps,
	}
}

// Router builds the gin engine
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(s.recovery(), s.requestLogger())

	router.GET("/health", s.handleHealth)
	if s.deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	admin := router.Group("/admin", s.requireSecret())
	admin.POST("/jobs", s.handleJobAction)
	admin.GET("/status", s.handleStatus)
	admin.GET("/alerts", s.handleAlerts)
	admin.GET("/posts", s.handleListPosts)
	admin.POST("/posts", s.handleSchedulePost)
	admin.GET("/posts/:id", s.handleGetPost)
	admin.POST("/posts/:id/cancel", s.handleCancelPost)
	admin.POST("/posts/:id/reschedule", s.handleReschedulePost)

	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.deps.Health.Health(ctx); err != nil {
			s.logger.Warn("Health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) requireSecret() gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := []byte(c.GetHeader(AdminSecretHeader))
		if len(s.secret) == 0 || subtle.ConstantTimeCompare(provided, s.secret) != 1 {
			s.logger.Warn("Rejected admin request",
				zap.String("path", c.Request.URL.Path),
				zap.String("client_ip", c.ClientIP()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.logger.Info("HTTP request",
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Panic in HTTP handler",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
		}()
		c.Next()
	}
}
