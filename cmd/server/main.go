package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/t77yq/post-scheduler/internal/api"
	"github.com/t77yq/post-scheduler/internal/config"
	"github.com/t77yq/post-scheduler/internal/events"
	"github.com/t77yq/post-scheduler/internal/monitor"
	"github.com/t77yq/post-scheduler/internal/publisher"
	"github.com/t77yq/post-scheduler/internal/scheduler"
	"github.com/t77yq/post-scheduler/internal/storage"
)

// postStore is what the service needs from a storage backend
type postStore interface {
	scheduler.PostStore
	scheduler.ContentProvider
	api.PostCatalog
	api.HealthChecker
	Close() error
}

func main() {
	configPath := flag.String("config", "", "path to the config file (default ./config/config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server exited with error", zap.Error(err))
	}
	logger.Info("Server shutting down gracefully")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close store", zap.Error(err))
		}
	}()

	registry := publisher.NewRegistry(logger, cfg.Breaker.Publisher())
	for _, p := range cfg.Platforms {
		if err := registry.Configure(p.Platform(), p.PlatformConfig); err != nil {
			return fmt.Errorf("failed to configure publisher: %w", err)
		}
	}
	logger.Info("Publishers configured", zap.Int("platforms", len(registry.Platforms())))

	policy, err := cfg.Scheduler.RetryPolicy()
	if err != nil {
		return fmt.Errorf("invalid retry policy: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitor.NewMetrics(reg)

	collector := monitor.NewMetricsCollector(metrics, cfg.Metrics.CollectInterval, logger)
	collector.Start(ctx)
	defer collector.Stop()

	var sink scheduler.EventSink = events.NopSink{}
	var alerts *monitor.AlertManager
	if cfg.NATS.Enabled {
		nc, err := connectNATS(cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := nc.Drain(); err != nil {
				logger.Warn("Failed to drain NATS connection", zap.Error(err))
			}
		}()

		js, err := nc.JetStream()
		if err != nil {
			return fmt.Errorf("failed to create JetStream context: %w", err)
		}

		jsSink, err := events.NewJetStreamSink(js, logger, cfg.NATS.EventMaxAge)
		if err != nil {
			return err
		}
		sink = jsSink

		alerts = monitor.NewAlertManager(logger, js, metrics)
		alerts.AddChannel(monitor.NewLogChannel(logger))
		if cfg.Alerts.SlackToken != "" {
			alerts.AddChannel(monitor.NewSlackChannel(cfg.Alerts.SlackToken, cfg.Alerts.SlackChannel, cfg.Alerts.SlackAPIURL))
		}
		if err := alerts.Start(ctx); err != nil {
			return err
		}
		defer alerts.Stop()
	}

	engine := scheduler.NewEngine(store, registry, store, policy, cfg.Scheduler.Engine(), logger,
		scheduler.WithEventSink(sink),
		scheduler.WithMetrics(metrics),
	)

	trigger := scheduler.NewCronTrigger(logger)
	if err := trigger.AddJob(scheduler.JobProcessScheduledPosts, cfg.Scheduler.ScanInterval, func(ctx context.Context) error {
		_, err := engine.Scan(ctx)
		return err
	}); err != nil {
		return err
	}
	if err := trigger.AddJob(scheduler.JobRecoverStaleClaims, cfg.Scheduler.StaleCheckInterval, engine.RecoverStaleClaims); err != nil {
		return err
	}

	// Jobs run on their own context so a scan in flight at shutdown can finish
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()
	trigger.Start(jobCtx)

	deps := api.Deps{
		Scheduler: engine,
		Jobs:      trigger,
		Catalog:   store,
		Health:    store,
		System:    collector,
		Breakers:  registry,
		Gatherer:  reg,
	}
	if alerts != nil {
		deps.Alerts = alerts
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.API.AdminSecret == "" {
		logger.Warn("No admin secret configured, admin routes will reject every request")
	}

	srv := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      api.NewServer(logger, cfg.API.AdminSecret, deps).Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", cfg.API.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server forced to shutdown", zap.Error(err))
	}
	if err := trigger.Stop(shutdownCtx); err != nil {
		logger.Warn("Trigger did not stop cleanly, releasing claims on next start", zap.Error(err))
	}
	return nil
}

func openStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (postStore, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logger.Warn("Using in-memory storage, posts are lost on restart")
		return storage.NewMemoryStore(), nil
	case config.DriverSQLite:
		store, err := storage.NewSQLiteStore(logger, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return store, nil
	case config.DriverPostgres:
		store, err := storage.NewPostgresStore(ctx, logger, cfg.PostgresURL, cfg.PostgresMaxConns)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func connectNATS(cfg *config.Config, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var (
		nc  *nats.Conn
		err error
	)
	const maxAttempts = 5
	for i := 0; i < maxAttempts; i++ {
		nc, err = nats.Connect(cfg.NATS.URL, opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", maxAttempts, err)
	}

	logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}

var (
	_ postStore = (*storage.MemoryStore)(nil)
	_ postStore = (*storage.SQLiteStore)(nil)
	_ postStore = (*storage.PostgresStore)(nil)
)
