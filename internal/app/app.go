package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"forwarding-audit-go/internal/backend"
	"forwarding-audit-go/internal/config"
	"forwarding-audit-go/internal/jobs"
	"forwarding-audit-go/internal/metrics"
	"forwarding-audit-go/internal/report"
	"forwarding-audit-go/internal/scheduler"
	"forwarding-audit-go/internal/server"
)

// App holds every long-lived component of the process
type App struct {
	Config    *config.Config
	Metrics   *metrics.Metrics
	Selection *backend.Selection
	Artifacts *report.DirStore
	Store     jobs.StatusStore
	Queue     jobs.Queue
	Service   *jobs.Service
	Pool      *jobs.Pool
	Scheduler *scheduler.Scheduler

	redis redis.UniversalClient
}

// LoadConfig loads and validates configuration and applies the log settings
func LoadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	if err := ConfigureLogging(cfg.Log); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ConfigureLogging sets the logrus formatter and level
func ConfigureLogging(cfg config.LogConfig) error {
	switch cfg.Format {
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	logrus.SetLevel(level)
	return nil
}

// New builds the components without starting any goroutines. reg receives
// the metrics; pass prometheus.DefaultRegisterer in production.
func New(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (*App, error) {
	a := &App{
		Config:  cfg,
		Metrics: metrics.NewMetrics(reg),
	}
	a.Selection = backend.Select(ctx, cfg, a.Metrics)

	artifacts, err := report.NewDirStore(cfg.Reports.Dir)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Artifacts = artifacts

	if cfg.Reports.Queue == "redis" || cfg.Reports.JobStore == "redis" {
		if err := a.connectRedis(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.Store = a.jobStore()
	if a.Queue, err = a.jobQueue(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.Service = jobs.NewService(a.Store, a.Queue, a.Artifacts, a.Metrics)
	a.Pool = jobs.NewPool(a.Queue, a.Store, a.Selection.Repository, report.NewPDFRenderer(), a.Artifacts,
		jobs.WithWorkers(cfg.Reports.Workers),
		jobs.WithMetrics(a.Metrics),
	)

	if cfg.Scheduler.Enabled {
		if a.Scheduler, err = scheduler.NewScheduler(&cfg.Scheduler, a.Service); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *App) connectRedis(ctx context.Context) error {
	rc := a.Config.Redis
	a.redis = redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.redis.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis at %s: %w", rc.Addr, err)
	}
	logrus.Infof("Connected to redis at %s", rc.Addr)
	return nil
}

func (a *App) jobStore() jobs.StatusStore {
	switch a.Config.Reports.JobStore {
	case "database":
		if a.Selection.DB != nil {
			logrus.Info("Using database report job store")
			return jobs.NewGormStore(a.Selection.DB)
		}
		logrus.Warn("Database job store requested but the relational backend is not active, using memory")
	case "redis":
		logrus.Info("Using redis report job store")
		return jobs.NewRedisStore(a.redis, a.Config.Redis.KeyPrefix)
	}
	return jobs.NewMemoryStore()
}

func (a *App) jobQueue(ctx context.Context) (jobs.Queue, error) {
	if a.Config.Reports.Queue != "redis" {
		return jobs.NewMemoryQueue(a.Config.Reports.QueueBuffer), nil
	}
	q := jobs.NewRedisQueue(a.redis, a.Config.Redis.KeyPrefix, a.Config.Reports.PollInterval)
	n, err := q.Recover(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		logrus.Warnf("Requeued %d report jobs left in processing by a previous run", n)
	}
	return q, nil
}

// Close releases the queue, redis connection and repository
func (a *App) Close() error {
	var errs []error
	if a.Queue != nil {
		errs = append(errs, a.Queue.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.Selection != nil && a.Selection.Repository != nil {
		errs = append(errs, a.Selection.Repository.Close())
	}
	return errors.Join(errs...)
}

// Run initializes and starts the service and blocks until SIGINT/SIGTERM
func Run() error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	logrus.Info("Starting Forwarding Audit Service")

	a, err := New(context.Background(), cfg, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logrus.Errorf("Failed to close resources: %v", err)
		}
	}()

	// A nil *Scheduler must not become a non-nil interface
	var sched server.SchedulerState
	if a.Scheduler != nil {
		sched = a.Scheduler
	}
	h := server.NewHandlers(a.Selection, a.Pool, sched, prometheus.DefaultGatherer)
	router := server.SetupRouter(h)
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	a.Pool.Start()
	if a.Scheduler != nil {
		if err := a.Scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	go func() {
		logrus.Infof("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.Scheduler != nil {
		if err := a.Scheduler.Stop(); err != nil {
			logrus.Errorf("Failed to stop scheduler: %v", err)
		}
		a.Scheduler.Wait()
	}

	if err := srv.Shutdown(ctx); err != nil {
		logrus.Errorf("HTTP server shutdown error: %v", err)
	}

	if err := a.Pool.Stop(ctx); err != nil {
		logrus.Errorf("Report workers did not finish: %v", err)
	}

	logrus.Info("Server stopped gracefully")
	return nil
}
