package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"forwarding-audit-go/internal/config"
	"forwarding-audit-go/internal/model"
)

// Submitter queues a report job
type Submitter interface {
	Submit(ctx context.Context, kind model.ReportKind, requestedName string) (string, error)
}

// Scheduler submits a report of one kind on a cron schedule
type Scheduler struct {
	cron      *cron.Cron
	entryID   cron.EntryID
	spec      string
	kind      model.ReportKind
	submitter Submitter
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
	lastRun   time.Time
	lastJobID string
	mu        sync.RWMutex
}

// NewScheduler creates a stopped scheduler from cfg
func NewScheduler(cfg *config.SchedulerConfig, submitter Submitter) (*Scheduler, error) {
	kind, err := model.ParseReportKind(cfg.Kind)
	if err != nil {
		return nil, fmt.Errorf("invalid scheduler kind: %w", err)
	}
	if _, err := cron.ParseStandard(cfg.Cron); err != nil {
		return nil, fmt.Errorf("invalid scheduler cron %q: %w", cfg.Cron, err)
	}

	return &Scheduler{
		spec:      cfg.Cron,
		kind:      kind,
		submitter: submitter,
	}, nil
}

// Start starts the scheduler
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("scheduler is already running")
	}

	// A fresh cron and context per start keeps a restart from doubling entries
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = cron.New()

	entryID, err := s.cron.AddFunc(s.spec, s.submitReport)
	if err != nil {
		s.cancel()
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.entryID = entryID
	s.cron.Start()
	s.isRunning = true

	logrus.Infof("Scheduler started: %s report on %q", s.kind, s.spec)
	return nil
}

// Stop stops the scheduler
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false

	// Cancel context to stop any running submission
	s.cancel()
	c := s.cron
	s.mu.Unlock()

	// Stop the cron scheduler and wait for a running tick outside the lock
	ctx := c.Stop()
	select {
	case <-ctx.Done():
		logrus.Info("Scheduler stopped gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Scheduler stop timeout, forcing shutdown")
	}
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// submitReport is the function that runs on every tick
func (s *Scheduler) submitReport() {
	s.wg.Add(1)
	defer s.wg.Done()

	s.mu.RLock()
	if !s.isRunning {
		s.mu.RUnlock()
		logrus.Info("Scheduler not running, skipping report submission")
		return
	}
	ctx := s.ctx
	s.mu.RUnlock()

	if _, err := s.submit(ctx); err != nil {
		logrus.Errorf("Scheduled %s report submission failed: %v", s.kind, err)
	}
}

func (s *Scheduler) submit(ctx context.Context) (string, error) {
	id, err := s.submitter.Submit(ctx, s.kind, "")

	s.mu.Lock()
	s.lastRun = time.Now()
	if err == nil {
		s.lastJobID = id
	}
	s.mu.Unlock()

	if err != nil {
		return "", err
	}
	logrus.WithFields(logrus.Fields{"job_id": id, "kind": s.kind}).Info("Scheduled report submitted")
	return id, nil
}

// RunOnce submits one report immediately (for manual triggering)
func (s *Scheduler) RunOnce(ctx context.Context) (string, error) {
	logrus.Infof("Submitting %s report once", s.kind)
	s.wg.Add(1)
	defer s.wg.Done()
	return s.submit(ctx)
}

// GetNextRun returns the time of the next scheduled run
func (s *Scheduler) GetNextRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.isRunning {
		return time.Time{}
	}

	entry := s.cron.Entry(s.entryID)
	return entry.Next
}

// GetLastRun returns the time of the last submission, scheduled or manual
func (s *Scheduler) GetLastRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun
}

// LastJobID returns the id of the last successfully submitted job
func (s *Scheduler) LastJobID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastJobID
}

// Kind returns the report kind submitted on each tick
func (s *Scheduler) Kind() model.ReportKind {
	return s.kind
}

// Wait waits for in-flight submissions to return
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
