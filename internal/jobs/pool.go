package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"forwarding-audit-go/internal/apperr"
	"forwarding-audit-go/internal/metrics"
	"forwarding-audit-go/internal/model"
	"forwarding-audit-go/internal/report"
	"forwarding-audit-go/internal/repository"
)

// finishAttempts bounds the retries of a job's terminal status update
const finishAttempts = 3

// Pool runs a fixed number of workers, each processing one job at a time
type Pool struct {
	queue     Queue
	store     StatusStore
	repo      repository.Repository
	renderer  report.Renderer
	artifacts report.ArtifactStore
	metrics   *metrics.Metrics

	workers      int
	errorBackoff time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	active  atomic.Int64
}

// PoolOption configures a Pool
type PoolOption func(*Pool)

// WithWorkers sets the number of concurrent workers
func WithWorkers(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithErrorBackoff sets how long a worker waits after a queue error
func WithErrorBackoff(d time.Duration) PoolOption {
	return func(p *Pool) { p.errorBackoff = d }
}

// WithMetrics records job outcomes on m
func WithMetrics(m *metrics.Metrics) PoolOption {
	return func(p *Pool) { p.metrics = m }
}

// NewPool creates a stopped pool
func NewPool(queue Queue, store StatusStore, repo repository.Repository, renderer report.Renderer, artifacts report.ArtifactStore, opts ...PoolOption) *Pool {
	p := &Pool{
		queue:        queue,
		store:        store,
		repo:         repo,
		renderer:     renderer,
		artifacts:    artifacts,
		workers:      2,
		errorBackoff: time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers. It returns immediately.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		logrus.Warn("Report worker pool is already running")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.running = true

	logrus.Infof("Starting report worker pool with %d workers", p.workers)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i)
	}
}

// Stop stops dequeuing and waits for in-flight jobs to finish. Running jobs
// are never cancelled; if ctx expires first Stop returns ctx.Err() and the
// jobs complete in the background.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	logrus.Info("Stopping report worker pool")

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logrus.Info("Report worker pool stopped")
		return nil
	case <-ctx.Done():
		logrus.Warn("Report worker pool stop timed out with jobs still running")
		return ctx.Err()
	}
}

// IsRunning reports whether the workers are started
func (p *Pool) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Active returns the number of jobs currently being processed
func (p *Pool) Active() int64 {
	return p.active.Load()
}

// Workers returns the configured worker count
func (p *Pool) Workers() int {
	return p.workers
}

func (p *Pool) loop(ctx context.Context, worker int) {
	defer p.wg.Done()

	for {
		d, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrQueueClosed) {
				return
			}
			logrus.WithError(err).WithField("worker", worker).Error("Failed to dequeue report job")
			select {
			case <-time.After(p.errorBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}

		// Jobs run to completion even when the pool is stopping.
		p.active.Add(1)
		p.Process(context.WithoutCancel(ctx), d)
		p.active.Add(-1)
	}
}

// Process handles a single delivery. It is exported for callers that drive
// the queue themselves.
func (p *Pool) Process(ctx context.Context, d *Delivery) {
	msg := d.Message
	logger := logrus.WithFields(logrus.Fields{
		"job_id": msg.JobID,
		"kind":   msg.Kind,
	})

	if msg.JobID == "" {
		p.ack(ctx, d, logger)
		return
	}

	job, err := p.store.Get(ctx, msg.JobID)
	if errors.Is(err, apperr.ErrNotFound) {
		logger.Warn("Dropping message for unknown report job")
		p.ack(ctx, d, logger)
		return
	}
	if err != nil {
		// Left unacknowledged so a durable queue can redeliver it.
		logger.WithError(err).Error("Failed to load report job")
		return
	}
	if job.Status.Terminal() {
		logger.WithField("status", job.Status).Info("Skipping redelivered report job")
		p.ack(ctx, d, logger)
		return
	}

	if _, err := p.store.Transition(ctx, job.ID, model.JobRunning, "", ""); err != nil {
		if IsInvalidTransition(err) {
			p.ack(ctx, d, logger)
		}
		logger.WithError(err).Error("Failed to mark report job running")
		return
	}

	start := time.Now()
	path, runErr := p.generate(ctx, job)
	status := model.JobSucceeded
	errMsg := ""
	if runErr != nil {
		status = model.JobFailed
		errMsg = runErr.Error()
	}

	status, err = p.finish(ctx, job.ID, status, path, errMsg, logger)
	if err != nil {
		if IsInvalidTransition(err) {
			p.ack(ctx, d, logger)
		}
		logger.WithError(err).Error("Failed to record report job outcome")
		return
	}

	if p.metrics != nil {
		p.metrics.JobsCompleted.WithLabelValues(string(job.Kind), string(status)).Inc()
		p.metrics.JobDuration.Observe(time.Since(start).Seconds())
	}
	if status == model.JobFailed {
		logger.WithField("error", errMsg).Error("Report job failed")
	} else {
		logger.WithField("path", path).Info("Report job succeeded")
	}

	p.ack(ctx, d, logger)
}

// finish records the terminal status, retrying transient store errors. When a
// success cannot be recorded it falls back to marking the job failed, so a
// queue without redelivery does not leave it running.
// It returns the status actually recorded.
func (p *Pool) finish(ctx context.Context, id string, status model.JobStatus, path, errMsg string, logger *logrus.Entry) (model.JobStatus, error) {
	err := p.transitionWithRetry(ctx, id, status, path, errMsg, logger)
	if err == nil || IsInvalidTransition(err) || status == model.JobFailed {
		return status, err
	}
	logger.WithError(err).Warn("Could not record report job success, marking it failed")
	return model.JobFailed, p.transitionWithRetry(ctx, id, model.JobFailed, "", "failed to record outcome: "+err.Error(), logger)
}

func (p *Pool) transitionWithRetry(ctx context.Context, id string, status model.JobStatus, path, errMsg string, logger *logrus.Entry) error {
	var err error
	for attempt := 1; attempt <= finishAttempts; attempt++ {
		if _, err = p.store.Transition(ctx, id, status, path, errMsg); err == nil || IsInvalidTransition(err) {
			return err
		}
		if attempt == finishAttempts {
			break
		}
		logger.WithError(err).WithField("attempt", attempt).Warn("Retrying report job status update")
		select {
		case <-time.After(time.Duration(attempt) * p.errorBackoff):
		case <-ctx.Done():
			return err
		}
	}
	return err
}

func (p *Pool) ack(ctx context.Context, d *Delivery, logger *logrus.Entry) {
	if err := d.Ack(ctx); err != nil {
		logger.WithError(err).Warn("Failed to acknowledge report job message")
	}
}

// generate snapshots the repository, renders and stores the document
func (p *Pool) generate(ctx context.Context, job *model.ReportJob) (path string, err error) {
	defer func() {
		if r := recover(); r != nil {
			path = ""
			err = apperr.Render(fmt.Errorf("panic: %v", r))
		}
	}()

	snap, err := p.repo.Snapshot(ctx, report.NeedsFilters(job.Kind))
	if err != nil {
		return "", fmt.Errorf("failed to snapshot repository: %w", err)
	}

	data, err := p.renderer.Render(ctx, report.BuildInput(job.Kind, snap))
	if err != nil {
		return "", apperr.Render(err)
	}

	return p.artifacts.Write(job.ArtifactName, data)
}
