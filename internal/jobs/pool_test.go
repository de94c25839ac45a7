package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forwarding-audit-go/internal/apperr"
	"forwarding-audit-go/internal/metrics"
	"forwarding-audit-go/internal/model"
	"forwarding-audit-go/internal/report"
	"forwarding-audit-go/internal/repository"
	"forwarding-audit-go/internal/repository/memory"
	"forwarding-audit-go/internal/seed"
)

type renderFunc func(ctx context.Context, in report.Input) ([]byte, error)

func (f renderFunc) Render(ctx context.Context, in report.Input) ([]byte, error) {
	return f(ctx, in)
}

type failingQueue struct{ *MemoryQueue }

func (failingQueue) Enqueue(ctx context.Context, msg Message) error {
	return errors.New("broker unreachable")
}

// flakyStore fails the first failures updates to a given status
type flakyStore struct {
	*MemoryStore
	status   model.JobStatus
	failures int
	mu       sync.Mutex
	calls    int
}

func (s *flakyStore) Transition(ctx context.Context, id string, to model.JobStatus, resultPath, errMsg string) (*model.ReportJob, error) {
	s.mu.Lock()
	if to == s.status {
		s.calls++
		if s.failures < 0 || s.calls <= s.failures {
			s.mu.Unlock()
			return nil, errors.New("database is locked")
		}
	}
	s.mu.Unlock()
	return s.MemoryStore.Transition(ctx, id, to, resultPath, errMsg)
}

type harness struct {
	repo      repository.Repository
	store     *MemoryStore
	queue     *MemoryQueue
	artifacts *report.DirStore
	metrics   *metrics.Metrics
	service   *Service
	pool      *Pool
}

func newHarness(t *testing.T, renderer report.Renderer) *harness {
	t.Helper()
	repo := memory.New()
	_, err := seed.Import(context.Background(), repo, seed.Default())
	require.NoError(t, err)

	artifacts, err := report.NewDirStore(filepath.Join(t.TempDir(), "reports"))
	require.NoError(t, err)

	h := &harness{
		repo:      repo,
		store:     NewMemoryStore(),
		queue:     NewMemoryQueue(16),
		artifacts: artifacts,
		metrics:   metrics.NewMetrics(prometheus.NewRegistry()),
	}
	h.service = NewService(h.store, h.queue, h.artifacts, h.metrics)
	h.pool = NewPool(h.queue, h.store, h.repo, renderer, h.artifacts,
		WithWorkers(2), WithMetrics(h.metrics), WithErrorBackoff(10*time.Millisecond))
	return h
}

func (h *harness) start(t *testing.T) {
	h.pool.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.pool.Stop(ctx)
	})
}

func (h *harness) waitTerminal(t *testing.T, id string) *model.ReportJob {
	t.Helper()
	var job *model.ReportJob
	require.Eventually(t, func() bool {
		var err error
		job, err = h.service.Status(context.Background(), id)
		return err == nil && job.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestSubmitAndGenerateEachKind(t *testing.T) {
	h := newHarness(t, report.NewPDFRenderer())
	h.start(t)
	ctx := context.Background()

	for _, kind := range []model.ReportKind{model.ReportFull, model.ReportStatisticsOnly, model.ReportRulesOnly} {
		id, err := h.service.Submit(ctx, kind, "")
		require.NoError(t, err)

		job := h.waitTerminal(t, id)
		assert.Equal(t, model.JobSucceeded, job.Status, "kind %s: %s", kind, job.Error)
		assert.Equal(t, filepath.Join(h.artifacts.Dir(), job.ArtifactName), job.ResultPath)
		assert.True(t, strings.HasPrefix(job.ArtifactName, string(kind)+"_"))
		require.NotNil(t, job.StartedAt)
		require.NotNil(t, job.CompletedAt)

		data, err := os.ReadFile(job.ResultPath)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(data), "%PDF"))
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.JobsSubmitted.WithLabelValues("full")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.JobsCompleted.WithLabelValues("rules-only", "succeeded")))
}

func TestSubmitWithRequestedName(t *testing.T) {
	h := newHarness(t, report.NewPDFRenderer())
	h.start(t)
	ctx := context.Background()

	id, err := h.service.Submit(ctx, model.ReportFull, "weekly-audit")
	require.NoError(t, err)
	job := h.waitTerminal(t, id)
	require.Equal(t, model.JobSucceeded, job.Status, job.Error)
	assert.Equal(t, "weekly-audit.pdf", job.ArtifactName)
	assert.Equal(t, "weekly-audit", job.RequestedName)

	_, err = h.service.Submit(ctx, model.ReportFull, "weekly-audit.pdf")
	assert.True(t, errors.Is(err, apperr.ErrConflict), "existing artifact: %v", err)
}

func TestSubmitRejectsReservedName(t *testing.T) {
	h := newHarness(t, report.NewPDFRenderer())
	ctx := context.Background()

	_, err := h.service.Submit(ctx, model.ReportFull, "monthly")
	require.NoError(t, err)
	_, err = h.service.Submit(ctx, model.ReportRulesOnly, "monthly")
	assert.True(t, errors.Is(err, apperr.ErrConflict), "name held by a queued job: %v", err)
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, report.NewPDFRenderer())
	ctx := context.Background()

	_, err := h.service.Submit(ctx, model.ReportKind("everything"), "")
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = h.service.Submit(ctx, model.ReportFull, "../outside")
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	jobs, err := h.service.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs, "rejected requests leave no job behind")
}

func TestStatusUnknownJob(t *testing.T) {
	h := newHarness(t, report.NewPDFRenderer())
	_, err := h.service.Status(context.Background(), "does-not-exist")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	_, err = h.service.Status(context.Background(), " ")
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestSubmitEnqueueFailureMarksJobFailed(t *testing.T) {
	h := newHarness(t, report.NewPDFRenderer())
	h.service = NewService(h.store, failingQueue{h.queue}, h.artifacts, h.metrics)
	ctx := context.Background()

	_, err := h.service.Submit(ctx, model.ReportFull, "")
	require.Error(t, err)

	jobs, err := h.service.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobFailed, jobs[0].Status)
	assert.Contains(t, jobs[0].Error, "broker unreachable")
	assert.Empty(t, jobs[0].ResultPath)
}

func TestRenderFailureMarksJobFailed(t *testing.T) {
	h := newHarness(t, renderFunc(func(ctx context.Context, in report.Input) ([]byte, error) {
		return nil, errors.New("font missing")
	}))
	h.start(t)

	id, err := h.service.Submit(context.Background(), model.ReportFull, "broken")
	require.NoError(t, err)
	job := h.waitTerminal(t, id)

	assert.Equal(t, model.JobFailed, job.Status)
	assert.Contains(t, job.Error, "font missing")
	assert.Contains(t, job.Error, apperr.ErrRender.Error())
	assert.Empty(t, job.ResultPath)

	exists, err := h.artifacts.Exists("broken.pdf")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.JobsCompleted.WithLabelValues("full", "failed")))
}

func TestRendererPanicMarksJobFailed(t *testing.T) {
	h := newHarness(t, renderFunc(func(ctx context.Context, in report.Input) ([]byte, error) {
		panic("layout exploded")
	}))
	h.start(t)

	id, err := h.service.Submit(context.Background(), model.ReportRulesOnly, "")
	require.NoError(t, err)
	job := h.waitTerminal(t, id)

	assert.Equal(t, model.JobFailed, job.Status)
	assert.Contains(t, job.Error, "layout exploded")

	// The worker survived the panic and keeps serving
	id, err = h.service.Submit(context.Background(), model.ReportRulesOnly, "")
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, h.waitTerminal(t, id).Status)
}

func TestRendererSeesKindSpecificInput(t *testing.T) {
	seen := make(chan report.Input, 3)
	h := newHarness(t, renderFunc(func(ctx context.Context, in report.Input) ([]byte, error) {
		seen <- in
		return []byte("%PDF-test"), nil
	}))

	ctx := context.Background()
	for _, kind := range []model.ReportKind{model.ReportFull, model.ReportStatisticsOnly, model.ReportRulesOnly} {
		id, err := h.service.Submit(ctx, kind, string(kind))
		require.NoError(t, err)
		d, err := h.queue.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, id, d.Message.JobID)
		h.pool.Process(ctx, d)
	}

	full := <-seen
	require.NotNil(t, full.Stats)
	assert.Equal(t, int64(4), full.Stats.TotalRules)
	assert.Len(t, full.Rules, 4)
	assert.NotEmpty(t, full.Filters)

	stats := <-seen
	assert.NotNil(t, stats.Stats)
	assert.Nil(t, stats.Rules)

	rules := <-seen
	assert.Nil(t, rules.Stats)
	assert.Len(t, rules.Rules, 4)
	assert.Nil(t, rules.Filters)
}

func TestRedeliveredTerminalJobIsSkipped(t *testing.T) {
	calls := 0
	h := newHarness(t, renderFunc(func(ctx context.Context, in report.Input) ([]byte, error) {
		calls++
		return []byte("%PDF-test"), nil
	}))
	ctx := context.Background()

	id, err := h.service.Submit(ctx, model.ReportFull, "")
	require.NoError(t, err)
	d, err := h.queue.Dequeue(ctx)
	require.NoError(t, err)

	h.pool.Process(ctx, d)
	h.pool.Process(ctx, d)
	assert.Equal(t, 1, calls)

	job, err := h.service.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobSucceeded, job.Status)
}

func TestUnknownJobMessageIsDropped(t *testing.T) {
	h := newHarness(t, report.NewPDFRenderer())
	acked := false
	d := &Delivery{
		Message: Message{JobID: "ghost", Kind: model.ReportFull},
		ack:     func(ctx context.Context) error { acked = true; return nil },
	}
	h.pool.Process(context.Background(), d)
	assert.True(t, acked)
}

func TestPoolWithRedisQueueAndStore(t *testing.T) {
	_, client := newRedisClient(t)
	queue := NewRedisQueue(client, "audit", 5*time.Millisecond)
	store := NewRedisStore(client, "audit")

	repo := memory.New()
	_, err := seed.Import(context.Background(), repo, seed.Default())
	require.NoError(t, err)
	artifacts, err := report.NewDirStore(t.TempDir())
	require.NoError(t, err)

	service := NewService(store, queue, artifacts, nil)
	pool := NewPool(queue, store, repo, report.NewPDFRenderer(), artifacts, WithWorkers(3))
	pool.Start()
	defer func() { require.NoError(t, pool.Stop(context.Background())) }()

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		id, err := service.Submit(context.Background(), model.ReportStatisticsOnly, "")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, id := range ids {
		require.Eventually(t, func() bool {
			job, err := service.Status(context.Background(), id)
			return err == nil && job.Status == model.JobSucceeded
		}, 5*time.Second, 10*time.Millisecond)
	}

	require.Eventually(t, func() bool {
		n, err := client.LLen(context.Background(), "audit:reports:processing").Result()
		return err == nil && n == 0
	}, time.Second, 10*time.Millisecond, "all deliveries acknowledged")
}

func TestPoolStopIsIdempotent(t *testing.T) {
	h := newHarness(t, report.NewPDFRenderer())
	assert.NoError(t, h.pool.Stop(context.Background()))
	h.pool.Start()
	h.pool.Start()
	assert.True(t, h.pool.IsRunning())
	assert.NoError(t, h.pool.Stop(context.Background()))
	assert.False(t, h.pool.IsRunning())
	assert.Zero(t, h.pool.Active())
}

func processOne(t *testing.T, h *harness, store StatusStore) (*model.ReportJob, bool) {
	t.Helper()
	ctx := context.Background()
	service := NewService(store, h.queue, h.artifacts, nil)
	pool := NewPool(h.queue, store, h.repo, report.NewPDFRenderer(), h.artifacts, WithErrorBackoff(time.Millisecond))

	id, err := service.Submit(ctx, model.ReportStatisticsOnly, "")
	require.NoError(t, err)
	d, err := h.queue.Dequeue(ctx)
	require.NoError(t, err)

	acked := false
	d.ack = func(ctx context.Context) error { acked = true; return nil }
	pool.Process(ctx, d)

	job, err := service.Status(ctx, id)
	require.NoError(t, err)
	return job, acked
}

func TestOutcomeUpdateIsRetried(t *testing.T) {
	h := newHarness(t, report.NewPDFRenderer())
	store := &flakyStore{MemoryStore: NewMemoryStore(), status: model.JobSucceeded, failures: 2}

	job, acked := processOne(t, h, store)
	assert.Equal(t, model.JobSucceeded, job.Status)
	assert.NotEmpty(t, job.ResultPath)
	assert.Equal(t, 3, store.calls)
	assert.True(t, acked)
}

func TestUnrecordableSuccessMarksJobFailed(t *testing.T) {
	h := newHarness(t, report.NewPDFRenderer())
	store := &flakyStore{MemoryStore: NewMemoryStore(), status: model.JobSucceeded, failures: -1}

	job, acked := processOne(t, h, store)
	assert.Equal(t, model.JobFailed, job.Status)
	assert.Contains(t, job.Error, "failed to record outcome")
	assert.Contains(t, job.Error, "database is locked")
	assert.Empty(t, job.ResultPath)
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, finishAttempts, store.calls)
	assert.True(t, acked)
}
