package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forwarding-audit-go/internal/config"
	"forwarding-audit-go/internal/model"
)

type recordingSubmitter struct {
	mu    sync.Mutex
	kinds []model.ReportKind
	err   error
}

func (r *recordingSubmitter) Submit(ctx context.Context, kind model.ReportKind, requestedName string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.kinds = append(r.kinds, kind)
	return "job-" + string(kind), nil
}

func weekly() *config.SchedulerConfig {
	return &config.SchedulerConfig{Enabled: true, Cron: "0 6 * * 1", Kind: "statistics-only"}
}

func TestSchedulerRestart(t *testing.T) {
	sched, err := NewScheduler(weekly(), &recordingSubmitter{})
	require.NoError(t, err)

	require.NoError(t, sched.Start(), "first start")
	assert.True(t, sched.IsRunning())
	assert.Error(t, sched.Start(), "double start is rejected")

	require.NoError(t, sched.Stop())
	assert.False(t, sched.IsRunning())
	assert.True(t, sched.GetNextRun().IsZero())

	require.NoError(t, sched.Start(), "second start")
	assert.True(t, sched.IsRunning())
	require.NotNil(t, sched.ctx)
	assert.NoError(t, sched.ctx.Err(), "context is active after restart")
	assert.Len(t, sched.cron.Entries(), 1)
	assert.False(t, sched.GetNextRun().IsZero())

	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())
}

func TestRunOnceSubmitsConfiguredKind(t *testing.T) {
	sub := &recordingSubmitter{}
	sched, err := NewScheduler(weekly(), sub)
	require.NoError(t, err)
	assert.True(t, sched.GetLastRun().IsZero())

	id, err := sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "job-statistics-only", id)
	assert.Equal(t, []model.ReportKind{model.ReportStatisticsOnly}, sub.kinds)
	assert.False(t, sched.GetLastRun().IsZero())
	assert.Equal(t, id, sched.LastJobID())
	assert.Equal(t, model.ReportStatisticsOnly, sched.Kind())
}

func TestTickSubmissionErrorKeepsRunning(t *testing.T) {
	sub := &recordingSubmitter{err: errors.New("queue full")}
	sched, err := NewScheduler(weekly(), sub)
	require.NoError(t, err)
	require.NoError(t, sched.Start())
	defer sched.Stop()

	sched.submitReport()
	sched.Wait()
	assert.True(t, sched.IsRunning())
	assert.Empty(t, sched.LastJobID())
	assert.False(t, sched.GetLastRun().IsZero())
}

func TestTickWhileStoppedIsSkipped(t *testing.T) {
	sub := &recordingSubmitter{}
	sched, err := NewScheduler(weekly(), sub)
	require.NoError(t, err)

	sched.submitReport()
	assert.Empty(t, sub.kinds)
}

func TestNewSchedulerValidates(t *testing.T) {
	_, err := NewScheduler(&config.SchedulerConfig{Cron: "0 6 * * 1", Kind: "everything"}, &recordingSubmitter{})
	assert.Error(t, err)

	_, err = NewScheduler(&config.SchedulerConfig{Cron: "every monday", Kind: "full"}, &recordingSubmitter{})
	assert.Error(t, err)

	_, err = NewScheduler(&config.SchedulerConfig{Cron: "0 0 6 * * 1", Kind: "full"}, &recordingSubmitter{})
	assert.Error(t, err, "six-field specs are not standard cron")
}
