package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"forwarding-audit-go/internal/apperr"
	"forwarding-audit-go/internal/model"
)

const entityJob = "report job"

// ErrInvalidTransition is returned when a status change breaks the job lifecycle
var ErrInvalidTransition = errors.New("invalid job status transition")

// StatusStore records report jobs and their lifecycle
type StatusStore interface {
	// Create stores a new job. The artifact name is reserved atomically;
	// a name already held by another job is a Conflict.
	Create(ctx context.Context, job *model.ReportJob) error
	Get(ctx context.Context, id string) (*model.ReportJob, error)
	// List returns all jobs, newest first
	List(ctx context.Context) ([]model.ReportJob, error)
	// Transition moves a job to status to and returns the updated record
	Transition(ctx context.Context, id string, to model.JobStatus, resultPath, errMsg string) (*model.ReportJob, error)
}

func invalidTransition(job *model.ReportJob, to model.JobStatus) error {
	return fmt.Errorf("%w: job %s %s -> %s", ErrInvalidTransition, job.ID, job.Status, to)
}

func nameConflict(name string) error {
	return apperr.Conflict(entityJob, "name", fmt.Sprintf("artifact name %q is already used", name))
}

func sortNewestFirst(jobs []model.ReportJob) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
}

// MemoryStore keeps jobs in process memory
type MemoryStore struct {
	mu    sync.Mutex
	jobs  map[string]model.ReportJob
	names map[string]string
	now   func() time.Time
}

var _ StatusStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:  make(map[string]model.ReportJob),
		names: make(map[string]string),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(ctx context.Context, job *model.ReportJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return apperr.Conflict(entityJob, "id", fmt.Sprintf("job %s already exists", job.ID))
	}
	if _, ok := s.names[job.ArtifactName]; ok {
		return nameConflict(job.ArtifactName)
	}
	s.jobs[job.ID] = *job
	s.names[job.ArtifactName] = job.ID
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*model.ReportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, apperr.NotFound(entityJob, id)
	}
	return &job, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]model.ReportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.ReportJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, to model.JobStatus, resultPath, errMsg string) (*model.ReportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, apperr.NotFound(entityJob, id)
	}
	if !job.Status.CanTransitionTo(to) {
		return nil, invalidTransition(&job, to)
	}
	job.Apply(to, resultPath, errMsg, s.now())
	s.jobs[id] = job
	return &job, nil
}
