package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"forwarding-audit-go/internal/apperr"
	"forwarding-audit-go/internal/model"
)

const maxTransitionAttempts = 5

// GormStore keeps jobs in the report_jobs table next to the rule tables
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

var _ StatusStore = (*GormStore)(nil)

// NewGormStore uses db, which must already have report_jobs migrated
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *GormStore) Create(ctx context.Context, job *model.ReportJob) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.ReportJob{}).Where("artifact_name = ?", job.ArtifactName).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check artifact name: %w", err)
		}
		if count > 0 {
			return nameConflict(job.ArtifactName)
		}
		if err := tx.Create(job).Error; err != nil {
			if isDuplicate(err) {
				return nameConflict(job.ArtifactName)
			}
			return fmt.Errorf("failed to create report job: %w", err)
		}
		return nil
	})
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate")
}

func (s *GormStore) Get(ctx context.Context, id string) (*model.ReportJob, error) {
	var job model.ReportJob
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound(entityJob, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load report job %s: %w", id, err)
	}
	normalizeTimes(&job)
	return &job, nil
}

func (s *GormStore) List(ctx context.Context) ([]model.ReportJob, error) {
	var jobs []model.ReportJob
	if err := s.db.WithContext(ctx).Order("created_at DESC").Order("id DESC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list report jobs: %w", err)
	}
	for i := range jobs {
		normalizeTimes(&jobs[i])
	}
	return jobs, nil
}

// Transition is a compare-and-set on the status column: the update only
// applies if the status read is still current, otherwise it re-reads.
func (s *GormStore) Transition(ctx context.Context, id string, to model.JobStatus, resultPath, errMsg string) (*model.ReportJob, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !job.Status.CanTransitionTo(to) {
			return nil, invalidTransition(job, to)
		}
		from := job.Status
		if from == to && job.StartedAt != nil {
			// running -> running on redelivery changes nothing
			return job, nil
		}
		job.Apply(to, resultPath, errMsg, s.now())

		res := s.db.WithContext(ctx).Model(&model.ReportJob{}).
			Where("id = ? AND status = ?", id, from).
			Updates(map[string]interface{}{
				"status":       job.Status,
				"result_path":  job.ResultPath,
				"error":        job.Error,
				"started_at":   job.StartedAt,
				"completed_at": job.CompletedAt,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("failed to update report job %s: %w", id, res.Error)
		}
		if res.RowsAffected == 1 {
			return job, nil
		}
	}
	return nil, fmt.Errorf("report job %s: status changed concurrently %d times", id, maxTransitionAttempts)
}

func normalizeTimes(job *model.ReportJob) {
	job.CreatedAt = job.CreatedAt.UTC()
	if job.StartedAt != nil {
		t := job.StartedAt.UTC()
		job.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := job.CompletedAt.UTC()
		job.CompletedAt = &t
	}
}
