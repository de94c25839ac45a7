package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"forwarding-audit-go/internal/apperr"
	"forwarding-audit-go/internal/model"
)

// RedisStore keeps each job as a JSON document. A sorted set indexes jobs
// by creation time and a hash maps artifact names to the owning job.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ StatusStore = (*RedisStore)(nil)

// NewRedisStore creates a store under keyPrefix. The caller owns client.
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: keyPrefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *RedisStore) jobKey(id string) string { return s.prefix + ":reports:job:" + id }
func (s *RedisStore) indexKey() string        { return s.prefix + ":reports:jobs" }
func (s *RedisStore) namesKey() string        { return s.prefix + ":reports:names" }

func (s *RedisStore) Create(ctx context.Context, job *model.ReportJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode report job: %w", err)
	}

	reserved, err := s.client.HSetNX(ctx, s.namesKey(), job.ArtifactName, job.ID).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve artifact name: %w", err)
	}
	if !reserved {
		return nameConflict(job.ArtifactName)
	}

	created, err := s.client.SetNX(ctx, s.jobKey(job.ID), data, 0).Result()
	if err == nil && !created {
		err = apperr.Conflict(entityJob, "id", fmt.Sprintf("job %s already exists", job.ID))
	}
	if err == nil {
		err = s.client.ZAdd(ctx, s.indexKey(), redis.Z{
			Score:  float64(job.CreatedAt.UnixNano()),
			Member: job.ID,
		}).Err()
	}
	if err != nil {
		s.client.HDel(context.WithoutCancel(ctx), s.namesKey(), job.ArtifactName)
		if apperr.IsTaxonomy(err) {
			return err
		}
		return fmt.Errorf("failed to store report job: %w", err)
	}
	return nil
}

func decodeJob(raw []byte) (*model.ReportJob, error) {
	var job model.ReportJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("failed to decode report job: %w", err)
	}
	normalizeTimes(&job)
	return &job, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*model.ReportJob, error) {
	raw, err := s.client.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperr.NotFound(entityJob, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load report job %s: %w", id, err)
	}
	return decodeJob(raw)
}

func (s *RedisStore) List(ctx context.Context) ([]model.ReportJob, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list report jobs: %w", err)
	}
	if len(ids) == 0 {
		return []model.ReportJob{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.jobKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load report jobs: %w", err)
	}

	jobs := make([]model.ReportJob, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		job, err := decodeJob([]byte(raw))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	sortNewestFirst(jobs)
	return jobs, nil
}

// Transition reads and rewrites the document inside WATCH/MULTI so that a
// concurrent writer makes the transaction fail and the loop retry.
func (s *RedisStore) Transition(ctx context.Context, id string, to model.JobStatus, resultPath, errMsg string) (*model.ReportJob, error) {
	key := s.jobKey(id)
	var updated *model.ReportJob

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return apperr.NotFound(entityJob, id)
		}
		if err != nil {
			return fmt.Errorf("failed to load report job %s: %w", id, err)
		}
		job, err := decodeJob(raw)
		if err != nil {
			return err
		}
		if !job.Status.CanTransitionTo(to) {
			return invalidTransition(job, to)
		}
		job.Apply(to, resultPath, errMsg, s.now())

		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to encode report job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err == nil {
			updated = job
		}
		return err
	}

	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("report job %s: status changed concurrently %d times", id, maxTransitionAttempts)
}
