package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"forwarding-audit-go/internal/apperr"
	"forwarding-audit-go/internal/metrics"
	"forwarding-audit-go/internal/model"
	"forwarding-audit-go/internal/report"
)

// Service accepts report requests and answers status queries
type Service struct {
	store     StatusStore
	queue     Queue
	artifacts report.ArtifactStore
	metrics   *metrics.Metrics
	now       func() time.Time
	newID     func() string
}

// NewService wires a service; m may be nil
func NewService(store StatusStore, queue Queue, artifacts report.ArtifactStore, m *metrics.Metrics) *Service {
	return &Service{
		store:     store,
		queue:     queue,
		artifacts: artifacts,
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.New().String() },
	}
}

// Submit records a queued job for kind and hands it to the workers. An empty
// requestedName gets a name derived from the kind, time and job id.
func (s *Service) Submit(ctx context.Context, kind model.ReportKind, requestedName string) (string, error) {
	if _, err := model.ParseReportKind(string(kind)); err != nil {
		return "", apperr.Validation(entityJob, "kind", err.Error())
	}

	now := s.now()
	id := s.newID()

	name := report.DerivedName(kind, now, id)
	if strings.TrimSpace(requestedName) != "" {
		var err error
		if name, err = report.ValidateName(requestedName); err != nil {
			return "", err
		}
		exists, err := s.artifacts.Exists(name)
		if err != nil {
			return "", fmt.Errorf("failed to check artifact %s: %w", name, err)
		}
		if exists {
			return "", nameConflict(name)
		}
	}

	job := &model.ReportJob{
		ID:            id,
		Kind:          kind,
		RequestedName: strings.TrimSpace(requestedName),
		ArtifactName:  name,
		Status:        model.JobQueued,
		CreatedAt:     now,
	}
	if err := s.store.Create(ctx, job); err != nil {
		return "", err
	}

	logger := logrus.WithFields(logrus.Fields{
		"job_id":   id,
		"kind":     kind,
		"artifact": name,
	})

	if err := s.queue.Enqueue(ctx, Message{JobID: id, Kind: kind, EnqueuedAt: now}); err != nil {
		logger.WithError(err).Error("Failed to enqueue report job")
		if _, terr := s.store.Transition(context.WithoutCancel(ctx), id, model.JobFailed, "", "enqueue failed: "+err.Error()); terr != nil {
			logger.WithError(terr).Error("Failed to mark unqueued job as failed")
		}
		return "", fmt.Errorf("failed to enqueue report job %s: %w", id, err)
	}

	if s.metrics != nil {
		s.metrics.JobsSubmitted.WithLabelValues(string(kind)).Inc()
	}
	logger.Info("Report job submitted")
	return id, nil
}

// Status returns the current record for id
func (s *Service) Status(ctx context.Context, id string) (*model.ReportJob, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperr.Validation(entityJob, "id", "must not be empty")
	}
	return s.store.Get(ctx, id)
}

// List returns all jobs, newest first
func (s *Service) List(ctx context.Context) ([]model.ReportJob, error) {
	return s.store.List(ctx)
}

// IsInvalidTransition reports whether err came from a lifecycle violation
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}
