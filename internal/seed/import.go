package seed

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"forwarding-audit-go/internal/apperr"
	"forwarding-audit-go/internal/repository"
)

// Result summarizes one import run
type Result struct {
	Created  int `json:"created"`
	Filters  int `json:"filters"`
	Skipped  int `json:"skipped"`
	Rejected int `json:"rejected"`
}

// Import writes records through the façade. Owners that already exist are
// skipped, malformed records are counted and logged, and any other error
// aborts the run.
func Import(ctx context.Context, repo repository.Repository, records []Record) (Result, error) {
	var res Result
	for _, rec := range records {
		log := logrus.WithFields(logrus.Fields{
			"backend": repo.Name(),
			"owner":   rec.Rule.OwnerEmail,
		})

		created, err := repo.Create(ctx, rec.Rule)
		switch {
		case errors.Is(err, apperr.ErrConflict):
			log.Info("Owner already present, skipping")
			res.Skipped++
			continue
		case errors.Is(err, apperr.ErrValidation):
			log.Warnf("Rejected record: %v", err)
			res.Rejected++
			continue
		case err != nil:
			return res, fmt.Errorf("failed to import %s: %w", rec.Rule.OwnerEmail, err)
		}
		res.Created++

		if rec.Filter == nil {
			continue
		}
		_, err = repo.AttachFilter(ctx, created.ID, *rec.Filter)
		switch {
		case errors.Is(err, apperr.ErrValidation):
			log.Warnf("Rejected filter: %v", err)
			res.Rejected++
		case err != nil:
			return res, fmt.Errorf("failed to attach filter for %s: %w", rec.Rule.OwnerEmail, err)
		default:
			res.Filters++
		}
	}

	logrus.WithFields(logrus.Fields{
		"backend":  repo.Name(),
		"created":  res.Created,
		"filters":  res.Filters,
		"skipped":  res.Skipped,
		"rejected": res.Rejected,
	}).Info("Import completed")
	return res, nil
}
