// Package backend builds the single Repository the process uses, falling back
// to a seeded in-memory store when the configured backend cannot start.
package backend

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"forwarding-audit-go/internal/apperr"
	"forwarding-audit-go/internal/config"
	"forwarding-audit-go/internal/database"
	"forwarding-audit-go/internal/metrics"
	"forwarding-audit-go/internal/repository"
	"forwarding-audit-go/internal/repository/flatfile"
	"forwarding-audit-go/internal/repository/memory"
	"forwarding-audit-go/internal/repository/relational"
	"forwarding-audit-go/internal/seed"
)

// Selection describes which backend is serving the process
type Selection struct {
	Repository repository.Repository `json:"-"`
	Requested  string                `json:"requested"`
	Active     string                `json:"active"`
	Degraded   bool                  `json:"degraded"`
	Reason     string                `json:"reason,omitempty"`

	// DB is set when the relational backend is active
	DB *gorm.DB `json:"-"`
}

// Select constructs the configured backend once. Failures never abort startup:
// the process continues on a seeded in-memory store and reports itself degraded.
func Select(ctx context.Context, cfg *config.Config, m *metrics.Metrics) *Selection {
	requested := cfg.Storage.Backend
	sel := &Selection{Requested: requested, Active: requested}

	repo, db, err := open(ctx, cfg)
	if err != nil {
		err = apperr.BackendUnavailable(requested, err)
		logrus.WithFields(logrus.Fields{
			"requested": requested,
			"fallback":  memory.Name,
		}).Warnf("Storage backend unavailable, continuing without durability: %v", err)

		repo = seeded(ctx)
		sel.Active = memory.Name
		sel.Degraded = true
		sel.Reason = err.Error()
		db = nil
	}
	sel.DB = db

	if m != nil {
		if sel.Degraded {
			m.BackendDegraded.Set(1)
		} else {
			m.BackendDegraded.Set(0)
		}
	}
	sel.Repository = repository.WithMetrics(repo, m)

	logrus.Infof("Using %s storage backend", sel.Active)
	return sel
}

func open(ctx context.Context, cfg *config.Config) (repository.Repository, *gorm.DB, error) {
	switch cfg.Storage.Backend {
	case config.BackendRelational:
		db, err := database.InitDatabase(cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		return relational.New(db), db, nil
	case config.BackendFlatFile:
		repo, err := flatfile.Open(cfg.FlatFile.Dir)
		if err != nil {
			return nil, nil, err
		}
		return repo, nil, nil
	case config.BackendMemory:
		return seeded(ctx), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func seeded(ctx context.Context) repository.Repository {
	repo := memory.New()
	if _, err := seed.Import(ctx, repo, seed.Default()); err != nil {
		logrus.Errorf("Failed to seed fallback store: %v", err)
	}
	return repo
}
