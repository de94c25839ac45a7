// Package repository defines the storage façade shared by every backend.
// The relational, flatfile, and memory subpackages implement Repository with
// identical semantics; the helpers in this package keep validation, search
// matching, and statistics in one place so the backends cannot drift.
package repository

import (
	"context"
	"time"

	"forwarding-audit-go/internal/model"
)

// Entity names used in taxonomy errors
const (
	EntityRule   = "forwarding rule"
	EntityFilter = "filter"
)

// Repository is the backend-agnostic storage façade
type Repository interface {
	// Name identifies the backend ("relational", "flatfile", "memory").
	Name() string

	ListAll(ctx context.Context) ([]model.ForwardingRule, error)
	GetByID(ctx context.Context, id uint) (*model.ForwardingRule, error)
	Create(ctx context.Context, rule model.ForwardingRule) (*model.ForwardingRule, error)
	UpdateInvestigationNote(ctx context.Context, id uint, note string) (*model.ForwardingRule, error)
	Delete(ctx context.Context, id uint) error
	Search(ctx context.Context, q SearchQuery) ([]model.ForwardingRule, error)

	GetFilter(ctx context.Context, ruleID uint) (*model.FilterConfig, error)
	AttachFilter(ctx context.Context, ruleID uint, filter model.FilterConfig) (*model.FilterConfig, error)
	RemoveFilter(ctx context.Context, ruleID uint) error

	ComputeStats(ctx context.Context) (*Stats, error)

	// Snapshot reads every rule, and every filter when withFilters is set,
	// as of a single point in time.
	Snapshot(ctx context.Context, withFilters bool) (*Snapshot, error)

	Close() error
}

// SearchQuery holds optional predicates combined with AND
type SearchQuery struct {
	EmailContains *string
	HasFilter     *bool
}

// Stats are aggregate counts over the rule set
type Stats struct {
	TotalRules       int64 `json:"total_rules"`
	RulesWithFilter  int64 `json:"rules_with_filter"`
	ActiveForwarding int64 `json:"active_forwarding"`
	RulesWithErrors  int64 `json:"rules_with_errors"`
	TotalFilters     int64 `json:"total_filters"`
}

// Snapshot is a consistent view of the repository used to build reports
type Snapshot struct {
	TakenAt time.Time
	Rules   []model.ForwardingRule
	Filters map[uint]model.FilterConfig
}

// Stats tallies the snapshot's own rules and filters
func (s *Snapshot) Stats() Stats {
	st := Tally(s.Rules)
	if s.Filters != nil {
		st.TotalFilters = int64(len(s.Filters))
	}
	return st
}
