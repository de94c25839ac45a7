// Package memory is the volatile Repository backend. One mutex guards the
// whole store and every returned value is a copy.
package memory

import (
	"context"
	"sync"
	"time"

	"forwarding-audit-go/internal/apperr"
	"forwarding-audit-go/internal/model"
	"forwarding-audit-go/internal/repository"
)

// Name is the backend identifier
const Name = "memory"

// Repository keeps rules and filters in process memory
type Repository struct {
	mu         sync.Mutex
	rules      map[uint]*model.ForwardingRule
	filters    map[uint]*model.FilterConfig // keyed by rule id
	emails     map[string]uint
	nextRuleID uint
	nextFiltID uint
	now        func() time.Time
}

// New creates an empty in-memory repository
func New() *Repository {
	return &Repository{
		rules:      make(map[uint]*model.ForwardingRule),
		filters:    make(map[uint]*model.FilterConfig),
		emails:     make(map[string]uint),
		nextRuleID: 1,
		nextFiltID: 1,
		now:        time.Now,
	}
}

var _ repository.Repository = (*Repository)(nil)

func (r *Repository) Name() string { return Name }

func (r *Repository) Close() error { return nil }

func (r *Repository) sortedRules() []model.ForwardingRule {
	out := make([]model.ForwardingRule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule.Clone())
	}
	repository.SortByID(out)
	return out
}

func (r *Repository) ListAll(ctx context.Context) ([]model.ForwardingRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedRules(), nil
}

func (r *Repository) GetByID(ctx context.Context, id uint) (*model.ForwardingRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rule, ok := r.rules[id]
	if !ok {
		return nil, apperr.NotFound(repository.EntityRule, id)
	}
	out := rule.Clone()
	return &out, nil
}

func (r *Repository) Create(ctx context.Context, rule model.ForwardingRule) (*model.ForwardingRule, error) {
	prepared, err := repository.PrepareRule(rule)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := repository.NormalizeEmail(prepared.OwnerEmail)
	if _, exists := r.emails[key]; exists {
		return nil, apperr.Conflict(repository.EntityRule, "owner_email", prepared.OwnerEmail+" already exists")
	}

	prepared.ID = r.nextRuleID
	r.nextRuleID++
	stored := prepared.Clone()
	r.rules[stored.ID] = &stored
	r.emails[key] = stored.ID

	out := stored.Clone()
	return &out, nil
}

func (r *Repository) UpdateInvestigationNote(ctx context.Context, id uint, note string) (*model.ForwardingRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rule, ok := r.rules[id]
	if !ok {
		return nil, apperr.NotFound(repository.EntityRule, id)
	}
	rule.InvestigationNote = repository.NoteValue(&note)
	out := rule.Clone()
	return &out, nil
}

func (r *Repository) Delete(ctx context.Context, id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rule, ok := r.rules[id]
	if !ok {
		return apperr.NotFound(repository.EntityRule, id)
	}
	delete(r.emails, repository.NormalizeEmail(rule.OwnerEmail))
	delete(r.filters, id)
	delete(r.rules, id)
	return nil
}

func (r *Repository) Search(ctx context.Context, q repository.SearchQuery) ([]model.ForwardingRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return repository.Filter(r.sortedRules(), q), nil
}

func (r *Repository) GetFilter(ctx context.Context, ruleID uint) (*model.FilterConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rules[ruleID]; !ok {
		return nil, apperr.NotFound(repository.EntityRule, ruleID)
	}
	f, ok := r.filters[ruleID]
	if !ok {
		return nil, apperr.NotFound(repository.EntityFilter, ruleID)
	}
	out := f.Clone()
	return &out, nil
}

func (r *Repository) AttachFilter(ctx context.Context, ruleID uint, filter model.FilterConfig) (*model.FilterConfig, error) {
	prepared, err := repository.PrepareFilter(ruleID, filter, r.now())
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rule, ok := r.rules[ruleID]
	if !ok {
		return nil, apperr.NotFound(repository.EntityRule, ruleID)
	}
	if _, exists := r.filters[ruleID]; exists {
		return nil, apperr.Conflict(repository.EntityFilter, "rule_id", "rule already has a filter")
	}

	prepared.ID = r.nextFiltID
	r.nextFiltID++
	stored := prepared.Clone()
	r.filters[ruleID] = &stored
	rule.HasFilter = true

	out := stored.Clone()
	return &out, nil
}

func (r *Repository) RemoveFilter(ctx context.Context, ruleID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rule, ok := r.rules[ruleID]
	if !ok {
		return apperr.NotFound(repository.EntityRule, ruleID)
	}
	if _, exists := r.filters[ruleID]; !exists {
		return apperr.NotFound(repository.EntityFilter, ruleID)
	}
	delete(r.filters, ruleID)
	rule.HasFilter = false
	return nil
}

func (r *Repository) ComputeStats(ctx context.Context) (*repository.Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := repository.Tally(r.sortedRules())
	st.TotalFilters = int64(len(r.filters))
	return &st, nil
}

func (r *Repository) Snapshot(ctx context.Context, withFilters bool) (*repository.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := &repository.Snapshot{
		TakenAt: r.now().UTC(),
		Rules:   r.sortedRules(),
	}
	if withFilters {
		snap.Filters = make(map[uint]model.FilterConfig, len(r.filters))
		for id, f := range r.filters {
			snap.Filters[id] = f.Clone()
		}
	}
	return snap, nil
}
