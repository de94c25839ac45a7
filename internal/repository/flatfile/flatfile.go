// Package flatfile is the Repository backend over two CSV files. Each mutation
// is a read-modify-write under the writer lock that atomically replaces the
// files it touches; invariants the files cannot express are checked in code.
package flatfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"forwarding-audit-go/internal/apperr"
	"forwarding-audit-go/internal/model"
	"forwarding-audit-go/internal/repository"
)

// Name is the backend identifier
const Name = "flatfile"

const (
	rulesFile   = "forwarding_rules.csv"
	filtersFile = "filter_configs.csv"
)

// Repository stores rules and filters as CSV files in a directory
type Repository struct {
	dir string
	mu  sync.RWMutex
	now func() time.Time
}

var _ repository.Repository = (*Repository)(nil)

// Open prepares dir, creating empty files when missing, and repairs any
// state left behind by an interrupted two-file write.
func Open(dir string) (*Repository, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir %s: %w", dir, err)
	}
	r := &Repository{dir: dir, now: time.Now}

	for name, header := range map[string][]string{rulesFile: ruleHeader, filtersFile: filterHeader} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			if err := writeTable(path, header, nil); err != nil {
				return nil, err
			}
		} else if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}
	}

	if err := r.reconcile(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) Name() string { return Name }

func (r *Repository) Close() error { return nil }

func (r *Repository) rulesPath() string   { return filepath.Join(r.dir, rulesFile) }
func (r *Repository) filtersPath() string { return filepath.Join(r.dir, filtersFile) }

// reconcile drops orphan filters and recomputes has_filter from the filter file
func (r *Repository) reconcile() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rules, err := readRules(r.rulesPath())
	if err != nil {
		return err
	}
	filters, err := readFilters(r.filtersPath())
	if err != nil {
		return err
	}

	known := make(map[uint]bool, len(rules))
	for _, rule := range rules {
		known[rule.ID] = true
	}
	kept := filters[:0]
	byRule := make(map[uint]bool, len(filters))
	for _, f := range filters {
		if !known[f.RuleID] || byRule[f.RuleID] {
			logrus.WithFields(logrus.Fields{"rule_id": f.RuleID, "filter_id": f.ID}).Warn("Dropping orphan or duplicate filter")
			continue
		}
		byRule[f.RuleID] = true
		kept = append(kept, f)
	}

	repaired := 0
	for i := range rules {
		if rules[i].HasFilter != byRule[rules[i].ID] {
			rules[i].HasFilter = byRule[rules[i].ID]
			repaired++
		}
	}

	if len(kept) != len(filters) {
		if err := writeFilters(r.filtersPath(), kept); err != nil {
			return err
		}
	}
	if repaired > 0 {
		logrus.WithField("rules", repaired).Warn("Repaired has_filter flags")
		if err := writeRules(r.rulesPath(), rules); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) loadRules() ([]model.ForwardingRule, error) {
	rules, err := readRules(r.rulesPath())
	if err != nil {
		return nil, err
	}
	repository.SortByID(rules)
	return rules, nil
}

func indexOf(rules []model.ForwardingRule, id uint) int {
	for i := range rules {
		if rules[i].ID == id {
			return i
		}
	}
	return -1
}

func filterIndex(filters []model.FilterConfig, ruleID uint) int {
	for i := range filters {
		if filters[i].RuleID == ruleID {
			return i
		}
	}
	return -1
}

func (r *Repository) ListAll(ctx context.Context) ([]model.ForwardingRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loadRules()
}

func (r *Repository) GetByID(ctx context.Context, id uint) (*model.ForwardingRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rules, err := r.loadRules()
	if err != nil {
		return nil, err
	}
	i := indexOf(rules, id)
	if i < 0 {
		return nil, apperr.NotFound(repository.EntityRule, id)
	}
	return &rules[i], nil
}

func (r *Repository) Create(ctx context.Context, rule model.ForwardingRule) (*model.ForwardingRule, error) {
	prepared, err := repository.PrepareRule(rule)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rules, err := r.loadRules()
	if err != nil {
		return nil, err
	}
	key := repository.NormalizeEmail(prepared.OwnerEmail)
	var maxID uint
	for _, existing := range rules {
		if repository.NormalizeEmail(existing.OwnerEmail) == key {
			return nil, apperr.Conflict(repository.EntityRule, "owner_email", prepared.OwnerEmail+" already exists")
		}
		if existing.ID > maxID {
			maxID = existing.ID
		}
	}

	prepared.ID = maxID + 1
	rules = append(rules, prepared)
	if err := writeRules(r.rulesPath(), rules); err != nil {
		return nil, err
	}
	out := prepared.Clone()
	return &out, nil
}

func (r *Repository) UpdateInvestigationNote(ctx context.Context, id uint, note string) (*model.ForwardingRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rules, err := r.loadRules()
	if err != nil {
		return nil, err
	}
	i := indexOf(rules, id)
	if i < 0 {
		return nil, apperr.NotFound(repository.EntityRule, id)
	}
	rules[i].InvestigationNote = repository.NoteValue(&note)
	if err := writeRules(r.rulesPath(), rules); err != nil {
		return nil, err
	}
	out := rules[i].Clone()
	return &out, nil
}

// Delete rewrites the rule file before the filter file. If the filter file
// cannot be written the rule file is put back.
func (r *Repository) Delete(ctx context.Context, id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rules, err := r.loadRules()
	if err != nil {
		return err
	}
	i := indexOf(rules, id)
	if i < 0 {
		return apperr.NotFound(repository.EntityRule, id)
	}
	filters, err := readFilters(r.filtersPath())
	if err != nil {
		return err
	}

	remaining := make([]model.ForwardingRule, 0, len(rules)-1)
	remaining = append(remaining, rules[:i]...)
	remaining = append(remaining, rules[i+1:]...)
	if err := writeRules(r.rulesPath(), remaining); err != nil {
		return err
	}

	j := filterIndex(filters, id)
	if j < 0 {
		if rules[i].HasFilter {
			logrus.WithField("rule_id", id).Warn("Rule flagged with a filter had none on disk")
		}
		return nil
	}
	if err := writeFilters(r.filtersPath(), withoutFilter(filters, j)); err != nil {
		return r.restoreRules(rules, err)
	}
	return nil
}

func withoutFilter(filters []model.FilterConfig, j int) []model.FilterConfig {
	out := make([]model.FilterConfig, 0, len(filters)-1)
	out = append(out, filters[:j]...)
	return append(out, filters[j+1:]...)
}

// restoreRules writes back the rule file after a failed second write and
// returns cause. A failed restore is left for reconcile on the next Open.
func (r *Repository) restoreRules(rules []model.ForwardingRule, cause error) error {
	if err := writeRules(r.rulesPath(), rules); err != nil {
		logrus.WithError(err).Error("Failed to restore rule file")
	}
	return cause
}

func (r *Repository) restoreFilters(filters []model.FilterConfig, cause error) error {
	if err := writeFilters(r.filtersPath(), filters); err != nil {
		logrus.WithError(err).Error("Failed to restore filter file")
	}
	return cause
}

func (r *Repository) Search(ctx context.Context, q repository.SearchQuery) ([]model.ForwardingRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rules, err := r.loadRules()
	if err != nil {
		return nil, err
	}
	return repository.Filter(rules, q), nil
}

func (r *Repository) GetFilter(ctx context.Context, ruleID uint) (*model.FilterConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rules, err := r.loadRules()
	if err != nil {
		return nil, err
	}
	if indexOf(rules, ruleID) < 0 {
		return nil, apperr.NotFound(repository.EntityRule, ruleID)
	}
	filters, err := readFilters(r.filtersPath())
	if err != nil {
		return nil, err
	}
	j := filterIndex(filters, ruleID)
	if j < 0 {
		return nil, apperr.NotFound(repository.EntityFilter, ruleID)
	}
	return &filters[j], nil
}

// AttachFilter rewrites the filter file before the rule file. A failed rule
// write restores the filter file; a crash in between leaves has_filter stale,
// which the next Open repairs.
func (r *Repository) AttachFilter(ctx context.Context, ruleID uint, filter model.FilterConfig) (*model.FilterConfig, error) {
	prepared, err := repository.PrepareFilter(ruleID, filter, r.now())
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rules, err := r.loadRules()
	if err != nil {
		return nil, err
	}
	i := indexOf(rules, ruleID)
	if i < 0 {
		return nil, apperr.NotFound(repository.EntityRule, ruleID)
	}
	filters, err := readFilters(r.filtersPath())
	if err != nil {
		return nil, err
	}
	var maxID uint
	for _, f := range filters {
		if f.RuleID == ruleID {
			return nil, apperr.Conflict(repository.EntityFilter, "rule_id", "rule already has a filter")
		}
		if f.ID > maxID {
			maxID = f.ID
		}
	}

	prepared.ID = maxID + 1
	updated := make([]model.FilterConfig, 0, len(filters)+1)
	updated = append(updated, filters...)
	if err := writeFilters(r.filtersPath(), append(updated, prepared)); err != nil {
		return nil, err
	}
	rules[i].HasFilter = true
	if err := writeRules(r.rulesPath(), rules); err != nil {
		return nil, r.restoreFilters(filters, err)
	}
	out := prepared.Clone()
	return &out, nil
}

func (r *Repository) RemoveFilter(ctx context.Context, ruleID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rules, err := r.loadRules()
	if err != nil {
		return err
	}
	i := indexOf(rules, ruleID)
	if i < 0 {
		return apperr.NotFound(repository.EntityRule, ruleID)
	}
	filters, err := readFilters(r.filtersPath())
	if err != nil {
		return err
	}
	j := filterIndex(filters, ruleID)
	if j < 0 {
		return apperr.NotFound(repository.EntityFilter, ruleID)
	}

	if err := writeFilters(r.filtersPath(), withoutFilter(filters, j)); err != nil {
		return err
	}
	rules[i].HasFilter = false
	if err := writeRules(r.rulesPath(), rules); err != nil {
		return r.restoreFilters(filters, err)
	}
	return nil
}

func (r *Repository) ComputeStats(ctx context.Context) (*repository.Stats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rules, err := r.loadRules()
	if err != nil {
		return nil, err
	}
	filters, err := readFilters(r.filtersPath())
	if err != nil {
		return nil, err
	}
	st := repository.Tally(rules)
	st.TotalFilters = int64(len(filters))
	return &st, nil
}

func (r *Repository) Snapshot(ctx context.Context, withFilters bool) (*repository.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rules, err := r.loadRules()
	if err != nil {
		return nil, err
	}
	snap := &repository.Snapshot{TakenAt: r.now().UTC(), Rules: rules}
	if !withFilters {
		return snap, nil
	}

	filters, err := readFilters(r.filtersPath())
	if err != nil {
		return nil, err
	}
	snap.Filters = make(map[uint]model.FilterConfig, len(filters))
	for _, f := range filters {
		snap.Filters[f.RuleID] = f
	}
	return snap, nil
}
