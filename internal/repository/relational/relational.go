// Package relational is the gorm-backed Repository. Every façade call runs as
// one transaction and uniqueness is enforced by the schema.
package relational

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"forwarding-audit-go/internal/apperr"
	"forwarding-audit-go/internal/model"
	"forwarding-audit-go/internal/repository"
)

// Name is the backend identifier
const Name = "relational"

// Repository stores rules and filters in two related tables
type Repository struct {
	db  *gorm.DB
	now func() time.Time
}

// New wraps an open, migrated database
func New(db *gorm.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

var _ repository.Repository = (*Repository)(nil)

func (r *Repository) Name() string { return Name }

// Close closes the underlying connection pool
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *Repository) tx(ctx context.Context, fn func(tx *gorm.DB) error, opts ...*sql.TxOptions) error {
	return r.db.WithContext(ctx).Transaction(fn, opts...)
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate entry") ||
		strings.Contains(msg, "duplicate key")
}

func findRule(tx *gorm.DB, id uint) (*model.ForwardingRule, error) {
	var rule model.ForwardingRule
	err := tx.Where("id = ?", id).First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound(repository.EntityRule, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load rule %d: %w", id, err)
	}
	return &rule, nil
}

func (r *Repository) ListAll(ctx context.Context) ([]model.ForwardingRule, error) {
	rules := []model.ForwardingRule{}
	err := r.tx(ctx, func(tx *gorm.DB) error {
		return tx.Order("id ASC").Find(&rules).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return rules, nil
}

func (r *Repository) GetByID(ctx context.Context, id uint) (*model.ForwardingRule, error) {
	var rule *model.ForwardingRule
	err := r.tx(ctx, func(tx *gorm.DB) error {
		var err error
		rule, err = findRule(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rule, nil
}

func (r *Repository) Create(ctx context.Context, rule model.ForwardingRule) (*model.ForwardingRule, error) {
	prepared, err := repository.PrepareRule(rule)
	if err != nil {
		return nil, err
	}
	conflict := apperr.Conflict(repository.EntityRule, "owner_email", prepared.OwnerEmail+" already exists")

	err = r.tx(ctx, func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&model.ForwardingRule{}).
			Where("owner_email_key = ?", prepared.OwnerEmailKey).
			Count(&count).Error
		if err != nil {
			return fmt.Errorf("failed to check owner uniqueness: %w", err)
		}
		if count > 0 {
			return conflict
		}

		if err := tx.Omit(clause.Associations).Create(&prepared).Error; err != nil {
			if isDuplicate(err) {
				return conflict
			}
			return fmt.Errorf("failed to create rule: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &prepared, nil
}

func (r *Repository) UpdateInvestigationNote(ctx context.Context, id uint, note string) (*model.ForwardingRule, error) {
	var rule *model.ForwardingRule
	err := r.tx(ctx, func(tx *gorm.DB) error {
		var err error
		rule, err = findRule(tx, id)
		if err != nil {
			return err
		}

		stored := repository.NoteValue(&note)
		var value interface{} = gorm.Expr("NULL")
		if stored != nil {
			value = *stored
		}
		if err := tx.Model(&model.ForwardingRule{}).Where("id = ?", id).Update("investigation_note", value).Error; err != nil {
			return fmt.Errorf("failed to update note on rule %d: %w", id, err)
		}
		rule.InvestigationNote = stored
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rule, nil
}

func (r *Repository) Delete(ctx context.Context, id uint) error {
	return r.tx(ctx, func(tx *gorm.DB) error {
		if _, err := findRule(tx, id); err != nil {
			return err
		}
		// filters first; the FK cascade is not relied on
		if err := tx.Where("rule_id = ?", id).Delete(&model.FilterConfig{}).Error; err != nil {
			return fmt.Errorf("failed to delete filter of rule %d: %w", id, err)
		}
		if err := tx.Where("id = ?", id).Delete(&model.ForwardingRule{}).Error; err != nil {
			return fmt.Errorf("failed to delete rule %d: %w", id, err)
		}
		return nil
	})
}

// escapeLike escapes LIKE wildcards using '!' as the escape character
func escapeLike(s string) string {
	return strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(s)
}

func (r *Repository) Search(ctx context.Context, q repository.SearchQuery) ([]model.ForwardingRule, error) {
	rules := []model.ForwardingRule{}
	err := r.tx(ctx, func(tx *gorm.DB) error {
		query := tx.Model(&model.ForwardingRule{})
		if q.EmailContains != nil {
			// owner_email_key is lowered in Go, like the needle
			pattern := "%" + escapeLike(strings.ToLower(*q.EmailContains)) + "%"
			query = query.Where("owner_email_key LIKE ? ESCAPE '!'", pattern)
		}
		if q.HasFilter != nil {
			query = query.Where("has_filter = ?", *q.HasFilter)
		}
		return query.Order("id ASC").Find(&rules).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search rules: %w", err)
	}
	if rules == nil {
		rules = []model.ForwardingRule{}
	}
	return rules, nil
}

func (r *Repository) GetFilter(ctx context.Context, ruleID uint) (*model.FilterConfig, error) {
	var filter model.FilterConfig
	err := r.tx(ctx, func(tx *gorm.DB) error {
		if _, err := findRule(tx, ruleID); err != nil {
			return err
		}
		err := tx.Where("rule_id = ?", ruleID).First(&filter).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound(repository.EntityFilter, ruleID)
		}
		if err != nil {
			return fmt.Errorf("failed to load filter of rule %d: %w", ruleID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	repository.ReloadFilter(&filter)
	return &filter, nil
}

func (r *Repository) AttachFilter(ctx context.Context, ruleID uint, filter model.FilterConfig) (*model.FilterConfig, error) {
	prepared, err := repository.PrepareFilter(ruleID, filter, r.now())
	if err != nil {
		return nil, err
	}
	conflict := apperr.Conflict(repository.EntityFilter, "rule_id", "rule already has a filter")

	err = r.tx(ctx, func(tx *gorm.DB) error {
		if _, err := findRule(tx, ruleID); err != nil {
			return err
		}

		var count int64
		if err := tx.Model(&model.FilterConfig{}).Where("rule_id = ?", ruleID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check existing filter: %w", err)
		}
		if count > 0 {
			return conflict
		}

		if err := tx.Create(&prepared).Error; err != nil {
			if isDuplicate(err) {
				return conflict
			}
			return fmt.Errorf("failed to create filter: %w", err)
		}
		if err := tx.Model(&model.ForwardingRule{}).Where("id = ?", ruleID).Update("has_filter", true).Error; err != nil {
			return fmt.Errorf("failed to flag rule %d: %w", ruleID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &prepared, nil
}

func (r *Repository) RemoveFilter(ctx context.Context, ruleID uint) error {
	return r.tx(ctx, func(tx *gorm.DB) error {
		if _, err := findRule(tx, ruleID); err != nil {
			return err
		}
		res := tx.Where("rule_id = ?", ruleID).Delete(&model.FilterConfig{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete filter of rule %d: %w", ruleID, res.Error)
		}
		if res.RowsAffected == 0 {
			return apperr.NotFound(repository.EntityFilter, ruleID)
		}
		if err := tx.Model(&model.ForwardingRule{}).Where("id = ?", ruleID).Update("has_filter", false).Error; err != nil {
			return fmt.Errorf("failed to clear flag on rule %d: %w", ruleID, err)
		}
		return nil
	})
}

func (r *Repository) ComputeStats(ctx context.Context) (*repository.Stats, error) {
	var st repository.Stats
	err := r.tx(ctx, func(tx *gorm.DB) error {
		counts := []struct {
			dst   *int64
			model interface{}
			where string
			args  []interface{}
		}{
			{dst: &st.TotalRules, model: &model.ForwardingRule{}},
			{dst: &st.RulesWithFilter, model: &model.ForwardingRule{}, where: "has_filter = ?", args: []interface{}{true}},
			{dst: &st.ActiveForwarding, model: &model.ForwardingRule{}, where: "forwarding_address IS NOT NULL AND forwarding_address <> ''"},
			{dst: &st.RulesWithErrors, model: &model.ForwardingRule{}, where: "error_message IS NOT NULL AND error_message <> ''"},
			{dst: &st.TotalFilters, model: &model.FilterConfig{}},
		}
		for _, c := range counts {
			q := tx.Model(c.model)
			if c.where != "" {
				q = q.Where(c.where, c.args...)
			}
			if err := q.Count(c.dst).Error; err != nil {
				return err
			}
		}
		return nil
	}, r.readOnly())
	if err != nil {
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}
	return &st, nil
}

// readOnly returns snapshot transaction options; sqlite rejects isolation levels
func (r *Repository) readOnly() *sql.TxOptions {
	if r.db.Dialector.Name() == "sqlite" {
		return nil
	}
	return &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
}

func (r *Repository) Snapshot(ctx context.Context, withFilters bool) (*repository.Snapshot, error) {
	snap := &repository.Snapshot{}
	err := r.tx(ctx, func(tx *gorm.DB) error {
		snap.TakenAt = r.now().UTC()
		rules := []model.ForwardingRule{}
		if err := tx.Order("id ASC").Find(&rules).Error; err != nil {
			return err
		}
		snap.Rules = rules

		if !withFilters {
			return nil
		}
		var filters []model.FilterConfig
		if err := tx.Order("rule_id ASC").Find(&filters).Error; err != nil {
			return err
		}
		snap.Filters = make(map[uint]model.FilterConfig, len(filters))
		for i := range filters {
			repository.ReloadFilter(&filters[i])
			snap.Filters[filters[i].RuleID] = filters[i]
		}
		return nil
	}, r.readOnly())
	if err != nil {
		return nil, fmt.Errorf("failed to take snapshot: %w", err)
	}
	return snap, nil
}
