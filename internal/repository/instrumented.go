package repository

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"forwarding-audit-go/internal/apperr"
	"forwarding-audit-go/internal/metrics"
	"forwarding-audit-go/internal/model"
)

type instrumented struct {
	next    Repository
	metrics *metrics.Metrics
}

// WithMetrics wraps next so every call is counted, timed, and failures logged
func WithMetrics(next Repository, m *metrics.Metrics) Repository {
	if m == nil {
		return next
	}
	return &instrumented{next: next, metrics: m}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, apperr.ErrNotFound):
		return "not_found"
	case errors.Is(err, apperr.ErrConflict):
		return "conflict"
	case errors.Is(err, apperr.ErrValidation):
		return "validation"
	default:
		return "error"
	}
}

func (r *instrumented) observe(op string, start time.Time, err error) {
	backend := r.next.Name()
	res := outcome(err)
	r.metrics.RepoOps.WithLabelValues(backend, op, res).Inc()
	r.metrics.RepoLatency.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())

	if res == "error" {
		logrus.WithFields(logrus.Fields{
			"backend": backend,
			"op":      op,
		}).Errorf("Repository operation failed: %v", err)
	}
}

func (r *instrumented) Name() string { return r.next.Name() }

func (r *instrumented) ListAll(ctx context.Context) ([]model.ForwardingRule, error) {
	start := time.Now()
	rules, err := r.next.ListAll(ctx)
	r.observe("list_all", start, err)
	return rules, err
}

func (r *instrumented) GetByID(ctx context.Context, id uint) (*model.ForwardingRule, error) {
	start := time.Now()
	rule, err := r.next.GetByID(ctx, id)
	r.observe("get_by_id", start, err)
	return rule, err
}

func (r *instrumented) Create(ctx context.Context, rule model.ForwardingRule) (*model.ForwardingRule, error) {
	start := time.Now()
	created, err := r.next.Create(ctx, rule)
	r.observe("create", start, err)
	return created, err
}

func (r *instrumented) UpdateInvestigationNote(ctx context.Context, id uint, note string) (*model.ForwardingRule, error) {
	start := time.Now()
	rule, err := r.next.UpdateInvestigationNote(ctx, id, note)
	r.observe("update_note", start, err)
	return rule, err
}

func (r *instrumented) Delete(ctx context.Context, id uint) error {
	start := time.Now()
	err := r.next.Delete(ctx, id)
	r.observe("delete", start, err)
	return err
}

func (r *instrumented) Search(ctx context.Context, q SearchQuery) ([]model.ForwardingRule, error) {
	start := time.Now()
	rules, err := r.next.Search(ctx, q)
	r.observe("search", start, err)
	return rules, err
}

func (r *instrumented) GetFilter(ctx context.Context, ruleID uint) (*model.FilterConfig, error) {
	start := time.Now()
	filter, err := r.next.GetFilter(ctx, ruleID)
	r.observe("get_filter", start, err)
	return filter, err
}

func (r *instrumented) AttachFilter(ctx context.Context, ruleID uint, filter model.FilterConfig) (*model.FilterConfig, error) {
	start := time.Now()
	attached, err := r.next.AttachFilter(ctx, ruleID, filter)
	r.observe("attach_filter", start, err)
	return attached, err
}

func (r *instrumented) RemoveFilter(ctx context.Context, ruleID uint) error {
	start := time.Now()
	err := r.next.RemoveFilter(ctx, ruleID)
	r.observe("remove_filter", start, err)
	return err
}

func (r *instrumented) ComputeStats(ctx context.Context) (*Stats, error) {
	start := time.Now()
	st, err := r.next.ComputeStats(ctx)
	r.observe("compute_stats", start, err)
	if err == nil {
		r.metrics.TotalRules.Set(float64(st.TotalRules))
		r.metrics.RulesWithFilter.Set(float64(st.RulesWithFilter))
	}
	return st, err
}

func (r *instrumented) Snapshot(ctx context.Context, withFilters bool) (*Snapshot, error) {
	start := time.Now()
	snap, err := r.next.Snapshot(ctx, withFilters)
	r.observe("snapshot", start, err)
	return snap, err
}

func (r *instrumented) Close() error {
	return r.next.Close()
}
