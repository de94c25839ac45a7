package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"forwarding-audit-go/internal/apperr"
	"forwarding-audit-go/internal/metrics"
	"forwarding-audit-go/internal/model"
	"forwarding-audit-go/internal/repository"
	"forwarding-audit-go/internal/repository/memory"
)

func TestPrepareRuleNormalizes(t *testing.T) {
	in := model.ForwardingRule{
		ID:                7,
		OwnerEmail:        "  user1@example.com ",
		OwnerName:         " John Doe ",
		ForwardingAddress: model.StringPtr(" "),
		HasFilter:         true,
		InvestigationNote: model.StringPtr(""),
		ErrorMessage:      model.StringPtr(""),
	}
	out, err := repository.PrepareRule(in)
	require.NoError(t, err)
	assert.Zero(t, out.ID)
	assert.False(t, out.HasFilter)
	assert.Equal(t, "user1@example.com", out.OwnerEmail)
	assert.Equal(t, "John Doe", out.OwnerName)
	assert.Nil(t, out.ForwardingAddress)
	assert.Nil(t, out.InvestigationNote)
	assert.Nil(t, out.ErrorMessage)
}

func TestPrepareRuleValidationField(t *testing.T) {
	_, err := repository.PrepareRule(model.ForwardingRule{OwnerEmail: "bad", OwnerName: "x"})
	require.Error(t, err)

	var detail *apperr.Error
	require.True(t, errors.As(err, &detail))
	assert.Equal(t, "owner_email", detail.Field)
}

func TestPrepareFilterNormalizes(t *testing.T) {
	now := time.Date(2024, 2, 10, 8, 15, 30, 999, time.FixedZone("EST", -5*3600))
	out, err := repository.PrepareFilter(3, model.FilterConfig{
		Criteria: datatypes.JSONMap{"size": 10, "labels": []string{"a"}},
		Action:   datatypes.JSONMap{"forward": "x@example.com"},
	}, now)
	require.NoError(t, err)
	assert.Equal(t, uint(3), out.RuleID)
	assert.Equal(t, float64(10), out.Criteria["size"])
	assert.Equal(t, []interface{}{"a"}, out.Criteria["labels"])
	assert.Equal(t, time.UTC, out.CreatedAt.Location())
	assert.Equal(t, 0, out.CreatedAt.Nanosecond())
	assert.Equal(t, 13, out.CreatedAt.Hour())
}

func TestMatchesAndTally(t *testing.T) {
	rules := []model.ForwardingRule{
		{ID: 1, OwnerEmail: "user1@example.com", HasFilter: true, ForwardingAddress: model.StringPtr("f@example.com")},
		{ID: 2, OwnerEmail: "user2@EXAMPLE.com", ErrorMessage: model.StringPtr("Permission denied")},
		{ID: 3, OwnerEmail: "user3@other.org", HasFilter: true},
	}

	got := repository.Filter(rules, repository.SearchQuery{EmailContains: model.StringPtr("example.COM")})
	assert.Len(t, got, 2)

	got = repository.Filter(rules, repository.SearchQuery{
		EmailContains: model.StringPtr("user"),
		HasFilter:     repository.BoolPtr(true),
	})
	assert.Equal(t, []uint{1, 3}, []uint{got[0].ID, got[1].ID})

	st := repository.Tally(rules)
	assert.Equal(t, repository.Stats{
		TotalRules:       3,
		RulesWithFilter:  2,
		ActiveForwarding: 1,
		RulesWithErrors:  1,
		TotalFilters:     2,
	}, st)
}

func TestWithMetricsRecordsOutcomes(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	repo := repository.WithMetrics(memory.New(), m)
	ctx := context.Background()

	assert.Equal(t, "memory", repo.Name())

	_, err := repo.Create(ctx, model.ForwardingRule{OwnerEmail: "a@example.com", OwnerName: "A"})
	require.NoError(t, err)
	_, err = repo.Create(ctx, model.ForwardingRule{OwnerEmail: "a@example.com", OwnerName: "A"})
	require.True(t, errors.Is(err, apperr.ErrConflict))
	_, err = repo.GetByID(ctx, 42)
	require.True(t, errors.Is(err, apperr.ErrNotFound))

	_, err = repo.ComputeStats(ctx)
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.RepoOps.WithLabelValues("memory", "create", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RepoOps.WithLabelValues("memory", "create", "conflict")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RepoOps.WithLabelValues("memory", "get_by_id", "not_found")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TotalRules))
}

func TestWithMetricsNilPassesThrough(t *testing.T) {
	inner := memory.New()
	assert.Same(t, inner, repository.WithMetrics(inner, nil))
}
