// Package repotest holds the conformance suite every Repository backend runs.
package repotest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/datatypes"

	"forwarding-audit-go/internal/apperr"
	"forwarding-audit-go/internal/model"
	"forwarding-audit-go/internal/repository"
)

// Suite exercises the façade contract against the repository built by NewRepo
type Suite struct {
	suite.Suite

	NewRepo func(t *testing.T) repository.Repository

	repo repository.Repository
	ctx  context.Context
}

func (s *Suite) SetupTest() {
	s.ctx = context.Background()
	s.repo = s.NewRepo(s.T())
}

func (s *Suite) TearDownTest() {
	s.NoError(s.repo.Close())
}

// Rule builds a valid rule for owner
func Rule(owner string) model.ForwardingRule {
	return model.ForwardingRule{
		OwnerEmail: owner,
		OwnerName:  "Owner " + owner,
	}
}

// ForwardingRule builds a valid rule with forwarding enabled
func ForwardingRule(owner, target string, d model.Disposition) model.ForwardingRule {
	r := Rule(owner)
	r.ForwardingAddress = model.StringPtr(target)
	r.Disposition = model.DispositionPtr(d)
	return r
}

// Filter builds a valid filter
func Filter(criteria, action map[string]interface{}) model.FilterConfig {
	return model.FilterConfig{
		Criteria:  datatypes.JSONMap(criteria),
		Action:    datatypes.JSONMap(action),
		CreatedAt: time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC),
	}
}

func (s *Suite) create(r model.ForwardingRule) *model.ForwardingRule {
	created, err := s.repo.Create(s.ctx, r)
	s.Require().NoError(err)
	return created
}

// assertConsistent checks hasFilter against actual filter presence for every rule
func (s *Suite) assertConsistent() {
	rules, err := s.repo.ListAll(s.ctx)
	s.Require().NoError(err)
	for _, r := range rules {
		_, err := s.repo.GetFilter(s.ctx, r.ID)
		if r.HasFilter {
			s.NoError(err, "rule %d claims a filter", r.ID)
		} else {
			s.True(errors.Is(err, apperr.ErrNotFound), "rule %d has a stray filter", r.ID)
		}
	}

	st, err := s.repo.ComputeStats(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(len(rules)), st.TotalRules)
	var withFilter int64
	for _, r := range rules {
		if r.HasFilter {
			withFilter++
		}
	}
	s.Equal(withFilter, st.RulesWithFilter)
	s.Equal(withFilter, st.TotalFilters)
}

func (s *Suite) TestCreateRoundTrip() {
	in := ForwardingRule("user1@example.com", "forwarding@example.com", model.DispositionKeep)
	in.OwnerName = "John Doe"
	in.InvestigationNote = model.StringPtr("Legitimate forwarding to")
	in.ErrorMessage = model.StringPtr("Permission denied")

	created := s.create(in)
	s.NotZero(created.ID)

	got, err := s.repo.GetByID(s.ctx, created.ID)
	s.Require().NoError(err)

	in.ID = created.ID
	s.Equal(in, *got)
	s.Equal(*created, *got)
}

func (s *Suite) TestCreateAssignsDistinctIDs() {
	a := s.create(Rule("a@example.com"))
	b := s.create(Rule("b@example.com"))
	s.NotEqual(a.ID, b.ID)
}

func (s *Suite) TestCreateIgnoresHasFilter() {
	in := Rule("user1@example.com")
	in.HasFilter = true
	created := s.create(in)
	s.False(created.HasFilter)
	s.assertConsistent()
}

func (s *Suite) TestCreateDuplicateOwner() {
	s.create(Rule("user1@example.com"))

	_, err := s.repo.Create(s.ctx, Rule("user1@example.com"))
	s.True(errors.Is(err, apperr.ErrConflict), "got %v", err)

	_, err = s.repo.Create(s.ctx, Rule("  USER1@Example.com "))
	s.True(errors.Is(err, apperr.ErrConflict), "case and whitespace must not bypass uniqueness: %v", err)

	s.create(Rule("Élise@example.com"))
	_, err = s.repo.Create(s.ctx, Rule("élise@example.com"))
	s.True(errors.Is(err, apperr.ErrConflict), "non-ASCII case must not bypass uniqueness: %v", err)

	rules, err := s.repo.ListAll(s.ctx)
	s.Require().NoError(err)
	s.Len(rules, 2)
}

func (s *Suite) TestCreateValidation() {
	cases := map[string]model.ForwardingRule{
		"missing email": {OwnerName: "No Email"},
		"bad email":     {OwnerEmail: "not-an-address", OwnerName: "Bad"},
		"missing name":  {OwnerEmail: "x@example.com"},
		"bad target": func() model.ForwardingRule {
			r := Rule("y@example.com")
			r.ForwardingAddress = model.StringPtr("nowhere")
			return r
		}(),
		"disposition without target": func() model.ForwardingRule {
			r := Rule("z@example.com")
			r.Disposition = model.DispositionPtr(model.DispositionTrash)
			return r
		}(),
		"unknown disposition": ForwardingRule("w@example.com", "fwd@example.com", model.Disposition("markRead")),
	}
	for name, rule := range cases {
		_, err := s.repo.Create(s.ctx, rule)
		s.True(errors.Is(err, apperr.ErrValidation), "%s: got %v", name, err)
	}

	rules, err := s.repo.ListAll(s.ctx)
	s.Require().NoError(err)
	s.Empty(rules)
}

func (s *Suite) TestGetByIDNotFound() {
	_, err := s.repo.GetByID(s.ctx, 9999)
	s.True(errors.Is(err, apperr.ErrNotFound))
}

func (s *Suite) TestListAllOrderedByID() {
	for _, owner := range []string{"c@example.com", "a@example.com", "b@example.com"} {
		s.create(Rule(owner))
	}
	rules, err := s.repo.ListAll(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(rules, 3)
	s.Less(rules[0].ID, rules[1].ID)
	s.Less(rules[1].ID, rules[2].ID)
	s.Equal("c@example.com", rules[0].OwnerEmail)
}

func (s *Suite) TestUpdateInvestigationNote() {
	created := s.create(ForwardingRule("user4@example.com", "bob.backup@example.com", model.DispositionTrash))
	_, err := s.repo.AttachFilter(s.ctx, created.ID, Filter(
		map[string]interface{}{"from": "hacky@hackyhackers.com"},
		map[string]interface{}{"forward": "security@example.com"},
	))
	s.Require().NoError(err)

	updated, err := s.repo.UpdateInvestigationNote(s.ctx, created.ID, "Needs further investigation - external domain")
	s.Require().NoError(err)
	s.Equal("Needs further investigation - external domain", *updated.InvestigationNote)

	got, err := s.repo.GetByID(s.ctx, created.ID)
	s.Require().NoError(err)
	s.Equal(*updated, *got)
	s.Equal(created.OwnerEmail, got.OwnerEmail)
	s.Equal(*created.ForwardingAddress, *got.ForwardingAddress)
	s.Equal(*created.Disposition, *got.Disposition)
	s.True(got.HasFilter)

	cleared, err := s.repo.UpdateInvestigationNote(s.ctx, created.ID, "")
	s.Require().NoError(err)
	s.Nil(cleared.InvestigationNote)

	blank, err := s.repo.UpdateInvestigationNote(s.ctx, created.ID, "  \t ")
	s.Require().NoError(err)
	s.Nil(blank.InvestigationNote)
	got, err = s.repo.GetByID(s.ctx, created.ID)
	s.Require().NoError(err)
	s.Nil(got.InvestigationNote)

	_, err = s.repo.UpdateInvestigationNote(s.ctx, 9999, "note")
	s.True(errors.Is(err, apperr.ErrNotFound))
}

func (s *Suite) TestMultilineTextRoundTrip() {
	in := Rule("user5@example.com")
	in.ErrorMessage = model.StringPtr("403 Forbidden\r\nDelegation denied")
	created := s.create(in)
	s.Equal("403 Forbidden\nDelegation denied", *created.ErrorMessage)

	updated, err := s.repo.UpdateInvestigationNote(s.ctx, created.ID, "line1\r\nline2, \"quoted\"\nline3")
	s.Require().NoError(err)
	s.Equal("line1\nline2, \"quoted\"\nline3", *updated.InvestigationNote)

	got, err := s.repo.GetByID(s.ctx, created.ID)
	s.Require().NoError(err)
	s.Equal(*updated, *got)
}

func (s *Suite) TestDeleteCascadesFilter() {
	created := s.create(Rule("user3@example.com"))
	_, err := s.repo.AttachFilter(s.ctx, created.ID, Filter(
		map[string]interface{}{"subject": "timesheet"},
		map[string]interface{}{"forward": "mary.work@example.com", "addLabelIds": []interface{}{"IMPORTANT"}},
	))
	s.Require().NoError(err)

	s.Require().NoError(s.repo.Delete(s.ctx, created.ID))

	_, err = s.repo.GetByID(s.ctx, created.ID)
	s.True(errors.Is(err, apperr.ErrNotFound))
	_, err = s.repo.GetFilter(s.ctx, created.ID)
	s.True(errors.Is(err, apperr.ErrNotFound))
	s.True(errors.Is(s.repo.Delete(s.ctx, created.ID), apperr.ErrNotFound))

	st, err := s.repo.ComputeStats(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(0), st.TotalFilters)

	again := s.create(Rule("user3@example.com"))
	_, err = s.repo.GetFilter(s.ctx, again.ID)
	s.True(errors.Is(err, apperr.ErrNotFound))
	s.assertConsistent()
}

func (s *Suite) TestAttachFilter() {
	created := s.create(Rule("user1@example.com"))
	in := Filter(
		map[string]interface{}{"from": "newsletter@company.com", "hasAttachment": true, "size": 1024},
		map[string]interface{}{"forward": "john.archive@example.com", "addLabelIds": []string{"IMPORTANT", "Label_1"}},
	)

	attached, err := s.repo.AttachFilter(s.ctx, created.ID, in)
	s.Require().NoError(err)
	s.Equal(created.ID, attached.RuleID)
	s.NotZero(attached.ID)

	got, err := s.repo.GetFilter(s.ctx, created.ID)
	s.Require().NoError(err)
	s.Equal(*attached, *got)
	s.Equal("newsletter@company.com", got.Criteria["from"])
	s.Equal(true, got.Criteria["hasAttachment"])
	s.Equal(float64(1024), got.Criteria["size"])
	s.Equal([]interface{}{"IMPORTANT", "Label_1"}, got.Action["addLabelIds"])
	s.True(in.CreatedAt.Equal(got.CreatedAt))

	rule, err := s.repo.GetByID(s.ctx, created.ID)
	s.Require().NoError(err)
	s.True(rule.HasFilter)

	_, err = s.repo.AttachFilter(s.ctx, created.ID, in)
	s.True(errors.Is(err, apperr.ErrConflict), "one filter per rule: %v", err)

	_, err = s.repo.AttachFilter(s.ctx, 9999, in)
	s.True(errors.Is(err, apperr.ErrNotFound))
	s.assertConsistent()
}

func (s *Suite) TestAttachFilterValidation() {
	created := s.create(Rule("user1@example.com"))

	_, err := s.repo.AttachFilter(s.ctx, created.ID, model.FilterConfig{Action: datatypes.JSONMap{}})
	s.True(errors.Is(err, apperr.ErrValidation), "criteria required: %v", err)

	_, err = s.repo.AttachFilter(s.ctx, created.ID, Filter(
		map[string]interface{}{"nested": map[string]interface{}{"a": "b"}},
		map[string]interface{}{},
	))
	s.True(errors.Is(err, apperr.ErrValidation), "nested maps rejected: %v", err)

	_, err = s.repo.AttachFilter(s.ctx, created.ID, Filter(
		map[string]interface{}{"ids": []interface{}{"a", 1}},
		map[string]interface{}{},
	))
	s.True(errors.Is(err, apperr.ErrValidation), "lists hold strings only: %v", err)

	rule, err := s.repo.GetByID(s.ctx, created.ID)
	s.Require().NoError(err)
	s.False(rule.HasFilter)
}

func (s *Suite) TestAttachFilterDefaultsCreatedAt() {
	created := s.create(Rule("user1@example.com"))
	before := time.Now().UTC().Truncate(time.Second)

	attached, err := s.repo.AttachFilter(s.ctx, created.ID, model.FilterConfig{
		Criteria: datatypes.JSONMap{"subject": "invoice"},
		Action:   datatypes.JSONMap{"forward": "archive@example.com"},
	})
	s.Require().NoError(err)
	s.False(attached.CreatedAt.Before(before))
	s.Equal(time.UTC, attached.CreatedAt.Location())
}

func (s *Suite) TestRemoveFilter() {
	created := s.create(Rule("user1@example.com"))
	s.True(errors.Is(s.repo.RemoveFilter(s.ctx, created.ID), apperr.ErrNotFound))
	s.True(errors.Is(s.repo.RemoveFilter(s.ctx, 9999), apperr.ErrNotFound))

	_, err := s.repo.AttachFilter(s.ctx, created.ID, Filter(
		map[string]interface{}{"subject": "invoice"},
		map[string]interface{}{"forward": "archive@example.com"},
	))
	s.Require().NoError(err)
	s.Require().NoError(s.repo.RemoveFilter(s.ctx, created.ID))

	rule, err := s.repo.GetByID(s.ctx, created.ID)
	s.Require().NoError(err)
	s.False(rule.HasFilter)
	s.assertConsistent()

	_, err = s.repo.AttachFilter(s.ctx, created.ID, Filter(
		map[string]interface{}{"subject": "again"},
		map[string]interface{}{"forward": "archive@example.com"},
	))
	s.NoError(err, "a filter can be attached again after removal")
	s.assertConsistent()
}

func (s *Suite) seedSearch() {
	a := s.create(Rule("alice@example.com"))
	s.create(Rule("bob@Example.COM"))
	c := s.create(Rule("carol@other.org"))
	s.create(Rule("dave@other.org"))
	for _, id := range []uint{a.ID, c.ID} {
		_, err := s.repo.AttachFilter(s.ctx, id, Filter(
			map[string]interface{}{"subject": "invoice"},
			map[string]interface{}{"forward": "archive@example.com"},
		))
		s.Require().NoError(err)
	}
}

func owners(rules []model.ForwardingRule) []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.OwnerEmail)
	}
	return out
}

func (s *Suite) TestSearch() {
	s.seedSearch()

	all, err := s.repo.Search(s.ctx, repository.SearchQuery{})
	s.Require().NoError(err)
	s.Len(all, 4)

	byEmail, err := s.repo.Search(s.ctx, repository.SearchQuery{EmailContains: model.StringPtr("EXAMPLE.com")})
	s.Require().NoError(err)
	s.Equal([]string{"alice@example.com", "bob@Example.COM"}, owners(byEmail))

	withFilter, err := s.repo.Search(s.ctx, repository.SearchQuery{HasFilter: repository.BoolPtr(true)})
	s.Require().NoError(err)
	s.Equal([]string{"alice@example.com", "carol@other.org"}, owners(withFilter))

	without, err := s.repo.Search(s.ctx, repository.SearchQuery{HasFilter: repository.BoolPtr(false)})
	s.Require().NoError(err)
	s.Equal([]string{"bob@Example.COM", "dave@other.org"}, owners(without))

	both, err := s.repo.Search(s.ctx, repository.SearchQuery{
		EmailContains: model.StringPtr("example.com"),
		HasFilter:     repository.BoolPtr(true),
	})
	s.Require().NoError(err)
	s.Equal([]string{"alice@example.com"}, owners(both))

	s.create(Rule("Élise@example.com"))
	accented, err := s.repo.Search(s.ctx, repository.SearchQuery{EmailContains: model.StringPtr("éLISE")})
	s.Require().NoError(err)
	s.Equal([]string{"Élise@example.com"}, owners(accented))

	none, err := s.repo.Search(s.ctx, repository.SearchQuery{EmailContains: model.StringPtr("nobody")})
	s.Require().NoError(err)
	s.NotNil(none)
	s.Empty(none)
}

func (s *Suite) TestSearchLiteralWildcards() {
	s.create(Rule("under_score@example.com"))
	s.create(Rule("underXscore@example.com"))
	s.create(Rule("pct100@example.com"))

	got, err := s.repo.Search(s.ctx, repository.SearchQuery{EmailContains: model.StringPtr("under_")})
	s.Require().NoError(err)
	s.Equal([]string{"under_score@example.com"}, owners(got))

	got, err = s.repo.Search(s.ctx, repository.SearchQuery{EmailContains: model.StringPtr("%")})
	s.Require().NoError(err)
	s.Empty(got)
}

func (s *Suite) TestComputeStats() {
	st, err := s.repo.ComputeStats(s.ctx)
	s.Require().NoError(err)
	s.Equal(repository.Stats{}, *st)

	fwd := s.create(ForwardingRule("user1@example.com", "forwarding@example.com", model.DispositionKeep))
	broken := Rule("user2@example.com")
	broken.ErrorMessage = model.StringPtr("Permission denied")
	s.create(broken)
	_, err = s.repo.AttachFilter(s.ctx, fwd.ID, Filter(
		map[string]interface{}{"from": "newsletter@company.com"},
		map[string]interface{}{"forward": "john.archive@example.com"},
	))
	s.Require().NoError(err)

	st, err = s.repo.ComputeStats(s.ctx)
	s.Require().NoError(err)
	s.Equal(repository.Stats{
		TotalRules:       2,
		RulesWithFilter:  1,
		ActiveForwarding: 1,
		RulesWithErrors:  1,
		TotalFilters:     1,
	}, *st)
}

func (s *Suite) TestSnapshot() {
	s.seedSearch()

	snap, err := s.repo.Snapshot(s.ctx, true)
	s.Require().NoError(err)
	s.Len(snap.Rules, 4)
	s.Len(snap.Filters, 2)
	for _, r := range snap.Rules {
		_, ok := snap.Filters[r.ID]
		s.Equal(r.HasFilter, ok)
	}
	s.Equal(int64(2), snap.Stats().RulesWithFilter)
	s.False(snap.TakenAt.IsZero())

	light, err := s.repo.Snapshot(s.ctx, false)
	s.Require().NoError(err)
	s.Len(light.Rules, 4)
	s.Nil(light.Filters)
}

func (s *Suite) TestReturnedValuesAreCopies() {
	created := s.create(Rule("user1@example.com"))
	created.OwnerName = "Mutated"
	_, err := s.repo.AttachFilter(s.ctx, created.ID, Filter(
		map[string]interface{}{"subject": "invoice"},
		map[string]interface{}{"forward": "archive@example.com"},
	))
	s.Require().NoError(err)

	f, err := s.repo.GetFilter(s.ctx, created.ID)
	s.Require().NoError(err)
	f.Criteria["subject"] = "mutated"

	got, err := s.repo.GetByID(s.ctx, created.ID)
	s.Require().NoError(err)
	s.Equal("Owner user1@example.com", got.OwnerName)
	again, err := s.repo.GetFilter(s.ctx, created.ID)
	s.Require().NoError(err)
	s.Equal("invoice", again.Criteria["subject"])
}

func (s *Suite) TestConcurrentCreatesKeepUniqueness() {
	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.repo.Create(s.ctx, Rule("race@example.com"))
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		s.True(errors.Is(err, apperr.ErrConflict), "got %v", err)
	}
	s.Equal(1, ok)
}

func (s *Suite) TestExampleScenario() {
	before, err := s.repo.ComputeStats(s.ctx)
	s.Require().NoError(err)

	created := s.create(ForwardingRule("user1@example.com", "fwd@example.com", model.DispositionKeep))
	s.False(created.HasFilter)

	_, err = s.repo.AttachFilter(s.ctx, created.ID, Filter(
		map[string]interface{}{"subject": "invoice"},
		map[string]interface{}{"forward": "archive@example.com"},
	))
	s.Require().NoError(err)

	rule, err := s.repo.GetByID(s.ctx, created.ID)
	s.Require().NoError(err)
	s.True(rule.HasFilter)

	found, err := s.repo.Search(s.ctx, repository.SearchQuery{HasFilter: repository.BoolPtr(true)})
	s.Require().NoError(err)
	s.Equal([]string{"user1@example.com"}, owners(found))

	mid, err := s.repo.ComputeStats(s.ctx)
	s.Require().NoError(err)
	s.Equal(before.TotalRules+1, mid.TotalRules)

	s.Require().NoError(s.repo.Delete(s.ctx, created.ID))
	_, err = s.repo.GetByID(s.ctx, created.ID)
	s.True(errors.Is(err, apperr.ErrNotFound))

	after, err := s.repo.ComputeStats(s.ctx)
	s.Require().NoError(err)
	s.Equal(mid.TotalRules-1, after.TotalRules)
}

// Run executes the suite for one backend
func Run(t *testing.T, newRepo func(t *testing.T) repository.Repository) {
	require.NotNil(t, newRepo)
	suite.Run(t, &Suite{NewRepo: newRepo})
}
