package repository

import (
	"sort"
	"strings"

	"forwarding-audit-go/internal/model"
)

// Matches reports whether rule satisfies every predicate set in q
func Matches(rule *model.ForwardingRule, q SearchQuery) bool {
	if q.EmailContains != nil {
		needle := strings.ToLower(*q.EmailContains)
		if !strings.Contains(strings.ToLower(rule.OwnerEmail), needle) {
			return false
		}
	}
	if q.HasFilter != nil && rule.HasFilter != *q.HasFilter {
		return false
	}
	return true
}

// Filter returns the rules matching q, keeping their order
func Filter(rules []model.ForwardingRule, q SearchQuery) []model.ForwardingRule {
	out := make([]model.ForwardingRule, 0, len(rules))
	for i := range rules {
		if Matches(&rules[i], q) {
			out = append(out, rules[i])
		}
	}
	return out
}

// Tally computes statistics over rules
func Tally(rules []model.ForwardingRule) Stats {
	var st Stats
	for i := range rules {
		r := &rules[i]
		st.TotalRules++
		if r.HasFilter {
			st.RulesWithFilter++
			st.TotalFilters++
		}
		if r.ForwardingEnabled() {
			st.ActiveForwarding++
		}
		if r.ErrorMessage != nil && *r.ErrorMessage != "" {
			st.RulesWithErrors++
		}
	}
	return st
}

// SortByID orders rules by ascending id in place
func SortByID(rules []model.ForwardingRule) {
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
}

// BoolPtr returns a pointer to b, for building search queries
func BoolPtr(b bool) *bool {
	return &b
}
