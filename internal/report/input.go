// Package report turns a repository snapshot into a PDF document and stores
// the result in the reports directory.
package report

import (
	"context"
	"time"

	"forwarding-audit-go/internal/model"
	"forwarding-audit-go/internal/repository"
)

const (
	statisticsOnlyNote = "This report contains only statistical information about email forwarding rules. " +
		"For detailed information about individual rules, please generate a complete report."
	rulesOnlyNote = "Note: This report contains only basic information about forwarding rules. " +
		"Filter details have been excluded. For complete information including filters, " +
		"please generate a full report."
)

// Input is everything the renderer needs for one document
type Input struct {
	Kind        model.ReportKind
	Title       string
	GeneratedAt time.Time

	// Stats is nil for rules-only reports
	Stats *repository.Stats
	// Rules is nil for statistics-only reports
	Rules []model.ForwardingRule
	// Filters is set for full reports only, keyed by rule id
	Filters map[uint]model.FilterConfig

	Note string
}

// Renderer produces document bytes from an Input
type Renderer interface {
	Render(ctx context.Context, in Input) ([]byte, error)
}

// NeedsFilters reports whether kind requires filter detail in its snapshot
func NeedsFilters(kind model.ReportKind) bool {
	return kind == model.ReportFull
}

// BuildInput selects the parts of snap that a report of kind shows. Stats are
// tallied from the snapshot itself so the document is internally consistent.
func BuildInput(kind model.ReportKind, snap *repository.Snapshot) Input {
	in := Input{
		Kind:        kind,
		Title:       kind.Title(),
		GeneratedAt: snap.TakenAt,
	}

	rules := snap.Rules
	if rules == nil {
		rules = []model.ForwardingRule{}
	}

	switch kind {
	case model.ReportStatisticsOnly:
		st := snap.Stats()
		in.Stats = &st
		in.Note = statisticsOnlyNote
	case model.ReportRulesOnly:
		in.Rules = rules
		in.Note = rulesOnlyNote
	default:
		st := snap.Stats()
		in.Stats = &st
		in.Rules = rules
		in.Filters = snap.Filters
	}
	return in
}
