package flatfile

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/renameio/v2"
	"gorm.io/datatypes"

	"forwarding-audit-go/internal/model"
	"forwarding-audit-go/internal/repository"
)

var (
	ruleHeader = []string{
		"id", "owner_email", "owner_name", "forwarding_address", "disposition",
		"has_filter", "error_message", "investigation_note",
	}
	filterHeader = []string{"id", "rule_id", "criteria", "action", "created_at"}
)

// writeFile is swapped in tests to fail individual writes
var writeFile = renameio.WriteFile

// writeTable replaces path with header plus rows in one atomic rename
func writeTable(path string, header []string, rows [][]string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := writeFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func readTable(path string, header []string) ([][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = len(header)
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	for i, col := range header {
		if records[0][i] != col {
			return nil, fmt.Errorf("unexpected header in %s: column %d is %q, want %q", path, i, records[0][i], col)
		}
	}
	return records[1:], nil
}

func optional(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optionalPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func readRules(path string) ([]model.ForwardingRule, error) {
	rows, err := readTable(path, ruleHeader)
	if err != nil {
		return nil, err
	}
	rules := make([]model.ForwardingRule, 0, len(rows))
	for n, row := range rows {
		id, err := strconv.ParseUint(row[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: bad id %q: %w", path, n+2, row[0], err)
		}
		hasFilter, err := strconv.ParseBool(row[5])
		if err != nil {
			return nil, fmt.Errorf("%s row %d: bad has_filter %q: %w", path, n+2, row[5], err)
		}
		rule := model.ForwardingRule{
			ID:                uint(id),
			OwnerEmail:        row[1],
			OwnerEmailKey:     repository.NormalizeEmail(row[1]),
			OwnerName:         row[2],
			ForwardingAddress: optionalPtr(row[3]),
			HasFilter:         hasFilter,
			ErrorMessage:      optionalPtr(row[6]),
			InvestigationNote: optionalPtr(row[7]),
		}
		if row[4] != "" {
			d, err := model.ParseDisposition(row[4])
			if err != nil {
				return nil, fmt.Errorf("%s row %d: %w", path, n+2, err)
			}
			rule.Disposition = &d
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func writeRules(path string, rules []model.ForwardingRule) error {
	rows := make([][]string, 0, len(rules))
	for _, r := range rules {
		disposition := ""
		if r.Disposition != nil {
			disposition = string(*r.Disposition)
		}
		rows = append(rows, []string{
			strconv.FormatUint(uint64(r.ID), 10),
			r.OwnerEmail,
			r.OwnerName,
			optional(r.ForwardingAddress),
			disposition,
			strconv.FormatBool(r.HasFilter),
			optional(r.ErrorMessage),
			optional(r.InvestigationNote),
		})
	}
	return writeTable(path, ruleHeader, rows)
}

func readFilters(path string) ([]model.FilterConfig, error) {
	rows, err := readTable(path, filterHeader)
	if err != nil {
		return nil, err
	}
	filters := make([]model.FilterConfig, 0, len(rows))
	for n, row := range rows {
		id, err := strconv.ParseUint(row[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: bad id %q: %w", path, n+2, row[0], err)
		}
		ruleID, err := strconv.ParseUint(row[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: bad rule_id %q: %w", path, n+2, row[1], err)
		}
		var criteria, action map[string]interface{}
		if err := json.Unmarshal([]byte(row[2]), &criteria); err != nil {
			return nil, fmt.Errorf("%s row %d: bad criteria: %w", path, n+2, err)
		}
		if err := json.Unmarshal([]byte(row[3]), &action); err != nil {
			return nil, fmt.Errorf("%s row %d: bad action: %w", path, n+2, err)
		}
		createdAt, err := time.Parse(time.RFC3339, row[4])
		if err != nil {
			return nil, fmt.Errorf("%s row %d: bad created_at %q: %w", path, n+2, row[4], err)
		}
		f := model.FilterConfig{
			ID:        uint(id),
			RuleID:    uint(ruleID),
			Criteria:  datatypes.JSONMap(criteria),
			Action:    datatypes.JSONMap(action),
			CreatedAt: createdAt,
		}
		repository.ReloadFilter(&f)
		filters = append(filters, f)
	}
	return filters, nil
}

func writeFilters(path string, filters []model.FilterConfig) error {
	rows := make([][]string, 0, len(filters))
	for _, f := range filters {
		criteria, err := json.Marshal(f.Criteria)
		if err != nil {
			return fmt.Errorf("failed to encode criteria of filter %d: %w", f.ID, err)
		}
		action, err := json.Marshal(f.Action)
		if err != nil {
			return fmt.Errorf("failed to encode action of filter %d: %w", f.ID, err)
		}
		rows = append(rows, []string{
			strconv.FormatUint(uint64(f.ID), 10),
			strconv.FormatUint(uint64(f.RuleID), 10),
			string(criteria),
			string(action),
			f.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return writeTable(path, filterHeader, rows)
}
