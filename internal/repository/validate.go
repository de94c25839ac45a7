package repository

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"gorm.io/datatypes"

	"forwarding-audit-go/internal/apperr"
	"forwarding-audit-go/internal/model"
)

var validate = validator.New()

// NormalizeEmail is the comparison key used for owner uniqueness
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// PrepareRule validates a rule for Create and returns the value to store.
// The id is cleared, hasFilter forced false, the email key derived, and an
// empty note dropped.
func PrepareRule(rule model.ForwardingRule) (model.ForwardingRule, error) {
	rule = rule.Clone()
	rule.ID = 0
	rule.HasFilter = false
	rule.OwnerEmail = strings.TrimSpace(rule.OwnerEmail)
	rule.OwnerEmailKey = NormalizeEmail(rule.OwnerEmail)
	rule.OwnerName = NormalizeText(strings.TrimSpace(rule.OwnerName))
	if rule.ForwardingAddress != nil {
		addr := strings.TrimSpace(*rule.ForwardingAddress)
		if addr == "" {
			rule.ForwardingAddress = nil
		} else {
			rule.ForwardingAddress = &addr
		}
	}
	if rule.ErrorMessage != nil {
		if msg := NormalizeText(*rule.ErrorMessage); msg == "" {
			rule.ErrorMessage = nil
		} else {
			rule.ErrorMessage = &msg
		}
	}
	rule.InvestigationNote = NoteValue(rule.InvestigationNote)

	if err := validate.Struct(rule); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return rule, apperr.Validation(EntityRule, fieldName(fe.Field()), fmt.Sprintf("failed %q check", fe.Tag()))
		}
		return rule, apperr.Validation(EntityRule, "", err.Error())
	}

	if rule.Disposition != nil {
		if !rule.Disposition.Valid() {
			return rule, apperr.Validation(EntityRule, "disposition", fmt.Sprintf("unknown disposition %q", *rule.Disposition))
		}
		if rule.ForwardingAddress == nil {
			return rule, apperr.Validation(EntityRule, "disposition", "disposition requires a forwarding address")
		}
	}
	return rule, nil
}

// NoteValue maps an empty or blank note to absent
func NoteValue(note *string) *string {
	if note == nil || strings.TrimSpace(*note) == "" {
		return nil
	}
	v := NormalizeText(*note)
	return &v
}

// NormalizeText folds CRLF line endings to LF. The flat-file encoding cannot
// keep a CR before a newline inside a field.
func NormalizeText(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

func fieldName(goField string) string {
	switch goField {
	case "OwnerEmail":
		return "owner_email"
	case "OwnerName":
		return "owner_name"
	case "ForwardingAddress":
		return "forwarding_address"
	}
	return strings.ToLower(goField)
}

// PrepareFilter validates and normalizes a filter for attachment to ruleID.
// Criteria and action go through a JSON round-trip so every backend holds the
// same value shapes (float64 numbers, []interface{} lists).
func PrepareFilter(ruleID uint, filter model.FilterConfig, now time.Time) (model.FilterConfig, error) {
	criteria, err := normalizeMap("criteria", filter.Criteria)
	if err != nil {
		return filter, err
	}
	action, err := normalizeMap("action", filter.Action)
	if err != nil {
		return filter, err
	}

	out := model.FilterConfig{
		RuleID:    ruleID,
		Criteria:  criteria,
		Action:    action,
		CreatedAt: filter.CreatedAt,
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	out.CreatedAt = out.CreatedAt.UTC().Truncate(time.Second)
	return out, nil
}

func normalizeMap(field string, m datatypes.JSONMap) (datatypes.JSONMap, error) {
	if m == nil {
		return nil, apperr.Validation(EntityFilter, field, "is required")
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, apperr.Validation(EntityFilter, field, err.Error())
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, apperr.Validation(EntityFilter, field, err.Error())
	}
	for k, v := range out {
		if k == "" {
			return nil, apperr.Validation(EntityFilter, field, "keys must not be empty")
		}
		if !allowedValue(v) {
			return nil, apperr.Validation(EntityFilter, field, fmt.Sprintf("value for %q must be a string, bool, number, or list of strings", k))
		}
	}
	return datatypes.JSONMap(out), nil
}

func allowedValue(v interface{}) bool {
	switch val := v.(type) {
	case string, bool, float64:
		return true
	case []interface{}:
		for _, item := range val {
			if _, ok := item.(string); !ok {
				return false
			}
		}
		return true
	}
	return false
}

// ReloadFilter re-applies the JSON round-trip to a filter read back from
// storage, so drivers that decode numbers as json.Number still yield float64.
func ReloadFilter(f *model.FilterConfig) {
	if m, err := normalizeMap("criteria", f.Criteria); err == nil {
		f.Criteria = m
	}
	if m, err := normalizeMap("action", f.Action); err == nil {
		f.Action = m
	}
	f.CreatedAt = f.CreatedAt.UTC()
}
