package seed

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"gorm.io/datatypes"

	"forwarding-audit-go/internal/model"
)

const dateLayout = "2006-01-02"

// fileRecord accepts both the flat export shape and the Gmail-style
// autoForwarding block.
type fileRecord struct {
	Email             string          `json:"email"`
	Name              string          `json:"name"`
	ForwardingEmail   *string         `json:"forwarding_email"`
	Disposition       *string         `json:"disposition"`
	AutoForwarding    *autoForwarding `json:"autoForwarding"`
	Filter            *fileFilter     `json:"filter"`
	Error             *string         `json:"error"`
	InvestigationNote *string         `json:"investigation_note"`
}

type autoForwarding struct {
	Enabled      bool   `json:"enabled"`
	EmailAddress string `json:"emailAddress"`
	Disposition  string `json:"disposition"`
}

type fileFilter struct {
	Criteria  map[string]interface{} `json:"criteria"`
	Action    map[string]interface{} `json:"action"`
	CreatedAt string                 `json:"created_at"`
}

// MapDisposition converts both stored and Gmail API disposition names
func MapDisposition(s string) (model.Disposition, error) {
	switch s {
	case "leaveInInbox", "markRead":
		return model.DispositionKeep, nil
	case "dispositionUnspecified":
		return "", nil
	}
	return model.ParseDisposition(s)
}

// LoadFile reads an import file holding a JSON array of records
func LoadFile(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read import file: %w", err)
	}
	return Parse(data)
}

// Parse decodes import records from JSON
func Parse(data []byte) ([]Record, error) {
	var raw []fileRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode import file: %w", err)
	}

	records := make([]Record, 0, len(raw))
	for i, fr := range raw {
		rec, err := fr.toRecord()
		if err != nil {
			return nil, fmt.Errorf("record %d (%s): %w", i, fr.Email, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (fr fileRecord) toRecord() (Record, error) {
	rule := model.ForwardingRule{
		OwnerEmail:        fr.Email,
		OwnerName:         fr.Name,
		ErrorMessage:      fr.Error,
		InvestigationNote: fr.InvestigationNote,
	}

	address, disposition := fr.ForwardingEmail, fr.Disposition
	if fr.AutoForwarding != nil {
		address, disposition = nil, nil
		if fr.AutoForwarding.Enabled && fr.AutoForwarding.EmailAddress != "" {
			address = &fr.AutoForwarding.EmailAddress
			disposition = &fr.AutoForwarding.Disposition
		}
	}
	if address != nil && *address != "" {
		rule.ForwardingAddress = model.StringPtr(*address)
		if disposition != nil && *disposition != "" {
			d, err := MapDisposition(*disposition)
			if err != nil {
				return Record{}, err
			}
			if d != "" {
				rule.Disposition = &d
			}
		}
	}

	rec := Record{Rule: rule}
	if fr.Filter != nil {
		f := &model.FilterConfig{
			Criteria: datatypes.JSONMap(fr.Filter.Criteria),
			Action:   datatypes.JSONMap(fr.Filter.Action),
		}
		if f.Criteria == nil {
			f.Criteria = datatypes.JSONMap{}
		}
		if f.Action == nil {
			f.Action = datatypes.JSONMap{}
		}
		if fr.Filter.CreatedAt != "" {
			t, err := parseTime(fr.Filter.CreatedAt)
			if err != nil {
				return Record{}, err
			}
			f.CreatedAt = t
		}
		rec.Filter = f
	}
	return rec, nil
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, dateLayout} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized created_at %q", s)
}
