package model

import "fmt"

// Disposition is what happens to the original message after it is forwarded
type Disposition string

const (
	DispositionKeep    Disposition = "keep"
	DispositionArchive Disposition = "archive"
	DispositionTrash   Disposition = "trash"
)

// Valid reports whether d is one of the known dispositions
func (d Disposition) Valid() bool {
	switch d {
	case DispositionKeep, DispositionArchive, DispositionTrash:
		return true
	}
	return false
}

// ParseDisposition parses a stored disposition value
func ParseDisposition(s string) (Disposition, error) {
	d := Disposition(s)
	if !d.Valid() {
		return "", fmt.Errorf("unknown disposition %q", s)
	}
	return d, nil
}

// ForwardingRule is the audited auto-forwarding configuration of one mailbox owner
type ForwardingRule struct {
	ID                uint         `json:"id" gorm:"primaryKey;autoIncrement"`
	OwnerEmail        string       `json:"owner_email" gorm:"type:varchar(255);not null" validate:"required,email,max=255"`
	OwnerEmailKey     string       `json:"-" gorm:"column:owner_email_key;type:varchar(255);not null;uniqueIndex"`
	OwnerName         string       `json:"owner_name" gorm:"type:varchar(255);not null" validate:"required,max=255"`
	ForwardingAddress *string      `json:"forwarding_address,omitempty" gorm:"type:varchar(255)" validate:"omitempty,email,max=255"`
	Disposition       *Disposition `json:"disposition,omitempty" gorm:"type:varchar(16)"`
	HasFilter         bool         `json:"has_filter" gorm:"not null;default:false"`
	ErrorMessage      *string      `json:"error_message,omitempty" gorm:"type:text"`
	InvestigationNote *string      `json:"investigation_note,omitempty" gorm:"type:text"`

	Filter *FilterConfig `json:"-" gorm:"foreignKey:RuleID;constraint:OnDelete:CASCADE"`
}

// TableName specifies the table name for ForwardingRule
func (ForwardingRule) TableName() string {
	return "forwarding_rules"
}

// ForwardingEnabled reports whether the owner forwards mail anywhere
func (r *ForwardingRule) ForwardingEnabled() bool {
	return r.ForwardingAddress != nil && *r.ForwardingAddress != ""
}

// Clone returns a deep copy of the rule without its filter association
func (r ForwardingRule) Clone() ForwardingRule {
	out := r
	out.ForwardingAddress = cloneString(r.ForwardingAddress)
	out.ErrorMessage = cloneString(r.ErrorMessage)
	out.InvestigationNote = cloneString(r.InvestigationNote)
	if r.Disposition != nil {
		d := *r.Disposition
		out.Disposition = &d
	}
	out.Filter = nil
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// StringPtr returns a pointer to s
func StringPtr(s string) *string {
	return &s
}

// DispositionPtr returns a pointer to d
func DispositionPtr(d Disposition) *Disposition {
	return &d
}
