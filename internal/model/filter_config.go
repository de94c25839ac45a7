package model

import (
	"time"

	"gorm.io/datatypes"
)

// FilterConfig is the single mail filter attached to a forwarding rule
type FilterConfig struct {
	ID        uint              `json:"id" gorm:"primaryKey;autoIncrement"`
	RuleID    uint              `json:"rule_id" gorm:"not null;uniqueIndex"`
	Criteria  datatypes.JSONMap `json:"criteria" gorm:"not null"`
	Action    datatypes.JSONMap `json:"action" gorm:"not null"`
	CreatedAt time.Time         `json:"created_at"`
}

// TableName specifies the table name for FilterConfig
func (FilterConfig) TableName() string {
	return "filter_configs"
}

// Clone returns a deep copy of the filter
func (f FilterConfig) Clone() FilterConfig {
	out := f
	out.Criteria = cloneMap(f.Criteria)
	out.Action = cloneMap(f.Action)
	return out
}

func cloneMap(m datatypes.JSONMap) datatypes.JSONMap {
	if m == nil {
		return nil
	}
	out := make(datatypes.JSONMap, len(m))
	for k, v := range m {
		if list, ok := v.([]interface{}); ok {
			cp := make([]interface{}, len(list))
			copy(cp, list)
			out[k] = cp
			continue
		}
		out[k] = v
	}
	return out
}
