package models

import "time"

// ReferenceCounter persists the allocation state behind reference generation.
// One row per scheme key ("internal-sequential", "particular-26", ...), lazily
// created on first allocation and never deleted. NextValue only moves forward;
// year-scoped schemes partition by embedding the year in the key instead of
// ever resetting a counter.
type ReferenceCounter struct {
	SchemeKey string    `gorm:"primarykey;size:64" json:"scheme_key"`
	NextValue int64     `gorm:"not null;default:0" json:"next_value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for ReferenceCounter model
func (ReferenceCounter) TableName() string {
	return "reference_counters"
}
