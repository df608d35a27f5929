package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Case kind constants
const (
	CaseKindInsurer = "INSURER" // insurer-linked, billed per fixed fee
	CaseKindPrivate = "PRIVATE" // private client
	CaseKindCourt   = "COURT"   // court-assigned (turno de oficio)
)

// Processing state constants (linear lifecycle - must remain fixed)
const (
	CaseStateOpen         = "OPEN"
	CaseStateInLitigation = "IN_LITIGATION"
	CaseStateArchived     = "ARCHIVED"
)

// Case represents a legal matter
type Case struct {
	ID        string         `gorm:"type:uuid;primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	// Identification
	InternalReference string  `gorm:"not null;uniqueIndex" json:"internal_reference"`
	ExternalReference *string `gorm:"size:20;uniqueIndex" json:"external_reference,omitempty"`
	CaseKind          string  `gorm:"not null;index" json:"case_kind"`
	ClientName        string  `gorm:"not null" json:"client_name"`

	// Lifecycle
	ProcessingState    string     `gorm:"not null;default:OPEN;index" json:"processing_state"`
	LitigationDistrict *string    `gorm:"size:100" json:"litigation_district,omitempty"`
	ClosedAt           *time.Time `json:"closed_at,omitempty"`
	StateChangedAt     *time.Time `json:"state_changed_at,omitempty"`

	// Relationships
	Documents     []GeneratedDocument `gorm:"foreignKey:CaseID" json:"documents,omitempty"`
	EmailAttempts []EmailAttempt      `gorm:"foreignKey:CaseID" json:"email_attempts,omitempty"`
}

// BeforeCreate hook to generate UUID
func (c *Case) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for Case model
func (Case) TableName() string {
	return "cases"
}

// IsOpen checks if the case is open
func (c *Case) IsOpen() bool {
	return c.ProcessingState == CaseStateOpen
}

// IsInLitigation checks if the case is in litigation
func (c *Case) IsInLitigation() bool {
	return c.ProcessingState == CaseStateInLitigation
}

// IsArchived checks if the case is archived (terminal state)
func (c *Case) IsArchived() bool {
	return c.ProcessingState == CaseStateArchived
}

// GetDistrict returns the litigation district or empty string
func (c *Case) GetDistrict() string {
	if c.LitigationDistrict != nil {
		return *c.LitigationDistrict
	}
	return ""
}

// GetExternalReference returns the external reference or empty string
func (c *Case) GetExternalReference() string {
	if c.ExternalReference != nil {
		return *c.ExternalReference
	}
	return ""
}

// CanTransitionTo reports whether the processing state may move to next.
// Transitions only run forward: OPEN -> IN_LITIGATION -> ARCHIVED.
func (c *Case) CanTransitionTo(next string) bool {
	switch c.ProcessingState {
	case CaseStateOpen:
		return next == CaseStateInLitigation || next == CaseStateArchived
	case CaseStateInLitigation:
		return next == CaseStateArchived
	default:
		// ARCHIVED is terminal
		return false
	}
}

// IsValidCaseKind checks if the case kind is valid
func IsValidCaseKind(kind string) bool {
	return kind == CaseKindInsurer || kind == CaseKindPrivate || kind == CaseKindCourt
}

// IsValidProcessingState checks if the processing state is valid
func IsValidProcessingState(state string) bool {
	validStates := []string{
		CaseStateOpen,
		CaseStateInLitigation,
		CaseStateArchived,
	}
	for _, s := range validStates {
		if s == state {
			return true
		}
	}
	return false
}

// GetProcessingStateDisplayName returns human-readable state name
func GetProcessingStateDisplayName(state string) string {
	names := map[string]string{
		CaseStateOpen:         "Open",
		CaseStateInLitigation: "In Litigation",
		CaseStateArchived:     "Archived",
	}
	if name, ok := names[state]; ok {
		return name
	}
	return state
}
