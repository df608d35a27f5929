package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Email attempt status constants
const (
	EmailStatusSent  = "SENT"
	EmailStatusError = "ERROR"
)

// EmailAttempt records one delivery attempt. Every attempt produces exactly one
// row, whether it succeeds or fails. A retry inserts a new row; the failed one
// stays untouched as an audit trail.
type EmailAttempt struct {
	ID        string    `gorm:"type:uuid;primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	CaseID string `gorm:"type:uuid;not null;index" json:"case_id"`
	Case   Case   `gorm:"foreignKey:CaseID" json:"case,omitempty"`

	DocumentID *string            `gorm:"type:uuid;index" json:"document_id,omitempty"`
	Document   *GeneratedDocument `gorm:"foreignKey:DocumentID" json:"document,omitempty"`

	Recipient   string  `gorm:"not null" json:"recipient"`
	Subject     string  `gorm:"not null" json:"subject"`
	Status      string  `gorm:"not null;index" json:"status"`
	ErrorDetail *string `gorm:"type:text" json:"error_detail,omitempty"` // present iff status = ERROR
}

// BeforeCreate hook to generate UUID
func (a *EmailAttempt) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for EmailAttempt model
func (EmailAttempt) TableName() string {
	return "email_attempts"
}

// IsSent checks if the attempt succeeded
func (a *EmailAttempt) IsSent() bool {
	return a.Status == EmailStatusSent
}

// IsError checks if the attempt failed
func (a *EmailAttempt) IsError() bool {
	return a.Status == EmailStatusError
}

// GetErrorDetail returns the error detail or empty string
func (a *EmailAttempt) GetErrorDetail() string {
	if a.ErrorDetail != nil {
		return *a.ErrorDetail
	}
	return ""
}
