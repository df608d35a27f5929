package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Document kind constants
const (
	DocumentKindInvoice      = "FIXED_FEE_INVOICE" // minuta: flat fee + VAT
	DocumentKindMileageClaim = "MILEAGE_CLAIM"     // suplido: per-district travel rate
	DocumentKindOther        = "OTHER"
)

// GeneratedDocument records one rendering of a billable document.
// Rows are append-only: they are never updated or deleted, even after the
// owning case is archived.
type GeneratedDocument struct {
	ID        string    `gorm:"type:uuid;primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	CaseID string `gorm:"type:uuid;not null;index" json:"case_id"`
	Case   Case   `gorm:"foreignKey:CaseID" json:"case,omitempty"`

	DocumentKind string `gorm:"not null" json:"document_kind"`
	StoragePath  string `gorm:"not null;uniqueIndex" json:"-"` // Not exposed in JSON for security
	FileName     string `gorm:"not null" json:"file_name"`
	FileSize     int64  `gorm:"not null" json:"file_size"`
	Signed       bool   `gorm:"not null;default:false" json:"signed"`

	// Amounts as computed at generation time, so the record alone reproduces
	// the document regardless of later configuration changes.
	BaseFee  float64 `json:"base_fee"`
	VATRate  float64 `json:"vat_rate"`
	Amount   float64 `gorm:"not null" json:"amount"`
	District *string `gorm:"size:100" json:"district,omitempty"`
}

// BeforeCreate hook to generate UUID
func (d *GeneratedDocument) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GeneratedDocument model
func (GeneratedDocument) TableName() string {
	return "generated_documents"
}

// GetDownloadURL returns a safe download URL for this document
func (d *GeneratedDocument) GetDownloadURL() string {
	return "/api/documents/" + d.ID + "/download"
}

// IsInvoice checks if the document is a fixed-fee invoice
func (d *GeneratedDocument) IsInvoice() bool {
	return d.DocumentKind == DocumentKindInvoice
}

// IsMileageClaim checks if the document is a mileage claim
func (d *GeneratedDocument) IsMileageClaim() bool {
	return d.DocumentKind == DocumentKindMileageClaim
}

// IsValidDocumentKind checks if the document kind is valid
func IsValidDocumentKind(kind string) bool {
	validKinds := []string{
		DocumentKindInvoice,
		DocumentKindMileageClaim,
		DocumentKindOther,
	}
	for _, k := range validKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// GetDocumentKindDisplayName returns human-readable document kind name
func GetDocumentKindDisplayName(kind string) string {
	names := map[string]string{
		DocumentKindInvoice:      "Fixed-Fee Invoice",
		DocumentKindMileageClaim: "Mileage Claim",
		DocumentKindOther:        "Other",
	}
	if name, ok := names[kind]; ok {
		return name
	}
	return kind
}
