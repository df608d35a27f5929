package services

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"lex_billing_app_go/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Counter scheme keys
const (
	SchemeInternalSequential = "internal-sequential"
	schemePrivatePrefix      = "particular"
)

// externalReferencePattern matches insurer-issued references: fixed DJ00 prefix
// followed by exactly 6 digits (10 characters total).
var externalReferencePattern = regexp.MustCompile(`^DJ00\d{6}$`)

// ErrCourtAssignedReference is returned when allocation is requested for a
// court-assigned case; those carry an externally issued designation number
// supplied by the caller instead.
var ErrCourtAssignedReference = errors.New("court-assigned cases carry an externally issued designation number")

// InvalidReferenceFormatError reports an external reference that does not match
// the insurer format. Format violations are validation errors; a duplicate of a
// well-formed reference is a data-integrity error, not a format error.
type InvalidReferenceFormatError struct {
	Reference string
}

func (e *InvalidReferenceFormatError) Error() string {
	return fmt.Sprintf("external reference %q does not match required format DJ00 + 6 digits", e.Reference)
}

// StorageUnavailableError reports that the counter store could not complete an
// allocation. The caller must not create a case without a reference; there is
// no placeholder fallback.
type StorageUnavailableError struct {
	Op  string
	Err error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("reference store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StorageUnavailableError) Unwrap() error {
	return e.Err
}

// AllocateInternalReference produces the internal reference for a newly created
// case. Every allocation round-trips through the persisted counter; values are
// never cached in memory, so uniqueness survives process restarts.
//
// Formats:
//   - INSURER: IY + 6-digit correlative from the global internal-sequential counter
//   - PRIVATE: IY-{YY}-{NNN} from a counter keyed by the two-digit year; a new
//     year starts a new key, so numbering restarts at 001 without any reset step
//   - COURT:   no allocation here; the court issues the designation
func AllocateInternalReference(db *gorm.DB, caseKind string, year int) (string, error) {
	switch caseKind {
	case models.CaseKindInsurer:
		value, err := allocateCounter(db, SchemeInternalSequential)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("IY%06d", value), nil

	case models.CaseKindPrivate:
		yy := year % 100
		schemeKey := fmt.Sprintf("%s-%02d", schemePrivatePrefix, yy)
		value, err := allocateCounter(db, schemeKey)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("IY-%02d-%03d", yy, value), nil

	case models.CaseKindCourt:
		return "", ErrCourtAssignedReference

	default:
		return "", fmt.Errorf("unknown case kind: %q", caseKind)
	}
}

// allocateCounter atomically increments and reads the counter for a scheme key.
// The upsert-increment and the read run in one transaction; sqlite serializes
// writers, so two concurrent allocations can never observe the same value.
func allocateCounter(db *gorm.DB, schemeKey string) (int64, error) {
	var value int64
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "scheme_key"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"next_value": gorm.Expr("next_value + 1"),
				"updated_at": time.Now(),
			}),
		}).Create(&models.ReferenceCounter{SchemeKey: schemeKey, NextValue: 1}).Error; err != nil {
			return err
		}

		var counter models.ReferenceCounter
		if err := tx.First(&counter, "scheme_key = ?", schemeKey).Error; err != nil {
			return err
		}
		value = counter.NextValue
		return nil
	})
	if err != nil {
		return 0, &StorageUnavailableError{Op: "allocate " + schemeKey, Err: err}
	}
	return value, nil
}

// ValidateExternalReference checks the insurer reference format. Global
// uniqueness is a separate concern checked against existing cases.
func ValidateExternalReference(reference string) error {
	if !externalReferencePattern.MatchString(reference) {
		return &InvalidReferenceFormatError{Reference: reference}
	}
	return nil
}

// ExternalReferenceExists reports whether a well-formed external reference is
// already taken by an existing case.
func ExternalReferenceExists(db *gorm.DB, reference string) (bool, error) {
	var count int64
	if err := db.Model(&models.Case{}).Where("external_reference = ?", reference).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check external reference uniqueness: %w", err)
	}
	return count > 0, nil
}
