package services

import (
	"fmt"
	"strings"
	"time"

	"lex_billing_app_go/models"

	"gorm.io/gorm"
)

// DuplicateReferenceError reports a well-formed external reference already
// taken by another case. This is a data-integrity error, distinct from a
// format error.
type DuplicateReferenceError struct {
	Reference string
}

func (e *DuplicateReferenceError) Error() string {
	return fmt.Sprintf("external reference %s is already assigned to another case", e.Reference)
}

// InvalidTransitionError reports a processing-state change that would move the
// lifecycle backwards or out of a terminal state.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid processing-state transition %s -> %s", e.From, e.To)
}

// CreateCaseInput is the front-door payload for case creation.
type CreateCaseInput struct {
	CaseKind          string
	ClientName        string
	ExternalReference string // required for insurer-linked cases
	CourtDesignation  string // required for court-assigned cases
}

// CreateCase validates the input, allocates the internal reference and inserts
// the case in one transaction. If allocation fails no case is created: a case
// must never exist without a reference.
func CreateCase(db *gorm.DB, input CreateCaseInput) (*models.Case, error) {
	if !models.IsValidCaseKind(input.CaseKind) {
		return nil, fmt.Errorf("invalid case kind: %q", input.CaseKind)
	}
	if strings.TrimSpace(input.ClientName) == "" {
		return nil, fmt.Errorf("client name is required")
	}

	newCase := &models.Case{
		CaseKind:        input.CaseKind,
		ClientName:      strings.TrimSpace(input.ClientName),
		ProcessingState: models.CaseStateOpen,
	}

	switch input.CaseKind {
	case models.CaseKindInsurer:
		reference := strings.TrimSpace(input.ExternalReference)
		if err := ValidateExternalReference(reference); err != nil {
			return nil, err
		}
		exists, err := ExternalReferenceExists(db, reference)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, &DuplicateReferenceError{Reference: reference}
		}
		newCase.ExternalReference = &reference

	case models.CaseKindCourt:
		if strings.TrimSpace(input.CourtDesignation) == "" {
			return nil, fmt.Errorf("court-assigned cases require the court designation number")
		}
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		if input.CaseKind == models.CaseKindCourt {
			newCase.InternalReference = strings.TrimSpace(input.CourtDesignation)
		} else {
			reference, err := AllocateInternalReference(tx, input.CaseKind, time.Now().Year())
			if err != nil {
				return err
			}
			newCase.InternalReference = reference
		}
		return tx.Create(newCase).Error
	})
	if err != nil {
		return nil, err
	}
	return newCase, nil
}

// TransitionCaseState moves a case forward through its lifecycle. Transitions
// only run forward; ARCHIVED is terminal.
//   - IN_LITIGATION requires the litigation district
//   - ARCHIVED requires the closure date
func TransitionCaseState(db *gorm.DB, caseID, next string, district string, closedAt *time.Time) (*models.Case, error) {
	if !models.IsValidProcessingState(next) {
		return nil, fmt.Errorf("invalid processing state: %q", next)
	}

	var c models.Case
	if err := db.First(&c, "id = ?", caseID).Error; err != nil {
		return nil, fmt.Errorf("case not found: %w", err)
	}

	if !c.CanTransitionTo(next) {
		return nil, &InvalidTransitionError{From: c.ProcessingState, To: next}
	}

	now := time.Now()
	updates := map[string]interface{}{
		"processing_state": next,
		"state_changed_at": now,
	}

	switch next {
	case models.CaseStateInLitigation:
		if strings.TrimSpace(district) == "" {
			return nil, fmt.Errorf("litigation district is required to enter litigation")
		}
		updates["litigation_district"] = strings.TrimSpace(district)

	case models.CaseStateArchived:
		if closedAt == nil {
			return nil, fmt.Errorf("closure date is required to archive a case")
		}
		updates["closed_at"] = *closedAt
	}

	if err := db.Model(&c).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to update case state: %w", err)
	}
	return &c, nil
}
