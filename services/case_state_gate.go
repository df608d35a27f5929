package services

import (
	"fmt"

	"lex_billing_app_go/models"
)

// Workflow kind constants
const (
	WorkflowInvoice      = "INVOICE"
	WorkflowMileageClaim = "MILEAGE_CLAIM"
)

// RejectionError reports that a workflow is not permitted for a case in its
// current kind/state. It is raised before any side effect.
type RejectionError struct {
	CaseID   string
	Workflow string
	Reason   string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("workflow %s rejected for case %s: %s", e.Workflow, e.CaseID, e.Reason)
}

// AuthorizeWorkflow decides whether a document-generation workflow may run
// against a case. Pure function, no side effects, never retries.
//
// Rules:
//   - any workflow against an archived case is rejected unconditionally
//   - invoices require an insurer-linked case that is open or in litigation
//   - mileage claims require an insurer-linked case in litigation exactly,
//     since the amount is driven by the assigned court district
func AuthorizeWorkflow(c *models.Case, workflowKind string) error {
	if c.IsArchived() {
		return &RejectionError{
			CaseID:   c.ID,
			Workflow: workflowKind,
			Reason:   "case is archived; no further document generation is permitted",
		}
	}

	switch workflowKind {
	case WorkflowInvoice:
		if c.CaseKind != models.CaseKindInsurer {
			return &RejectionError{
				CaseID:   c.ID,
				Workflow: workflowKind,
				Reason:   fmt.Sprintf("fixed-fee invoices apply to insurer-linked cases only, case kind is %s", c.CaseKind),
			}
		}
		return nil

	case WorkflowMileageClaim:
		if c.CaseKind != models.CaseKindInsurer {
			return &RejectionError{
				CaseID:   c.ID,
				Workflow: workflowKind,
				Reason:   fmt.Sprintf("mileage claims apply to insurer-linked cases only, case kind is %s", c.CaseKind),
			}
		}
		if !c.IsInLitigation() {
			return &RejectionError{
				CaseID:   c.ID,
				Workflow: workflowKind,
				Reason:   fmt.Sprintf("mileage claims require a case in litigation, state is %s", c.ProcessingState),
			}
		}
		return nil

	default:
		return &RejectionError{
			CaseID:   c.ID,
			Workflow: workflowKind,
			Reason:   "unknown workflow kind",
		}
	}
}
