package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"path/filepath"
	"time"

	"lex_billing_app_go/config"
	"lex_billing_app_go/models"

	"gorm.io/gorm"
)

// Workflow step names, in execution order
const (
	StepValidate       = "Validate"
	StepRender         = "Render"
	StepSign           = "Sign"
	StepRecordDocument = "RecordDocument"
	StepDispatchEmail  = "DispatchEmail"
	StepRecordEmail    = "RecordEmail"
)

// Step outcome constants
const (
	OutcomeCompleted = "COMPLETED"
	OutcomeSkipped   = "SKIPPED"
	OutcomeFailed    = "FAILED"
)

// StepResult is one entry of the per-invocation step report.
type StepResult struct {
	Step    string `json:"step"`
	Outcome string `json:"outcome"`
	Detail  string `json:"detail,omitempty"`
}

// WorkflowResult is the outcome of one end-to-end invocation. It is returned
// for successful invocations, including degraded ones (unsigned document,
// failed email): a document was legitimately produced either way.
type WorkflowResult struct {
	Steps          []StepResult `json:"steps"`
	DocumentID     string       `json:"document_id,omitempty"`
	EmailAttemptID string       `json:"email_attempt_id,omitempty"`
}

func (r *WorkflowResult) record(step, outcome, detail string) {
	r.Steps = append(r.Steps, StepResult{Step: step, Outcome: outcome, Detail: detail})
}

// OrphanedFileError reports that a rendered file reached durable storage but
// its document record could not be inserted. Surfaced distinctly so an
// operator can reconcile the file instead of silently losing track of it.
type OrphanedFileError struct {
	StoragePath string
	Err         error
}

func (e *OrphanedFileError) Error() string {
	return fmt.Sprintf("document record insert failed, rendered file orphaned at %s: %v", e.StoragePath, e.Err)
}

func (e *OrphanedFileError) Unwrap() error {
	return e.Err
}

// InvalidRetryTargetError reports a retry against an attempt that does not
// exist, already succeeded, or no longer references a stored document.
type InvalidRetryTargetError struct {
	AttemptID string
	Reason    string
}

func (e *InvalidRetryTargetError) Error() string {
	return fmt.Sprintf("invalid retry target %s: %s", e.AttemptID, e.Reason)
}

// BillingWorkflowEngine drives one document request through
// Validate -> Render -> Sign -> RecordDocument -> DispatchEmail -> RecordEmail.
// Document persistence and email delivery are independent commit points: a
// dispatch failure never rolls the document back.
type BillingWorkflowEngine struct {
	db        *gorm.DB
	renderer  DocumentRenderer
	signer    SignatureStrategy
	transport EmailTransport
	storage   StorageProvider
	cfg       config.BillingConfig
}

// NewBillingWorkflowEngine builds an engine bound to a configuration snapshot.
// The snapshot is captured once; configuration changes after that never affect
// this engine's amount computation.
func NewBillingWorkflowEngine(db *gorm.DB, renderer DocumentRenderer, signer SignatureStrategy, transport EmailTransport, storage StorageProvider, cfg config.BillingConfig) *BillingWorkflowEngine {
	return &BillingWorkflowEngine{
		db:        db,
		renderer:  renderer,
		signer:    signer,
		transport: transport,
		storage:   storage,
		cfg:       cfg,
	}
}

// ActiveSignerInfo describes the configured signature strategy, display only.
func (e *BillingWorkflowEngine) ActiveSignerInfo() SignerInfo {
	return e.signer.Info()
}

// GenerateInvoice runs the fixed-fee invoice workflow for a case.
func (e *BillingWorkflowEngine) GenerateInvoice(ctx context.Context, caseID string) (*WorkflowResult, error) {
	return e.run(ctx, caseID, WorkflowInvoice, "")
}

// GenerateMileageClaim runs the mileage claim workflow. When district is empty
// the case's assigned litigation district is used.
func (e *BillingWorkflowEngine) GenerateMileageClaim(ctx context.Context, caseID string, district string) (*WorkflowResult, error) {
	return e.run(ctx, caseID, WorkflowMileageClaim, district)
}

func (e *BillingWorkflowEngine) run(ctx context.Context, caseID, workflowKind, district string) (*WorkflowResult, error) {
	unlock := lockCase(caseID)
	defer unlock()

	result := &WorkflowResult{}

	var c models.Case
	if err := e.db.First(&c, "id = ?", caseID).Error; err != nil {
		return nil, fmt.Errorf("failed to load case %s: %w", caseID, err)
	}

	// Validate: rejection aborts with zero side effects.
	if err := AuthorizeWorkflow(&c, workflowKind); err != nil {
		return nil, err
	}
	result.record(StepValidate, OutcomeCompleted, "")

	// Render: amounts are computed from the snapshot as of invocation start.
	documentKind, fields, renderDetail := e.buildFields(&c, workflowKind, district)

	renderCtx, cancelRender := context.WithTimeout(ctx, e.cfg.RenderTimeout)
	documentBytes, err := e.renderer.Render(renderCtx, documentKind, fields)
	cancelRender()
	if err != nil {
		result.record(StepRender, OutcomeFailed, err.Error())
		return nil, fmt.Errorf("render failed: %w", err)
	}
	result.record(StepRender, OutcomeCompleted, renderDetail)

	// Sign: failure degrades to an unsigned document; the user must not lose a
	// correctly rendered invoice because signing infrastructure is down.
	signed := false
	signCtx, cancelSign := context.WithTimeout(ctx, e.cfg.SignTimeout)
	signedBytes, err := e.signer.Sign(signCtx, documentBytes)
	cancelSign()
	if err != nil {
		result.record(StepSign, OutcomeFailed, fmt.Sprintf("recording document unsigned: %v", err))
		log.Printf("[WARNING] Signing failed for case %s, continuing unsigned: %v", caseID, err)
	} else {
		documentBytes = signedBytes
		signed = true
		result.record(StepSign, OutcomeCompleted, "")
	}

	// RecordDocument
	storageKey := GenerateBillingDocumentKey(c.ID, documentKind)
	if err := e.storage.UploadReader(ctx, bytes.NewReader(documentBytes), storageKey, "application/pdf", int64(len(documentBytes))); err != nil {
		result.record(StepRecordDocument, OutcomeFailed, err.Error())
		return nil, fmt.Errorf("failed to store rendered document: %w", err)
	}

	document := models.GeneratedDocument{
		CaseID:       c.ID,
		DocumentKind: documentKind,
		StoragePath:  storageKey,
		FileName:     filepath.Base(storageKey),
		FileSize:     int64(len(documentBytes)),
		Signed:       signed,
		BaseFee:      fields.BaseFee,
		VATRate:      fields.VATRate,
		Amount:       fields.Amount,
	}
	if fields.District != "" {
		document.District = &fields.District
	}
	if err := e.db.Create(&document).Error; err != nil {
		result.record(StepRecordDocument, OutcomeFailed, err.Error())
		// The file is already on durable storage at this point.
		return nil, &OrphanedFileError{StoragePath: storageKey, Err: err}
	}
	result.record(StepRecordDocument, OutcomeCompleted, "")
	result.DocumentID = document.ID

	// DispatchEmail: absence of a transport is a normal operating mode.
	if e.transport == nil || !e.transport.IsConfigured() || e.cfg.RecipientEmail == "" {
		result.record(StepDispatchEmail, OutcomeSkipped, "no delivery transport configured")
		result.record(StepRecordEmail, OutcomeSkipped, "")
		return result, nil
	}

	subject := buildEmailSubject(&c, workflowKind, fields.District)

	dispatchCtx, cancelDispatch := context.WithTimeout(ctx, e.cfg.DispatchTimeout)
	sendErr := e.transport.Send(dispatchCtx, e.cfg.RecipientEmail, subject, documentBytes, document.FileName)
	cancelDispatch()

	attempt := models.EmailAttempt{
		CaseID:     c.ID,
		DocumentID: &document.ID,
		Recipient:  e.cfg.RecipientEmail,
		Subject:    subject,
	}
	if sendErr != nil {
		result.record(StepDispatchEmail, OutcomeFailed, sendErr.Error())
		attempt.Status = models.EmailStatusError
		detail := sendErr.Error()
		attempt.ErrorDetail = &detail
	} else {
		result.record(StepDispatchEmail, OutcomeCompleted, "")
		attempt.Status = models.EmailStatusSent
	}

	// RecordEmail: exactly one row per attempt, sent or failed. An insert
	// failure here never rolls back the document.
	if err := e.db.Create(&attempt).Error; err != nil {
		result.record(StepRecordEmail, OutcomeFailed, err.Error())
		log.Printf("[WARNING] Failed to record email attempt for case %s: %v", caseID, err)
		return result, nil
	}
	result.record(StepRecordEmail, OutcomeCompleted, "")
	result.EmailAttemptID = attempt.ID

	return result, nil
}

// buildFields computes the document kind, field map and an optional render
// detail for the invocation.
func (e *BillingWorkflowEngine) buildFields(c *models.Case, workflowKind, district string) (string, DocumentFields, string) {
	fields := DocumentFields{
		ClientName:        c.ClientName,
		InternalReference: c.InternalReference,
		ExternalReference: c.GetExternalReference(),
		GeneratedAt:       time.Now(),
	}

	if workflowKind == WorkflowInvoice {
		fields.BaseFee = e.cfg.BaseFee
		fields.VATRate = e.cfg.VATRate
		fields.VATAmount = round2(e.cfg.BaseFee * e.cfg.VATRate / 100)
		fields.Amount = round2(e.cfg.BaseFee + e.cfg.BaseFee*e.cfg.VATRate/100)
		return models.DocumentKindInvoice, fields, ""
	}

	if district == "" {
		district = c.GetDistrict()
	}
	fields.District = district

	detail := ""
	rate, ok := e.cfg.MileageRates[district]
	if !ok {
		// Unconfigured districts default to 0.00 instead of failing. Likely a
		// latent policy gap; the detail makes the fallback visible.
		detail = fmt.Sprintf("no mileage rate configured for district %q, amount defaulted to 0.00", district)
	}
	fields.Amount = round2(rate)
	return models.DocumentKindMileageClaim, fields, detail
}

// buildEmailSubject builds the delivery subject per workflow kind.
func buildEmailSubject(c *models.Case, workflowKind, district string) string {
	if workflowKind == WorkflowMileageClaim {
		return fmt.Sprintf("%s - SUPLIDO - %s", c.GetExternalReference(), district)
	}
	return fmt.Sprintf("%s - MINUTA", c.GetExternalReference())
}

// RetryEmail re-dispatches the document referenced by a failed attempt. The
// stored bytes are re-read as-is (never re-rendered or re-signed) and a new
// attempt row is written; the failed row stays untouched as an audit record.
func (e *BillingWorkflowEngine) RetryEmail(ctx context.Context, caseID, attemptID string) (string, error) {
	unlock := lockCase(caseID)
	defer unlock()

	if e.transport == nil || !e.transport.IsConfigured() {
		return "", fmt.Errorf("no delivery transport configured")
	}

	var original models.EmailAttempt
	if err := e.db.First(&original, "id = ? AND case_id = ?", attemptID, caseID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", &InvalidRetryTargetError{AttemptID: attemptID, Reason: "attempt not found"}
		}
		return "", fmt.Errorf("failed to load email attempt: %w", err)
	}

	if original.IsSent() {
		return "", &InvalidRetryTargetError{AttemptID: attemptID, Reason: "attempt already succeeded"}
	}
	if original.DocumentID == nil {
		return "", &InvalidRetryTargetError{AttemptID: attemptID, Reason: "attempt references no document"}
	}

	var document models.GeneratedDocument
	if err := e.db.First(&document, "id = ?", *original.DocumentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", &InvalidRetryTargetError{AttemptID: attemptID, Reason: "referenced document no longer exists"}
		}
		return "", fmt.Errorf("failed to load document: %w", err)
	}

	reader, _, err := e.storage.Get(ctx, document.StoragePath)
	if err != nil {
		return "", fmt.Errorf("failed to read stored document %s: %w", document.StoragePath, err)
	}
	defer reader.Close()

	documentBytes, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("failed to read stored document %s: %w", document.StoragePath, err)
	}

	dispatchCtx, cancelDispatch := context.WithTimeout(ctx, e.cfg.DispatchTimeout)
	sendErr := e.transport.Send(dispatchCtx, original.Recipient, original.Subject, documentBytes, document.FileName)
	cancelDispatch()

	retry := models.EmailAttempt{
		CaseID:     caseID,
		DocumentID: original.DocumentID,
		Recipient:  original.Recipient,
		Subject:    original.Subject,
	}
	if sendErr != nil {
		retry.Status = models.EmailStatusError
		detail := sendErr.Error()
		retry.ErrorDetail = &detail
	} else {
		retry.Status = models.EmailStatusSent
	}

	if err := e.db.Create(&retry).Error; err != nil {
		return "", fmt.Errorf("failed to record retry attempt: %w", err)
	}
	return retry.ID, nil
}

// BillingHistory groups a case's generated documents and delivery attempts.
type BillingHistory struct {
	Documents []models.GeneratedDocument `json:"documents"`
	Emails    []models.EmailAttempt      `json:"emails"`
}

// GetBillingHistory returns a case's documents and email attempts, newest first.
func GetBillingHistory(db *gorm.DB, caseID string) (*BillingHistory, error) {
	history := &BillingHistory{}

	if err := db.Where("case_id = ?", caseID).
		Order("created_at DESC").
		Find(&history.Documents).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch generated documents: %w", err)
	}

	if err := db.Where("case_id = ?", caseID).
		Order("created_at DESC").
		Find(&history.Emails).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch email attempts: %w", err)
	}

	return history, nil
}

// GetGeneratedDocument fetches one document record by id.
func GetGeneratedDocument(db *gorm.DB, documentID string) (*models.GeneratedDocument, error) {
	var document models.GeneratedDocument
	if err := db.First(&document, "id = ?", documentID).Error; err != nil {
		return nil, fmt.Errorf("document not found: %w", err)
	}
	return &document, nil
}

// round2 rounds to cents
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
