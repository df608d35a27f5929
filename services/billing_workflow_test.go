package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"lex_billing_app_go/config"
	"lex_billing_app_go/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// MockRenderer is a mock implementation of DocumentRenderer
type MockRenderer struct {
	mock.Mock
}

func (m *MockRenderer) Render(ctx context.Context, documentKind string, fields DocumentFields) ([]byte, error) {
	args := m.Called(ctx, documentKind, fields)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

// MockTransport is a mock implementation of EmailTransport
type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) Send(ctx context.Context, recipient, subject string, attachment []byte, filename string) error {
	args := m.Called(ctx, recipient, subject, attachment, filename)
	return args.Error(0)
}

func (m *MockTransport) IsConfigured() bool {
	args := m.Called()
	return args.Bool(0)
}

// MockSigner is a mock implementation of SignatureStrategy
type MockSigner struct {
	mock.Mock
}

func (m *MockSigner) Sign(ctx context.Context, document []byte) ([]byte, error) {
	args := m.Called(ctx, document)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockSigner) Info() SignerInfo {
	args := m.Called()
	return args.Get(0).(SignerInfo)
}

func setupBillingTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	assert.NoError(t, err)

	err = db.AutoMigrate(
		&models.Case{},
		&models.GeneratedDocument{},
		&models.EmailAttempt{},
		&models.ReferenceCounter{},
	)
	assert.NoError(t, err)
	return db
}

func testBillingConfig() config.BillingConfig {
	return config.BillingConfig{
		BaseFee:         203.00,
		VATRate:         21,
		RecipientEmail:  "facturacion@insurer.example",
		MileageRates:    map[string]float64{"Marbella": 25.50, "Fuengirola": 32.00},
		RenderTimeout:   5 * time.Second,
		SignTimeout:     5 * time.Second,
		DispatchTimeout: 5 * time.Second,
	}
}

var testRefCounter int64

func createInsurerCase(t *testing.T, db *gorm.DB, state string, district string) *models.Case {
	n := atomic.AddInt64(&testRefCounter, 1)
	externalRef := fmt.Sprintf("DJ00%06d", n)
	c := &models.Case{
		InternalReference: fmt.Sprintf("IY%06d", n),
		ExternalReference: &externalRef,
		CaseKind:          models.CaseKindInsurer,
		ClientName:        "García Pérez",
		ProcessingState:   state,
	}
	if district != "" {
		c.LitigationDistrict = &district
	}
	assert.NoError(t, db.Create(c).Error)
	return c
}

const fakePDF = "%PDF-1.4\nfake invoice body\n%%EOF"

// newTestEngine wires an engine with happy-path defaults; individual tests
// override expectations before calling it.
func newTestEngine(t *testing.T, db *gorm.DB, renderer DocumentRenderer, signer SignatureStrategy, transport EmailTransport) *BillingWorkflowEngine {
	storage := NewLocalStorage(t.TempDir())
	return NewBillingWorkflowEngine(db, renderer, signer, transport, storage, testBillingConfig())
}

func TestGenerateInvoice_Success(t *testing.T) {
	db := setupBillingTestDB(t)
	c := createInsurerCase(t, db, models.CaseStateOpen, "")

	renderer := new(MockRenderer)
	renderer.On("Render", mock.Anything, models.DocumentKindInvoice, mock.Anything).Return([]byte(fakePDF), nil)

	transport := new(MockTransport)
	transport.On("IsConfigured").Return(true)
	transport.On("Send", mock.Anything, "facturacion@insurer.example", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	engine := newTestEngine(t, db, renderer, &VisualAnnotationSigner{}, transport)

	result, err := engine.GenerateInvoice(context.Background(), c.ID)
	assert.NoError(t, err)
	assert.NotEmpty(t, result.DocumentID)
	assert.NotEmpty(t, result.EmailAttemptID)

	// Amounts are captured on the record: 203 + 203*21/100 = 245.63
	var doc models.GeneratedDocument
	assert.NoError(t, db.First(&doc, "id = ?", result.DocumentID).Error)
	assert.Equal(t, 245.63, doc.Amount)
	assert.Equal(t, 203.00, doc.BaseFee)
	assert.Equal(t, 21.0, doc.VATRate)
	assert.True(t, doc.Signed)
	assert.Equal(t, models.DocumentKindInvoice, doc.DocumentKind)

	var attempt models.EmailAttempt
	assert.NoError(t, db.First(&attempt, "id = ?", result.EmailAttemptID).Error)
	assert.Equal(t, models.EmailStatusSent, attempt.Status)
	assert.Equal(t, *c.ExternalReference+" - MINUTA", attempt.Subject)
	assert.Nil(t, attempt.ErrorDetail)

	// All six steps completed
	assert.Len(t, result.Steps, 6)
	for _, step := range result.Steps {
		assert.Equal(t, OutcomeCompleted, step.Outcome, step.Step)
	}

	renderer.AssertExpectations(t)
	transport.AssertExpectations(t)
}

func TestGenerateInvoice_VATComputation(t *testing.T) {
	db := setupBillingTestDB(t)

	cases := []struct {
		baseFee  float64
		vatRate  float64
		expected float64
	}{
		{203.00, 21, 245.63},
		{100.00, 0, 100.00},
		{0, 21, 0},
		{99.99, 10, 109.99},
	}

	for _, tc := range cases {
		c := createInsurerCase(t, db, models.CaseStateOpen, "")

		renderer := new(MockRenderer)
		renderer.On("Render", mock.Anything, mock.Anything, mock.Anything).Return([]byte(fakePDF), nil)

		cfg := testBillingConfig()
		cfg.BaseFee = tc.baseFee
		cfg.VATRate = tc.vatRate
		engine := NewBillingWorkflowEngine(db, renderer, &VisualAnnotationSigner{}, nil, NewLocalStorage(t.TempDir()), cfg)

		result, err := engine.GenerateInvoice(context.Background(), c.ID)
		assert.NoError(t, err)

		var doc models.GeneratedDocument
		assert.NoError(t, db.First(&doc, "id = ?", result.DocumentID).Error)
		assert.InDelta(t, tc.expected, doc.Amount, 0.01, "base %v vat %v", tc.baseFee, tc.vatRate)
	}
}

func TestGenerateInvoice_ArchivedRejected(t *testing.T) {
	db := setupBillingTestDB(t)
	c := createInsurerCase(t, db, models.CaseStateArchived, "")

	renderer := new(MockRenderer)
	transport := new(MockTransport)
	engine := newTestEngine(t, db, renderer, &VisualAnnotationSigner{}, transport)

	_, err := engine.GenerateInvoice(context.Background(), c.ID)
	var rejection *RejectionError
	assert.ErrorAs(t, err, &rejection)

	// Rejection leaves zero side effects
	var docCount, emailCount int64
	db.Model(&models.GeneratedDocument{}).Count(&docCount)
	db.Model(&models.EmailAttempt{}).Count(&emailCount)
	assert.Equal(t, int64(0), docCount)
	assert.Equal(t, int64(0), emailCount)

	renderer.AssertNotCalled(t, "Render")
}

func TestGenerateMileageClaim_Success(t *testing.T) {
	db := setupBillingTestDB(t)
	c := createInsurerCase(t, db, models.CaseStateInLitigation, "Marbella")

	renderer := new(MockRenderer)
	renderer.On("Render", mock.Anything, models.DocumentKindMileageClaim, mock.Anything).Return([]byte(fakePDF), nil)

	transport := new(MockTransport)
	transport.On("IsConfigured").Return(true)
	transport.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	engine := newTestEngine(t, db, renderer, &VisualAnnotationSigner{}, transport)

	result, err := engine.GenerateMileageClaim(context.Background(), c.ID, "")
	assert.NoError(t, err)

	var doc models.GeneratedDocument
	assert.NoError(t, db.First(&doc, "id = ?", result.DocumentID).Error)
	assert.Equal(t, 25.50, doc.Amount)
	assert.Equal(t, models.DocumentKindMileageClaim, doc.DocumentKind)
	assert.NotNil(t, doc.District)
	assert.Equal(t, "Marbella", *doc.District)

	var attempt models.EmailAttempt
	assert.NoError(t, db.First(&attempt, "id = ?", result.EmailAttemptID).Error)
	assert.Equal(t, *c.ExternalReference+" - SUPLIDO - Marbella", attempt.Subject)
}

func TestGenerateMileageClaim_OpenStateRejected(t *testing.T) {
	db := setupBillingTestDB(t)
	c := createInsurerCase(t, db, models.CaseStateOpen, "")

	renderer := new(MockRenderer)
	engine := newTestEngine(t, db, renderer, &VisualAnnotationSigner{}, nil)

	_, err := engine.GenerateMileageClaim(context.Background(), c.ID, "Marbella")
	var rejection *RejectionError
	assert.ErrorAs(t, err, &rejection)

	var docCount int64
	db.Model(&models.GeneratedDocument{}).Count(&docCount)
	assert.Equal(t, int64(0), docCount)
}

func TestGenerateMileageClaim_UnknownDistrictDefaultsToZero(t *testing.T) {
	db := setupBillingTestDB(t)
	c := createInsurerCase(t, db, models.CaseStateInLitigation, "Antequera")

	renderer := new(MockRenderer)
	renderer.On("Render", mock.Anything, mock.Anything, mock.Anything).Return([]byte(fakePDF), nil)

	engine := newTestEngine(t, db, renderer, &VisualAnnotationSigner{}, nil)

	result, err := engine.GenerateMileageClaim(context.Background(), c.ID, "")
	assert.NoError(t, err)

	var doc models.GeneratedDocument
	assert.NoError(t, db.First(&doc, "id = ?", result.DocumentID).Error)
	assert.Equal(t, 0.0, doc.Amount)

	// The fallback is visible in the render step detail
	var renderStep StepResult
	for _, step := range result.Steps {
		if step.Step == StepRender {
			renderStep = step
		}
	}
	assert.Equal(t, OutcomeCompleted, renderStep.Outcome)
	assert.Contains(t, renderStep.Detail, "Antequera")
}

func TestRenderFailure_IsFatal(t *testing.T) {
	db := setupBillingTestDB(t)
	c := createInsurerCase(t, db, models.CaseStateOpen, "")

	renderer := new(MockRenderer)
	renderer.On("Render", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("template not found"))

	engine := newTestEngine(t, db, renderer, &VisualAnnotationSigner{}, nil)

	_, err := engine.GenerateInvoice(context.Background(), c.ID)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "render failed")

	var docCount, emailCount int64
	db.Model(&models.GeneratedDocument{}).Count(&docCount)
	db.Model(&models.EmailAttempt{}).Count(&emailCount)
	assert.Equal(t, int64(0), docCount)
	assert.Equal(t, int64(0), emailCount)
}

func TestSignFailure_DegradesToUnsigned(t *testing.T) {
	db := setupBillingTestDB(t)
	c := createInsurerCase(t, db, models.CaseStateOpen, "")

	renderer := new(MockRenderer)
	renderer.On("Render", mock.Anything, mock.Anything, mock.Anything).Return([]byte(fakePDF), nil)

	signer := new(MockSigner)
	signer.On("Sign", mock.Anything, mock.Anything).Return(nil, ErrSigningBackendUnavailable)

	engine := newTestEngine(t, db, renderer, signer, nil)

	result, err := engine.GenerateInvoice(context.Background(), c.ID)
	assert.NoError(t, err)

	var doc models.GeneratedDocument
	assert.NoError(t, db.First(&doc, "id = ?", result.DocumentID).Error)
	assert.False(t, doc.Signed)

	var signStep StepResult
	for _, step := range result.Steps {
		if step.Step == StepSign {
			signStep = step
		}
	}
	assert.Equal(t, OutcomeFailed, signStep.Outcome)
	assert.Contains(t, signStep.Detail, "unsigned")
}

func TestDispatchFailure_DocumentPersists(t *testing.T) {
	db := setupBillingTestDB(t)
	c := createInsurerCase(t, db, models.CaseStateOpen, "")

	renderer := new(MockRenderer)
	renderer.On("Render", mock.Anything, mock.Anything, mock.Anything).Return([]byte(fakePDF), nil)

	transport := new(MockTransport)
	transport.On("IsConfigured").Return(true)
	transport.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("smtp relay refused connection"))

	engine := newTestEngine(t, db, renderer, &VisualAnnotationSigner{}, transport)

	result, err := engine.GenerateInvoice(context.Background(), c.ID)
	assert.NoError(t, err) // a document was legitimately produced

	// Document survived the dispatch failure
	var doc models.GeneratedDocument
	assert.NoError(t, db.First(&doc, "id = ?", result.DocumentID).Error)

	// The attempt is recorded with status ERROR and a human-readable detail
	var attempt models.EmailAttempt
	assert.NoError(t, db.First(&attempt, "id = ?", result.EmailAttemptID).Error)
	assert.Equal(t, models.EmailStatusError, attempt.Status)
	assert.Contains(t, attempt.GetErrorDetail(), "smtp relay refused connection")
	assert.Equal(t, doc.ID, *attempt.DocumentID)
}

func TestDispatchSkipped_WhenNoTransport(t *testing.T) {
	db := setupBillingTestDB(t)
	c := createInsurerCase(t, db, models.CaseStateOpen, "")

	renderer := new(MockRenderer)
	renderer.On("Render", mock.Anything, mock.Anything, mock.Anything).Return([]byte(fakePDF), nil)

	engine := newTestEngine(t, db, renderer, &VisualAnnotationSigner{}, nil)

	result, err := engine.GenerateInvoice(context.Background(), c.ID)
	assert.NoError(t, err)
	assert.NotEmpty(t, result.DocumentID)
	assert.Empty(t, result.EmailAttemptID)

	outcomes := map[string]string{}
	for _, step := range result.Steps {
		outcomes[step.Step] = step.Outcome
	}
	assert.Equal(t, OutcomeSkipped, outcomes[StepDispatchEmail])
	assert.Equal(t, OutcomeSkipped, outcomes[StepRecordEmail])

	var emailCount int64
	db.Model(&models.EmailAttempt{}).Count(&emailCount)
	assert.Equal(t, int64(0), emailCount)
}

func TestRecordDocumentFailure_ReportsOrphanedFile(t *testing.T) {
	db := setupBillingTestDB(t)
	c := createInsurerCase(t, db, models.CaseStateOpen, "")

	renderer := new(MockRenderer)
	renderer.On("Render", mock.Anything, mock.Anything, mock.Anything).Return([]byte(fakePDF), nil)

	engine := newTestEngine(t, db, renderer, &VisualAnnotationSigner{}, nil)

	// Sabotage the document table after the case exists, so the upload
	// succeeds but the record insert cannot.
	assert.NoError(t, db.Migrator().DropTable(&models.GeneratedDocument{}))

	_, err := engine.GenerateInvoice(context.Background(), c.ID)
	var orphaned *OrphanedFileError
	assert.ErrorAs(t, err, &orphaned)
	assert.NotEmpty(t, orphaned.StoragePath)
}

func TestStoragePathsAreUnique(t *testing.T) {
	db := setupBillingTestDB(t)
	c := createInsurerCase(t, db, models.CaseStateOpen, "")

	renderer := new(MockRenderer)
	renderer.On("Render", mock.Anything, mock.Anything, mock.Anything).Return([]byte(fakePDF), nil)

	engine := newTestEngine(t, db, renderer, &VisualAnnotationSigner{}, nil)

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		result, err := engine.GenerateInvoice(context.Background(), c.ID)
		assert.NoError(t, err)

		var doc models.GeneratedDocument
		assert.NoError(t, db.First(&doc, "id = ?", result.DocumentID).Error)
		assert.False(t, seen[doc.StoragePath], "storage path reused: %s", doc.StoragePath)
		seen[doc.StoragePath] = true
	}
}

func TestRetryEmail_FailedAttempt(t *testing.T) {
	db := setupBillingTestDB(t)
	c := createInsurerCase(t, db, models.CaseStateOpen, "")

	renderer := new(MockRenderer)
	renderer.On("Render", mock.Anything, mock.Anything, mock.Anything).Return([]byte(fakePDF), nil)

	transport := new(MockTransport)
	transport.On("IsConfigured").Return(true)
	// First dispatch fails, the retry succeeds
	transport.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("timeout")).Once()
	transport.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	engine := newTestEngine(t, db, renderer, &VisualAnnotationSigner{}, transport)

	result, err := engine.GenerateInvoice(context.Background(), c.ID)
	assert.NoError(t, err)

	newID, err := engine.RetryEmail(context.Background(), c.ID, result.EmailAttemptID)
	assert.NoError(t, err)
	assert.NotEqual(t, result.EmailAttemptID, newID)

	// The original failed row is untouched
	var original models.EmailAttempt
	assert.NoError(t, db.First(&original, "id = ?", result.EmailAttemptID).Error)
	assert.Equal(t, models.EmailStatusError, original.Status)
	assert.Contains(t, original.GetErrorDetail(), "timeout")

	// The retry produced a new SENT row with the same subject and recipient
	var retry models.EmailAttempt
	assert.NoError(t, db.First(&retry, "id = ?", newID).Error)
	assert.Equal(t, models.EmailStatusSent, retry.Status)
	assert.Equal(t, original.Subject, retry.Subject)
	assert.Equal(t, original.Recipient, retry.Recipient)
	assert.Equal(t, *original.DocumentID, *retry.DocumentID)
}

func TestRetryEmail_InvalidTargets(t *testing.T) {
	db := setupBillingTestDB(t)
	c := createInsurerCase(t, db, models.CaseStateOpen, "")

	renderer := new(MockRenderer)
	renderer.On("Render", mock.Anything, mock.Anything, mock.Anything).Return([]byte(fakePDF), nil)

	transport := new(MockTransport)
	transport.On("IsConfigured").Return(true)
	transport.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	engine := newTestEngine(t, db, renderer, &VisualAnnotationSigner{}, transport)

	result, err := engine.GenerateInvoice(context.Background(), c.ID)
	assert.NoError(t, err)

	var invalid *InvalidRetryTargetError

	// Retrying an attempt that already succeeded
	_, err = engine.RetryEmail(context.Background(), c.ID, result.EmailAttemptID)
	assert.ErrorAs(t, err, &invalid)

	// Retrying a non-existent attempt id
	_, err = engine.RetryEmail(context.Background(), c.ID, "no-such-attempt")
	assert.ErrorAs(t, err, &invalid)
}

func TestEmailSubjectPatterns(t *testing.T) {
	db := setupBillingTestDB(t)

	invoicePattern := regexp.MustCompile(`^DJ00\d{6} - MINUTA$`)
	mileagePattern := regexp.MustCompile(`^DJ00\d{6} - SUPLIDO - .+$`)

	renderer := new(MockRenderer)
	renderer.On("Render", mock.Anything, mock.Anything, mock.Anything).Return([]byte(fakePDF), nil)

	transport := new(MockTransport)
	transport.On("IsConfigured").Return(true)
	transport.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	engine := newTestEngine(t, db, renderer, &VisualAnnotationSigner{}, transport)

	invoiceCase := createInsurerCase(t, db, models.CaseStateOpen, "")
	invoiceResult, err := engine.GenerateInvoice(context.Background(), invoiceCase.ID)
	assert.NoError(t, err)

	mileageCase := createInsurerCase(t, db, models.CaseStateInLitigation, "Fuengirola")
	mileageResult, err := engine.GenerateMileageClaim(context.Background(), mileageCase.ID, "")
	assert.NoError(t, err)

	var invoiceAttempt, mileageAttempt models.EmailAttempt
	assert.NoError(t, db.First(&invoiceAttempt, "id = ?", invoiceResult.EmailAttemptID).Error)
	assert.NoError(t, db.First(&mileageAttempt, "id = ?", mileageResult.EmailAttemptID).Error)

	assert.Regexp(t, invoicePattern, invoiceAttempt.Subject)
	assert.Regexp(t, mileagePattern, mileageAttempt.Subject)
}

func TestGetBillingHistory(t *testing.T) {
	db := setupBillingTestDB(t)
	c := createInsurerCase(t, db, models.CaseStateOpen, "")
	other := createInsurerCase(t, db, models.CaseStateOpen, "")

	renderer := new(MockRenderer)
	renderer.On("Render", mock.Anything, mock.Anything, mock.Anything).Return([]byte(fakePDF), nil)

	transport := new(MockTransport)
	transport.On("IsConfigured").Return(true)
	transport.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	engine := newTestEngine(t, db, renderer, &VisualAnnotationSigner{}, transport)

	_, err := engine.GenerateInvoice(context.Background(), c.ID)
	assert.NoError(t, err)
	_, err = engine.GenerateInvoice(context.Background(), c.ID)
	assert.NoError(t, err)
	_, err = engine.GenerateInvoice(context.Background(), other.ID)
	assert.NoError(t, err)

	history, err := GetBillingHistory(db, c.ID)
	assert.NoError(t, err)
	assert.Len(t, history.Documents, 2)
	assert.Len(t, history.Emails, 2)
}

func TestDownloadAfterGeneration(t *testing.T) {
	db := setupBillingTestDB(t)
	c := createInsurerCase(t, db, models.CaseStateOpen, "")

	renderer := new(MockRenderer)
	renderer.On("Render", mock.Anything, mock.Anything, mock.Anything).Return([]byte(fakePDF), nil)

	storage := NewLocalStorage(t.TempDir())
	engine := NewBillingWorkflowEngine(db, renderer, &VisualAnnotationSigner{}, nil, storage, testBillingConfig())

	result, err := engine.GenerateInvoice(context.Background(), c.ID)
	assert.NoError(t, err)

	doc, err := GetGeneratedDocument(db, result.DocumentID)
	assert.NoError(t, err)

	reader, contentType, err := storage.Get(context.Background(), doc.StoragePath)
	assert.NoError(t, err)
	defer reader.Close()

	data, err := io.ReadAll(reader)
	assert.NoError(t, err)
	assert.Equal(t, "application/pdf", contentType)
	// The stored bytes carry the visual annotation appended after the body
	assert.Contains(t, string(data), "%PDF-1.4")
	assert.Contains(t, string(data), "visual-annotation")
	assert.Equal(t, doc.FileSize, int64(len(data)))
}
