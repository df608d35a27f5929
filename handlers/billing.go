package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"lex_billing_app_go/config"
	"lex_billing_app_go/services"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"
)

// BillingHandler exposes the billing workflow over HTTP.
type BillingHandler struct {
	DB        *gorm.DB
	Cfg       *config.Config
	Renderer  services.DocumentRenderer
	Transport services.EmailTransport
	Backend   services.SignerBackend
}

// NewBillingHandler wires the billing endpoints' collaborators.
func NewBillingHandler(db *gorm.DB, cfg *config.Config, renderer services.DocumentRenderer, transport services.EmailTransport, backend services.SignerBackend) *BillingHandler {
	return &BillingHandler{
		DB:        db,
		Cfg:       cfg,
		Renderer:  renderer,
		Transport: transport,
		Backend:   backend,
	}
}

// engine builds a workflow engine against a configuration snapshot captured
// now, so the invocation's amounts are immune to concurrent config changes.
func (h *BillingHandler) engine() *services.BillingWorkflowEngine {
	snapshot := h.Cfg.BillingSnapshot()
	signer := services.NewSignatureStrategy(snapshot, h.Backend)
	return services.NewBillingWorkflowEngine(h.DB, h.Renderer, signer, h.Transport, services.Storage, snapshot)
}

// GenerateInvoiceHandler runs the fixed-fee invoice workflow for a case
func (h *BillingHandler) GenerateInvoiceHandler(c echo.Context) error {
	caseID := c.Param("id")

	result, err := h.engine().GenerateInvoice(c.Request().Context(), caseID)
	if err != nil {
		return mapWorkflowError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// GenerateMileageClaimHandler runs the mileage claim workflow for a case
func (h *BillingHandler) GenerateMileageClaimHandler(c echo.Context) error {
	caseID := c.Param("id")
	district := c.FormValue("district")
	if district == "" {
		district = c.QueryParam("district")
	}

	result, err := h.engine().GenerateMileageClaim(c.Request().Context(), caseID, district)
	if err != nil {
		return mapWorkflowError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// RetryEmailHandler re-dispatches the document of a failed email attempt
func (h *BillingHandler) RetryEmailHandler(c echo.Context) error {
	caseID := c.Param("id")
	attemptID := c.Param("attemptId")

	newAttemptID, err := h.engine().RetryEmail(c.Request().Context(), caseID, attemptID)
	if err != nil {
		return mapWorkflowError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"email_attempt_id": newAttemptID})
}

// GetBillingHistoryHandler returns a case's generated documents and delivery attempts
func (h *BillingHandler) GetBillingHistoryHandler(c echo.Context) error {
	caseID := c.Param("id")

	history, err := services.GetBillingHistory(h.DB, caseID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, history)
}

// ExportBillingHistoryHandler streams the billing history as an xlsx workbook
func (h *BillingHandler) ExportBillingHistoryHandler(c echo.Context) error {
	caseID := c.Param("id")

	buf, err := services.ExportBillingHistory(h.DB, caseID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "Case not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	filename := fmt.Sprintf("billing_history_%s.xlsx", caseID)
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf(`attachment; filename=%q`, filename))
	return c.Blob(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
}

// DownloadDocumentHandler streams a generated document's stored bytes
func (h *BillingHandler) DownloadDocumentHandler(c echo.Context) error {
	documentID := c.Param("id")

	document, err := services.GetGeneratedDocument(h.DB, documentID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "Document not found")
	}

	reader, contentType, err := services.Storage.Get(c.Request().Context(), document.StoragePath)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to read stored document")
	}
	defer reader.Close()

	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf(`attachment; filename=%q`, document.FileName))
	return c.Stream(http.StatusOK, contentType, reader)
}

// GetSignerInfoHandler reports the active signature strategy, for display
func (h *BillingHandler) GetSignerInfoHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, h.engine().ActiveSignerInfo())
}

// mapWorkflowError translates service errors to HTTP responses
func mapWorkflowError(err error) error {
	var rejection *services.RejectionError
	if errors.As(err, &rejection) {
		return echo.NewHTTPError(http.StatusConflict, rejection.Error())
	}

	var invalidRetry *services.InvalidRetryTargetError
	if errors.As(err, &invalidRetry) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, invalidRetry.Error())
	}

	var orphaned *services.OrphanedFileError
	if errors.As(err, &orphaned) {
		// Distinct condition: the file exists on durable storage but has no record
		return echo.NewHTTPError(http.StatusInternalServerError, orphaned.Error())
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "Case not found")
	}

	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
