package handlers

import (
	"errors"
	"net/http"
	"time"

	"lex_billing_app_go/services"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"
)

// CaseHandler exposes case creation and lifecycle transitions.
type CaseHandler struct {
	DB *gorm.DB
}

// NewCaseHandler builds the case endpoints
func NewCaseHandler(db *gorm.DB) *CaseHandler {
	return &CaseHandler{DB: db}
}

// createCaseRequest is the case-creation payload
type createCaseRequest struct {
	CaseKind          string `json:"case_kind" form:"case_kind"`
	ClientName        string `json:"client_name" form:"client_name"`
	ExternalReference string `json:"external_reference" form:"external_reference"`
	CourtDesignation  string `json:"court_designation" form:"court_designation"`
}

// CreateCaseHandler creates a case, allocating its internal reference
func (h *CaseHandler) CreateCaseHandler(c echo.Context) error {
	var req createCaseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request payload")
	}

	created, err := services.CreateCase(h.DB, services.CreateCaseInput{
		CaseKind:          req.CaseKind,
		ClientName:        req.ClientName,
		ExternalReference: req.ExternalReference,
		CourtDesignation:  req.CourtDesignation,
	})
	if err != nil {
		return mapCaseError(err)
	}
	return c.JSON(http.StatusCreated, created)
}

// transitionRequest carries the lifecycle-transition payload
type transitionRequest struct {
	District string `json:"district" form:"district"`
	ClosedAt string `json:"closed_at" form:"closed_at"` // YYYY-MM-DD
}

// LitigationHandler moves a case into litigation with its court district
func (h *CaseHandler) LitigationHandler(c echo.Context) error {
	caseID := c.Param("id")

	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request payload")
	}

	updated, err := services.TransitionCaseState(h.DB, caseID, "IN_LITIGATION", req.District, nil)
	if err != nil {
		return mapCaseError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

// ArchiveHandler archives a case with its closure date
func (h *CaseHandler) ArchiveHandler(c echo.Context) error {
	caseID := c.Param("id")

	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request payload")
	}

	closedAt := time.Now()
	if req.ClosedAt != "" {
		parsed, err := time.Parse("2006-01-02", req.ClosedAt)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "closed_at must be YYYY-MM-DD")
		}
		closedAt = parsed
	}

	updated, err := services.TransitionCaseState(h.DB, caseID, "ARCHIVED", "", &closedAt)
	if err != nil {
		return mapCaseError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

// mapCaseError translates case-service errors to HTTP responses
func mapCaseError(err error) error {
	var format *services.InvalidReferenceFormatError
	if errors.As(err, &format) {
		return echo.NewHTTPError(http.StatusBadRequest, format.Error())
	}

	var duplicate *services.DuplicateReferenceError
	if errors.As(err, &duplicate) {
		return echo.NewHTTPError(http.StatusConflict, duplicate.Error())
	}

	var transition *services.InvalidTransitionError
	if errors.As(err, &transition) {
		return echo.NewHTTPError(http.StatusConflict, transition.Error())
	}

	var unavailable *services.StorageUnavailableError
	if errors.As(err, &unavailable) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, unavailable.Error())
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "Case not found")
	}

	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}
