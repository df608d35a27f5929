package main

import (
	"log"

	"lex_billing_app_go/config"
	"lex_billing_app_go/db"
	"lex_billing_app_go/handlers"
	"lex_billing_app_go/models"
	"lex_billing_app_go/services"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize database
	if err := db.Initialize(cfg.DBPath, cfg.Environment); err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	// Run migrations
	if err := db.AutoMigrate(
		&models.Case{},
		&models.GeneratedDocument{},
		&models.EmailAttempt{},
		&models.ReferenceCounter{},
	); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Initialize file storage (R2 or local fallback)
	services.InitializeStorage(cfg)

	// Billing collaborators
	renderer := services.NewChromePDFRenderer()
	transport := services.NewResendTransport(cfg)
	var backend services.SignerBackend
	if cfg.SignerBackendURL != "" {
		backend = &services.HTTPSignerBackend{URL: cfg.SignerBackendURL}
	}

	billing := handlers.NewBillingHandler(db.DB, cfg, renderer, transport, backend)
	cases := handlers.NewCaseHandler(db.DB)

	// Create Echo instance
	e := echo.New()

	// Middleware
	e.Use(echomiddleware.Logger())
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORS())

	// Case lifecycle
	e.POST("/api/cases", cases.CreateCaseHandler)
	e.POST("/api/cases/:id/litigation", cases.LitigationHandler)
	e.POST("/api/cases/:id/archive", cases.ArchiveHandler)

	// Billing workflow
	e.POST("/api/cases/:id/invoice", billing.GenerateInvoiceHandler)
	e.POST("/api/cases/:id/mileage-claim", billing.GenerateMileageClaimHandler)
	e.POST("/api/cases/:id/emails/:attemptId/retry", billing.RetryEmailHandler)
	e.GET("/api/cases/:id/billing/history", billing.GetBillingHistoryHandler)
	e.GET("/api/cases/:id/billing/export", billing.ExportBillingHistoryHandler)
	e.GET("/api/documents/:id/download", billing.DownloadDocumentHandler)
	e.GET("/api/billing/signer", billing.GetSignerInfoHandler)

	log.Printf("Starting server on port %s", cfg.ServerPort)
	if err := e.Start(":" + cfg.ServerPort); err != nil {
		log.Fatalf("Server stopped: %v", err)
	}
}
