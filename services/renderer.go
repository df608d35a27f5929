package services

import (
	"context"
	"fmt"
	"os"
	"time"

	"lex_billing_app_go/models"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/microcosm-cc/bluemonday"
)

// DocumentFields carries the data interpolated into a billable document.
type DocumentFields struct {
	ClientName        string
	InternalReference string
	ExternalReference string
	District          string
	BaseFee           float64
	VATRate           float64
	VATAmount         float64
	Amount            float64
	GeneratedAt       time.Time
}

// DocumentRenderer turns a document kind plus fields into file bytes.
// Rendering failure is fatal to a workflow invocation: an unrendered document
// has nothing to record.
type DocumentRenderer interface {
	Render(ctx context.Context, documentKind string, fields DocumentFields) ([]byte, error)
}

// strictPolicy strips all markup from free-text fields before interpolation
var strictPolicy = bluemonday.StrictPolicy()

// getChromePath returns the Chrome executable path from environment variable
func getChromePath() string {
	return os.Getenv("CHROME_PATH")
}

// PDFOptions contains options for PDF generation
type PDFOptions struct {
	PageOrientation string // portrait, landscape
	PageSize        string // letter, legal, A4
	MarginTop       int    // points (72 = 1 inch)
	MarginBottom    int
	MarginLeft      int
	MarginRight     int
}

// DefaultPDFOptions returns default options for billing documents
func DefaultPDFOptions() PDFOptions {
	return PDFOptions{
		PageOrientation: "portrait",
		PageSize:        "A4",
		MarginTop:       72,
		MarginBottom:    72,
		MarginLeft:      72,
		MarginRight:     72,
	}
}

// ChromePDFRenderer renders billing documents to PDF using headless Chrome.
type ChromePDFRenderer struct {
	Options PDFOptions
}

// NewChromePDFRenderer creates a renderer with default page options
func NewChromePDFRenderer() *ChromePDFRenderer {
	return &ChromePDFRenderer{Options: DefaultPDFOptions()}
}

// Render builds the HTML for the document kind and prints it to PDF.
func (r *ChromePDFRenderer) Render(ctx context.Context, documentKind string, fields DocumentFields) ([]byte, error) {
	var body string
	switch documentKind {
	case models.DocumentKindInvoice:
		body = buildInvoiceHTML(fields)
	case models.DocumentKindMileageClaim:
		body = buildMileageClaimHTML(fields)
	default:
		return nil, fmt.Errorf("no template for document kind %q", documentKind)
	}

	pdfBytes, err := generatePDF(ctx, wrapHTMLForPDF(body), r.Options)
	if err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", documentKind, err)
	}
	return pdfBytes, nil
}

// buildInvoiceHTML produces the fixed-fee invoice (minuta) body.
func buildInvoiceHTML(f DocumentFields) string {
	return fmt.Sprintf(`<h1>MINUTA DE HONORARIOS</h1>
<p class="ref-line">Referencia interna: %s<br>Referencia siniestro: %s</p>
<p>Cliente: %s</p>
<p>Fecha de emisión: %s</p>
<table>
  <tr><th>Concepto</th><th>Importe</th></tr>
  <tr><td>Honorarios profesionales</td><td>%.2f &euro;</td></tr>
  <tr><td>IVA (%.2f%%)</td><td>%.2f &euro;</td></tr>
  <tr><th>Total</th><th>%.2f &euro;</th></tr>
</table>`,
		strictPolicy.Sanitize(f.InternalReference),
		strictPolicy.Sanitize(f.ExternalReference),
		strictPolicy.Sanitize(f.ClientName),
		f.GeneratedAt.Format("02/01/2006"),
		f.BaseFee, f.VATRate, f.VATAmount, f.Amount)
}

// buildMileageClaimHTML produces the mileage claim (suplido) body.
func buildMileageClaimHTML(f DocumentFields) string {
	return fmt.Sprintf(`<h1>SUPLIDO POR DESPLAZAMIENTO</h1>
<p class="ref-line">Referencia interna: %s<br>Referencia siniestro: %s</p>
<p>Cliente: %s</p>
<p>Partido judicial: %s</p>
<p>Fecha de emisión: %s</p>
<table>
  <tr><th>Concepto</th><th>Importe</th></tr>
  <tr><td>Desplazamiento a %s</td><td>%.2f &euro;</td></tr>
</table>`,
		strictPolicy.Sanitize(f.InternalReference),
		strictPolicy.Sanitize(f.ExternalReference),
		strictPolicy.Sanitize(f.ClientName),
		strictPolicy.Sanitize(f.District),
		f.GeneratedAt.Format("02/01/2006"),
		strictPolicy.Sanitize(f.District),
		f.Amount)
}

// generatePDF renders HTML content to PDF using headless Chrome
func generatePDF(ctx context.Context, htmlContent string, options PDFOptions) ([]byte, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.DisableGPU,
	)

	// Check for custom Chrome path (for headless-shell in Docker)
	if chromePath := getChromePath(); chromePath != "" {
		opts = append(opts, chromedp.ExecPath(chromePath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()

	browserCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	// Set up page dimensions based on options
	var paperWidth, paperHeight float64
	switch options.PageSize {
	case "legal":
		paperWidth = 8.5
		paperHeight = 14.0
	case "A4":
		paperWidth = 8.27
		paperHeight = 11.69
	default: // letter
		paperWidth = 8.5
		paperHeight = 11.0
	}

	if options.PageOrientation == "landscape" {
		paperWidth, paperHeight = paperHeight, paperWidth
	}

	// Convert points to inches for margins
	marginTop := float64(options.MarginTop) / 72.0
	marginBottom := float64(options.MarginBottom) / 72.0
	marginLeft := float64(options.MarginLeft) / 72.0
	marginRight := float64(options.MarginRight) / 72.0

	var pdfBuf []byte

	err := chromedp.Run(browserCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			frameTree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(frameTree.Frame.ID, htmlContent).Do(ctx)
		}),
		chromedp.Sleep(100*time.Millisecond),
		chromedp.ActionFunc(func(ctx context.Context) error {
			buf, _, err := page.PrintToPDF().
				WithPaperWidth(paperWidth).
				WithPaperHeight(paperHeight).
				WithMarginTop(marginTop).
				WithMarginBottom(marginBottom).
				WithMarginLeft(marginLeft).
				WithMarginRight(marginRight).
				WithPrintBackground(true).
				WithDisplayHeaderFooter(false).
				Do(ctx)
			if err != nil {
				return err
			}
			pdfBuf = buf
			return nil
		}),
	)

	if err != nil {
		return nil, fmt.Errorf("failed to generate PDF: %w", err)
	}

	return pdfBuf, nil
}

// wrapHTMLForPDF wraps document content with the firm's billing styles
func wrapHTMLForPDF(content string) string {
	return `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        @page {
            margin: 1in;
        }
        body {
            font-family: "Times New Roman", Times, serif;
            font-size: 12pt;
            line-height: 1.5;
            color: #000;
        }
        h1 {
            font-size: 16pt;
            font-weight: bold;
            text-align: center;
            margin-bottom: 24pt;
        }
        .ref-line {
            font-weight: bold;
        }
        p {
            margin-bottom: 12pt;
        }
        table {
            width: 100%;
            border-collapse: collapse;
            margin-top: 24pt;
        }
        th, td {
            border: 1px solid #000;
            padding: 6pt;
            text-align: left;
        }
        th {
            background-color: #f0f0f0;
            font-weight: bold;
        }
    </style>
</head>
<body>
` + content + `
</body>
</html>`
}
