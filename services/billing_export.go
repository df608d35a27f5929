package services

import (
	"bytes"
	"fmt"

	"lex_billing_app_go/models"

	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
)

// ExportBillingHistory builds an xlsx workbook with one sheet of generated
// documents and one of email attempts for a case.
func ExportBillingHistory(db *gorm.DB, caseID string) (*bytes.Buffer, error) {
	var c models.Case
	if err := db.First(&c, "id = ?", caseID).Error; err != nil {
		return nil, fmt.Errorf("failed to get case: %w", err)
	}

	history, err := GetBillingHistory(db, caseID)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer f.Close()

	headerStyle, _ := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true, Size: 12}})

	// --- Documents sheet ---
	sheetDocs := "Documents"
	f.SetSheetName("Sheet1", sheetDocs)

	f.SetCellValue(sheetDocs, "A1", fmt.Sprintf("Billing documents - %s (%s)", c.InternalReference, c.ClientName))
	f.SetCellStyle(sheetDocs, "A1", "A1", headerStyle)

	docHeaders := []string{"Generated", "Kind", "File", "Amount", "Base fee", "VAT rate", "District", "Signed"}
	for i, h := range docHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 3)
		f.SetCellValue(sheetDocs, cell, h)
		f.SetCellStyle(sheetDocs, cell, cell, headerStyle)
	}

	for i, doc := range history.Documents {
		row := i + 4
		district := ""
		if doc.District != nil {
			district = *doc.District
		}
		values := []interface{}{
			doc.CreatedAt.Format("2006-01-02 15:04"),
			models.GetDocumentKindDisplayName(doc.DocumentKind),
			doc.FileName,
			doc.Amount,
			doc.BaseFee,
			doc.VATRate,
			district,
			doc.Signed,
		}
		for j, v := range values {
			cell, _ := excelize.CoordinatesToCellName(j+1, row)
			f.SetCellValue(sheetDocs, cell, v)
		}
	}

	// --- Email attempts sheet ---
	sheetEmails := "Email Attempts"
	if _, err := f.NewSheet(sheetEmails); err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}

	emailHeaders := []string{"Attempted", "Recipient", "Subject", "Status", "Error detail"}
	for i, h := range emailHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheetEmails, cell, h)
		f.SetCellStyle(sheetEmails, cell, cell, headerStyle)
	}

	for i, attempt := range history.Emails {
		row := i + 2
		values := []interface{}{
			attempt.CreatedAt.Format("2006-01-02 15:04"),
			attempt.Recipient,
			attempt.Subject,
			attempt.Status,
			attempt.GetErrorDetail(),
		}
		for j, v := range values {
			cell, _ := excelize.CoordinatesToCellName(j+1, row)
			f.SetCellValue(sheetEmails, cell, v)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	return buf, nil
}
