package entity

import (
	"time"

	"github.com/comptapilot/comptapilot/internal/lifecycle"
)

// Invoice is one uploaded supplier document moving through the pipeline.
// Lifecycle fields (Status, RetryCount, LastRetryAt, ErrorMessage) are
// owned exclusively by the pipeline service; extracted fields are written
// by the OCR step and may be corrected by the classification step.
type Invoice struct {
	ID string

	// Immutable upload facts.
	FileName   string
	FileRef    string
	FileSize   int64
	MimeType   string
	PageCount  int
	UploadedAt time.Time

	Status       lifecycle.State
	RetryCount   int
	LastRetryAt  *time.Time
	ErrorMessage string

	// Extracted by OCR, possibly corrected by classification.
	SupplierName  string
	SupplierVAT   string
	InvoiceNumber string
	InvoiceDate   *time.Time
	DueDate       *time.Time
	Currency      string
	AmountHT      float64
	AmountTVA     float64
	AmountTTC     float64
	TVARate       *float64
	OCRConfidence float64

	// Sensitive OCR payloads, persisted encrypted only.
	OCRRawEncrypted  string
	OCRTextEncrypted string

	// Accounting assignment from classification.
	SupplierAccount string
	ExpenseAccount  string
	JournalCode     string
	AnalyticalCode  string

	ProcessedAt *time.Time
	ExportedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
