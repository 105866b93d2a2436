// Package ocr defines the contract with the external OCR collaborator
// and its Google Document AI implementation.
package ocr

import (
	"context"
	"encoding/json"
	"time"
)

// Fields is the structured data the OCR service extracts from a scanned
// invoice. Pointers distinguish "not detected" from a zero value.
type Fields struct {
	SupplierName  string
	VATNumber     string
	InvoiceNumber string
	InvoiceDate   *time.Time
	DueDate       *time.Time
	AmountHT      *float64
	AmountTVA     *float64
	AmountTTC     *float64
	TaxRate       *float64
	Currency      string
}

// Result carries everything the OCR collaborator returns. Raw and Text
// are sensitive and must be encrypted before persistence.
type Result struct {
	Raw        json.RawMessage
	Text       string
	Confidence float64 // 0..1
	Fields     Fields
}

// Extractor is the OCR collaborator contract. Transient infrastructure
// failures are wrapped as common.TransientError; low confidence is not
// an error.
type Extractor interface {
	Extract(ctx context.Context, fileBytes []byte, mimeType string) (*Result, error)
}
