// Package classify validates and normalizes the output of the external
// AI classification collaborator before the pipeline accepts it. The
// collaborator itself is free to be wrong; nothing it produces reaches
// the database without passing through Validate.
package classify

import "github.com/comptapilot/comptapilot/internal/domain/entity"

// Line is one proposed posting as emitted by the classifier.
type Line struct {
	Account string  `json:"accountNumber"`
	Label   string  `json:"label"`
	Debit   float64 `json:"debit"`
	Credit  float64 `json:"credit"`
}

// Result is the full classification payload: corrected invoice fields,
// the accounting assignment, and exactly three proposed ledger lines.
type Result struct {
	Supplier struct {
		Name          string `json:"name"`
		AccountNumber string `json:"accountNumber"`
		VATNumber     string `json:"vatNumber"`
	} `json:"supplier"`
	Invoice struct {
		Number string `json:"number"`
		Date   string `json:"date"` // YYYY-MM-DD
	} `json:"invoice"`
	Amounts struct {
		HT      float64 `json:"ht"`
		TVA     float64 `json:"tva"`
		TTC     float64 `json:"ttc"`
		TVARate float64 `json:"tvaRate"`
	} `json:"amounts"`
	Accounting struct {
		JournalCode    string `json:"journalCode"`
		ExpenseAccount string `json:"expenseAccount"`
		AnalyticalCode string `json:"analyticalCode"`
	} `json:"accounting"`
	Entries []Line `json:"entries"`
}

// Input is the snapshot handed to the classification collaborator.
type Input struct {
	OCRText string
	Fields  ExtractedFields
}

// ExtractedFields is the OCR field snapshot included in the prompt.
type ExtractedFields struct {
	SupplierName  string
	InvoiceNumber string
	InvoiceDate   string
	AmountHT      float64
	AmountTVA     float64
	AmountTTC     float64
	TVARate       float64
}

// LedgerLines converts the validated entries to persistable lines. Call
// only after Validate has accepted the result.
func (r *Result) LedgerLines(invoiceID string) []entity.LedgerLine {
	lines := make([]entity.LedgerLine, 0, len(r.Entries))
	for _, e := range r.Entries {
		lines = append(lines, entity.LedgerLine{
			InvoiceID:   invoiceID,
			JournalCode: r.Accounting.JournalCode,
			Account:     e.Account,
			Label:       e.Label,
			Debit:       e.Debit,
			Credit:      e.Credit,
		})
	}
	return lines
}
