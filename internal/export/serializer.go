// Package export renders validated invoices into the Sage 50 RImport
// import file and drives the batch export operation.
package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/charmap"

	"github.com/comptapilot/comptapilot/internal/common"
	"github.com/comptapilot/comptapilot/internal/domain/entity"
	"github.com/comptapilot/comptapilot/internal/ledger"
)

// Fixed header lines the importer requires before any movement row.
const (
	headerFile    = "##Fichier\tRImport"
	headerSection = "##Section\tMvt"
)

// Per-row constants of the movement layout.
const (
	statusValidated     = "V"
	docTypeSupplierBill = "3"
	rowFieldCount       = 22
	labelMaxLength      = 50
)

// InvoiceWithLines pairs an invoice with its complete ledger line set.
type InvoiceWithLines struct {
	Invoice *entity.Invoice
	Lines   []entity.LedgerLine
}

// Serialize renders the batch as Windows-1252 bytes: two fixed header
// lines then one row per ledger line, CRLF separated, 22 tab-delimited
// fields per row. The output is deterministic for identical input.
//
// An invoice without ledger lines aborts the whole batch, and the global
// debit/credit balance across every line of the batch is re-checked
// before emission. That second check is independent of the per-invoice
// validation done at classification time; it guards against cross-invoice
// corruption introduced since.
func Serialize(batch []InvoiceWithLines) ([]byte, error) {
	for _, item := range batch {
		if len(item.Lines) == 0 {
			return nil, common.NewValidationError(
				fmt.Sprintf("invoice %s has no ledger lines", item.Invoice.ID), nil)
		}
	}

	var all []entity.LedgerLine
	for _, item := range batch {
		all = append(all, item.Lines...)
	}
	if !ledger.IsBalanced(all) {
		totals := ledger.SumTotals(all)
		return nil, &common.BalanceError{
			Message:     "export batch is not balanced",
			TotalDebit:  totals.Debit,
			TotalCredit: totals.Credit,
		}
	}

	lines := make([]string, 0, len(all)+2)
	lines = append(lines, headerFile, headerSection)

	// Piece numbers are per invoice, in input order, starting at 1, and
	// shared by every line of that invoice.
	for i, item := range batch {
		piece := fmt.Sprintf("%03d", i+1)
		for _, line := range item.Lines {
			lines = append(lines, formatRow(line, item.Invoice, piece))
		}
	}

	content := strings.Join(lines, "\r\n")

	encoded, err := charmap.Windows1252.NewEncoder().Bytes([]byte(content))
	if err != nil {
		return nil, fmt.Errorf("failed to encode export file: %w", err)
	}
	return encoded, nil
}

// formatRow builds one 22-field movement row.
func formatRow(line entity.LedgerLine, invoice *entity.Invoice, piece string) string {
	fields := make([]string, 0, rowFieldCount)

	// Movement number left empty for auto-numbering on import.
	fields = append(fields, "")
	fields = append(fields, line.JournalCode)
	fields = append(fields, formatDate(line.EntryDate))
	fields = append(fields, line.Account)
	// Account label left empty: the account already exists in Sage.
	fields = append(fields, "")

	amount, side := sidedAmount(line)
	fields = append(fields, amount)
	fields = append(fields, side)
	fields = append(fields, statusValidated)

	label := line.Label
	if label == "" {
		label = invoice.SupplierName
	}
	fields = append(fields, CleanLabel(label, labelMaxLength))
	fields = append(fields, piece)
	fields = append(fields, docTypeSupplierBill)

	if invoice.InvoiceDate != nil {
		fields = append(fields, formatDate(*invoice.InvoiceDate))
	} else {
		fields = append(fields, "")
	}

	for len(fields) < rowFieldCount {
		fields = append(fields, "")
	}
	return strings.Join(fields, "\t")
}

// sidedAmount returns the nonzero side of the posting as a signed
// fixed-width cents field plus the D/C indicator. Credits are encoded
// negative, the convention the legacy encoder uses.
func sidedAmount(line entity.LedgerLine) (string, string) {
	if line.Debit > 0 {
		return formatAmount(line.Debit, false), "D"
	}
	return formatAmount(line.Credit, true), "C"
}

// formatAmount renders an amount as sign plus eleven zero-padded digits
// of cents, e.g. 1000.00 -> +00000100000.
func formatAmount(amount float64, negative bool) string {
	cents := decimal.NewFromFloat(amount).Mul(decimal.NewFromInt(100)).Round(0).IntPart()
	sign := "+"
	if negative {
		sign = "-"
	}
	return fmt.Sprintf("%s%011d", sign, cents)
}

// formatDate renders DDMMYYYY, the date layout the importer parses
// positionally.
func formatDate(t time.Time) string {
	return t.Format("02012006")
}

// CleanLabel strips tabs, newlines and anything outside printable ASCII
// and the Latin-1 supplement, then truncates. The result always survives
// Windows-1252 encoding.
func CleanLabel(text string, maxLength int) string {
	var b strings.Builder
	for _, r := range text {
		switch {
		case r == '\t' || r == '\r' || r == '\n':
			b.WriteRune(' ')
		case r >= 0x20 && r <= 0x7E:
			b.WriteRune(r)
		case r >= 0xC0 && r <= 0xFF:
			b.WriteRune(r)
		}
	}
	cleaned := strings.TrimSpace(b.String())
	// Truncate by runes; a byte slice could split an accented character
	// and leave invalid UTF-8 behind.
	if runes := []rune(cleaned); len(runes) > maxLength {
		cleaned = string(runes[:maxLength])
	}
	return strings.TrimSpace(cleaned)
}

// FileName derives the export file name from the batch timestamp.
func FileName(t time.Time) string {
	return "RImport_" + t.Format("20060102_150405") + ".txt"
}
