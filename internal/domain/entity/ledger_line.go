package entity

import "time"

// Journal codes of the purchase workflow. The classifier may only emit
// codes from this enumeration.
const (
	JournalPurchases     = "ACH"
	JournalSales         = "VTE"
	JournalBank          = "BQ"
	JournalMiscellaneous = "OD"
)

// Accounts fixed by the canonical three-line purchase entry.
const (
	AccountDeductibleVAT = "445660"
	AccountSupplier      = "401000"
)

// ValidJournalCodes enumerates the accepted journal codes.
var ValidJournalCodes = map[string]bool{
	JournalPurchases:     true,
	JournalSales:         true,
	JournalBank:          true,
	JournalMiscellaneous: true,
}

// LedgerLine is a single debit-or-credit posting. Lines are created in
// one batch by the classification step and never updated in place;
// corrections delete and regenerate the full set.
type LedgerLine struct {
	ID          int64
	InvoiceID   string
	JournalCode string
	EntryDate   time.Time
	Account     string
	Label       string
	Debit       float64
	Credit      float64
	CreatedAt   time.Time
}
