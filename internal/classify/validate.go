package classify

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/comptapilot/comptapilot/internal/common"
	"github.com/comptapilot/comptapilot/internal/domain/entity"
	"github.com/comptapilot/comptapilot/internal/ledger"
)

var (
	sirenPattern     = regexp.MustCompile(`^\d{9}$`)
	siretPattern     = regexp.MustCompile(`^\d{14}$`)
	frenchVATPattern = regexp.MustCompile(`^FR[0-9A-Z]{2}\d{9}$`)
)

// NormalizeAccount strips whitespace from an account number and pads it
// to eight characters with trailing zeros, the layout the export format
// expects.
func NormalizeAccount(account string) string {
	cleaned := strings.ReplaceAll(account, " ", "")
	for len(cleaned) < 8 {
		cleaned += "0"
	}
	return cleaned[:8]
}

// IsValidSIREN reports whether s is a 9-digit SIREN.
func IsValidSIREN(s string) bool {
	return sirenPattern.MatchString(strings.ReplaceAll(s, " ", ""))
}

// IsValidSIRET reports whether s is a 14-digit SIRET.
func IsValidSIRET(s string) bool {
	return siretPattern.MatchString(strings.ReplaceAll(s, " ", ""))
}

// IsValidFrenchVAT reports whether s is an FR intra-community VAT number.
func IsValidFrenchVAT(s string) bool {
	return frenchVATPattern.MatchString(strings.ToUpper(strings.ReplaceAll(s, " ", "")))
}

// Validate checks a classification result against the accounting
// contract and normalizes it in place. A rejected result is a retryable
// failure: the collaborator may self-correct when re-prompted.
//
// The contract: a known journal code, exactly three lines covering the
// expense debit, the 445660 deductible-VAT debit and the 401000 supplier
// credit, every line well-formed, the set balanced, and the amounts
// coherent.
func Validate(result *Result) error {
	if result == nil {
		return common.Transient(fmt.Errorf("classification returned no result"))
	}

	if !entity.ValidJournalCodes[result.Accounting.JournalCode] {
		return common.Transient(fmt.Errorf("unknown journal code %q", result.Accounting.JournalCode))
	}

	if len(result.Entries) != 3 {
		return common.Transient(&common.BalanceError{
			Message: fmt.Sprintf("wrong line count: expected 3 ledger lines, got %d", len(result.Entries)),
		})
	}

	result.Supplier.AccountNumber = NormalizeAccount(result.Supplier.AccountNumber)
	result.Accounting.ExpenseAccount = NormalizeAccount(result.Accounting.ExpenseAccount)
	for i := range result.Entries {
		result.Entries[i].Account = NormalizeAccount(result.Entries[i].Account)
	}
	if vat := result.Supplier.VATNumber; vat != "" && !IsValidFrenchVAT(vat) && !IsValidSIREN(vat) && !IsValidSIRET(vat) {
		// Keep the value but do not trust it as an identifier.
		result.Supplier.VATNumber = strings.TrimSpace(vat)
	}

	lines := result.LedgerLines("")
	if err := ledger.ValidateLines(lines); err != nil {
		return common.Transient(err)
	}

	if err := checkRoles(lines); err != nil {
		return common.Transient(err)
	}

	if !ledger.IsBalanced(lines) {
		totals := ledger.SumTotals(lines)
		return common.Transient(&common.BalanceError{
			Message:     "classification produced unbalanced entries",
			TotalDebit:  totals.Debit,
			TotalCredit: totals.Credit,
		})
	}

	if rec := ledger.Reconcile(result.Amounts.HT, result.Amounts.TVA, result.Amounts.TTC); !rec.Valid {
		return common.Transient(fmt.Errorf("incoherent amounts: %s", rec.Message))
	}

	return nil
}

// checkRoles verifies the three mandatory account roles are each present
// on the correct side.
func checkRoles(lines []entity.LedgerLine) error {
	var expense, vat, supplier bool
	for _, line := range lines {
		switch {
		case line.Account == NormalizeAccount(entity.AccountDeductibleVAT) && line.Debit > 0:
			vat = true
		case line.Account == NormalizeAccount(entity.AccountSupplier) && line.Credit > 0:
			supplier = true
		case strings.HasPrefix(line.Account, "6") && line.Debit > 0:
			expense = true
		}
	}
	var missing []string
	if !expense {
		missing = append(missing, "expense debit (6xxxxx)")
	}
	if !vat {
		missing = append(missing, "deductible VAT debit (445660)")
	}
	if !supplier {
		missing = append(missing, "supplier credit (401000)")
	}
	if len(missing) > 0 {
		return &common.BalanceError{Message: "missing account roles: " + strings.Join(missing, ", ")}
	}
	return nil
}
