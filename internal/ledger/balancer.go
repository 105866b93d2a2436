package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/comptapilot/comptapilot/internal/common"
	"github.com/comptapilot/comptapilot/internal/domain/entity"
)

// BalanceTolerance is the maximum accepted |debit - credit| over a set of
// postings, in monetary units.
var BalanceTolerance = decimal.NewFromFloat(0.01)

// Totals holds the aggregate debit and credit of a line set.
type Totals struct {
	Debit  float64
	Credit float64
}

// LineError localizes a faulty line inside a set. It is reported
// distinctly from the aggregate balance check so the caller can point at
// the offending posting.
type LineError struct {
	Index int
	Line  entity.LedgerLine
	Cause string
}

func (e *LineError) Error() string {
	return fmt.Sprintf("ledger line %d (%s): %s", e.Index+1, e.Line.Account, e.Cause)
}

// ValidateLine checks the single-line invariant: a nonzero debit or a
// nonzero credit, never both, never neither, and no negative side.
func ValidateLine(index int, line entity.LedgerLine) error {
	switch {
	case line.Debit < 0 || line.Credit < 0:
		return &LineError{Index: index, Line: line, Cause: "negative amount"}
	case line.Debit > 0 && line.Credit > 0:
		return &LineError{Index: index, Line: line, Cause: "both debit and credit set"}
	case line.Debit == 0 && line.Credit == 0:
		return &LineError{Index: index, Line: line, Cause: "neither debit nor credit set"}
	}
	return nil
}

// ValidateLines applies ValidateLine to every line, returning the first
// violation.
func ValidateLines(lines []entity.LedgerLine) error {
	for i, line := range lines {
		if err := ValidateLine(i, line); err != nil {
			return err
		}
	}
	return nil
}

// SumTotals computes aggregate debit and credit with exact decimal
// arithmetic.
func SumTotals(lines []entity.LedgerLine) Totals {
	debit := decimal.Zero
	credit := decimal.Zero
	for _, line := range lines {
		debit = debit.Add(decimal.NewFromFloat(line.Debit))
		credit = credit.Add(decimal.NewFromFloat(line.Credit))
	}
	d, _ := debit.Round(2).Float64()
	c, _ := credit.Round(2).Float64()
	return Totals{Debit: d, Credit: c}
}

// IsBalanced reports whether the set satisfies the double-entry invariant
// within BalanceTolerance.
func IsBalanced(lines []entity.LedgerLine) bool {
	debit := decimal.Zero
	credit := decimal.Zero
	for _, line := range lines {
		debit = debit.Add(decimal.NewFromFloat(line.Debit))
		credit = credit.Add(decimal.NewFromFloat(line.Credit))
	}
	return debit.Sub(credit).Abs().LessThanOrEqual(BalanceTolerance)
}

// CheckBalanced validates every line and then the aggregate invariant,
// returning a BalanceError carrying the totals on failure.
func CheckBalanced(lines []entity.LedgerLine) error {
	if err := ValidateLines(lines); err != nil {
		return err
	}
	if !IsBalanced(lines) {
		totals := SumTotals(lines)
		return &common.BalanceError{
			Message:     "ledger lines are not balanced",
			TotalDebit:  totals.Debit,
			TotalCredit: totals.Credit,
		}
	}
	return nil
}
