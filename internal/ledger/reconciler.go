package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ReconcileTolerance is the maximum accepted |HT+TVA-TTC| when checking
// amount coherence against declared totals. Looser than the balance
// tolerance because OCR rounding errors accumulate over two fields.
var ReconcileTolerance = decimal.NewFromFloat(0.02)

// Reconciliation is the outcome of an HT/TVA/TTC coherence check. The
// caller decides whether to keep the declared TTC or adopt CorrectedTTC;
// declared values are never overwritten silently.
type Reconciliation struct {
	Valid bool
	// Difference is signed: computed (HT+TVA) minus declared TTC.
	Difference   float64
	CorrectedTTC float64
	Message      string
}

// Reconcile checks that HT + TVA matches the declared TTC within
// ReconcileTolerance.
func Reconcile(ht, tva, ttc float64) Reconciliation {
	computed := decimal.NewFromFloat(ht).Add(decimal.NewFromFloat(tva))
	diff := computed.Sub(decimal.NewFromFloat(ttc)).Round(2)

	result := Reconciliation{
		Valid:      diff.Abs().LessThanOrEqual(ReconcileTolerance),
		Difference: mustFloat(diff),
	}
	if !result.Valid {
		result.CorrectedTTC = mustFloat(computed.Round(2))
		result.Message = fmt.Sprintf(
			"HT(%.2f) + TVA(%.2f) = %.2f does not match TTC(%.2f), difference %.2f",
			ht, tva, mustFloat(computed.Round(2)), ttc, mustFloat(diff))
	}
	return result
}

// RateFromAmounts derives the tax rate in percent from the tax and
// pre-tax amounts. The rate is undefined (ok=false) when HT is not
// strictly positive; an unknown rate is not the same as a 0% rate.
func RateFromAmounts(ht, tva float64) (rate float64, ok bool) {
	if ht <= 0 {
		return 0, false
	}
	r := decimal.NewFromFloat(tva).
		Div(decimal.NewFromFloat(ht)).
		Mul(decimal.NewFromInt(100)).
		Round(2)
	return mustFloat(r), true
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
