package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReconcile(t *testing.T) {
	tests := []struct {
		name         string
		ht, tva, ttc float64
		valid        bool
		difference   float64
		correctedTTC float64
	}{
		{"exact", 1000.00, 200.00, 1200.00, true, 0, 0},
		{"one cent off", 1000.00, 200.00, 1200.01, true, -0.01, 0},
		{"two cents off still holds", 1000.00, 200.00, 1200.02, true, -0.02, 0},
		{"three cents off", 1000.00, 200.00, 1200.03, false, -0.03, 1200.00},
		{"wrong by a euro", 100.00, 20.00, 121.00, false, -1.00, 120.00},
		{"declared too low", 100.00, 20.00, 119.00, false, 1.00, 120.00},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := Reconcile(tt.ht, tt.tva, tt.ttc)
			assert.Equal(t, tt.valid, rec.Valid)
			assert.InDelta(t, tt.difference, rec.Difference, 0.001)
			if !tt.valid {
				assert.Equal(t, tt.correctedTTC, rec.CorrectedTTC)
				assert.NotEmpty(t, rec.Message)
			}
		})
	}
}

func TestRateFromAmounts(t *testing.T) {
	rate, ok := RateFromAmounts(1000.00, 200.00)
	assert.True(t, ok)
	assert.Equal(t, 20.0, rate)

	rate, ok = RateFromAmounts(100.00, 5.50)
	assert.True(t, ok)
	assert.Equal(t, 5.5, rate)
}

func TestRateFromAmountsUndefined(t *testing.T) {
	// A missing or zero HT makes the rate undefined, not zero percent.
	_, ok := RateFromAmounts(0, 20.00)
	assert.False(t, ok)

	_, ok = RateFromAmounts(-50.00, 10.00)
	assert.False(t, ok)
}
