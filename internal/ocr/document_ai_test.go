package ocr

import (
	"testing"
	"time"

	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToResultMapsEntities(t *testing.T) {
	doc := &documentaipb.Document{
		Text: "FACTURE F-2024-042",
		Entities: []*documentaipb.Document_Entity{
			{Type: "supplier_name", MentionText: "Dupont SARL", Confidence: 0.95},
			{Type: "invoice_id", MentionText: "F-2024-042", Confidence: 0.90},
			{Type: "invoice_date", MentionText: "15/03/2024", Confidence: 0.85},
			{Type: "net_amount", MentionText: "1 000,00 €", Confidence: 0.92},
			{Type: "total_tax_amount", MentionText: "200,00", Confidence: 0.88},
			{Type: "total_amount", MentionText: "1 200,00", Confidence: 0.90},
			{Type: "currency", MentionText: "eur", Confidence: 1.0},
		},
	}

	var e DocumentAIExtractor
	result := e.toResult(doc)

	assert.Equal(t, "FACTURE F-2024-042", result.Text)
	assert.Equal(t, "Dupont SARL", result.Fields.SupplierName)
	assert.Equal(t, "F-2024-042", result.Fields.InvoiceNumber)
	require.NotNil(t, result.Fields.InvoiceDate)
	assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), *result.Fields.InvoiceDate)
	require.NotNil(t, result.Fields.AmountHT)
	assert.Equal(t, 1000.00, *result.Fields.AmountHT)
	require.NotNil(t, result.Fields.AmountTVA)
	assert.Equal(t, 200.00, *result.Fields.AmountTVA)
	require.NotNil(t, result.Fields.AmountTTC)
	assert.Equal(t, 1200.00, *result.Fields.AmountTTC)
	assert.Equal(t, "EUR", result.Fields.Currency)

	require.NotNil(t, result.Fields.TaxRate)
	assert.InDelta(t, 20.0, *result.Fields.TaxRate, 0.001)

	assert.InDelta(t, 0.914, result.Confidence, 0.001)
	assert.NotEmpty(t, result.Raw)
}

func TestToResultSkipsEmptyAndDerivesNothingWithoutAmounts(t *testing.T) {
	doc := &documentaipb.Document{
		Entities: []*documentaipb.Document_Entity{
			{Type: "supplier_name", MentionText: "   ", Confidence: 0.2},
			{Type: "invoice_id", MentionText: "F-001", Confidence: 0.6},
		},
	}

	var e DocumentAIExtractor
	result := e.toResult(doc)

	assert.Empty(t, result.Fields.SupplierName)
	assert.Equal(t, "F-001", result.Fields.InvoiceNumber)
	assert.Nil(t, result.Fields.TaxRate)
	assert.InDelta(t, 0.6, result.Confidence, 0.001)
}

func TestParseDate(t *testing.T) {
	want := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	for _, value := range []string{"2024-03-15", "15/03/2024", "15-03-2024", "15.03.2024"} {
		d, ok := parseDate(value)
		require.True(t, ok, value)
		assert.Equal(t, want, d, value)
	}

	_, ok := parseDate("mars 2024")
	assert.False(t, ok)
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"1200.00", 1200.00},
		{"1200,00", 1200.00},
		{"1 200,00", 1200.00},
		{"1,200.00", 1200.00},
		{"1200,00 €", 1200.00},
		{"EUR 1200.00", 1200.00},
	}
	for _, tt := range tests {
		got, ok := parseAmount(tt.in)
		require.True(t, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, ok := parseAmount("douze cents")
	assert.False(t, ok)
}
