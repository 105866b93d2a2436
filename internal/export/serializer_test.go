package export

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comptapilot/comptapilot/internal/common"
	"github.com/comptapilot/comptapilot/internal/domain/entity"
)

func invoiceWithLines(id, supplier string, ht, tva, ttc float64, entryDate time.Time) InvoiceWithLines {
	invoiceDate := entryDate
	label := supplier
	return InvoiceWithLines{
		Invoice: &entity.Invoice{
			ID:           id,
			SupplierName: supplier,
			InvoiceDate:  &invoiceDate,
			AmountHT:     ht,
			AmountTVA:    tva,
			AmountTTC:    ttc,
		},
		Lines: []entity.LedgerLine{
			{InvoiceID: id, JournalCode: "ACH", EntryDate: entryDate,
				Account: "60610000", Label: label, Debit: ht},
			{InvoiceID: id, JournalCode: "ACH", EntryDate: entryDate,
				Account: "44566000", Label: label, Debit: tva},
			{InvoiceID: id, JournalCode: "ACH", EntryDate: entryDate,
				Account: "40100000", Label: label, Credit: ttc},
		},
	}
}

func TestSerializeGoldenLayout(t *testing.T) {
	entryDate := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	batch := []InvoiceWithLines{
		invoiceWithLines("inv-1", "Dupont SARL", 1000.00, 200.00, 1200.00, entryDate),
	}

	content, err := Serialize(batch)
	require.NoError(t, err)

	lines := strings.Split(string(content), "\r\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "##Fichier\tRImport", lines[0])
	assert.Equal(t, "##Section\tMvt", lines[1])

	for _, row := range lines[2:] {
		assert.Len(t, strings.Split(row, "\t"), 22)
	}

	expense := strings.Split(lines[2], "\t")
	assert.Equal(t, "", expense[0])
	assert.Equal(t, "ACH", expense[1])
	assert.Equal(t, "15032024", expense[2])
	assert.Equal(t, "60610000", expense[3])
	assert.Equal(t, "+00000100000", expense[5])
	assert.Equal(t, "D", expense[6])
	assert.Equal(t, "V", expense[7])
	assert.Equal(t, "Dupont SARL", expense[8])
	assert.Equal(t, "001", expense[9])
	assert.Equal(t, "3", expense[10])
	assert.Equal(t, "15032024", expense[11])

	vat := strings.Split(lines[3], "\t")
	assert.Equal(t, "44566000", vat[3])
	assert.Equal(t, "+00000020000", vat[5])
	assert.Equal(t, "D", vat[6])

	supplier := strings.Split(lines[4], "\t")
	assert.Equal(t, "40100000", supplier[3])
	assert.Equal(t, "-00000120000", supplier[5])
	assert.Equal(t, "C", supplier[6])
}

func TestSerializePieceNumbersFollowInputOrder(t *testing.T) {
	entryDate := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	batch := []InvoiceWithLines{
		invoiceWithLines("inv-1", "Premier", 100.00, 20.00, 120.00, entryDate),
		invoiceWithLines("inv-2", "Second", 50.00, 10.00, 60.00, entryDate),
	}

	content, err := Serialize(batch)
	require.NoError(t, err)

	rows := strings.Split(string(content), "\r\n")[2:]
	require.Len(t, rows, 6)
	for _, row := range rows[:3] {
		assert.Equal(t, "001", strings.Split(row, "\t")[9])
	}
	for _, row := range rows[3:] {
		assert.Equal(t, "002", strings.Split(row, "\t")[9])
	}
}

func TestSerializeIsDeterministic(t *testing.T) {
	entryDate := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	batch := []InvoiceWithLines{
		invoiceWithLines("inv-1", "Dupont SARL", 1000.00, 200.00, 1200.00, entryDate),
	}

	first, err := Serialize(batch)
	require.NoError(t, err)
	second, err := Serialize(batch)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSerializeEncodesWindows1252(t *testing.T) {
	entryDate := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	batch := []InvoiceWithLines{
		invoiceWithLines("inv-1", "Société Générale", 100.00, 20.00, 120.00, entryDate),
	}

	content, err := Serialize(batch)
	require.NoError(t, err)

	// é is a single 0xE9 byte in Windows-1252, not the UTF-8 pair.
	assert.Contains(t, string(content), string([]byte{'S', 'o', 'c', 'i', 0xE9, 't', 0xE9}))
}

func TestSerializeRejectsInvoiceWithoutLines(t *testing.T) {
	entryDate := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	batch := []InvoiceWithLines{
		invoiceWithLines("inv-1", "Dupont SARL", 100.00, 20.00, 120.00, entryDate),
		{Invoice: &entity.Invoice{ID: "inv-2"}},
	}

	_, err := Serialize(batch)
	var ve *common.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Message, "inv-2")
}

func TestSerializeRechecksGlobalBalance(t *testing.T) {
	entryDate := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	broken := invoiceWithLines("inv-1", "Dupont SARL", 1000.00, 200.00, 1200.00, entryDate)
	broken.Lines[2].Credit = 999.00

	_, err := Serialize([]InvoiceWithLines{broken})
	var be *common.BalanceError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 1200.00, be.TotalDebit)
	assert.Equal(t, 999.00, be.TotalCredit)
}

func TestCleanLabel(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Dupont SARL", "Dupont SARL"},
		{"accents kept", "Société Générale", "Société Générale"},
		{"tabs and newlines collapse", "Dupont\tSARL\nParis", "Dupont SARL Paris"},
		{"emoji stripped", "Dupont 🧾 SARL", "Dupont  SARL"},
		{"truncated", strings.Repeat("a", 80), strings.Repeat("a", 50)},
		{"accent at the cut survives", strings.Repeat("a", 49) + "émarché", strings.Repeat("a", 49) + "é"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CleanLabel(tt.in, 50)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}

func TestSerializeAcceptsAccentedLabelAtTruncationBoundary(t *testing.T) {
	entryDate := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	supplier := strings.Repeat("a", 49) + "émarché"
	inv := invoiceWithLines("inv-1", supplier, 1000.00, 200.00, 1200.00, entryDate)

	content, err := Serialize([]InvoiceWithLines{inv})
	require.NoError(t, err)
	assert.NotEmpty(t, content)
}

func TestFormatAmountEncoding(t *testing.T) {
	assert.Equal(t, "+00000100000", formatAmount(1000.00, false))
	assert.Equal(t, "-00000120000", formatAmount(1200.00, true))
	assert.Equal(t, "+00000000001", formatAmount(0.01, false))
	// 19.99 is not exactly representable as a float; the decimal round
	// must still land on 1999 cents.
	assert.Equal(t, "+00000001999", formatAmount(19.99, false))
}
