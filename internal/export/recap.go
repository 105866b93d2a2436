package export

import (
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"
)

const recapSheet = "Export"

var recapHeaders = []string{
	"Fournisseur", "N° facture", "Date facture", "Journal",
	"Compte charge", "HT", "TVA", "TTC", "Pièce",
}

// BuildRecap renders a one-sheet workbook summarising the batch, one row
// per invoice plus a totals row. It is a human-readable companion to the
// import file, not an accounting artifact.
func BuildRecap(batch []InvoiceWithLines, exportedAt time.Time) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(recapSheet)
	if err != nil {
		return nil, fmt.Errorf("failed to create recap sheet: %w", err)
	}
	f.SetActiveSheet(index)
	f.DeleteSheet("Sheet1")

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"DDEBF7"}, Pattern: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create recap style: %w", err)
	}

	for col, header := range recapHeaders {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		f.SetCellValue(recapSheet, cell, header)
		f.SetCellStyle(recapSheet, cell, cell, headerStyle)
	}

	var totalHT, totalTVA, totalTTC float64
	for i, item := range batch {
		inv := item.Invoice
		row := i + 2

		invoiceDate := ""
		if inv.InvoiceDate != nil {
			invoiceDate = inv.InvoiceDate.Format("02/01/2006")
		}
		values := []interface{}{
			inv.SupplierName,
			inv.InvoiceNumber,
			invoiceDate,
			inv.JournalCode,
			inv.ExpenseAccount,
			inv.AmountHT,
			inv.AmountTVA,
			inv.AmountTTC,
			fmt.Sprintf("%03d", i+1),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			f.SetCellValue(recapSheet, cell, v)
		}

		totalHT += inv.AmountHT
		totalTVA += inv.AmountTVA
		totalTTC += inv.AmountTTC
	}

	totalRow := len(batch) + 2
	totals := map[int]interface{}{
		1: "Total",
		6: totalHT,
		7: totalTVA,
		8: totalTTC,
	}
	for col, v := range totals {
		cell, _ := excelize.CoordinatesToCellName(col, totalRow)
		f.SetCellValue(recapSheet, cell, v)
		f.SetCellStyle(recapSheet, cell, cell, headerStyle)
	}

	infoCell, _ := excelize.CoordinatesToCellName(1, totalRow+2)
	f.SetCellValue(recapSheet, infoCell,
		fmt.Sprintf("Exporté le %s, %d factures", exportedAt.Format("02/01/2006 15:04"), len(batch)))

	f.SetColWidth(recapSheet, "A", "A", 30)
	f.SetColWidth(recapSheet, "B", "E", 16)
	f.SetColWidth(recapSheet, "F", "H", 12)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to render recap workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// RecapFileName derives the recap workbook name from the batch timestamp.
func RecapFileName(t time.Time) string {
	return "Recap_" + t.Format("20060102_150405") + ".xlsx"
}
