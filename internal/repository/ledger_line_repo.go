package repository

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/comptapilot/comptapilot/internal/domain/entity"
	"github.com/comptapilot/comptapilot/pkg/database"
)

// LedgerLineRepository handles ledger line persistence. Lines are only
// ever written as a full set per invoice; single-line updates do not
// exist.
type LedgerLineRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewLedgerLineRepository creates a new ledger line repository.
func NewLedgerLineRepository(db *database.DB, logger *zap.Logger) *LedgerLineRepository {
	return &LedgerLineRepository{db: db, logger: logger}
}

// ListByInvoice returns an invoice's lines in insertion order.
func (r *LedgerLineRepository) ListByInvoice(invoiceID string) ([]entity.LedgerLine, error) {
	query := `
		SELECT id, invoice_id, journal_code, entry_date, account, label,
			debit, credit, created_at
		FROM ledger_lines
		WHERE invoice_id = ?
		ORDER BY id ASC
	`
	rows, err := r.db.Query(query, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger lines: %w", err)
	}
	defer rows.Close()

	var lines []entity.LedgerLine
	for rows.Next() {
		var line entity.LedgerLine
		if err := rows.Scan(
			&line.ID, &line.InvoiceID, &line.JournalCode, &line.EntryDate,
			&line.Account, &line.Label, &line.Debit, &line.Credit, &line.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan ledger line: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// replaceLedgerLines regenerates an invoice's line set inside an open
// transaction. Corrections never update lines in place.
func replaceLedgerLines(tx *sql.Tx, invoiceID string, lines []entity.LedgerLine) error {
	if _, err := tx.Exec(`DELETE FROM ledger_lines WHERE invoice_id = ?`, invoiceID); err != nil {
		return fmt.Errorf("failed to clear ledger lines: %w", err)
	}

	query := `
		INSERT INTO ledger_lines (
			invoice_id, journal_code, entry_date, account, label, debit, credit
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	for _, line := range lines {
		if _, err := tx.Exec(query,
			invoiceID, line.JournalCode, line.EntryDate,
			line.Account, line.Label, line.Debit, line.Credit,
		); err != nil {
			return fmt.Errorf("failed to insert ledger line: %w", err)
		}
	}
	return nil
}
