package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/comptapilot/comptapilot/internal/common"
	"github.com/comptapilot/comptapilot/internal/domain/entity"
	"github.com/comptapilot/comptapilot/internal/lifecycle"
	"github.com/comptapilot/comptapilot/pkg/database"
)

// InvoiceRepository handles invoice persistence.
type InvoiceRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewInvoiceRepository creates a new invoice repository.
func NewInvoiceRepository(db *database.DB, logger *zap.Logger) *InvoiceRepository {
	return &InvoiceRepository{db: db, logger: logger}
}

const invoiceColumns = `
	id, file_name, file_ref, file_size, mime_type, page_count, uploaded_at,
	status, retry_count, last_retry_at, error_message,
	supplier_name, supplier_vat, invoice_number, invoice_date, due_date,
	currency, amount_ht, amount_tva, amount_ttc, tva_rate, ocr_confidence,
	ocr_raw_encrypted, ocr_text_encrypted,
	supplier_account, expense_account, journal_code, analytical_code,
	processed_at, exported_at, created_at, updated_at`

// Create inserts a freshly uploaded invoice.
func (r *InvoiceRepository) Create(invoice *entity.Invoice) error {
	now := time.Now().UTC()
	invoice.CreatedAt = now
	invoice.UpdatedAt = now
	if invoice.Status == "" {
		invoice.Status = lifecycle.StateUploaded
	}

	query := `
		INSERT INTO invoices (
			id, file_name, file_ref, file_size, mime_type, page_count,
			uploaded_at, status, currency, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query,
		invoice.ID,
		invoice.FileName,
		invoice.FileRef,
		invoice.FileSize,
		invoice.MimeType,
		invoice.PageCount,
		invoice.UploadedAt,
		invoice.Status.String(),
		invoice.Currency,
		invoice.CreatedAt,
		invoice.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create invoice", zap.Error(err))
		return fmt.Errorf("failed to create invoice: %w", err)
	}
	return nil
}

// GetByID retrieves one invoice.
func (r *InvoiceRepository) GetByID(id string) (*entity.Invoice, error) {
	row := r.db.QueryRow(`SELECT`+invoiceColumns+` FROM invoices WHERE id = ?`, id)
	invoice, err := scanInvoice(row)
	if err == sql.ErrNoRows {
		return nil, common.NewValidationError(fmt.Sprintf("invoice %s not found", id), nil)
	}
	if err != nil {
		r.logger.Error("Failed to load invoice", zap.String("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to load invoice: %w", err)
	}
	return invoice, nil
}

// ListFilter narrows List with typed parameters.
type ListFilter struct {
	Status lifecycle.State
	Limit  int
}

// List returns invoices, most recent first.
func (r *InvoiceRepository) List(filter ListFilter) ([]*entity.Invoice, error) {
	query := `SELECT` + invoiceColumns + ` FROM invoices`
	args := []any{}
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, filter.Status.String())
	}
	query += ` ORDER BY uploaded_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	defer rows.Close()

	var invoices []*entity.Invoice
	for rows.Next() {
		invoice, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		invoices = append(invoices, invoice)
	}
	return invoices, rows.Err()
}

// GetManyByID loads a set of invoices preserving the requested order.
func (r *InvoiceRepository) GetManyByID(ids []string) ([]*entity.Invoice, error) {
	invoices := make([]*entity.Invoice, 0, len(ids))
	for _, id := range ids {
		invoice, err := r.GetByID(id)
		if err != nil {
			var ve *common.ValidationError
			if errors.As(err, &ve) {
				continue
			}
			return nil, err
		}
		invoices = append(invoices, invoice)
	}
	return invoices, nil
}

// UpdateStatusIf performs the check-and-set transition guard: the status
// is written only if the persisted value still equals expected. Zero
// affected rows means another dispatch won the race.
func (r *InvoiceRepository) UpdateStatusIf(id string, expected, next lifecycle.State, clearError bool) error {
	query := `UPDATE invoices SET status = ?, updated_at = ?`
	args := []any{next.String(), time.Now().UTC()}
	if clearError {
		query += `, error_message = ''`
	}
	query += ` WHERE id = ? AND status = ?`
	args = append(args, id, expected.String())

	result, err := r.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to update invoice status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return &common.ConflictError{
			Message: fmt.Sprintf("invoice %s is no longer %s", id, expected),
		}
	}
	return nil
}

// SaveOCRResult persists the extracted fields, the encrypted payloads and
// the post-OCR status in one statement. The retry counter is left
// untouched; it is cumulative for the invoice's lifetime.
func (r *InvoiceRepository) SaveOCRResult(invoice *entity.Invoice) error {
	now := time.Now().UTC()
	query := `
		UPDATE invoices SET
			status = ?, error_message = ?,
			supplier_name = ?, supplier_vat = ?, invoice_number = ?,
			invoice_date = ?, due_date = ?, currency = ?,
			amount_ht = ?, amount_tva = ?, amount_ttc = ?, tva_rate = ?,
			ocr_confidence = ?, ocr_raw_encrypted = ?, ocr_text_encrypted = ?,
			processed_at = ?, updated_at = ?
		WHERE id = ?
	`
	_, err := r.db.Exec(query,
		invoice.Status.String(),
		invoice.ErrorMessage,
		invoice.SupplierName,
		invoice.SupplierVAT,
		invoice.InvoiceNumber,
		invoice.InvoiceDate,
		invoice.DueDate,
		invoice.Currency,
		invoice.AmountHT,
		invoice.AmountTVA,
		invoice.AmountTTC,
		invoice.TVARate,
		invoice.OCRConfidence,
		invoice.OCRRawEncrypted,
		invoice.OCRTextEncrypted,
		now,
		now,
		invoice.ID,
	)
	if err != nil {
		r.logger.Error("Failed to save OCR result", zap.String("id", invoice.ID), zap.Error(err))
		return fmt.Errorf("failed to save OCR result: %w", err)
	}
	return nil
}

// RecordFailure writes the failure bookkeeping: incremented retry count,
// last retry timestamp, error message and the status the pipeline chose.
func (r *InvoiceRepository) RecordFailure(id string, status lifecycle.State, retryCount int, errorMessage string) error {
	now := time.Now().UTC()
	query := `
		UPDATE invoices SET
			status = ?, retry_count = ?, last_retry_at = ?,
			error_message = ?, updated_at = ?
		WHERE id = ?
	`
	if _, err := r.db.Exec(query, status.String(), retryCount, now, errorMessage, now, id); err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	return nil
}

// SaveClassification persists the corrected fields, the accounting
// assignment and the regenerated ledger lines atomically.
func (r *InvoiceRepository) SaveClassification(invoice *entity.Invoice, lines []entity.LedgerLine) error {
	return r.db.WithTransaction(func(tx *sql.Tx) error {
		now := time.Now().UTC()
		query := `
			UPDATE invoices SET
				status = ?, supplier_name = ?, supplier_vat = ?,
				invoice_number = ?, invoice_date = ?,
				amount_ht = ?, amount_tva = ?, amount_ttc = ?, tva_rate = ?,
				supplier_account = ?, expense_account = ?,
				journal_code = ?, analytical_code = ?, updated_at = ?
			WHERE id = ?
		`
		if _, err := tx.Exec(query,
			invoice.Status.String(),
			invoice.SupplierName,
			invoice.SupplierVAT,
			invoice.InvoiceNumber,
			invoice.InvoiceDate,
			invoice.AmountHT,
			invoice.AmountTVA,
			invoice.AmountTTC,
			invoice.TVARate,
			invoice.SupplierAccount,
			invoice.ExpenseAccount,
			invoice.JournalCode,
			invoice.AnalyticalCode,
			now,
			invoice.ID,
		); err != nil {
			return fmt.Errorf("failed to save classification: %w", err)
		}

		return replaceLedgerLines(tx, invoice.ID, lines)
	})
}

// MarkExported moves the given invoices to EXPORTED. The WHERE clause
// keeps the write idempotent: a retried status update after a crash only
// touches rows still awaiting it.
func (r *InvoiceRepository) MarkExported(ids []string, exportedAt time.Time) error {
	return r.db.WithTransaction(func(tx *sql.Tx) error {
		query := `
			UPDATE invoices SET status = ?, exported_at = ?, updated_at = ?
			WHERE id = ? AND status IN (?, ?)
		`
		for _, id := range ids {
			if _, err := tx.Exec(query,
				lifecycle.StateExported.String(), exportedAt, time.Now().UTC(),
				id, lifecycle.StateValidated.String(), lifecycle.StateAICompleted.String(),
			); err != nil {
				return fmt.Errorf("failed to mark invoice %s exported: %w", id, err)
			}
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row rowScanner) (*entity.Invoice, error) {
	var (
		invoice      entity.Invoice
		status       string
		lastRetryAt  sql.NullTime
		invoiceDate  sql.NullTime
		dueDate      sql.NullTime
		tvaRate      sql.NullFloat64
		processedAt  sql.NullTime
		exportedAt   sql.NullTime
		errorMessage sql.NullString
	)

	err := row.Scan(
		&invoice.ID, &invoice.FileName, &invoice.FileRef, &invoice.FileSize,
		&invoice.MimeType, &invoice.PageCount, &invoice.UploadedAt,
		&status, &invoice.RetryCount, &lastRetryAt, &errorMessage,
		&invoice.SupplierName, &invoice.SupplierVAT, &invoice.InvoiceNumber,
		&invoiceDate, &dueDate, &invoice.Currency,
		&invoice.AmountHT, &invoice.AmountTVA, &invoice.AmountTTC,
		&tvaRate, &invoice.OCRConfidence,
		&invoice.OCRRawEncrypted, &invoice.OCRTextEncrypted,
		&invoice.SupplierAccount, &invoice.ExpenseAccount,
		&invoice.JournalCode, &invoice.AnalyticalCode,
		&processedAt, &exportedAt, &invoice.CreatedAt, &invoice.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	invoice.Status = lifecycle.State(status)
	invoice.ErrorMessage = errorMessage.String
	if lastRetryAt.Valid {
		invoice.LastRetryAt = &lastRetryAt.Time
	}
	if invoiceDate.Valid {
		invoice.InvoiceDate = &invoiceDate.Time
	}
	if dueDate.Valid {
		invoice.DueDate = &dueDate.Time
	}
	if tvaRate.Valid {
		invoice.TVARate = &tvaRate.Float64
	}
	if processedAt.Valid {
		invoice.ProcessedAt = &processedAt.Time
	}
	if exportedAt.Valid {
		invoice.ExportedAt = &exportedAt.Time
	}
	return &invoice, nil
}
