package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/comptapilot/comptapilot/internal/common"
	"github.com/comptapilot/comptapilot/internal/domain/entity"
	"github.com/comptapilot/comptapilot/pkg/database"
)

// ExportBatchRepository handles export batch persistence.
type ExportBatchRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewExportBatchRepository creates a new export batch repository.
func NewExportBatchRepository(db *database.DB, logger *zap.Logger) *ExportBatchRepository {
	return &ExportBatchRepository{db: db, logger: logger}
}

// Create records a batch and its member invoices atomically. This row is
// the durable proof the export file exists; it is written after the blob
// store acknowledged the file and before member statuses move.
func (r *ExportBatchRepository) Create(batch *entity.ExportBatch) error {
	return r.db.WithTransaction(func(tx *sql.Tx) error {
		batch.CreatedAt = time.Now().UTC()
		query := `
			INSERT INTO export_batches (
				id, exported_at, file_name, file_ref, recap_ref, file_size,
				invoice_count, total_amount, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		if _, err := tx.Exec(query,
			batch.ID, batch.ExportedAt, batch.FileName, batch.FileRef,
			batch.RecapRef, batch.FileSize, batch.InvoiceCount,
			batch.TotalAmount, batch.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to create export batch: %w", err)
		}

		for _, invoiceID := range batch.InvoiceIDs {
			if _, err := tx.Exec(
				`INSERT INTO export_batch_invoices (batch_id, invoice_id) VALUES (?, ?)`,
				batch.ID, invoiceID,
			); err != nil {
				return fmt.Errorf("failed to attach invoice %s to batch: %w", invoiceID, err)
			}
		}
		return nil
	})
}

// GetByID loads a batch with its member invoice ids.
func (r *ExportBatchRepository) GetByID(id string) (*entity.ExportBatch, error) {
	var batch entity.ExportBatch
	err := r.db.QueryRow(`
		SELECT id, exported_at, file_name, file_ref, recap_ref, file_size,
			invoice_count, total_amount, created_at
		FROM export_batches WHERE id = ?
	`, id).Scan(
		&batch.ID, &batch.ExportedAt, &batch.FileName, &batch.FileRef,
		&batch.RecapRef, &batch.FileSize, &batch.InvoiceCount,
		&batch.TotalAmount, &batch.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, common.NewValidationError(fmt.Sprintf("export batch %s not found", id), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load export batch: %w", err)
	}

	rows, err := r.db.Query(
		`SELECT invoice_id FROM export_batch_invoices WHERE batch_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch invoices: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var invoiceID string
		if err := rows.Scan(&invoiceID); err != nil {
			return nil, fmt.Errorf("failed to scan batch invoice: %w", err)
		}
		batch.InvoiceIDs = append(batch.InvoiceIDs, invoiceID)
	}
	return &batch, rows.Err()
}

// List returns batches newest first, without member invoice ids.
func (r *ExportBatchRepository) List(limit int) ([]*entity.ExportBatch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(`
		SELECT id, exported_at, file_name, file_ref, recap_ref, file_size,
			invoice_count, total_amount, created_at
		FROM export_batches
		ORDER BY exported_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list export batches: %w", err)
	}
	defer rows.Close()

	var batches []*entity.ExportBatch
	for rows.Next() {
		var batch entity.ExportBatch
		if err := rows.Scan(
			&batch.ID, &batch.ExportedAt, &batch.FileName, &batch.FileRef,
			&batch.RecapRef, &batch.FileSize, &batch.InvoiceCount,
			&batch.TotalAmount, &batch.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan export batch: %w", err)
		}
		batches = append(batches, &batch)
	}
	return batches, rows.Err()
}

// WasExported reports which of the given invoices already belong to a
// batch. An invoice can never be part of two successful exports.
func (r *ExportBatchRepository) WasExported(invoiceIDs []string) (map[string]bool, error) {
	if len(invoiceIDs) == 0 {
		return map[string]bool{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(invoiceIDs)), ",")
	args := make([]any, len(invoiceIDs))
	for i, id := range invoiceIDs {
		args[i] = id
	}

	rows, err := r.db.Query(
		`SELECT DISTINCT invoice_id FROM export_batch_invoices WHERE invoice_id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to check exported invoices: %w", err)
	}
	defer rows.Close()

	exported := make(map[string]bool)
	for rows.Next() {
		var invoiceID string
		if err := rows.Scan(&invoiceID); err != nil {
			return nil, fmt.Errorf("failed to scan exported invoice: %w", err)
		}
		exported[invoiceID] = true
	}
	return exported, rows.Err()
}
