package export

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/comptapilot/comptapilot/internal/common"
	"github.com/comptapilot/comptapilot/internal/domain/entity"
	"github.com/comptapilot/comptapilot/internal/lifecycle"
	"github.com/comptapilot/comptapilot/internal/repository"
	"github.com/comptapilot/comptapilot/internal/storage"
)

// Service runs batch exports. A batch either completes fully, with every
// member marked EXPORTED and the files stored, or leaves no trace.
type Service struct {
	invoices *repository.InvoiceRepository
	lines    *repository.LedgerLineRepository
	batches  *repository.ExportBatchRepository
	blobs    storage.BlobStore
	logger   *zap.Logger
}

// NewService creates the export service.
func NewService(
	invoices *repository.InvoiceRepository,
	lines *repository.LedgerLineRepository,
	batches *repository.ExportBatchRepository,
	blobs storage.BlobStore,
	logger *zap.Logger,
) *Service {
	return &Service{
		invoices: invoices,
		lines:    lines,
		batches:  batches,
		blobs:    blobs,
		logger:   logger,
	}
}

// Skipped reports why an invoice requested for export was left out of the
// batch.
type Skipped struct {
	InvoiceID string `json:"invoiceId"`
	Reason    string `json:"reason"`
}

// Result describes a completed export.
type Result struct {
	Batch   *entity.ExportBatch `json:"batch"`
	Skipped []Skipped           `json:"skipped,omitempty"`
}

// Run exports the given invoices. With an empty id list it exports every
// currently exportable invoice. Invoices that are not exportable, or were
// already part of an earlier batch, are skipped and reported; they never
// fail the batch. A batch with zero eligible invoices is an error.
func (s *Service) Run(invoiceIDs []string) (*Result, error) {
	candidates, err := s.loadCandidates(invoiceIDs)
	if err != nil {
		return nil, err
	}

	exported, err := s.batches.WasExported(collectIDs(candidates))
	if err != nil {
		return nil, err
	}

	var eligible []*entity.Invoice
	var skipped []Skipped
	for _, inv := range candidates {
		switch {
		case exported[inv.ID]:
			skipped = append(skipped, Skipped{inv.ID, "already exported"})
		case !inv.Status.Exportable():
			skipped = append(skipped, Skipped{inv.ID,
				fmt.Sprintf("status %s is not exportable", inv.Status)})
		default:
			eligible = append(eligible, inv)
		}
	}
	if len(eligible) == 0 {
		return nil, common.NewValidationError("no exportable invoices in batch", nil)
	}

	batch := make([]InvoiceWithLines, 0, len(eligible))
	var total float64
	for _, inv := range eligible {
		lines, err := s.lines.ListByInvoice(inv.ID)
		if err != nil {
			return nil, err
		}
		batch = append(batch, InvoiceWithLines{Invoice: inv, Lines: lines})
		total += inv.AmountTTC
	}

	content, err := Serialize(batch)
	if err != nil {
		return nil, err
	}

	exportedAt := time.Now().UTC()
	recap, err := BuildRecap(batch, exportedAt)
	if err != nil {
		return nil, err
	}

	// Files live under the batch id so parallel exports never collide on
	// the timestamped names.
	batchID := uuid.New().String()
	fileName := FileName(exportedAt)
	fileRef, err := s.blobs.Store("exports/"+batchID+"/"+fileName, content)
	if err != nil {
		return nil, fmt.Errorf("failed to store export file: %w", err)
	}
	recapRef, err := s.blobs.Store("exports/"+batchID+"/"+RecapFileName(exportedAt), recap)
	if err != nil {
		return nil, fmt.Errorf("failed to store recap workbook: %w", err)
	}

	record := &entity.ExportBatch{
		ID:           batchID,
		ExportedAt:   exportedAt,
		FileName:     fileName,
		FileRef:      fileRef,
		RecapRef:     recapRef,
		FileSize:     int64(len(content)),
		InvoiceCount: len(eligible),
		TotalAmount:  total,
		InvoiceIDs:   collectIDs(eligible),
	}
	if err := s.batches.Create(record); err != nil {
		return nil, err
	}
	if err := s.invoices.MarkExported(record.InvoiceIDs, exportedAt); err != nil {
		return nil, err
	}

	s.logger.Info("Export batch completed",
		zap.String("batch_id", record.ID),
		zap.String("file", fileName),
		zap.Int("invoices", record.InvoiceCount),
		zap.Int("skipped", len(skipped)),
		zap.Float64("total_ttc", total))

	return &Result{Batch: record, Skipped: skipped}, nil
}

// History returns past batches, newest first.
func (s *Service) History(limit int) ([]*entity.ExportBatch, error) {
	return s.batches.List(limit)
}

// Download returns the stored import file of a batch.
func (s *Service) Download(batchID string) (string, []byte, error) {
	batch, err := s.batches.GetByID(batchID)
	if err != nil {
		return "", nil, err
	}
	content, err := s.blobs.Open(batch.FileRef)
	if err != nil {
		return "", nil, fmt.Errorf("export file unavailable: %w", err)
	}
	return batch.FileName, content, nil
}

// loadCandidates resolves the requested ids, or every exportable invoice
// when none were given.
func (s *Service) loadCandidates(invoiceIDs []string) ([]*entity.Invoice, error) {
	if len(invoiceIDs) > 0 {
		return s.invoices.GetManyByID(invoiceIDs)
	}

	var all []*entity.Invoice
	for _, state := range []lifecycle.State{lifecycle.StateValidated, lifecycle.StateAICompleted} {
		invoices, err := s.invoices.List(repository.ListFilter{Status: state})
		if err != nil {
			return nil, err
		}
		all = append(all, invoices...)
	}
	return all, nil
}

func collectIDs(invoices []*entity.Invoice) []string {
	ids := make([]string, len(invoices))
	for i, inv := range invoices {
		ids[i] = inv.ID
	}
	return ids
}
