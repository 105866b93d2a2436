// Package pipeline orchestrates the invoice lifecycle from upload to
// validation: OCR extraction, AI classification, failure bookkeeping and
// the manual review operations. Every job handler is safe to call twice;
// the check-and-set status guard in the repository turns duplicate
// dispatches into conflicts instead of double work.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/comptapilot/comptapilot/internal/ai"
	"github.com/comptapilot/comptapilot/internal/classify"
	"github.com/comptapilot/comptapilot/internal/common"
	"github.com/comptapilot/comptapilot/internal/domain/entity"
	"github.com/comptapilot/comptapilot/internal/ingest"
	"github.com/comptapilot/comptapilot/internal/ledger"
	"github.com/comptapilot/comptapilot/internal/lifecycle"
	"github.com/comptapilot/comptapilot/internal/ocr"
	"github.com/comptapilot/comptapilot/internal/queue"
	"github.com/comptapilot/comptapilot/internal/repository"
	"github.com/comptapilot/comptapilot/internal/securefield"
	"github.com/comptapilot/comptapilot/internal/storage"
)

// MinOCRConfidence is the threshold below which extraction output is
// routed to manual review instead of automatic classification.
const MinOCRConfidence = 0.70

// MaxOCRAttempts bounds the redispatch loop of a failing extraction.
// The count is persisted on the invoice, so it survives restarts.
const MaxOCRAttempts = 3

// redispatchDelaySeconds spaces out automatic OCR redispatches.
const redispatchDelaySeconds = 60

// JobPayload is the body of an OCR or classification dispatch.
type JobPayload struct {
	InvoiceID string `json:"invoiceId"`
}

// Service drives invoices through the pipeline.
type Service struct {
	invoices   *repository.InvoiceRepository
	blobs      storage.BlobStore
	inspector  *ingest.Inspector
	extractor  ocr.Extractor
	classifier ai.Classifier
	codec      *securefield.Codec
	publisher  queue.Publisher
	retry      common.RetryOptions
	logger     *zap.Logger
}

// NewService creates the pipeline service.
func NewService(
	invoices *repository.InvoiceRepository,
	blobs storage.BlobStore,
	inspector *ingest.Inspector,
	extractor ocr.Extractor,
	classifier ai.Classifier,
	codec *securefield.Codec,
	publisher queue.Publisher,
	retry common.RetryOptions,
	logger *zap.Logger,
) *Service {
	return &Service{
		invoices:   invoices,
		blobs:      blobs,
		inspector:  inspector,
		extractor:  extractor,
		classifier: classifier,
		codec:      codec,
		publisher:  publisher,
		retry:      retry,
		logger:     logger,
	}
}

// HandleUpload accepts a scanned invoice file, stores it and dispatches
// the extraction job. The returned invoice is in state UPLOADED.
func (s *Service) HandleUpload(ctx context.Context, fileName, mimeType string, content []byte) (*entity.Invoice, error) {
	pageCount, err := s.inspector.Inspect(fileName, mimeType, content)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	ref, err := s.blobs.Store("uploads/"+id+filepath.Ext(fileName), content)
	if err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	now := time.Now().UTC()
	invoice := &entity.Invoice{
		ID:         id,
		FileName:   fileName,
		FileRef:    ref,
		FileSize:   int64(len(content)),
		MimeType:   mimeType,
		PageCount:  pageCount,
		UploadedAt: now,
		Status:     lifecycle.StateUploaded,
		Currency:   "EUR",
	}
	if err := s.invoices.Create(invoice); err != nil {
		return nil, err
	}

	s.logger.Info("Invoice uploaded",
		zap.String("id", id),
		zap.String("file", fileName),
		zap.Int("pages", pageCount))

	if err := s.dispatch(ctx, queue.TargetOCR, id, 0, 0); err != nil {
		s.logger.Error("Failed to dispatch OCR job", zap.String("id", id), zap.Error(err))
	}
	return invoice, nil
}

// ProcessOCR handles one OCR dispatch. The invoice must still be
// UPLOADED; a concurrent duplicate loses the check-and-set race and gets
// a conflict. Extraction failures are recorded on the invoice, never
// returned: from the dispatcher's point of view the delivery succeeded.
func (s *Service) ProcessOCR(ctx context.Context, invoiceID string) error {
	invoice, err := s.invoices.GetByID(invoiceID)
	if err != nil {
		return err
	}
	if invoice.Status == lifecycle.StateOCRProcessing {
		// Duplicate delivery of an in-flight dispatch, not an ordering bug.
		return &common.ConflictError{
			Message: fmt.Sprintf("invoice %s is already being extracted", invoiceID),
		}
	}
	if !lifecycle.CanFire(invoice.Status, lifecycle.TriggerBeginOCR) {
		return &common.PreconditionError{
			Operation: "OCR",
			Current:   invoice.Status.String(),
			Expected:  lifecycle.StateUploaded.String(),
		}
	}
	if err := s.invoices.UpdateStatusIf(invoiceID, lifecycle.StateUploaded, lifecycle.StateOCRProcessing, true); err != nil {
		return err
	}
	invoice.Status = lifecycle.StateOCRProcessing

	content, err := s.blobs.Open(invoice.FileRef)
	if err != nil {
		return s.failOCR(ctx, invoice, fmt.Errorf("upload unavailable: %w", err))
	}

	var result *ocr.Result
	err = common.WithRetry(ctx, s.logger, s.retry, func() error {
		var extractErr error
		result, extractErr = s.extractor.Extract(ctx, content, invoice.MimeType)
		return extractErr
	})
	if err != nil {
		return s.failOCR(ctx, invoice, err)
	}
	return s.completeOCR(ctx, invoice, result)
}

// completeOCR persists the extraction outcome and decides the next step:
// automatic classification when the result is trustworthy, manual review
// otherwise.
func (s *Service) completeOCR(ctx context.Context, invoice *entity.Invoice, result *ocr.Result) error {
	applyFields(invoice, result)

	rawEnc, err := s.codec.Encrypt(string(result.Raw))
	if err != nil {
		return s.failOCR(ctx, invoice, err)
	}
	textEnc, err := s.codec.Encrypt(result.Text)
	if err != nil {
		return s.failOCR(ctx, invoice, err)
	}
	invoice.OCRRawEncrypted = rawEnc
	invoice.OCRTextEncrypted = textEnc
	invoice.OCRConfidence = result.Confidence

	review := reviewReason(invoice, result)
	if review == "" {
		invoice.Status = lifecycle.StateOCRCompleted
		invoice.ErrorMessage = ""
	} else {
		invoice.Status = lifecycle.StatePendingValidation
		invoice.ErrorMessage = review
	}

	if err := s.invoices.SaveOCRResult(invoice); err != nil {
		return err
	}

	if invoice.Status == lifecycle.StateOCRCompleted {
		s.logger.Info("OCR completed",
			zap.String("id", invoice.ID),
			zap.Float64("confidence", result.Confidence))
		if err := s.dispatch(ctx, queue.TargetClassify, invoice.ID, 0, 0); err != nil {
			s.logger.Error("Failed to dispatch classification job",
				zap.String("id", invoice.ID), zap.Error(err))
		}
	} else {
		s.logger.Warn("OCR routed to manual review",
			zap.String("id", invoice.ID),
			zap.Float64("confidence", result.Confidence),
			zap.String("reason", review))
	}
	return nil
}

// reviewReason returns a non-empty reason when the extraction needs a
// human before classification may run.
func reviewReason(invoice *entity.Invoice, result *ocr.Result) string {
	if result.Confidence < MinOCRConfidence {
		return fmt.Sprintf("OCR confidence %.2f below threshold %.2f, manual review required",
			result.Confidence, MinOCRConfidence)
	}
	if invoice.AmountHT > 0 || invoice.AmountTVA > 0 || invoice.AmountTTC > 0 {
		rec := ledger.Reconcile(invoice.AmountHT, invoice.AmountTVA, invoice.AmountTTC)
		if !rec.Valid {
			return rec.Message
		}
	}
	return ""
}

// failOCR records an extraction failure. Below the attempt ceiling the
// invoice returns to UPLOADED and a delayed redispatch is published;
// at the ceiling it parks in OCR_FAILED until a manual retry.
func (s *Service) failOCR(ctx context.Context, invoice *entity.Invoice, cause error) error {
	attempts := invoice.RetryCount + 1
	if attempts >= MaxOCRAttempts {
		s.logger.Error("OCR attempts exhausted",
			zap.String("id", invoice.ID),
			zap.Int("attempts", attempts),
			zap.Error(cause))
		return s.invoices.RecordFailure(invoice.ID, lifecycle.StateOCRFailed, attempts, cause.Error())
	}

	s.logger.Warn("OCR failed, scheduling redispatch",
		zap.String("id", invoice.ID),
		zap.Int("attempt", attempts),
		zap.Error(cause))
	if err := s.invoices.RecordFailure(invoice.ID, lifecycle.StateUploaded, attempts, cause.Error()); err != nil {
		return err
	}
	if err := s.dispatch(ctx, queue.TargetOCR, invoice.ID, attempts, redispatchDelaySeconds*attempts); err != nil {
		s.logger.Error("Failed to redispatch OCR job", zap.String("id", invoice.ID), zap.Error(err))
	}
	return nil
}

// ProcessClassification handles one classification dispatch. The invoice
// must be OCR_COMPLETED. A rejected classifier payload (unbalanced or
// malformed entries) leaves the invoice in AI_PROCESSING with the reason
// recorded, so an operator can retry; infrastructure failures park it in
// ERROR.
func (s *Service) ProcessClassification(ctx context.Context, invoiceID string) error {
	invoice, err := s.invoices.GetByID(invoiceID)
	if err != nil {
		return err
	}
	if invoice.Status != lifecycle.StateOCRCompleted {
		return &common.PreconditionError{
			Operation: "classification",
			Current:   invoice.Status.String(),
			Expected:  lifecycle.StateOCRCompleted.String(),
		}
	}
	if err := s.invoices.UpdateStatusIf(invoiceID, lifecycle.StateOCRCompleted, lifecycle.StateAIProcessing, true); err != nil {
		return err
	}
	invoice.Status = lifecycle.StateAIProcessing

	text, err := s.codec.Decrypt(invoice.OCRTextEncrypted)
	if err != nil {
		s.logger.Error("Stored OCR text unreadable", zap.String("id", invoiceID), zap.Error(err))
		return s.invoices.RecordFailure(invoiceID, lifecycle.StateError, invoice.RetryCount+1, err.Error())
	}

	input := classify.Input{
		OCRText: text,
		Fields:  fieldSnapshot(invoice),
	}

	var result *classify.Result
	err = common.WithRetry(ctx, s.logger, s.retry, func() error {
		var classifyErr error
		result, classifyErr = s.classifier.Classify(ctx, input)
		return classifyErr
	})
	if err != nil {
		status := lifecycle.StateError
		var be *common.BalanceError
		if errors.As(err, &be) {
			// The payload was rejected by validation, the pipeline
			// itself is fine. Stay in AI_PROCESSING for a manual retry.
			status = lifecycle.StateAIProcessing
		}
		s.logger.Error("Classification failed",
			zap.String("id", invoiceID),
			zap.String("status", status.String()),
			zap.Error(err))
		return s.invoices.RecordFailure(invoiceID, status, invoice.RetryCount+1, err.Error())
	}

	applyClassification(invoice, result)
	invoice.Status = lifecycle.StateAICompleted

	lines := result.LedgerLines(invoiceID)
	entryDate := time.Now().UTC()
	if invoice.InvoiceDate != nil {
		entryDate = *invoice.InvoiceDate
	}
	for i := range lines {
		lines[i].EntryDate = entryDate
	}
	if err := s.invoices.SaveClassification(invoice, lines); err != nil {
		return err
	}

	s.logger.Info("Classification completed",
		zap.String("id", invoiceID),
		zap.String("journal", invoice.JournalCode),
		zap.String("expense_account", invoice.ExpenseAccount))
	return nil
}

// Review carries the corrections an operator supplies when validating an
// invoice by hand. All fields are optional for an AI_COMPLETED invoice;
// a PENDING_VALIDATION invoice needs at least the amounts and the
// expense account, since no ledger lines exist yet.
type Review struct {
	SupplierName   string   `json:"supplierName"`
	InvoiceNumber  string   `json:"invoiceNumber"`
	ExpenseAccount string   `json:"expenseAccount"`
	JournalCode    string   `json:"journalCode"`
	AmountHT       *float64 `json:"amountHT"`
	AmountTVA      *float64 `json:"amountTVA"`
	AmountTTC      *float64 `json:"amountTTC"`
}

// Validate moves an invoice to VALIDATED. For a PENDING_VALIDATION
// invoice it also builds the canonical three-line purchase entry from
// the reviewed amounts; an AI_COMPLETED invoice keeps its generated
// lines.
func (s *Service) Validate(invoiceID string, review Review) (*entity.Invoice, error) {
	invoice, err := s.invoices.GetByID(invoiceID)
	if err != nil {
		return nil, err
	}
	from := invoice.Status
	next, err := lifecycle.Next(from, lifecycle.TriggerValidate)
	if err != nil {
		return nil, &common.PreconditionError{
			Operation: "validation",
			Current:   from.String(),
			Expected: lifecycle.StatePendingValidation.String() + " or " +
				lifecycle.StateAICompleted.String(),
		}
	}

	applyReview(invoice, review)

	if from == lifecycle.StatePendingValidation {
		lines, err := s.canonicalEntry(invoice)
		if err != nil {
			return nil, err
		}
		invoice.Status = next
		invoice.ErrorMessage = ""
		if err := s.invoices.SaveClassification(invoice, lines); err != nil {
			return nil, err
		}
	} else {
		if err := s.invoices.UpdateStatusIf(invoiceID, from, next, true); err != nil {
			return nil, err
		}
		invoice.Status = next
	}

	s.logger.Info("Invoice validated",
		zap.String("id", invoiceID),
		zap.String("from", from.String()))
	return invoice, nil
}

// RetryManual resets a stalled invoice to UPLOADED and dispatches a new
// extraction. The retry counter is cumulative and survives the reset;
// only the error message is cleared.
func (s *Service) RetryManual(ctx context.Context, invoiceID string) (*entity.Invoice, error) {
	invoice, err := s.invoices.GetByID(invoiceID)
	if err != nil {
		return nil, err
	}
	next, err := lifecycle.Next(invoice.Status, lifecycle.TriggerRetryManual)
	if err != nil {
		return nil, &common.PreconditionError{
			Operation: "retry",
			Current:   invoice.Status.String(),
			Expected:  "a retryable status",
		}
	}
	if err := s.invoices.RecordFailure(invoiceID, next, invoice.RetryCount, ""); err != nil {
		return nil, err
	}
	invoice.Status = next
	invoice.ErrorMessage = ""

	if err := s.dispatch(ctx, queue.TargetOCR, invoiceID, 0, 0); err != nil {
		s.logger.Error("Failed to dispatch OCR job", zap.String("id", invoiceID), zap.Error(err))
	}
	s.logger.Info("Invoice reset for retry", zap.String("id", invoiceID))
	return invoice, nil
}

// canonicalEntry builds the three-line purchase entry: expense debit HT,
// deductible VAT debit, supplier credit TTC.
func (s *Service) canonicalEntry(invoice *entity.Invoice) ([]entity.LedgerLine, error) {
	account := classify.NormalizeAccount(invoice.ExpenseAccount)
	if account == "" || account[0] != '6' {
		return nil, common.NewValidationError(
			"a class 6 expense account is required to validate this invoice", nil)
	}
	if invoice.AmountTTC <= 0 {
		return nil, common.NewValidationError("a positive TTC amount is required", nil)
	}
	rec := ledger.Reconcile(invoice.AmountHT, invoice.AmountTVA, invoice.AmountTTC)
	if !rec.Valid {
		return nil, common.NewValidationError(rec.Message, nil)
	}

	journal := invoice.JournalCode
	if journal == "" {
		journal = entity.JournalPurchases
		invoice.JournalCode = journal
	}
	entryDate := time.Now().UTC()
	if invoice.InvoiceDate != nil {
		entryDate = *invoice.InvoiceDate
	}
	label := invoice.SupplierName
	if invoice.InvoiceNumber != "" {
		label = label + " " + invoice.InvoiceNumber
	}

	lines := []entity.LedgerLine{
		{InvoiceID: invoice.ID, JournalCode: journal, EntryDate: entryDate,
			Account: account, Label: label, Debit: invoice.AmountHT},
		{InvoiceID: invoice.ID, JournalCode: journal, EntryDate: entryDate,
			Account: classify.NormalizeAccount(entity.AccountDeductibleVAT), Label: label, Debit: invoice.AmountTVA},
		{InvoiceID: invoice.ID, JournalCode: journal, EntryDate: entryDate,
			Account: classify.NormalizeAccount(entity.AccountSupplier), Label: label, Credit: invoice.AmountTTC},
	}
	if err := ledger.CheckBalanced(lines); err != nil {
		return nil, err
	}
	return lines, nil
}

// dispatch publishes one job for the invoice.
func (s *Service) dispatch(ctx context.Context, target, invoiceID string, retries, delaySeconds int) error {
	payload, err := json.Marshal(JobPayload{InvoiceID: invoiceID})
	if err != nil {
		return fmt.Errorf("failed to encode job payload: %w", err)
	}
	return s.publisher.Publish(ctx, queue.Job{
		Target:       target,
		Payload:      payload,
		Retries:      retries,
		DelaySeconds: delaySeconds,
	})
}

// applyFields copies detected OCR fields onto the invoice. Undetected
// fields keep their zero values.
func applyFields(invoice *entity.Invoice, result *ocr.Result) {
	f := result.Fields
	invoice.SupplierName = f.SupplierName
	invoice.SupplierVAT = f.VATNumber
	invoice.InvoiceNumber = f.InvoiceNumber
	invoice.InvoiceDate = f.InvoiceDate
	invoice.DueDate = f.DueDate
	if f.Currency != "" {
		invoice.Currency = f.Currency
	}
	if f.AmountHT != nil {
		invoice.AmountHT = *f.AmountHT
	}
	if f.AmountTVA != nil {
		invoice.AmountTVA = *f.AmountTVA
	}
	if f.AmountTTC != nil {
		invoice.AmountTTC = *f.AmountTTC
	}
	switch {
	case f.TaxRate != nil:
		invoice.TVARate = f.TaxRate
	default:
		if rate, ok := ledger.RateFromAmounts(invoice.AmountHT, invoice.AmountTVA); ok {
			invoice.TVARate = &rate
		}
	}
}

// applyClassification overwrites invoice fields with the corrected values
// from an accepted classification. Corrections from the accepted
// classification always win over the raw OCR detection.
func applyClassification(invoice *entity.Invoice, result *classify.Result) {
	if result.Supplier.Name != "" {
		invoice.SupplierName = result.Supplier.Name
	}
	if result.Supplier.VATNumber != "" {
		invoice.SupplierVAT = result.Supplier.VATNumber
	}
	if result.Invoice.Number != "" {
		invoice.InvoiceNumber = result.Invoice.Number
	}
	if result.Invoice.Date != "" {
		if d, err := time.Parse("2006-01-02", result.Invoice.Date); err == nil {
			invoice.InvoiceDate = &d
		}
	}
	invoice.AmountHT = result.Amounts.HT
	invoice.AmountTVA = result.Amounts.TVA
	invoice.AmountTTC = result.Amounts.TTC
	rate := result.Amounts.TVARate
	invoice.TVARate = &rate
	invoice.SupplierAccount = result.Supplier.AccountNumber
	invoice.ExpenseAccount = result.Accounting.ExpenseAccount
	invoice.JournalCode = result.Accounting.JournalCode
	invoice.AnalyticalCode = result.Accounting.AnalyticalCode
}

// applyReview overwrites invoice fields with operator corrections.
func applyReview(invoice *entity.Invoice, review Review) {
	if review.SupplierName != "" {
		invoice.SupplierName = review.SupplierName
	}
	if review.InvoiceNumber != "" {
		invoice.InvoiceNumber = review.InvoiceNumber
	}
	if review.ExpenseAccount != "" {
		invoice.ExpenseAccount = review.ExpenseAccount
	}
	if review.JournalCode != "" {
		invoice.JournalCode = review.JournalCode
	}
	if review.AmountHT != nil {
		invoice.AmountHT = *review.AmountHT
	}
	if review.AmountTVA != nil {
		invoice.AmountTVA = *review.AmountTVA
	}
	if review.AmountTTC != nil {
		invoice.AmountTTC = *review.AmountTTC
	}
	if review.AmountHT != nil || review.AmountTVA != nil {
		if rate, ok := ledger.RateFromAmounts(invoice.AmountHT, invoice.AmountTVA); ok {
			invoice.TVARate = &rate
		}
	}
}

// fieldSnapshot projects the persisted OCR fields into the classifier
// input format.
func fieldSnapshot(invoice *entity.Invoice) classify.ExtractedFields {
	fields := classify.ExtractedFields{
		SupplierName:  invoice.SupplierName,
		InvoiceNumber: invoice.InvoiceNumber,
		AmountHT:      invoice.AmountHT,
		AmountTVA:     invoice.AmountTVA,
		AmountTTC:     invoice.AmountTTC,
	}
	if invoice.InvoiceDate != nil {
		fields.InvoiceDate = invoice.InvoiceDate.Format("2006-01-02")
	}
	if invoice.TVARate != nil {
		fields.TVARate = *invoice.TVARate
	}
	return fields
}
