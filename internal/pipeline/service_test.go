package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/comptapilot/comptapilot/internal/ai"
	"github.com/comptapilot/comptapilot/internal/classify"
	"github.com/comptapilot/comptapilot/internal/common"
	"github.com/comptapilot/comptapilot/internal/ingest"
	"github.com/comptapilot/comptapilot/internal/lifecycle"
	"github.com/comptapilot/comptapilot/internal/ocr"
	"github.com/comptapilot/comptapilot/internal/queue"
	"github.com/comptapilot/comptapilot/internal/repository"
	"github.com/comptapilot/comptapilot/internal/securefield"
	"github.com/comptapilot/comptapilot/internal/storage"
	"github.com/comptapilot/comptapilot/pkg/database"
)

const testEncryptionKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

// stubExtractor delegates to a swappable function.
type stubExtractor struct {
	extract func(ctx context.Context, fileBytes []byte, mimeType string) (*ocr.Result, error)
}

func (s *stubExtractor) Extract(ctx context.Context, fileBytes []byte, mimeType string) (*ocr.Result, error) {
	return s.extract(ctx, fileBytes, mimeType)
}

// stubClassifier delegates to a swappable function.
type stubClassifier struct {
	classify func(ctx context.Context, input classify.Input) (*classify.Result, error)
}

func (s *stubClassifier) Classify(ctx context.Context, input classify.Input) (*classify.Result, error) {
	return s.classify(ctx, input)
}

// recordingPublisher captures dispatched jobs instead of delivering them.
type recordingPublisher struct {
	jobs []queue.Job
}

func (p *recordingPublisher) Publish(_ context.Context, job queue.Job) error {
	p.jobs = append(p.jobs, job)
	return nil
}

func (p *recordingPublisher) targets() []string {
	targets := make([]string, len(p.jobs))
	for i, job := range p.jobs {
		targets[i] = job.Target
	}
	return targets
}

type testEnv struct {
	service    *Service
	invoices   *repository.InvoiceRepository
	lines      *repository.LedgerLineRepository
	extractor  *stubExtractor
	classifier *stubClassifier
	publisher  *recordingPublisher
	codec      *securefield.Codec
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	db, err := database.New(database.Config{
		Path:            filepath.Join(t.TempDir(), "test.db"),
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Minute,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, database.NewMigrator(db, logger).RunMigrations("../../migrations"))

	blobs, err := storage.NewLocalBlobStore(t.TempDir(), logger)
	require.NoError(t, err)

	codec, err := securefield.New(testEncryptionKey)
	require.NoError(t, err)

	env := &testEnv{
		invoices:   repository.NewInvoiceRepository(db, logger),
		lines:      repository.NewLedgerLineRepository(db, logger),
		extractor:  &stubExtractor{},
		classifier: &stubClassifier{},
		publisher:  &recordingPublisher{},
		codec:      codec,
	}
	env.service = NewService(
		env.invoices,
		blobs,
		ingest.NewInspector(logger),
		env.extractor,
		env.classifier,
		codec,
		env.publisher,
		common.RetryOptions{MaxAttempts: 2, BaseDelay: time.Millisecond},
		logger,
	)
	return env
}

var _ ai.Classifier = (*stubClassifier)(nil)
var _ ocr.Extractor = (*stubExtractor)(nil)

func goodOCRResult(confidence float64) *ocr.Result {
	date := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	ht, tva, ttc := 1000.00, 200.00, 1200.00
	return &ocr.Result{
		Raw:        []byte(`{"supplier_name":"Dupont SARL"}`),
		Text:       "FACTURE 2024-042 Dupont SARL TTC 1200,00",
		Confidence: confidence,
		Fields: ocr.Fields{
			SupplierName:  "Dupont SARL",
			InvoiceNumber: "2024-042",
			InvoiceDate:   &date,
			AmountHT:      &ht,
			AmountTVA:     &tva,
			AmountTTC:     &ttc,
		},
	}
}

func goodClassification() *classify.Result {
	r := &classify.Result{}
	r.Supplier.Name = "Dupont SARL"
	r.Supplier.AccountNumber = "401DUP"
	r.Invoice.Number = "2024-042"
	r.Invoice.Date = "2024-03-15"
	r.Amounts.HT = 1000.00
	r.Amounts.TVA = 200.00
	r.Amounts.TTC = 1200.00
	r.Amounts.TVARate = 20.0
	r.Accounting.JournalCode = "ACH"
	r.Accounting.ExpenseAccount = "606100"
	r.Entries = []classify.Line{
		{Account: "606100", Label: "Fournitures", Debit: 1000.00},
		{Account: "445660", Label: "TVA déductible", Debit: 200.00},
		{Account: "401000", Label: "Dupont SARL", Credit: 1200.00},
	}
	return r
}

func (env *testEnv) uploadInvoice(t *testing.T) string {
	t.Helper()
	invoice, err := env.service.HandleUpload(
		context.Background(), "facture.jpg", "image/jpeg", []byte("fake image bytes"))
	require.NoError(t, err)
	return invoice.ID
}

func TestHandleUploadDispatchesOCR(t *testing.T) {
	env := newTestEnv(t)

	id := env.uploadInvoice(t)

	stored, err := env.invoices.GetByID(id)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateUploaded, stored.Status)
	assert.Equal(t, 1, stored.PageCount)
	assert.Equal(t, []string{queue.TargetOCR}, env.publisher.targets())
}

func TestHandleUploadRejectsUnsupportedType(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.HandleUpload(
		context.Background(), "notes.txt", "text/plain", []byte("hello"))
	var ve *common.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Empty(t, env.publisher.jobs)
}

func TestProcessOCRCompletesAndDispatchesClassification(t *testing.T) {
	env := newTestEnv(t)
	id := env.uploadInvoice(t)
	env.extractor.extract = func(context.Context, []byte, string) (*ocr.Result, error) {
		return goodOCRResult(0.95), nil
	}

	require.NoError(t, env.service.ProcessOCR(context.Background(), id))

	stored, err := env.invoices.GetByID(id)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateOCRCompleted, stored.Status)
	assert.Equal(t, "Dupont SARL", stored.SupplierName)
	assert.Equal(t, 1200.00, stored.AmountTTC)
	require.NotNil(t, stored.TVARate)
	assert.Equal(t, 20.0, *stored.TVARate)

	// Sensitive payloads are stored encrypted but stay recoverable.
	assert.NotContains(t, stored.OCRTextEncrypted, "Dupont")
	text, err := env.codec.Decrypt(stored.OCRTextEncrypted)
	require.NoError(t, err)
	assert.Contains(t, text, "Dupont SARL")

	assert.Equal(t, []string{queue.TargetOCR, queue.TargetClassify}, env.publisher.targets())
}

func TestProcessOCRLowConfidenceStopsForReview(t *testing.T) {
	env := newTestEnv(t)
	id := env.uploadInvoice(t)
	env.extractor.extract = func(context.Context, []byte, string) (*ocr.Result, error) {
		return goodOCRResult(0.5), nil
	}

	require.NoError(t, env.service.ProcessOCR(context.Background(), id))

	stored, err := env.invoices.GetByID(id)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatePendingValidation, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "confidence 0.50")
	// Extracted fields are still persisted for the reviewer.
	assert.Equal(t, "Dupont SARL", stored.SupplierName)
	// No classification was dispatched.
	assert.Equal(t, []string{queue.TargetOCR}, env.publisher.targets())
}

func TestProcessOCRIncoherentAmountsStopForReview(t *testing.T) {
	env := newTestEnv(t)
	id := env.uploadInvoice(t)
	env.extractor.extract = func(context.Context, []byte, string) (*ocr.Result, error) {
		result := goodOCRResult(0.95)
		bad := 1500.00
		result.Fields.AmountTTC = &bad
		return result, nil
	}

	require.NoError(t, env.service.ProcessOCR(context.Background(), id))

	stored, err := env.invoices.GetByID(id)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatePendingValidation, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "does not match TTC")
}

func TestProcessOCRDuplicateDispatchRejected(t *testing.T) {
	env := newTestEnv(t)
	id := env.uploadInvoice(t)
	env.extractor.extract = func(context.Context, []byte, string) (*ocr.Result, error) {
		return goodOCRResult(0.95), nil
	}
	require.NoError(t, env.service.ProcessOCR(context.Background(), id))

	// Redelivery of the same job after completion.
	err := env.service.ProcessOCR(context.Background(), id)
	var pe *common.PreconditionError
	assert.ErrorAs(t, err, &pe)
}

func TestProcessOCRDuplicateWhileProcessingConflicts(t *testing.T) {
	env := newTestEnv(t)
	id := env.uploadInvoice(t)

	// Another delivery of the same dispatch holds the claim.
	require.NoError(t, env.invoices.UpdateStatusIf(
		id, lifecycle.StateUploaded, lifecycle.StateOCRProcessing, false))

	err := env.service.ProcessOCR(context.Background(), id)
	var ce *common.ConflictError
	assert.ErrorAs(t, err, &ce)
}

func TestProcessOCRConcurrentClaimLosesRace(t *testing.T) {
	env := newTestEnv(t)
	id := env.uploadInvoice(t)

	// First claim wins.
	require.NoError(t, env.invoices.UpdateStatusIf(
		id, lifecycle.StateUploaded, lifecycle.StateOCRProcessing, false))

	// Second claim against the same expected status loses.
	err := env.invoices.UpdateStatusIf(
		id, lifecycle.StateUploaded, lifecycle.StateOCRProcessing, false)
	var ce *common.ConflictError
	assert.ErrorAs(t, err, &ce)
}

func TestProcessOCRFailureParksAfterThreeDispatches(t *testing.T) {
	env := newTestEnv(t)
	id := env.uploadInvoice(t)
	env.extractor.extract = func(context.Context, []byte, string) (*ocr.Result, error) {
		return nil, common.Transient(errors.New("document AI unavailable"))
	}

	// First two failed dispatches reschedule.
	for i := 1; i <= 2; i++ {
		require.NoError(t, env.service.ProcessOCR(context.Background(), id))
		stored, err := env.invoices.GetByID(id)
		require.NoError(t, err)
		assert.Equal(t, lifecycle.StateUploaded, stored.Status)
		assert.Equal(t, i, stored.RetryCount)
	}

	// Third failure exhausts the budget.
	require.NoError(t, env.service.ProcessOCR(context.Background(), id))
	stored, err := env.invoices.GetByID(id)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateOCRFailed, stored.Status)
	assert.Equal(t, 3, stored.RetryCount)
	assert.Contains(t, stored.ErrorMessage, "attempt 2/2")

	// Upload dispatch plus two automatic redispatches, no fourth.
	assert.Equal(t, []string{queue.TargetOCR, queue.TargetOCR, queue.TargetOCR}, env.publisher.targets())
}

func completeOCRFor(t *testing.T, env *testEnv, id string) {
	t.Helper()
	env.extractor.extract = func(context.Context, []byte, string) (*ocr.Result, error) {
		return goodOCRResult(0.95), nil
	}
	require.NoError(t, env.service.ProcessOCR(context.Background(), id))
}

func TestProcessClassificationCompletes(t *testing.T) {
	env := newTestEnv(t)
	id := env.uploadInvoice(t)
	completeOCRFor(t, env, id)
	env.classifier.classify = func(_ context.Context, input classify.Input) (*classify.Result, error) {
		assert.Contains(t, input.OCRText, "Dupont SARL")
		return goodClassification(), nil
	}

	require.NoError(t, env.service.ProcessClassification(context.Background(), id))

	stored, err := env.invoices.GetByID(id)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateAICompleted, stored.Status)
	assert.Equal(t, "ACH", stored.JournalCode)
	assert.Equal(t, "60610000", stored.ExpenseAccount)

	lines, err := env.lines.ListByInvoice(id)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Equal(t, "60610000", lines[0].Account)
	assert.Equal(t, "44566000", lines[1].Account)
	assert.Equal(t, "40100000", lines[2].Account)
	assert.Equal(t, "15032024", lines[0].EntryDate.Format("02012006"))
}

func TestProcessClassificationRequiresCompletedOCR(t *testing.T) {
	env := newTestEnv(t)
	id := env.uploadInvoice(t)

	err := env.service.ProcessClassification(context.Background(), id)
	var pe *common.PreconditionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "OCR_COMPLETED", pe.Expected)
}

func TestProcessClassificationRejectedPayloadStaysInProgress(t *testing.T) {
	env := newTestEnv(t)
	id := env.uploadInvoice(t)
	completeOCRFor(t, env, id)
	env.classifier.classify = func(context.Context, classify.Input) (*classify.Result, error) {
		bad := goodClassification()
		bad.Entries = bad.Entries[:2]
		return nil, classify.Validate(bad)
	}

	require.NoError(t, env.service.ProcessClassification(context.Background(), id))

	stored, err := env.invoices.GetByID(id)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateAIProcessing, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "wrong line count")

	lines, err := env.lines.ListByInvoice(id)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestProcessClassificationInfrastructureFailureParksInError(t *testing.T) {
	env := newTestEnv(t)
	id := env.uploadInvoice(t)
	completeOCRFor(t, env, id)
	env.classifier.classify = func(context.Context, classify.Input) (*classify.Result, error) {
		return nil, common.Transient(errors.New("openai timeout"))
	}

	require.NoError(t, env.service.ProcessClassification(context.Background(), id))

	stored, err := env.invoices.GetByID(id)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateError, stored.Status)
}

func TestValidateFromPendingValidationBuildsCanonicalEntry(t *testing.T) {
	env := newTestEnv(t)
	id := env.uploadInvoice(t)
	env.extractor.extract = func(context.Context, []byte, string) (*ocr.Result, error) {
		return goodOCRResult(0.5), nil
	}
	require.NoError(t, env.service.ProcessOCR(context.Background(), id))

	invoice, err := env.service.Validate(id, Review{ExpenseAccount: "606100"})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateValidated, invoice.Status)

	lines, err := env.lines.ListByInvoice(id)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Equal(t, "60610000", lines[0].Account)
	assert.Equal(t, 1000.00, lines[0].Debit)
	assert.Equal(t, "44566000", lines[1].Account)
	assert.Equal(t, 200.00, lines[1].Debit)
	assert.Equal(t, "40100000", lines[2].Account)
	assert.Equal(t, 1200.00, lines[2].Credit)
}

func TestValidateRequiresExpenseAccountForReviewedInvoice(t *testing.T) {
	env := newTestEnv(t)
	id := env.uploadInvoice(t)
	env.extractor.extract = func(context.Context, []byte, string) (*ocr.Result, error) {
		return goodOCRResult(0.5), nil
	}
	require.NoError(t, env.service.ProcessOCR(context.Background(), id))

	_, err := env.service.Validate(id, Review{ExpenseAccount: "401000"})
	var ve *common.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Message, "class 6")
}

func TestValidateRejectsWrongState(t *testing.T) {
	env := newTestEnv(t)
	id := env.uploadInvoice(t)

	_, err := env.service.Validate(id, Review{})
	var pe *common.PreconditionError
	assert.ErrorAs(t, err, &pe)
}

func TestRetryManualResetsFailedInvoice(t *testing.T) {
	env := newTestEnv(t)
	id := env.uploadInvoice(t)
	env.extractor.extract = func(context.Context, []byte, string) (*ocr.Result, error) {
		return nil, common.Transient(errors.New("document AI unavailable"))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, env.service.ProcessOCR(context.Background(), id))
	}
	stored, err := env.invoices.GetByID(id)
	require.NoError(t, err)
	require.Equal(t, lifecycle.StateOCRFailed, stored.Status)

	invoice, err := env.service.RetryManual(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateUploaded, invoice.Status)

	// The counter is cumulative: a manual reset clears only the status
	// and the error message.
	stored, err = env.invoices.GetByID(id)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateUploaded, stored.Status)
	assert.Equal(t, 3, stored.RetryCount)
	assert.Empty(t, stored.ErrorMessage)
}

func TestRetryManualRecoversRejectedClassification(t *testing.T) {
	env := newTestEnv(t)
	id := env.uploadInvoice(t)
	completeOCRFor(t, env, id)
	env.classifier.classify = func(context.Context, classify.Input) (*classify.Result, error) {
		bad := goodClassification()
		bad.Entries = bad.Entries[:2]
		return nil, classify.Validate(bad)
	}
	require.NoError(t, env.service.ProcessClassification(context.Background(), id))

	stored, err := env.invoices.GetByID(id)
	require.NoError(t, err)
	require.Equal(t, lifecycle.StateAIProcessing, stored.Status)

	// The operator can always pull a rejected invoice back to the start.
	invoice, err := env.service.RetryManual(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateUploaded, invoice.Status)
	assert.Empty(t, invoice.ErrorMessage)

	targets := env.publisher.targets()
	assert.Equal(t, queue.TargetOCR, targets[len(targets)-1])
}

func TestRetryManualRejectsExportedInvoice(t *testing.T) {
	env := newTestEnv(t)
	id := env.uploadInvoice(t)
	completeOCRFor(t, env, id)
	env.classifier.classify = func(context.Context, classify.Input) (*classify.Result, error) {
		return goodClassification(), nil
	}
	require.NoError(t, env.service.ProcessClassification(context.Background(), id))
	require.NoError(t, env.invoices.MarkExported([]string{id}, time.Now().UTC()))

	_, err := env.service.RetryManual(context.Background(), id)
	var pe *common.PreconditionError
	assert.ErrorAs(t, err, &pe)
}
