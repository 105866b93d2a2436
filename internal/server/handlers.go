package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/comptapilot/comptapilot/internal/common"
	"github.com/comptapilot/comptapilot/internal/domain/entity"
	"github.com/comptapilot/comptapilot/internal/export"
	"github.com/comptapilot/comptapilot/internal/ingest"
	"github.com/comptapilot/comptapilot/internal/lifecycle"
	"github.com/comptapilot/comptapilot/internal/pipeline"
	"github.com/comptapilot/comptapilot/internal/repository"
)

// Handlers contains all HTTP request handlers.
type Handlers struct {
	pipeline *pipeline.Service
	exports  *export.Service
	invoices *repository.InvoiceRepository
	lines    *repository.LedgerLineRepository
	logger   *zap.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(
	pipelineService *pipeline.Service,
	exportService *export.Service,
	invoices *repository.InvoiceRepository,
	lines *repository.LedgerLineRepository,
	logger *zap.Logger,
) *Handlers {
	return &Handlers{
		pipeline: pipelineService,
		exports:  exportService,
		invoices: invoices,
		lines:    lines,
		logger:   logger,
	}
}

// Response is the standard JSON envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// InvoiceResponse is an invoice in API responses.
type InvoiceResponse struct {
	ID             string             `json:"id"`
	FileName       string             `json:"fileName"`
	PageCount      int                `json:"pageCount"`
	Status         string             `json:"status"`
	RetryCount     int                `json:"retryCount"`
	ErrorMessage   string             `json:"errorMessage,omitempty"`
	SupplierName   string             `json:"supplierName,omitempty"`
	SupplierVAT    string             `json:"supplierVat,omitempty"`
	InvoiceNumber  string             `json:"invoiceNumber,omitempty"`
	InvoiceDate    *string            `json:"invoiceDate,omitempty"`
	DueDate        *string            `json:"dueDate,omitempty"`
	Currency       string             `json:"currency,omitempty"`
	AmountHT       float64            `json:"amountHT"`
	AmountTVA      float64            `json:"amountTVA"`
	AmountTTC      float64            `json:"amountTTC"`
	TVARate        *float64           `json:"tvaRate,omitempty"`
	OCRConfidence  float64            `json:"ocrConfidence"`
	SupplierAcct   string             `json:"supplierAccount,omitempty"`
	ExpenseAcct    string             `json:"expenseAccount,omitempty"`
	JournalCode    string             `json:"journalCode,omitempty"`
	AnalyticalCode string             `json:"analyticalCode,omitempty"`
	UploadedAt     string             `json:"uploadedAt"`
	ExportedAt     *string            `json:"exportedAt,omitempty"`
	Entries        []EntryResponse    `json:"entries,omitempty"`
}

// EntryResponse is one ledger line in API responses.
type EntryResponse struct {
	JournalCode string  `json:"journalCode"`
	EntryDate   string  `json:"entryDate"`
	Account     string  `json:"account"`
	Label       string  `json:"label"`
	Debit       float64 `json:"debit"`
	Credit      float64 `json:"credit"`
}

// Health answers the liveness probe.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "comptapilot",
		"time":    time.Now().Format(time.RFC3339),
	})
}

// UploadInvoice accepts one multipart file and starts the pipeline.
func (h *Handlers) UploadInvoice(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		h.fail(c, common.NewValidationError("multipart field 'file' is required", nil))
		return
	}
	if fileHeader.Size > ingest.MaxUploadSize {
		h.fail(c, common.NewValidationError(
			fmt.Sprintf("file exceeds the %d byte limit", ingest.MaxUploadSize), nil))
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		h.fail(c, fmt.Errorf("failed to open upload: %w", err))
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		h.fail(c, fmt.Errorf("failed to read upload: %w", err))
		return
	}

	mimeType := fileHeader.Header.Get("Content-Type")
	invoice, err := h.pipeline.HandleUpload(c.Request.Context(), fileHeader.Filename, mimeType, content)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, Response{Success: true, Data: toInvoiceResponse(invoice, nil)})
}

// ListInvoices returns invoices, optionally filtered by status.
func (h *Handlers) ListInvoices(c *gin.Context) {
	filter := repository.ListFilter{}
	if raw := c.Query("status"); raw != "" {
		status := lifecycle.State(raw)
		if !status.IsValid() {
			h.fail(c, common.NewValidationError(fmt.Sprintf("unknown status %q", raw), nil))
			return
		}
		filter.Status = status
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			h.fail(c, common.NewValidationError("limit must be a non-negative integer", nil))
			return
		}
		filter.Limit = limit
	}

	invoices, err := h.invoices.List(filter)
	if err != nil {
		h.fail(c, err)
		return
	}
	responses := make([]InvoiceResponse, 0, len(invoices))
	for _, inv := range invoices {
		responses = append(responses, toInvoiceResponse(inv, nil))
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: responses})
}

// GetInvoice returns one invoice with its ledger lines.
func (h *Handlers) GetInvoice(c *gin.Context) {
	invoice, err := h.invoices.GetByID(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	lines, err := h.lines.ListByInvoice(invoice.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: toInvoiceResponse(invoice, lines)})
}

// ProcessOCRJob handles an extraction dispatch.
func (h *Handlers) ProcessOCRJob(c *gin.Context) {
	var payload pipeline.JobPayload
	if err := c.ShouldBindJSON(&payload); err != nil || payload.InvoiceID == "" {
		h.fail(c, common.NewValidationError("invoiceId is required", nil))
		return
	}
	if err := h.pipeline.ProcessOCR(c.Request.Context(), payload.InvoiceID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true})
}

// ProcessClassifyJob handles a classification dispatch.
func (h *Handlers) ProcessClassifyJob(c *gin.Context) {
	var payload pipeline.JobPayload
	if err := c.ShouldBindJSON(&payload); err != nil || payload.InvoiceID == "" {
		h.fail(c, common.NewValidationError("invoiceId is required", nil))
		return
	}
	if err := h.pipeline.ProcessClassification(c.Request.Context(), payload.InvoiceID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true})
}

// RetryInvoice resets a parked invoice and redispatches extraction.
func (h *Handlers) RetryInvoice(c *gin.Context) {
	invoice, err := h.pipeline.RetryManual(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: toInvoiceResponse(invoice, nil)})
}

// ValidateInvoice applies operator corrections and moves the invoice to
// VALIDATED.
func (h *Handlers) ValidateInvoice(c *gin.Context) {
	var review pipeline.Review
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&review); err != nil {
			h.fail(c, common.NewValidationError("malformed review payload", nil))
			return
		}
	}
	invoice, err := h.pipeline.Validate(c.Param("id"), review)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: toInvoiceResponse(invoice, nil)})
}

// CreateExport runs a batch export.
func (h *Handlers) CreateExport(c *gin.Context) {
	var body struct {
		InvoiceIDs []string `json:"invoiceIds"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			h.fail(c, common.NewValidationError("malformed export payload", nil))
			return
		}
	}
	result, err := h.exports.Run(body.InvoiceIDs)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, Response{Success: true, Data: result})
}

// ListExports returns past export batches.
func (h *Handlers) ListExports(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			h.fail(c, common.NewValidationError("limit must be a non-negative integer", nil))
			return
		}
		limit = parsed
	}
	batches, err := h.exports.History(limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: batches})
}

// DownloadExport streams the stored import file of a batch.
func (h *Handlers) DownloadExport(c *gin.Context) {
	fileName, content, err := h.exports.Download(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	c.Data(http.StatusOK, "text/plain; charset=windows-1252", content)
}

// fail writes the error with the status the error taxonomy maps to.
func (h *Handlers) fail(c *gin.Context, err error) {
	status := common.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
	}
	c.JSON(status, Response{Success: false, Error: err.Error()})
}

func toInvoiceResponse(inv *entity.Invoice, lines []entity.LedgerLine) InvoiceResponse {
	resp := InvoiceResponse{
		ID:             inv.ID,
		FileName:       inv.FileName,
		PageCount:      inv.PageCount,
		Status:         inv.Status.String(),
		RetryCount:     inv.RetryCount,
		ErrorMessage:   inv.ErrorMessage,
		SupplierName:   inv.SupplierName,
		SupplierVAT:    inv.SupplierVAT,
		InvoiceNumber:  inv.InvoiceNumber,
		Currency:       inv.Currency,
		AmountHT:       inv.AmountHT,
		AmountTVA:      inv.AmountTVA,
		AmountTTC:      inv.AmountTTC,
		TVARate:        inv.TVARate,
		OCRConfidence:  inv.OCRConfidence,
		SupplierAcct:   inv.SupplierAccount,
		ExpenseAcct:    inv.ExpenseAccount,
		JournalCode:    inv.JournalCode,
		AnalyticalCode: inv.AnalyticalCode,
		UploadedAt:     inv.UploadedAt.Format(time.RFC3339),
	}
	if inv.InvoiceDate != nil {
		d := inv.InvoiceDate.Format("2006-01-02")
		resp.InvoiceDate = &d
	}
	if inv.DueDate != nil {
		d := inv.DueDate.Format("2006-01-02")
		resp.DueDate = &d
	}
	if inv.ExportedAt != nil {
		d := inv.ExportedAt.Format(time.RFC3339)
		resp.ExportedAt = &d
	}
	for _, line := range lines {
		resp.Entries = append(resp.Entries, EntryResponse{
			JournalCode: line.JournalCode,
			EntryDate:   line.EntryDate.Format("2006-01-02"),
			Account:     line.Account,
			Label:       line.Label,
			Debit:       line.Debit,
			Credit:      line.Credit,
		})
	}
	return resp
}
