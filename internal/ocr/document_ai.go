package ocr

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	documentai "cloud.google.com/go/documentai/apiv1"
	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/comptapilot/comptapilot/internal/common"
)

// Maximum document size accepted by the synchronous Document AI endpoint.
const maxDocumentSize = 20 * 1024 * 1024

// DocumentAIConfig holds the Document AI processor coordinates.
type DocumentAIConfig struct {
	ProjectID       string
	Location        string
	ProcessorID     string
	CredentialsFile string
	Timeout         time.Duration
}

// DocumentAIExtractor implements Extractor using the Google Document AI
// invoice processor.
type DocumentAIExtractor struct {
	client *documentai.DocumentProcessorClient
	config DocumentAIConfig
	logger *zap.Logger
}

// NewDocumentAIExtractor creates the client with a regional endpoint.
func NewDocumentAIExtractor(ctx context.Context, cfg DocumentAIConfig, logger *zap.Logger) (*DocumentAIExtractor, error) {
	if cfg.ProjectID == "" || cfg.ProcessorID == "" {
		return nil, fmt.Errorf("document AI requires project_id and processor_id")
	}
	if cfg.Location == "" {
		cfg.Location = "eu"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	var opts []option.ClientOption
	if cfg.Location != "us" {
		opts = append(opts, option.WithEndpoint(fmt.Sprintf("%s-documentai.googleapis.com:443", cfg.Location)))
	}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := documentai.NewDocumentProcessorClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Document AI client: %w", err)
	}

	return &DocumentAIExtractor{client: client, config: cfg, logger: logger}, nil
}

// Close releases the underlying gRPC connection.
func (e *DocumentAIExtractor) Close() error {
	return e.client.Close()
}

// Extract runs the invoice processor on the raw document bytes.
func (e *DocumentAIExtractor) Extract(ctx context.Context, fileBytes []byte, mimeType string) (*Result, error) {
	if len(fileBytes) > maxDocumentSize {
		return nil, common.NewValidationError(
			fmt.Sprintf("document too large for OCR: %d bytes", len(fileBytes)), nil)
	}

	processCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	req := &documentaipb.ProcessRequest{
		Name: fmt.Sprintf("projects/%s/locations/%s/processors/%s",
			e.config.ProjectID, e.config.Location, e.config.ProcessorID),
		Source: &documentaipb.ProcessRequest_RawDocument{
			RawDocument: &documentaipb.RawDocument{
				Content:  fileBytes,
				MimeType: mimeType,
			},
		},
	}

	resp, err := e.client.ProcessDocument(processCtx, req)
	if err != nil {
		// Quota, deadline and transport errors are all worth retrying;
		// the retry ceiling bounds the damage when they are not.
		return nil, common.Transient(fmt.Errorf("document AI processing failed: %w", err))
	}

	doc := resp.GetDocument()
	if doc == nil {
		return nil, common.Transient(fmt.Errorf("document AI returned no document"))
	}

	result := e.toResult(doc)

	e.logger.Info("OCR extraction completed",
		zap.String("supplier", result.Fields.SupplierName),
		zap.String("invoice_number", result.Fields.InvoiceNumber),
		zap.Float64("confidence", result.Confidence))

	return result, nil
}

// toResult maps Document AI entities onto the collaborator contract.
func (e *DocumentAIExtractor) toResult(doc *documentaipb.Document) *Result {
	result := &Result{
		Text:   doc.GetText(),
		Fields: Fields{Currency: "EUR"},
	}

	var confidences []float32
	for _, ent := range doc.GetEntities() {
		value := strings.TrimSpace(ent.GetMentionText())
		if value == "" {
			continue
		}
		confidences = append(confidences, ent.GetConfidence())

		switch ent.GetType() {
		case "supplier_name", "vendor_name":
			result.Fields.SupplierName = value
		case "supplier_tax_id", "vat_number":
			result.Fields.VATNumber = value
		case "invoice_id", "invoice_number":
			result.Fields.InvoiceNumber = value
		case "invoice_date":
			if d, ok := parseDate(value); ok {
				result.Fields.InvoiceDate = &d
			}
		case "due_date":
			if d, ok := parseDate(value); ok {
				result.Fields.DueDate = &d
			}
		case "net_amount", "subtotal_amount":
			if a, ok := parseAmount(value); ok {
				result.Fields.AmountHT = &a
			}
		case "total_tax_amount", "vat_amount":
			if a, ok := parseAmount(value); ok {
				result.Fields.AmountTVA = &a
			}
		case "total_amount", "gross_amount":
			if a, ok := parseAmount(value); ok {
				result.Fields.AmountTTC = &a
			}
		case "currency":
			result.Fields.Currency = strings.ToUpper(value)
		}
	}

	// Rate is derived, never defaulted: absent amounts leave it unknown.
	if result.Fields.AmountHT != nil && result.Fields.AmountTVA != nil && *result.Fields.AmountHT > 0 {
		rate := *result.Fields.AmountTVA / *result.Fields.AmountHT * 100
		result.Fields.TaxRate = &rate
	}

	if len(confidences) > 0 {
		var sum float32
		for _, c := range confidences {
			sum += c
		}
		result.Confidence = float64(sum) / float64(len(confidences))
	}

	if raw, err := json.Marshal(entitySnapshot(doc)); err == nil {
		result.Raw = raw
	}

	return result
}

// entitySnapshot keeps a compact serializable view of the Document AI
// entities for audit; the full proto is far too large to store per
// invoice.
func entitySnapshot(doc *documentaipb.Document) map[string]string {
	snapshot := make(map[string]string, len(doc.GetEntities()))
	for _, ent := range doc.GetEntities() {
		snapshot[ent.GetType()] = ent.GetMentionText()
	}
	return snapshot
}

var dateLayouts = []string{"2006-01-02", "02/01/2006", "02-01-2006", "02.01.2006"}

func parseDate(value string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, value); err == nil {
			return d, true
		}
	}
	return time.Time{}, false
}

func parseAmount(value string) (float64, bool) {
	cleaned := strings.NewReplacer("€", "", "EUR", "", " ", "", " ", "").Replace(value)
	// French decimal comma, and thousand separators in either convention.
	if strings.Contains(cleaned, ",") && strings.Contains(cleaned, ".") {
		cleaned = strings.ReplaceAll(cleaned, ",", "")
	} else {
		cleaned = strings.ReplaceAll(cleaned, ",", ".")
	}
	a, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return a, true
}
