// Package ingest validates uploaded documents before they enter the
// pipeline, so corrupt files are rejected before any OCR cost is
// incurred.
package ingest

import (
	"go.uber.org/zap"

	"github.com/gen2brain/go-fitz"

	"github.com/comptapilot/comptapilot/internal/common"
)

// Accepted upload media types.
var AllowedMimeTypes = map[string]bool{
	"application/pdf": true,
	"image/jpeg":      true,
	"image/jpg":       true,
	"image/png":       true,
}

// MaxUploadSize bounds accepted uploads.
const MaxUploadSize = 10 * 1024 * 1024

// Inspector performs upload-time document checks.
type Inspector struct {
	logger *zap.Logger
}

// NewInspector creates an inspector.
func NewInspector(logger *zap.Logger) *Inspector {
	return &Inspector{logger: logger}
}

// Inspect validates type and size, and for PDFs opens the document to
// confirm it parses and to count pages. Images report a single page.
func (i *Inspector) Inspect(fileName, mimeType string, content []byte) (pageCount int, err error) {
	if !AllowedMimeTypes[mimeType] {
		return 0, common.NewValidationError("unsupported file type", map[string]string{
			"mimeType": "accepted types: PDF, JPEG, PNG; got " + mimeType,
		})
	}
	if len(content) == 0 {
		return 0, common.NewValidationError("empty file", nil)
	}
	if len(content) > MaxUploadSize {
		return 0, common.NewValidationError("file too large", map[string]string{
			"size": "maximum upload size is 10MB",
		})
	}

	if mimeType != "application/pdf" {
		return 1, nil
	}

	doc, err := fitz.NewFromMemory(content)
	if err != nil {
		i.logger.Warn("Rejected unreadable PDF",
			zap.String("file", fileName),
			zap.Error(err))
		return 0, common.NewValidationError("file is not a readable PDF", nil)
	}
	defer doc.Close()

	pages := doc.NumPage()
	if pages == 0 {
		return 0, common.NewValidationError("PDF contains no pages", nil)
	}
	return pages, nil
}
