package entity

import "time"

// ExportBatch records one successful export operation. Its existence with
// a file reference is the durable signal that the file was written, so a
// crashed status update can be retried safely.
type ExportBatch struct {
	ID           string
	ExportedAt   time.Time
	FileName     string
	FileRef      string
	RecapRef     string
	FileSize     int64
	InvoiceCount int
	TotalAmount  float64
	InvoiceIDs   []string
	CreatedAt    time.Time
}
