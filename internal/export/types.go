// Package export renders a user's journal as HTML or PDF.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format.
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// Request contains parameters for an export operation.
type Request struct {
	OwnerEmail string
	OwnerName  string
	Format     Format
}

// JournalEntry is one entry prepared for rendering.
type JournalEntry struct {
	ID           int64
	Text         string
	CreatedAt    time.Time
	Competencies []string
}

// Result contains the export output.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrUnsupportedFormat indicates an unknown export format was requested.
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
