package export

import (
	"fmt"
	"time"
)

// Service renders journal exports.
type Service struct{}

// NewService creates a new export service.
func NewService() *Service {
	return &Service{}
}

// Export renders the given entries in the requested format.
func (s *Service) Export(req Request, entries []JournalEntry) (*Result, error) {
	html, err := RenderJournalHTML(TemplateData{
		OwnerName:   req.OwnerName,
		GeneratedAt: time.Now(),
		Entries:     entries,
	})
	if err != nil {
		return nil, fmt.Errorf("render journal template: %w", err)
	}

	filename := "growthlog-journal-" + time.Now().Format("2006-01-02")

	switch req.Format {
	case FormatHTML, "":
		return &Result{
			Data:     []byte(html),
			Filename: filename + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return exportPDF(html, filename)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}
