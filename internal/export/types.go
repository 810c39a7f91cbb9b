// Package export renders a note subtree to HTML or PDF and can publish the
// result to object storage.
package export

import (
	"errors"
	"fmt"
	"strings"

	"notetree/api/internal/fault"
)

// Format represents the export output format
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// ParseFormat accepts "html" or "pdf", case-insensitively. Empty means HTML.
func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FormatHTML:
		return FormatHTML, nil
	case FormatPDF:
		return FormatPDF, nil
	default:
		return "", fmt.Errorf("%w: unsupported export format %q", fault.ErrValidation, raw)
	}
}

// Request contains parameters for an export operation. An empty NoteID
// exports the caller's whole forest.
type Request struct {
	NoteID string
	Format Format
	Upload bool
}

// Result contains the export output. URL is set when the export was uploaded.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
	URL      string
}

var (
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrUploadUnavailable indicates no object store is configured.
	ErrUploadUnavailable = errors.New("export upload not configured")
)
