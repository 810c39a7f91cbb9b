package export

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/rs/zerolog"

	"notetree/api/internal/authz"
	"notetree/api/internal/fault"
	"notetree/api/internal/notetree"
	"notetree/api/internal/store"
	"notetree/api/internal/util"
)

// LinkExpiry is how long an uploaded export link stays valid.
const LinkExpiry = 24 * time.Hour

// NoteSource reads a tenant's notes.
type NoteSource interface {
	ListNotes(ctx context.Context, organizationID string) ([]store.Note, error)
}

// PDFRenderer turns rendered HTML into a PDF result.
type PDFRenderer func(ctx context.Context, html, title string) (*Result, error)

// Service provides note export functionality
type Service struct {
	notes   NoteSource
	objects ObjectStore
	pdf     PDFRenderer
	logger  zerolog.Logger
	now     func() time.Time
}

// NewService creates a new export service. objects may be nil, in which
// case uploads fail with ErrUploadUnavailable.
func NewService(notes NoteSource, objects ObjectStore, logger zerolog.Logger) *Service {
	return &Service{notes: notes, objects: objects, pdf: RenderPDF, logger: logger, now: time.Now}
}

// WithPDFRenderer replaces headless Chrome.
func (s *Service) WithPDFRenderer(pdf PDFRenderer) *Service {
	s.pdf = pdf
	return s
}

// Export renders req.NoteID and its descendants in display order.
func (s *Service) Export(ctx context.Context, principal *authz.Principal, req Request) (*Result, error) {
	if err := authz.RequireLoggedIn(principal); err != nil {
		return nil, err
	}
	if req.Upload && s.objects == nil {
		return nil, ErrUploadUnavailable
	}

	notes, err := s.notes.ListNotes(ctx, principal.TenantID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	tree := notetree.Build(notes)
	if len(tree.Dangling) > 0 {
		s.logger.Warn().Strs("note_ids", tree.Dangling).Msg("notes reference a missing parent, showing them as roots")
	}

	data := TemplateData{Title: "Notes", ExportedAt: s.now().UTC()}
	collect := func(node *notetree.Node, depth int) bool {
		data.Sections = append(data.Sections, Section{
			ID:         node.ID,
			Depth:      depth,
			Title:      title(node.Note),
			Paragraphs: paragraphs(node.Content),
		})
		return true
	}
	if req.NoteID == "" {
		tree.Walk(collect)
	} else {
		root, ok := tree.ByID[req.NoteID]
		if !ok || !authz.CanAccessNote(principal, root.Note) {
			return nil, fault.ErrNotFoundOrForbidden
		}
		if data.Title = title(root.Note); data.Title == "" {
			data.Title = "Untitled"
		}
		tree.WalkFrom(req.NoteID, collect)
	}

	html, err := RenderHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	var result *Result
	switch req.Format {
	case "", FormatHTML:
		result = &Result{Data: []byte(html), Filename: sanitizeFilename(data.Title) + ".html", MimeType: "text/html; charset=utf-8"}
	case FormatPDF:
		result, err = s.pdf(ctx, html, data.Title)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unsupported export format %q", fault.ErrValidation, req.Format)
	}

	if req.Upload {
		if err := s.upload(ctx, principal.TenantID, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (s *Service) upload(ctx context.Context, organizationID string, result *Result) error {
	key := path.Join(organizationID, util.NewID("export"), result.Filename)
	if err := s.objects.Put(ctx, key, result.Data, result.MimeType); err != nil {
		return err
	}
	link, err := s.objects.Link(ctx, key, result.Filename, LinkExpiry)
	if err != nil {
		return err
	}
	result.URL = link
	s.logger.Info().Str("organization_id", organizationID).Str("key", key).Int("bytes", len(result.Data)).Msg("export uploaded")
	return nil
}

func title(note store.Note) string {
	if note.Title == nil {
		return ""
	}
	return *note.Title
}
