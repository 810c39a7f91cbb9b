package export

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"notetree/api/internal/authz"
	"notetree/api/internal/fault"
	"notetree/api/internal/store"
)

var member = &authz.Principal{SubjectID: "user-1", TenantID: "org-1"}

func seeded() *store.MemoryStore {
	s := store.NewMemoryStore()
	s.SeedNotes(
		store.Note{ID: "root", Title: store.StringPtr("Project <Plan>"), Content: "intro\n\nsecond paragraph", SortKey: "a0", OrganizationID: "org-1"},
		store.Note{ID: "late", Title: store.StringPtr("Later step"), ParentID: store.StringPtr("root"), SortKey: "a2", OrganizationID: "org-1"},
		store.Note{ID: "early", Title: store.StringPtr("Early step"), ParentID: store.StringPtr("root"), SortKey: "a1", OrganizationID: "org-1"},
		store.Note{ID: "other", Title: store.StringPtr("Elsewhere"), SortKey: "a1", OrganizationID: "org-1"},
		store.Note{ID: "foreign", Title: store.StringPtr("Secret"), SortKey: "a0", OrganizationID: "org-2"},
	)
	return s
}

func newService(objects ObjectStore) *Service {
	svc := NewService(seeded(), objects, zerolog.Nop())
	svc.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return svc
}

func TestExportSubtreeHTML(t *testing.T) {
	result, err := newService(nil).Export(context.Background(), member, Request{NoteID: "root", Format: FormatHTML})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	html := string(result.Data)

	early := strings.Index(html, "Early step")
	late := strings.Index(html, "Later step")
	if early < 0 || late < 0 || early > late {
		t.Fatalf("children missing or out of order (early=%d late=%d)", early, late)
	}
	if strings.Contains(html, "Elsewhere") || strings.Contains(html, "Secret") {
		t.Fatal("export contains notes outside the subtree")
	}
	if !strings.Contains(html, "Project &lt;Plan&gt;") {
		t.Fatal("note title was not escaped")
	}
	if !strings.Contains(html, "<p>second paragraph</p>") {
		t.Fatal("content paragraphs missing")
	}
	if result.Filename != "Project-Plan.html" || !strings.HasPrefix(result.MimeType, "text/html") {
		t.Fatalf("unexpected result metadata: %s %s", result.Filename, result.MimeType)
	}
}

func TestExportWholeForest(t *testing.T) {
	result, err := newService(nil).Export(context.Background(), member, Request{})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	html := string(result.Data)
	if !strings.Contains(html, "Elsewhere") || !strings.Contains(html, "Early step") {
		t.Fatal("forest export is missing notes")
	}
	if strings.Contains(html, "Secret") {
		t.Fatal("forest export leaked another organization's note")
	}
}

func TestExportHidesForeignAndMissingNotes(t *testing.T) {
	svc := newService(nil)
	for _, id := range []string{"foreign", "missing"} {
		if _, err := svc.Export(context.Background(), member, Request{NoteID: id}); !errors.Is(err, fault.ErrNotFoundOrForbidden) {
			t.Fatalf("Export(%s) error = %v, want ErrNotFoundOrForbidden", id, err)
		}
	}
	if _, err := svc.Export(context.Background(), nil, Request{NoteID: "root"}); !errors.Is(err, fault.ErrNotLoggedIn) {
		t.Fatalf("Export(anonymous) error = %v", err)
	}
}

func TestExportPDFUsesRenderer(t *testing.T) {
	var gotHTML string
	svc := newService(nil).WithPDFRenderer(func(_ context.Context, html, title string) (*Result, error) {
		gotHTML = html
		return &Result{Data: []byte("%PDF"), Filename: sanitizeFilename(title) + ".pdf", MimeType: "application/pdf"}, nil
	})
	result, err := svc.Export(context.Background(), member, Request{NoteID: "root", Format: FormatPDF})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if string(result.Data) != "%PDF" || !strings.Contains(gotHTML, "Early step") {
		t.Fatalf("renderer not used: %+v", result)
	}
}

type fakeObjects struct {
	key         string
	data        []byte
	contentType string
}

func (f *fakeObjects) Put(_ context.Context, key string, data []byte, contentType string) error {
	f.key, f.data, f.contentType = key, data, contentType
	return nil
}

func (f *fakeObjects) Link(_ context.Context, key, filename string, _ time.Duration) (string, error) {
	return "https://objects.example/" + key + "?download=" + filename, nil
}

func TestExportUpload(t *testing.T) {
	objects := &fakeObjects{}
	result, err := newService(objects).Export(context.Background(), member, Request{NoteID: "root", Upload: true})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if !strings.HasPrefix(objects.key, "org-1/export_") || !strings.HasSuffix(objects.key, "/Project-Plan.html") {
		t.Fatalf("unexpected object key %q", objects.key)
	}
	if result.URL == "" || !strings.Contains(result.URL, objects.key) {
		t.Fatalf("result URL = %q", result.URL)
	}

	if _, err := newService(nil).Export(context.Background(), member, Request{NoteID: "root", Upload: true}); !errors.Is(err, ErrUploadUnavailable) {
		t.Fatalf("Export(upload without store) error = %v", err)
	}
}

func TestParseFormat(t *testing.T) {
	for raw, want := range map[string]Format{"": FormatHTML, "HTML": FormatHTML, " pdf ": FormatPDF} {
		got, err := ParseFormat(raw)
		if err != nil || got != want {
			t.Fatalf("ParseFormat(%q) = %q, %v", raw, got, err)
		}
	}
	if _, err := ParseFormat("docx"); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("ParseFormat(docx) error = %v", err)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello-World"},
		{"My Note v1.2", "My-Note-v12"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "notes"},
		{"Very Long Title That Exceeds Fifty Characters Limit", "Very-Long-Title-That-Exceeds-Fifty-Characters-Limi"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if result := sanitizeFilename(tt.input); result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello world", "hello%20world"},
		{"test+sign", "test%2Bsign"},
		{"special<>", "special%3C%3E"},
		{"normal-text.txt", "normal-text.txt"},
		{"é", "%C3%A9"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if result := percentEncodeForDataURL(tt.input); result != tt.expected {
				t.Errorf("percentEncodeForDataURL(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestParagraphs(t *testing.T) {
	got := paragraphs("one\r\n\r\ntwo\n\n\n  \nthree")
	if strings.Join(got, "|") != "one|two|three" {
		t.Fatalf("paragraphs() = %q", got)
	}
	if paragraphs("   ") != nil {
		t.Fatal("blank content produced paragraphs")
	}
}
