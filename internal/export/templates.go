package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var notesTemplate = template.Must(template.New("notes.html").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
	"indent": func(depth int) float64 {
		return float64(min(depth, 12)) * 1.5
	},
}).ParseFS(templateFS, "templates/notes.html"))

// TemplateData holds data for the export template
type TemplateData struct {
	Title      string
	ExportedAt time.Time
	Sections   []Section
}

// Section is one note in display order.
type Section struct {
	ID         string
	Depth      int
	Title      string
	Paragraphs []string
}

// RenderHTML renders the export template with provided data
func RenderHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := notesTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// paragraphs splits note content on blank lines.
func paragraphs(content string) []string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	var out []string
	for _, block := range strings.Split(content, "\n\n") {
		if block = strings.TrimSpace(block); block != "" {
			out = append(out, block)
		}
	}
	return out
}
