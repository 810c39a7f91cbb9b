// Package search provides tenant-scoped full-text search over notes.
package search

import (
	"context"
	"time"

	"notetree/api/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	NoteID         string  `json:"noteId"`
	Title          string  `json:"title"`
	Snippet        string  `json:"snippet"`
	ParentID       *string `json:"parentId"`
	OrganizationID string  `json:"organizationId"`
}

// Query describes a search request. OrganizationID is mandatory; searches
// never cross tenants.
type Query struct {
	OrganizationID string
	Text           string
	Limit          int
	Offset         int
}

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > 100 {
		return 20
	}
	return q.Limit
}

func (q Query) offset() int {
	if q.Offset < 0 {
		return 0
	}
	return q.Offset
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// NoteRecord is the data we index for a note.
type NoteRecord struct {
	ID             string  `json:"id"`
	Title          string  `json:"title"`
	Content        string  `json:"content"`
	ParentID       *string `json:"parentId"`
	OrganizationID string  `json:"organizationId"`
	UpdatedAt      int64   `json:"updatedAt"`
}

// RecordFromNote converts a stored note into its index document.
func RecordFromNote(note store.Note) NoteRecord {
	record := NoteRecord{
		ID:             note.ID,
		Content:        note.Content,
		ParentID:       note.ParentID,
		OrganizationID: note.OrganizationID,
		UpdatedAt:      note.UpdatedAt.UTC().Truncate(time.Second).Unix(),
	}
	if note.Title != nil {
		record.Title = *note.Title
	}
	return record
}
