package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"notetree/api/internal/store"
)

// NoteLister reads a tenant's notes.
type NoteLister interface {
	ListNotes(ctx context.Context, organizationID string) ([]store.Note, error)
}

// Scan matches every query term case-insensitively against title and
// content. It backs search when notes live in memory.
type Scan struct {
	notes NoteLister
}

func NewScan(notes NoteLister) *Scan {
	return &Scan{notes: notes}
}

func (s *Scan) Healthy() bool {
	return true
}

func (s *Scan) Search(ctx context.Context, q Query) ([]Result, int, error) {
	terms := strings.Fields(strings.ToLower(q.Text))
	if len(terms) == 0 {
		return nil, 0, nil
	}
	notes, err := s.notes.ListNotes(ctx, q.OrganizationID)
	if err != nil {
		return nil, 0, fmt.Errorf("scan notes: %w", err)
	}

	type scored struct {
		result Result
		score  int
	}
	var hits []scored
	for _, note := range notes {
		record := RecordFromNote(note)
		title := strings.ToLower(record.Title)
		content := strings.ToLower(record.Content)
		score := 0
		for _, term := range terms {
			inTitle := strings.Contains(title, term)
			inContent := strings.Contains(content, term)
			if !inTitle && !inContent {
				score = 0
				break
			}
			if inTitle {
				score += 2
			}
			if inContent {
				score++
			}
		}
		if score == 0 {
			continue
		}
		hits = append(hits, scored{
			result: Result{
				NoteID:         note.ID,
				Title:          record.Title,
				Snippet:        snippet(record.Content, terms[0]),
				ParentID:       note.ParentID,
				OrganizationID: note.OrganizationID,
			},
			score: score,
		})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].result.NoteID < hits[j].result.NoteID
	})

	total := len(hits)
	start := min(q.offset(), total)
	end := min(start+q.limit(), total)
	results := make([]Result, 0, end-start)
	for _, hit := range hits[start:end] {
		results = append(results, hit.result)
	}
	return results, total, nil
}

const snippetRadius = 60

// snippet cuts content around the first occurrence of term.
func snippet(content, term string) string {
	idx := strings.Index(strings.ToLower(content), term)
	if idx < 0 {
		if len(content) > 2*snippetRadius {
			return content[:2*snippetRadius]
		}
		return content
	}
	start := max(idx-snippetRadius, 0)
	end := min(idx+len(term)+snippetRadius, len(content))
	out := content[start:end]
	if start > 0 {
		out = "…" + out
	}
	if end < len(content) {
		out += "…"
	}
	return out
}
