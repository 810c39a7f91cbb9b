package notetree

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"notetree/api/internal/store"
)

// NoteReader is the read half of a store transaction.
type NoteReader interface {
	GetNote(ctx context.Context, noteID string) (store.Note, error)
	QueryNotes(ctx context.Context, filter store.NoteFilter) ([]store.Note, error)
}

// PlanDelete discovers rootID and all of its descendants inside tenantID,
// breadth first, and returns them deepest first so each note is deleted
// after its children. Missing notes and notes owned by another tenant are
// skipped with a warning; ids already visited are ignored.
func PlanDelete(ctx context.Context, tx NoteReader, rootID, tenantID string, logger zerolog.Logger) ([]string, error) {
	queue := []string{rootID}
	visited := map[string]bool{}
	var discovered []string

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		note, err := tx.GetNote(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn().Str("note_id", id).Str("root_id", rootID).Msg("cascade delete: note not found, skipping")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("cascade delete %s: %w", id, err)
		}
		if note.OrganizationID != tenantID {
			logger.Warn().Str("note_id", id).Str("root_id", rootID).Str("tenant_id", tenantID).
				Msg("cascade delete: note belongs to another tenant, skipping")
			continue
		}
		discovered = append(discovered, id)

		children, err := tx.QueryNotes(ctx, store.NoteFilter{OrganizationID: tenantID, ByParent: true, ParentID: id})
		if err != nil {
			return nil, fmt.Errorf("cascade delete children of %s: %w", id, err)
		}
		for _, child := range children {
			if !visited[child.ID] {
				queue = append(queue, child.ID)
			}
		}
	}

	ordered := make([]string, len(discovered))
	for i, id := range discovered {
		ordered[len(discovered)-1-i] = id
	}
	return ordered, nil
}
