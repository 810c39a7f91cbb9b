// Package mutator applies authorized writes to a tenant's notes and users.
// Every operation runs against a single store.Tx and reports the rows it
// touched so callers can fan the change out after commit.
package mutator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"notetree/api/internal/authz"
	"notetree/api/internal/fault"
	"notetree/api/internal/notetree"
	"notetree/api/internal/sortkey"
	"notetree/api/internal/store"
)

// Change describes what one committed mutation did.
type Change struct {
	OrganizationID string
	ActorID        string
	Saved          []store.Note
	Deleted        []string
	Users          []store.User
}

func (c Change) Empty() bool {
	return len(c.Saved) == 0 && len(c.Deleted) == 0 && len(c.Users) == 0
}

// Mutators binds the write operations to one principal.
type Mutators struct {
	principal *authz.Principal
	now       func() time.Time
	logger    zerolog.Logger
}

func New(principal *authz.Principal, logger zerolog.Logger) *Mutators {
	return &Mutators{principal: principal, now: time.Now, logger: logger}
}

// WithClock replaces the time source used for server stamped timestamps.
func (m *Mutators) WithClock(now func() time.Time) *Mutators {
	m.now = now
	return m
}

func (m *Mutators) change() Change {
	return Change{OrganizationID: m.principal.TenantID, ActorID: m.principal.SubjectID}
}

// InsertNote creates a note in the caller's organization.
func (m *Mutators) InsertNote(ctx context.Context, tx store.Tx, args InsertNoteArgs) (Change, error) {
	if err := authz.RequireLoggedIn(m.principal); err != nil {
		return Change{}, err
	}
	if strings.TrimSpace(args.NoteID) == "" {
		return Change{}, fmt.Errorf("%w: noteId is required", fault.ErrValidation)
	}

	parentID := ""
	if args.ParentID != nil {
		parentID = *args.ParentID
		if _, err := m.ownedNote(ctx, tx, parentID); err != nil {
			return Change{}, fmt.Errorf("insert note %s: parent: %w", args.NoteID, err)
		}
	}

	now := m.now().UTC()
	change := m.change()
	key := args.SortKey
	if key == "" {
		renumbered, appended, err := m.appendKey(ctx, tx, parentID, now)
		if err != nil {
			return Change{}, fmt.Errorf("insert note %s: %w", args.NoteID, err)
		}
		key = appended
		change.Saved = renumbered
	} else if err := m.checkSiblingKey(ctx, tx, args.NoteID, parentID, key); err != nil {
		return Change{}, fmt.Errorf("insert note %s: %w", args.NoteID, err)
	}

	note := store.Note{
		ID:                args.NoteID,
		Title:             args.Title,
		Content:           args.Content,
		SuggestionContent: args.SuggestionContent,
		ParentID:          args.ParentID,
		SortKey:           key,
		OrganizationID:    m.principal.TenantID,
		CreatedBy:         m.principal.SubjectID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if args.CreatedAt != nil {
		note.CreatedAt = args.CreatedAt.UTC()
	}
	if args.UpdatedAt != nil {
		note.UpdatedAt = args.UpdatedAt.UTC()
	}
	if err := tx.InsertNote(ctx, note); err != nil {
		return Change{}, err
	}
	change.Saved = append(change.Saved, note)
	return change, nil
}

// UpdateNote applies a partial update to a note the caller may access.
// updatedAt is always stamped with the server clock.
func (m *Mutators) UpdateNote(ctx context.Context, tx store.Tx, args UpdateNoteArgs) (Change, error) {
	if err := authz.RequireLoggedIn(m.principal); err != nil {
		return Change{}, err
	}
	note, err := m.ownedNote(ctx, tx, args.NoteID)
	if err != nil {
		return Change{}, fmt.Errorf("update note %s: %w", args.NoteID, err)
	}

	previousParent, previousKey := note.Parent(), note.SortKey
	if args.Title.Set {
		note.Title = args.Title.Value
	}
	if args.Content != nil {
		note.Content = *args.Content
	}
	if args.SuggestionContent.Set {
		note.SuggestionContent = args.SuggestionContent.Value
	}
	if args.ParentID.Set {
		note.ParentID = args.ParentID.Value
	}
	if args.SortKey != nil {
		note.SortKey = *args.SortKey
	}

	if note.Parent() != previousParent {
		if err := m.checkReparent(ctx, tx, note.ID, note.Parent()); err != nil {
			return Change{}, fmt.Errorf("update note %s: %w", note.ID, err)
		}
	}
	if note.Parent() != previousParent || note.SortKey != previousKey {
		if err := m.checkSiblingKey(ctx, tx, note.ID, note.Parent(), note.SortKey); err != nil {
			return Change{}, fmt.Errorf("update note %s: %w", note.ID, err)
		}
	}

	note.UpdatedAt = m.now().UTC()
	if err := tx.UpdateNote(ctx, note); err != nil {
		return Change{}, err
	}
	change := m.change()
	change.Saved = []store.Note{note}
	return change, nil
}

// DeleteNote removes a note and all of its descendants.
func (m *Mutators) DeleteNote(ctx context.Context, tx store.Tx, args DeleteNoteArgs) (Change, error) {
	if err := authz.RequireLoggedIn(m.principal); err != nil {
		return Change{}, err
	}
	if _, err := m.ownedNote(ctx, tx, args.NoteID); err != nil {
		return Change{}, fmt.Errorf("delete note %s: %w", args.NoteID, err)
	}

	ids, err := notetree.PlanDelete(ctx, tx, args.NoteID, m.principal.TenantID, m.logger)
	if err != nil {
		return Change{}, err
	}
	for _, id := range ids {
		if err := tx.DeleteNote(ctx, id); err != nil {
			return Change{}, fmt.Errorf("delete note %s: %w", id, err)
		}
	}
	change := m.change()
	change.Deleted = ids
	return change, nil
}

// MoveNote drops a note onto another one using the stored tree, so the
// resulting placement is decided inside the transaction.
func (m *Mutators) MoveNote(ctx context.Context, tx store.Tx, args MoveNoteArgs) (Change, error) {
	if err := authz.RequireLoggedIn(m.principal); err != nil {
		return Change{}, err
	}
	if _, err := m.ownedNote(ctx, tx, args.NoteID); err != nil {
		return Change{}, fmt.Errorf("move note %s: %w", args.NoteID, err)
	}
	if _, err := m.ownedNote(ctx, tx, args.OverID); err != nil {
		return Change{}, fmt.Errorf("move note %s over %s: %w", args.NoteID, args.OverID, err)
	}

	tree, err := m.loadTree(ctx, tx)
	if err != nil {
		return Change{}, err
	}
	plan, err := notetree.PlanMove(tree, args.NoteID, args.OverID)
	if err != nil {
		return Change{}, fmt.Errorf("move note %s: %w", args.NoteID, err)
	}
	if plan.Renumbered {
		m.logger.Warn().Str("note_id", args.NoteID).Int("updates", len(plan.Updates)).
			Msg("sort key space exhausted, renumbered siblings")
	}

	change := m.change()
	now := m.now().UTC()
	for _, placement := range plan.Updates {
		note := tree.ByID[placement.NoteID].Note
		note.ParentID = placement.ParentID
		note.SortKey = placement.SortKey
		note.UpdatedAt = now
		if err := tx.UpdateNote(ctx, note); err != nil {
			return Change{}, err
		}
		change.Saved = append(change.Saved, note)
	}
	return change, nil
}

// UpdateUser toggles a user's active flag within the caller's organization.
func (m *Mutators) UpdateUser(ctx context.Context, tx store.Tx, args UpdateUserArgs) (Change, error) {
	if err := authz.RequireLoggedIn(m.principal); err != nil {
		return Change{}, err
	}
	user, err := tx.GetUser(ctx, args.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return Change{}, fmt.Errorf("update user %s: %w", args.UserID, fault.ErrNotFoundOrForbidden)
	}
	if err != nil {
		return Change{}, err
	}
	if !authz.CanManageUser(m.principal, user) {
		return Change{}, fmt.Errorf("update user %s: %w", args.UserID, fault.ErrNotFoundOrForbidden)
	}

	user.IsActive = args.IsActive
	user.UpdatedAt = m.now().UTC()
	if err := tx.UpdateUser(ctx, user); err != nil {
		return Change{}, err
	}
	change := m.change()
	change.Users = []store.User{user}
	return change, nil
}

// ownedNote reads a note in the transaction and hides it unless the caller
// may access it.
func (m *Mutators) ownedNote(ctx context.Context, tx store.Tx, noteID string) (store.Note, error) {
	note, err := tx.GetNote(ctx, noteID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Note{}, fault.ErrNotFoundOrForbidden
	}
	if err != nil {
		return store.Note{}, err
	}
	if !authz.CanAccessNote(m.principal, note) {
		return store.Note{}, fault.ErrNotFoundOrForbidden
	}
	return note, nil
}

// checkReparent verifies the new parent is visible to the caller and is not
// noteID itself or one of its descendants.
func (m *Mutators) checkReparent(ctx context.Context, tx store.Tx, noteID, parentID string) error {
	if parentID == "" {
		return nil
	}
	current := parentID
	for depth := 0; current != ""; depth++ {
		if current == noteID {
			return fmt.Errorf("%w: %s is a descendant of %s", notetree.ErrCycle, parentID, noteID)
		}
		if depth >= notetree.MaxDepth {
			return fmt.Errorf("%w: ancestor chain of %s exceeds %d", notetree.ErrCycle, parentID, notetree.MaxDepth)
		}
		ancestor, err := m.ownedNote(ctx, tx, current)
		if err != nil {
			if depth == 0 {
				return fmt.Errorf("parent: %w", err)
			}
			// a dangling ancestor ends the chain like a root
			if errors.Is(err, fault.ErrNotFoundOrForbidden) {
				return nil
			}
			return fmt.Errorf("ancestor %s: %w", current, err)
		}
		current = ancestor.Parent()
	}
	return nil
}

// checkSiblingKey rejects malformed keys and keys already held by a sibling.
func (m *Mutators) checkSiblingKey(ctx context.Context, tx store.Tx, noteID, parentID, key string) error {
	if err := sortkey.Validate(key); err != nil {
		return fmt.Errorf("%w: sortKey: %v", fault.ErrValidation, err)
	}
	siblings, err := tx.QueryNotes(ctx, store.NoteFilter{
		OrganizationID: m.principal.TenantID,
		ByParent:       true,
		ParentID:       parentID,
	})
	if err != nil {
		return err
	}
	for _, sibling := range siblings {
		if sibling.ID != noteID && sibling.SortKey == key {
			return fmt.Errorf("%w: sort key %q already used by %s", fault.ErrInvariantViolation, key, sibling.ID)
		}
	}
	return nil
}

// appendKey picks a key after the last child of parentID. If the siblings had
// to be renumbered first, the rewritten rows are returned.
func (m *Mutators) appendKey(ctx context.Context, tx store.Tx, parentID string, now time.Time) ([]store.Note, string, error) {
	tree, err := m.loadTree(ctx, tx)
	if err != nil {
		return nil, "", err
	}
	plan, err := notetree.PlanAppend(tree, parentID)
	if err != nil {
		return nil, "", err
	}
	var renumbered []store.Note
	for _, placement := range plan.Updates {
		note := tree.ByID[placement.NoteID].Note
		note.ParentID = placement.ParentID
		note.SortKey = placement.SortKey
		note.UpdatedAt = now
		if err := tx.UpdateNote(ctx, note); err != nil {
			return nil, "", err
		}
		renumbered = append(renumbered, note)
	}
	return renumbered, plan.SortKey, nil
}

func (m *Mutators) loadTree(ctx context.Context, tx store.Tx) (*notetree.Tree, error) {
	notes, err := tx.QueryNotes(ctx, store.NoteFilter{OrganizationID: m.principal.TenantID})
	if err != nil {
		return nil, fmt.Errorf("load tree: %w", err)
	}
	tree := notetree.Build(notes)
	if len(tree.Dangling) > 0 {
		m.logger.Warn().Strs("note_ids", tree.Dangling).Msg("notes reference a missing parent, treating them as roots")
	}
	return tree, nil
}
