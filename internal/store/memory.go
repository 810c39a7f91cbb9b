package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"notetree/api/internal/fault"
)

// MemoryStore is an in-process store with the same transactional contract as
// PostgresStore. Transactions are serialized and work on a copy that replaces
// the committed state only when fn succeeds. The parent reference of a note
// behaves like a foreign key: inserting under a missing parent or deleting a
// note that still has children fails.
type MemoryStore struct {
	mu    sync.Mutex
	orgs  map[string]Organization
	users map[string]User
	notes map[string]Note
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orgs:  map[string]Organization{},
		users: map[string]User{},
		notes: map[string]Note{},
	}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// WithinTx must not be re-entered from fn.
func (s *MemoryStore) WithinTx(ctx context.Context, _ string, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memoryTx{
		users: make(map[string]User, len(s.users)),
		notes: make(map[string]Note, len(s.notes)),
	}
	for id, user := range s.users {
		tx.users[id] = user
	}
	for id, note := range s.notes {
		tx.notes[id] = note
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.users = tx.users
	s.notes = tx.notes
	return nil
}

func (s *MemoryStore) CreateOrganizationWithOwner(_ context.Context, org Organization, owner User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.orgs {
		if existing.Name == org.Name {
			return fmt.Errorf("organization %q: %w", org.Name, fault.ErrDuplicateEntry)
		}
	}
	if err := s.checkUserLocked(owner); err != nil {
		return err
	}
	s.orgs[org.ID] = org
	s.users[owner.ID] = owner
	return nil
}

func (s *MemoryStore) CreateUser(_ context.Context, user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orgs[user.OrganizationID]; !ok {
		return fmt.Errorf("insert user: organization %s: %w", user.OrganizationID, ErrNotFound)
	}
	if err := s.checkUserLocked(user); err != nil {
		return err
	}
	s.users[user.ID] = user
	return nil
}

func (s *MemoryStore) checkUserLocked(user User) error {
	for _, existing := range s.users {
		if existing.ID == user.ID || strings.EqualFold(existing.Email, user.Email) {
			return fmt.Errorf("user %q: %w", user.Email, fault.ErrDuplicateEntry)
		}
	}
	return nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email = strings.ToLower(strings.TrimSpace(email))
	for _, user := range s.users {
		if user.Email == email {
			return user, nil
		}
	}
	return User{}, fmt.Errorf("get user by email: %w", ErrNotFound)
}

func (s *MemoryStore) GetUserByID(_ context.Context, userID string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return User{}, fmt.Errorf("get user: %w", ErrNotFound)
	}
	return user, nil
}

func (s *MemoryStore) ListUsers(_ context.Context, organizationID string) ([]User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := []User{}
	for _, user := range s.users {
		if user.OrganizationID == organizationID {
			users = append(users, user)
		}
	}
	sort.Slice(users, func(i, j int) bool {
		if !users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].CreatedAt.Before(users[j].CreatedAt)
		}
		return users[i].Email < users[j].Email
	})
	return users, nil
}

func (s *MemoryStore) GetOrganization(_ context.Context, organizationID string) (Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	org, ok := s.orgs[organizationID]
	if !ok {
		return Organization{}, fmt.Errorf("get organization: %w", ErrNotFound)
	}
	return org, nil
}

func (s *MemoryStore) ListNotes(_ context.Context, organizationID string) ([]Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return filterNotes(s.notes, NoteFilter{OrganizationID: organizationID}), nil
}

type memoryTx struct {
	users map[string]User
	notes map[string]Note
}

func (t *memoryTx) GetNote(_ context.Context, noteID string) (Note, error) {
	note, ok := t.notes[noteID]
	if !ok {
		return Note{}, fmt.Errorf("get note: %w", ErrNotFound)
	}
	return note, nil
}

func (t *memoryTx) QueryNotes(_ context.Context, filter NoteFilter) ([]Note, error) {
	return filterNotes(t.notes, filter), nil
}

func (t *memoryTx) InsertNote(_ context.Context, note Note) error {
	if _, ok := t.notes[note.ID]; ok {
		return fmt.Errorf("insert note %s: %w", note.ID, fault.ErrDuplicateEntry)
	}
	if err := t.checkParent(note); err != nil {
		return fmt.Errorf("insert note %s: %w", note.ID, err)
	}
	t.notes[note.ID] = note
	return nil
}

func (t *memoryTx) UpdateNote(_ context.Context, note Note) error {
	if _, ok := t.notes[note.ID]; !ok {
		return fmt.Errorf("update note: %w", ErrNotFound)
	}
	if err := t.checkParent(note); err != nil {
		return fmt.Errorf("update note %s: %w", note.ID, err)
	}
	t.notes[note.ID] = note
	return nil
}

func (t *memoryTx) checkParent(note Note) error {
	if note.ParentID == nil {
		return nil
	}
	if _, ok := t.notes[*note.ParentID]; !ok {
		return fmt.Errorf("parent %s: %w", *note.ParentID, ErrNotFound)
	}
	return nil
}

func (t *memoryTx) DeleteNote(_ context.Context, noteID string) error {
	if _, ok := t.notes[noteID]; !ok {
		return fmt.Errorf("delete note: %w", ErrNotFound)
	}
	for _, other := range t.notes {
		if other.Parent() == noteID {
			return fmt.Errorf("delete note %s: still referenced by %s", noteID, other.ID)
		}
	}
	delete(t.notes, noteID)
	return nil
}

func (t *memoryTx) GetUser(_ context.Context, userID string) (User, error) {
	user, ok := t.users[userID]
	if !ok {
		return User{}, fmt.Errorf("get user: %w", ErrNotFound)
	}
	return user, nil
}

func (t *memoryTx) UpdateUser(_ context.Context, user User) error {
	existing, ok := t.users[user.ID]
	if !ok {
		return fmt.Errorf("update user: %w", ErrNotFound)
	}
	existing.IsActive = user.IsActive
	existing.UpdatedAt = user.UpdatedAt
	t.users[user.ID] = existing
	return nil
}

func filterNotes(notes map[string]Note, filter NoteFilter) []Note {
	out := []Note{}
	for _, note := range notes {
		if filter.matches(note) {
			out = append(out, note)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortKey != out[j].SortKey {
			return out[i].SortKey < out[j].SortKey
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SeedNotes inserts rows without any checks. It is meant for fixtures that
// need corrupted shapes such as dangling parents.
func (s *MemoryStore) SeedNotes(notes ...Note) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, note := range notes {
		s.notes[note.ID] = note
	}
}

// SeedOrganization inserts an organization and its users without checks.
func (s *MemoryStore) SeedOrganization(org Organization, users ...User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgs[org.ID] = org
	for _, user := range users {
		s.users[user.ID] = user
	}
}
