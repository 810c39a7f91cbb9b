package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by point lookups that match no row.
var ErrNotFound = errors.New("not found")

type Organization struct {
	ID        string    `json:"organizationId"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type User struct {
	ID             string    `json:"userId"`
	Email          string    `json:"email"`
	PasswordHash   string    `json:"-"`
	IsActive       bool      `json:"isActive"`
	OrganizationID string    `json:"organizationId"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Note is one row of a tenant's note forest. A nil ParentID marks a root.
type Note struct {
	ID                string    `json:"noteId"`
	Title             *string   `json:"title"`
	Content           string    `json:"content"`
	SuggestionContent *string   `json:"suggestionContent,omitempty"`
	ParentID          *string   `json:"parentId"`
	SortKey           string    `json:"sortKey"`
	OrganizationID    string    `json:"organizationId"`
	CreatedBy         string    `json:"createdBy"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Parent returns the parent id, or "" for a root note.
func (n Note) Parent() string {
	if n.ParentID == nil {
		return ""
	}
	return *n.ParentID
}

// NoteFilter is an equality filter over notes. OrganizationID is always
// applied; when ByParent is set only children of ParentID are returned, and
// an empty ParentID selects roots.
type NoteFilter struct {
	OrganizationID string
	ByParent       bool
	ParentID       string
}

func (f NoteFilter) matches(n Note) bool {
	if n.OrganizationID != f.OrganizationID {
		return false
	}
	return !f.ByParent || n.Parent() == f.ParentID
}

// Tx is the row-level view of one transaction. Every call made through a Tx
// commits or rolls back together.
type Tx interface {
	GetNote(ctx context.Context, noteID string) (Note, error)
	QueryNotes(ctx context.Context, filter NoteFilter) ([]Note, error)
	InsertNote(ctx context.Context, note Note) error
	UpdateNote(ctx context.Context, note Note) error
	DeleteNote(ctx context.Context, noteID string) error
	GetUser(ctx context.Context, userID string) (User, error)
	UpdateUser(ctx context.Context, user User) error
}

// Transactor runs fn inside a single transaction scoped to tenantID. Any
// error returned by fn rolls the transaction back.
type Transactor interface {
	WithinTx(ctx context.Context, tenantID string, fn func(Tx) error) error
}

// StringPtr returns a pointer to a copy of s.
func StringPtr(s string) *string {
	return &s
}
