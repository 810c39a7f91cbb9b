package mutator

import (
	"encoding/json"
	"time"
)

// Optional tells an absent JSON field apart from an explicit null.
type Optional[T any] struct {
	Set   bool
	Value *T
}

func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	o.Set = true
	if string(data) == "null" {
		o.Value = nil
		return nil
	}
	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	o.Value = &value
	return nil
}

func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if o.Value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*o.Value)
}

// Some returns an Optional set to value.
func Some[T any](value T) Optional[T] {
	return Optional[T]{Set: true, Value: &value}
}

// Null returns an Optional explicitly set to null.
func Null[T any]() Optional[T] {
	return Optional[T]{Set: true}
}

// InsertNoteArgs carries a client supplied note. OrganizationID and CreatedBy
// are accepted on the wire but always replaced with the caller's identity.
// An empty SortKey appends the note after its last sibling.
type InsertNoteArgs struct {
	NoteID            string     `json:"noteId"`
	Title             *string    `json:"title"`
	Content           string     `json:"content"`
	SuggestionContent *string    `json:"suggestionContent,omitempty"`
	ParentID          *string    `json:"parentId"`
	SortKey           string     `json:"sortKey"`
	OrganizationID    string     `json:"organizationId,omitempty"`
	CreatedBy         string     `json:"createdBy,omitempty"`
	CreatedAt         *time.Time `json:"createdAt,omitempty"`
	UpdatedAt         *time.Time `json:"updatedAt,omitempty"`
}

// UpdateNoteArgs is a partial update. Unset fields keep their stored value;
// ParentID and SuggestionContent may be set to null explicitly.
type UpdateNoteArgs struct {
	NoteID            string           `json:"noteId"`
	Title             Optional[string] `json:"title,omitzero"`
	Content           *string          `json:"content,omitempty"`
	SuggestionContent Optional[string] `json:"suggestionContent,omitzero"`
	ParentID          Optional[string] `json:"parentId,omitzero"`
	SortKey           *string          `json:"sortKey,omitempty"`
}

type DeleteNoteArgs struct {
	NoteID string `json:"noteId"`
}

// MoveNoteArgs drops NoteID onto OverID, planned against the stored tree.
type MoveNoteArgs struct {
	NoteID string `json:"noteId"`
	OverID string `json:"overId"`
}

type UpdateUserArgs struct {
	UserID   string `json:"userId"`
	IsActive bool   `json:"isActive"`
}
