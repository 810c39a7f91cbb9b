package notetree

import (
	"errors"
	"fmt"

	"notetree/api/internal/fault"
	"notetree/api/internal/sortkey"
)

// MaxDepth bounds ancestor walks. Chains longer than this are treated as
// corrupted data.
const MaxDepth = 256

var (
	ErrCycle       = fmt.Errorf("%w: move would make a note its own ancestor", fault.ErrInvariantViolation)
	ErrUnknownNote = fmt.Errorf("%w: note missing from tree", fault.ErrInvariantViolation)
	ErrNotAdjacent = fmt.Errorf("%w: neighbours are not adjacent siblings", fault.ErrInvariantViolation)
)

// Placement is the parent and sort key a note should be written with.
type Placement struct {
	NoteID   string  `json:"noteId"`
	ParentID *string `json:"parentId"`
	SortKey  string  `json:"sortKey"`
}

// MovePlan lists the writes a move needs. Normally that is the moved note
// alone; when the key space between its new neighbours is exhausted the whole
// target sibling list is renumbered and Renumbered is set.
type MovePlan struct {
	Changed    bool
	Updates    []Placement
	Renumbered bool
}

// InsertPlan places a new note. Updates is non-empty only when existing
// siblings had to be renumbered to make room.
type InsertPlan struct {
	ParentID *string
	SortKey  string
	Updates  []Placement
}

// PlanMove computes where activeID lands when dropped on overID. The note
// becomes a sibling of over: if it already shares over's parent it takes
// over's index (array move), otherwise it is inserted just before over.
// Moving a note under itself or one of its descendants returns ErrCycle.
func PlanMove(t *Tree, activeID, overID string) (MovePlan, error) {
	if activeID == overID {
		return MovePlan{}, nil
	}
	active, ok := t.ByID[activeID]
	if !ok {
		return MovePlan{}, fmt.Errorf("%w: active %s", ErrUnknownNote, activeID)
	}
	if _, ok := t.ByID[overID]; !ok {
		return MovePlan{}, fmt.Errorf("%w: over %s", ErrUnknownNote, overID)
	}
	if err := t.checkNotAncestor(activeID, overID); err != nil {
		return MovePlan{}, err
	}

	parent := t.ParentOf(overID)
	order := siblingIDs(t.Children(parent))
	overIndex := indexOf(order, overID)
	if overIndex < 0 {
		return MovePlan{}, fmt.Errorf("%w: %s not listed under its parent", ErrUnknownNote, overID)
	}
	if activeIndex := indexOf(order, activeID); activeIndex >= 0 {
		order = arrayMove(order, activeIndex, overIndex)
	} else {
		order = insertAt(order, overIndex, activeID)
	}

	position := indexOf(order, activeID)
	key, err := t.keyAt(order, position)
	if errors.Is(err, fault.ErrKeySpaceExhausted) {
		updates, err := t.renumber(parent, order, "")
		if err != nil {
			return MovePlan{}, err
		}
		return MovePlan{Changed: len(updates) > 0, Updates: updates, Renumbered: true}, nil
	}
	if err != nil {
		return MovePlan{}, err
	}

	if active.Parent() == parent && active.SortKey == key {
		return MovePlan{}, nil
	}
	return MovePlan{
		Changed: true,
		Updates: []Placement{{NoteID: activeID, ParentID: parentPtr(parent), SortKey: key}},
	}, nil
}

// checkNotAncestor walks overID's ancestors and fails if activeID is one of
// them. A dangling parent ends the walk like a root does.
func (t *Tree) checkNotAncestor(activeID, overID string) error {
	current := t.ParentOf(overID)
	for depth := 0; current != ""; depth++ {
		if current == activeID {
			return fmt.Errorf("%w: %s is an ancestor of %s", ErrCycle, activeID, overID)
		}
		if depth >= MaxDepth {
			return fmt.Errorf("%w: ancestor chain of %s exceeds %d", ErrCycle, overID, MaxDepth)
		}
		current = t.ParentOf(current)
	}
	return nil
}

// PlanAppend places a new note after the last child of parentID ("" for
// the root list).
func PlanAppend(t *Tree, parentID string) (InsertPlan, error) {
	if err := t.checkParent(parentID); err != nil {
		return InsertPlan{}, err
	}
	siblings := t.Children(parentID)
	last := ""
	if len(siblings) > 0 {
		last = siblings[len(siblings)-1].ID
	}
	return t.planInsert(parentID, last, "")
}

// PlanInsertBetween places a new note between two adjacent children of
// parentID. An empty prevID means "first", an empty nextID means "last".
func PlanInsertBetween(t *Tree, parentID, prevID, nextID string) (InsertPlan, error) {
	if err := t.checkParent(parentID); err != nil {
		return InsertPlan{}, err
	}
	return t.planInsert(parentID, prevID, nextID)
}

func (t *Tree) planInsert(parentID, prevID, nextID string) (InsertPlan, error) {
	order := siblingIDs(t.Children(parentID))
	position := 0
	if prevID != "" {
		prevIndex := indexOf(order, prevID)
		if prevIndex < 0 {
			return InsertPlan{}, fmt.Errorf("%w: %s is not a child of %q", ErrNotAdjacent, prevID, parentID)
		}
		position = prevIndex + 1
	}
	switch {
	case nextID == "" && position != len(order):
		return InsertPlan{}, fmt.Errorf("%w: %q is not last under %q", ErrNotAdjacent, prevID, parentID)
	case nextID != "" && (position >= len(order) || order[position] != nextID):
		return InsertPlan{}, fmt.Errorf("%w: %q does not follow %q", ErrNotAdjacent, nextID, prevID)
	}

	order = insertAt(order, position, "")
	key, err := t.keyAt(order, position)
	if errors.Is(err, fault.ErrKeySpaceExhausted) {
		keys, err := sortkey.NBetween("", "", len(order))
		if err != nil {
			return InsertPlan{}, err
		}
		updates, err := t.renumber(parentID, order, "")
		if err != nil {
			return InsertPlan{}, err
		}
		return InsertPlan{ParentID: parentPtr(parentID), SortKey: keys[position], Updates: updates}, nil
	}
	if err != nil {
		return InsertPlan{}, err
	}
	return InsertPlan{ParentID: parentPtr(parentID), SortKey: key}, nil
}

func (t *Tree) checkParent(parentID string) error {
	if parentID == "" {
		return nil
	}
	if _, ok := t.ByID[parentID]; !ok {
		return fmt.Errorf("%w: parent %s", ErrUnknownNote, parentID)
	}
	return nil
}

// keyAt generates a key for order[position] from the keys of its current
// neighbours in order. An empty id in order stands for the new note.
func (t *Tree) keyAt(order []string, position int) (string, error) {
	before, after := "", ""
	if position > 0 {
		before = t.ByID[order[position-1]].SortKey
	}
	if position+1 < len(order) {
		after = t.ByID[order[position+1]].SortKey
	}
	return sortkey.Between(before, after)
}

// PlanRenumber assigns fresh, evenly spread keys to the children of parentID
// in their current order. It returns only the notes whose key changes.
func PlanRenumber(t *Tree, parentID string) ([]Placement, error) {
	if err := t.checkParent(parentID); err != nil {
		return nil, err
	}
	return t.renumber(parentID, siblingIDs(t.Children(parentID)), "")
}

// renumber re-keys order under parent. Entries equal to skip (the slot of a
// note that does not exist yet) receive a key but produce no update.
func (t *Tree) renumber(parent string, order []string, skip string) ([]Placement, error) {
	keys, err := sortkey.NBetween("", "", len(order))
	if err != nil {
		return nil, err
	}
	updates := []Placement{}
	for i, id := range order {
		if id == skip {
			continue
		}
		node := t.ByID[id]
		if node.Parent() == parent && node.SortKey == keys[i] {
			continue
		}
		updates = append(updates, Placement{NoteID: id, ParentID: parentPtr(parent), SortKey: keys[i]})
	}
	return updates, nil
}

func siblingIDs(nodes []*Node) []string {
	ids := make([]string, len(nodes))
	for i, node := range nodes {
		ids[i] = node.ID
	}
	return ids
}

func indexOf(ids []string, id string) int {
	for i, candidate := range ids {
		if candidate == id {
			return i
		}
	}
	return -1
}

func arrayMove(ids []string, from, to int) []string {
	out := make([]string, 0, len(ids))
	out = append(out, ids[:from]...)
	out = append(out, ids[from+1:]...)
	return insertAt(out, to, ids[from])
}

func insertAt(ids []string, index int, id string) []string {
	out := make([]string, 0, len(ids)+1)
	out = append(out, ids[:index]...)
	out = append(out, id)
	return append(out, ids[index:]...)
}

func parentPtr(parent string) *string {
	if parent == "" {
		return nil
	}
	return &parent
}
