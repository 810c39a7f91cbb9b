// Package notetree turns a tenant's flat note rows into an ordered forest and
// plans the structural changes (insert, move, cascading delete) made to it.
//
// The tree is a read model. It is rebuilt from scratch whenever the rows
// change and is never patched in place.
package notetree

import (
	"sort"

	"notetree/api/internal/store"
)

// Node is a note with its ordered children attached.
type Node struct {
	store.Note
	Children []*Node `json:"children"`
}

// Tree is the output of Build.
type Tree struct {
	// ByID indexes every input note, dangling ones included.
	ByID map[string]*Node
	// ChildrenByParent maps a parent id to its sorted children. Roots are
	// stored under "".
	ChildrenByParent map[string][]*Node
	// Roots is ChildrenByParent[""].
	Roots []*Node
	// Dangling lists notes whose parent id is not in the input. They are
	// placed among the roots.
	Dangling []string

	parentOf map[string]string
}

// Build groups notes under their parents and orders each sibling list by
// sort key, then creation time, then id. The result depends only on the set
// of notes, not on their order in the slice. Note ids must be unique.
func Build(notes []store.Note) *Tree {
	t := &Tree{
		ByID:             make(map[string]*Node, len(notes)),
		ChildrenByParent: map[string][]*Node{},
		parentOf:         make(map[string]string, len(notes)),
	}
	for _, note := range notes {
		t.ByID[note.ID] = &Node{Note: note, Children: []*Node{}}
	}

	for id, node := range t.ByID {
		parent := node.Parent()
		if parent != "" {
			if _, ok := t.ByID[parent]; !ok {
				t.Dangling = append(t.Dangling, id)
				parent = ""
			}
		}
		t.parentOf[id] = parent
		t.ChildrenByParent[parent] = append(t.ChildrenByParent[parent], node)
	}
	sort.Strings(t.Dangling)

	for parent, siblings := range t.ChildrenByParent {
		sortSiblings(siblings)
		if parent != "" {
			t.ByID[parent].Children = siblings
		}
	}
	t.Roots = t.ChildrenByParent[""]
	if t.Roots == nil {
		t.Roots = []*Node{}
	}
	return t
}

func sortSiblings(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if a.SortKey != b.SortKey {
			return a.SortKey < b.SortKey
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// Children returns the sorted children of parentID, or the roots for "".
func (t *Tree) Children(parentID string) []*Node {
	return t.ChildrenByParent[parentID]
}

// ParentOf returns the parent the tree placed id under: "" for roots and
// for dangling notes.
func (t *Tree) ParentOf(id string) string {
	return t.parentOf[id]
}

// Walk visits every node reachable from the roots in display order. Returning
// false from fn skips the node's subtree.
func (t *Tree) Walk(fn func(node *Node, depth int) bool) {
	walk(t.Roots, 0, map[string]bool{}, fn)
}

// WalkFrom is Walk restricted to id and its descendants; id is visited at
// depth 0. It reports false when id is unknown.
func (t *Tree) WalkFrom(id string, fn func(node *Node, depth int) bool) bool {
	root, ok := t.ByID[id]
	if !ok {
		return false
	}
	walk([]*Node{root}, 0, map[string]bool{}, fn)
	return true
}

func walk(nodes []*Node, depth int, seen map[string]bool, fn func(*Node, int) bool) {
	for _, node := range nodes {
		if seen[node.ID] {
			continue
		}
		seen[node.ID] = true
		if fn(node, depth) {
			walk(node.Children, depth+1, seen, fn)
		}
	}
}
