package search

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog"

	"notetree/api/internal/mutator"
	"notetree/api/internal/store"
)

func seeded() *store.MemoryStore {
	s := store.NewMemoryStore()
	s.SeedNotes(
		store.Note{ID: "a", Title: store.StringPtr("Groceries"), Content: "milk and eggs", SortKey: "a0", OrganizationID: "org-1"},
		store.Note{ID: "b", Title: store.StringPtr("Recipes"), Content: "omelette needs eggs", ParentID: store.StringPtr("a"), SortKey: "a0", OrganizationID: "org-1"},
		store.Note{ID: "c", Title: store.StringPtr("Eggs"), Content: "someone else's eggs", SortKey: "a0", OrganizationID: "org-2"},
	)
	return s
}

func ids(results []Result) []string {
	out := []string{}
	for _, r := range results {
		out = append(out, r.NoteID)
	}
	return out
}

func TestScanIsTenantScoped(t *testing.T) {
	scan := NewScan(seeded())
	results, total, err := scan.Search(context.Background(), Query{OrganizationID: "org-1", Text: "EGGS"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if total != 2 {
		t.Fatalf("total = %d, want 2", total)
	}
	for _, r := range results {
		if r.OrganizationID != "org-1" {
			t.Fatalf("result from %s leaked into org-1 search", r.OrganizationID)
		}
	}
	if got := results[1].ParentID; got == nil || *got != "a" {
		t.Fatalf("child parent = %v, want a", got)
	}
}

func TestScanRequiresEveryTerm(t *testing.T) {
	scan := NewScan(seeded())
	results, _, err := scan.Search(context.Background(), Query{OrganizationID: "org-1", Text: "omelette eggs"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if got := ids(results); len(got) != 1 || got[0] != "b" {
		t.Fatalf("Search() = %v, want [b]", got)
	}

	results, total, err := scan.Search(context.Background(), Query{OrganizationID: "org-1", Text: "   "})
	if err != nil || total != 0 || len(results) != 0 {
		t.Fatalf("blank query = %v, %d, %v", results, total, err)
	}
}

func TestScanPagination(t *testing.T) {
	scan := NewScan(seeded())
	results, total, err := scan.Search(context.Background(), Query{OrganizationID: "org-1", Text: "eggs", Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if total != 2 || len(results) != 1 {
		t.Fatalf("page = %v (total %d)", ids(results), total)
	}
}

func TestSnippet(t *testing.T) {
	long := "prefix lorem ipsum dolor sit amet consectetur adipiscing elit sed do eiusmod tempor incididunt ut labore et dolore magna aliqua needle and more trailing words that go on for a while"
	got := snippet(long, "needle")
	if len(got) >= len(long) {
		t.Fatalf("snippet not shortened: %q", got)
	}
	if !strings.Contains(got, "needle") {
		t.Fatalf("snippet %q lacks needle", got)
	}
	if got := snippet("short", "x"); got != "short" {
		t.Fatalf("snippet(short) = %q", got)
	}
}

type fakeIndex struct {
	mu        sync.Mutex
	healthy   bool
	searchErr error
	results   []Result
	indexed   chan []NoteRecord
	deleted   chan []string
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{healthy: true, indexed: make(chan []NoteRecord, 4), deleted: make(chan []string, 4)}
}

func (f *fakeIndex) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeIndex) Search(context.Context, Query) ([]Result, int, error) {
	return f.results, len(f.results), f.searchErr
}

func (f *fakeIndex) IndexNotes(records []NoteRecord) error {
	f.indexed <- records
	return nil
}

func (f *fakeIndex) DeleteNotes(ids []string) error {
	f.deleted <- ids
	return nil
}

func TestServicePrefersPrimary(t *testing.T) {
	primary := newFakeIndex()
	primary.results = []Result{{NoteID: "from-index"}}
	svc := NewService(primary, NewScan(seeded()), zerolog.Nop())

	resp := svc.Search(context.Background(), Query{OrganizationID: "org-1", Text: "eggs"})
	if got := ids(resp.Results); len(got) != 1 || got[0] != "from-index" {
		t.Fatalf("Search() = %v, want primary results", got)
	}
}

func TestServiceFallsBack(t *testing.T) {
	primary := newFakeIndex()
	primary.searchErr = errors.New("boom")
	svc := NewService(primary, NewScan(seeded()), zerolog.Nop())

	resp := svc.Search(context.Background(), Query{OrganizationID: "org-1", Text: "eggs"})
	if resp.Total != 2 || resp.Query != "eggs" {
		t.Fatalf("fallback response = %+v", resp)
	}

	svc = NewService(nil, nil, zerolog.Nop())
	resp = svc.Search(context.Background(), Query{OrganizationID: "org-1", Text: "eggs"})
	if resp.Results == nil || len(resp.Results) != 0 {
		t.Fatalf("empty service response = %+v", resp)
	}
}

func TestHookSyncsIndex(t *testing.T) {
	primary := newFakeIndex()
	svc := NewService(primary, nil, zerolog.Nop())

	svc.Hook()(context.Background(), mutator.Change{
		OrganizationID: "org-1",
		Saved:          []store.Note{{ID: "n1", Title: store.StringPtr("t"), Content: "c", OrganizationID: "org-1", UpdatedAt: time.Unix(100, 0)}},
		Deleted:        []string{"n2"},
	})

	select {
	case records := <-primary.indexed:
		if len(records) != 1 || records[0].ID != "n1" || records[0].Title != "t" || records[0].UpdatedAt != 100 {
			t.Fatalf("indexed = %+v", records)
		}
	case <-time.After(time.Second):
		t.Fatal("saved note was not indexed")
	}
	select {
	case deleted := <-primary.deleted:
		if len(deleted) != 1 || deleted[0] != "n2" {
			t.Fatalf("deleted = %v", deleted)
		}
	case <-time.After(time.Second):
		t.Fatal("deleted note was not removed")
	}
}

func TestHookSkipsUnhealthyIndex(t *testing.T) {
	primary := newFakeIndex()
	primary.healthy = false
	svc := NewService(primary, nil, zerolog.Nop())
	svc.Hook()(context.Background(), mutator.Change{Saved: []store.Note{{ID: "n1"}}})

	select {
	case <-primary.indexed:
		t.Fatal("unhealthy index received writes")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHitToResult(t *testing.T) {
	raw := func(v any) json.RawMessage {
		b, _ := json.Marshal(v)
		return b
	}
	hit := meili.Hit{
		"id":             raw("n1"),
		"title":          raw("Plain"),
		"content":        raw("plain content"),
		"parentId":       raw("p1"),
		"organizationId": raw("org-1"),
		"_formatted":     raw(map[string]string{"title": "<mark>Plain</mark>"}),
	}
	r := hitToResult(hit)
	if r.NoteID != "n1" || r.Title != "<mark>Plain</mark>" || r.Snippet != "plain content" || r.OrganizationID != "org-1" {
		t.Fatalf("hitToResult() = %+v", r)
	}
	if r.ParentID == nil || *r.ParentID != "p1" {
		t.Fatalf("parent = %v", r.ParentID)
	}
	if got := tenantFilter("org-1"); got != `organizationId = "org-1"` {
		t.Fatalf("tenantFilter() = %s", got)
	}
}
