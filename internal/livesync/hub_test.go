package livesync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"notetree/api/internal/mutator"
	"notetree/api/internal/store"
)

func seededStore() *store.MemoryStore {
	s := store.NewMemoryStore()
	s.SeedNotes(
		store.Note{ID: "a", SortKey: "a0", OrganizationID: "org-1"},
		store.Note{ID: "x", SortKey: "a0", OrganizationID: "org-2"},
	)
	return s
}

func collect(t *testing.T, hub *Hub, org string) (<-chan Snapshot, func()) {
	t.Helper()
	ch := make(chan Snapshot, 16)
	unsubscribe, err := hub.Subscribe(context.Background(), org, func(snap Snapshot) { ch <- snap })
	require.NoError(t, err)
	t.Cleanup(unsubscribe)
	return ch, unsubscribe
}

func next(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case snap := <-ch:
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return Snapshot{}
	}
}

func quiet(t *testing.T, ch <-chan Snapshot) {
	t.Helper()
	select {
	case snap := <-ch:
		t.Fatalf("unexpected snapshot %+v", snap)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeDeliversCurrentSnapshot(t *testing.T) {
	hub := NewHub(seededStore(), zerolog.Nop())
	ch, _ := collect(t, hub, "org-1")

	snap := next(t, ch)
	require.Equal(t, "org-1", snap.OrganizationID)
	require.Len(t, snap.Notes, 1)
	require.Equal(t, "a", snap.Notes[0].ID)
	require.Equal(t, 1, hub.Subscribers("org-1"))
}

func TestRefreshOnlyReachesTheChangedOrganization(t *testing.T) {
	s := seededStore()
	hub := NewHub(s, zerolog.Nop())
	one, _ := collect(t, hub, "org-1")
	two, _ := collect(t, hub, "org-2")
	first := next(t, one)
	next(t, two)

	s.SeedNotes(store.Note{ID: "b", SortKey: "a1", OrganizationID: "org-1"})
	hub.Notify(context.Background(), "org-1")

	snap := next(t, one)
	require.Len(t, snap.Notes, 2)
	require.Greater(t, snap.Version, first.Version)
	quiet(t, two)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub(seededStore(), zerolog.Nop())
	ch, unsubscribe := collect(t, hub, "org-1")
	next(t, ch)

	unsubscribe()
	unsubscribe()
	require.Zero(t, hub.Subscribers("org-1"))

	hub.Notify(context.Background(), "org-1")
	quiet(t, ch)
}

func TestHookRefreshesAfterProcessorCommit(t *testing.T) {
	s := seededStore()
	hub := NewHub(s, zerolog.Nop())
	ch, _ := collect(t, hub, "org-1")
	next(t, ch)

	hook := hub.Hook()
	hook(context.Background(), mutator.Change{OrganizationID: "org-1", Deleted: []string{"a"}})
	snap := next(t, ch)
	require.Equal(t, "org-1", snap.OrganizationID)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string) error {
	return errors.New("redis down")
}

func TestNotifyFallsBackToLocalRefresh(t *testing.T) {
	hub := NewHub(seededStore(), zerolog.Nop())
	hub.SetPublisher(failingPublisher{})
	ch, _ := collect(t, hub, "org-1")
	next(t, ch)

	hub.Notify(context.Background(), "org-1")
	next(t, ch)
}

type brokenSource struct{}

func (brokenSource) ListNotes(context.Context, string) ([]store.Note, error) {
	return nil, errors.New("db down")
}

func TestSubscribeFailsWhenSnapshotFails(t *testing.T) {
	hub := NewHub(brokenSource{}, zerolog.Nop())
	_, err := hub.Subscribe(context.Background(), "org-1", func(Snapshot) {})
	require.Error(t, err)
	require.Zero(t, hub.Subscribers("org-1"))
}

// gatedSource holds its first read until release is closed and answers that
// read with the state from before any later change.
type gatedSource struct {
	entered chan struct{}
	release chan struct{}

	mu    sync.Mutex
	calls int
}

func (g *gatedSource) ListNotes(context.Context, string) ([]store.Note, error) {
	g.mu.Lock()
	g.calls++
	first := g.calls == 1
	g.mu.Unlock()
	if first {
		close(g.entered)
		<-g.release
		return []store.Note{{ID: "old", SortKey: "a0", OrganizationID: "org-1"}}, nil
	}
	return []store.Note{{ID: "new", SortKey: "a0", OrganizationID: "org-1"}}, nil
}

func TestSlowInitialReadDoesNotOverrideNewerRefresh(t *testing.T) {
	src := &gatedSource{entered: make(chan struct{}), release: make(chan struct{})}
	hub := NewHub(src, zerolog.Nop())
	t.Cleanup(hub.Close)

	ch := make(chan Snapshot, 16)
	type result struct {
		unsubscribe func()
		err         error
	}
	done := make(chan result, 1)
	go func() {
		unsubscribe, err := hub.Subscribe(context.Background(), "org-1", func(snap Snapshot) { ch <- snap })
		done <- result{unsubscribe, err}
	}()

	<-src.entered
	hub.Refresh(context.Background(), "org-1")
	close(src.release)

	res := <-done
	require.NoError(t, res.err)
	t.Cleanup(res.unsubscribe)

	snap := next(t, ch)
	require.Len(t, snap.Notes, 1)
	require.Equal(t, "new", snap.Notes[0].ID)
	quiet(t, ch)
}
