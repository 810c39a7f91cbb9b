// Package livesync pushes a tenant's note set to every subscriber after each
// committed change. A Hub serves one process; RedisFanout relays change
// notifications between processes.
package livesync

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"notetree/api/internal/mutator"
	"notetree/api/internal/store"
)

// Source reads the committed notes of one organization.
type Source interface {
	ListNotes(ctx context.Context, organizationID string) ([]store.Note, error)
}

// Publisher announces that an organization changed. RedisFanout is the
// multi-instance implementation.
type Publisher interface {
	Publish(ctx context.Context, organizationID string) error
}

// Snapshot is the flat note set of one organization. Version increases with
// every snapshot the hub produces for that organization.
type Snapshot struct {
	OrganizationID string       `json:"organizationId"`
	Version        uint64       `json:"version"`
	Notes          []store.Note `json:"notes"`
}

type Listener func(Snapshot)

type subscription struct {
	listener Listener
	latest   chan Snapshot
	done     chan struct{}
	once     sync.Once

	mu      sync.Mutex
	offered uint64
}

// offer queues snap unless a newer snapshot was already queued.
func (s *subscription) offer(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Version <= s.offered {
		return
	}
	s.offered = snap.Version
	select {
	case <-s.latest:
	default:
	}
	select {
	case s.latest <- snap:
	default:
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case snap := <-s.latest:
			select {
			case <-s.done:
				return
			default:
			}
			s.listener(snap)
		}
	}
}

// Hub keeps per-organization subscribers. Each subscriber receives
// snapshots on its own goroutine; a slow subscriber only ever sees the most
// recent snapshot it has not consumed yet.
type Hub struct {
	source Source
	logger zerolog.Logger

	mu        sync.Mutex
	subs      map[string]map[uint64]*subscription
	nextID    uint64
	versions  map[string]uint64
	publisher Publisher

	refreshMu sync.Mutex
}

func NewHub(source Source, logger zerolog.Logger) *Hub {
	return &Hub{
		source:   source,
		logger:   logger,
		subs:     map[string]map[uint64]*subscription{},
		versions: map[string]uint64{},
	}
}

// SetPublisher routes change notifications through p instead of refreshing
// local subscribers directly.
func (h *Hub) SetPublisher(p Publisher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.publisher = p
}

// Subscribe registers listener for organizationID and immediately queues the
// current snapshot. The returned function unsubscribes; it is safe to call
// more than once and from inside the listener.
func (h *Hub) Subscribe(ctx context.Context, organizationID string, listener Listener) (func(), error) {
	sub := &subscription{
		listener: listener,
		latest:   make(chan Snapshot, 1),
		done:     make(chan struct{}),
	}
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if h.subs[organizationID] == nil {
		h.subs[organizationID] = map[uint64]*subscription{}
	}
	h.subs[organizationID][id] = sub
	h.mu.Unlock()

	unsubscribe := func() {
		sub.once.Do(func() {
			close(sub.done)
			h.mu.Lock()
			delete(h.subs[organizationID], id)
			if len(h.subs[organizationID]) == 0 {
				delete(h.subs, organizationID)
			}
			h.mu.Unlock()
		})
	}

	// registered before the first read so no commit falls between the two
	snap, err := h.Snapshot(ctx, organizationID)
	if err != nil {
		unsubscribe()
		return nil, err
	}
	sub.offer(snap)
	go sub.run()
	return unsubscribe, nil
}

// Snapshot reads the current notes of organizationID. The version is taken
// before the read, so a snapshot with a higher version never reflects an
// older state than one with a lower version.
func (h *Hub) Snapshot(ctx context.Context, organizationID string) (Snapshot, error) {
	h.mu.Lock()
	h.versions[organizationID]++
	version := h.versions[organizationID]
	h.mu.Unlock()

	notes, err := h.source.ListNotes(ctx, organizationID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot %s: %w", organizationID, err)
	}
	return Snapshot{OrganizationID: organizationID, Version: version, Notes: notes}, nil
}

// Subscribers returns the number of live subscriptions for organizationID.
func (h *Hub) Subscribers(organizationID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[organizationID])
}

// Refresh re-reads organizationID and pushes the snapshot to its local
// subscribers. Organizations without subscribers are skipped.
func (h *Hub) Refresh(ctx context.Context, organizationID string) {
	if h.Subscribers(organizationID) == 0 {
		return
	}
	h.refreshMu.Lock()
	defer h.refreshMu.Unlock()

	snap, err := h.Snapshot(ctx, organizationID)
	if err != nil {
		h.logger.Warn().Err(err).Str("organization_id", organizationID).Msg("livesync: refresh failed")
		return
	}
	h.mu.Lock()
	targets := make([]*subscription, 0, len(h.subs[organizationID]))
	for _, sub := range h.subs[organizationID] {
		targets = append(targets, sub)
	}
	h.mu.Unlock()
	for _, sub := range targets {
		sub.offer(snap)
	}
}

// Notify announces a committed change to organizationID. With a publisher
// configured the announcement goes through it, falling back to a local
// refresh when publishing fails.
func (h *Hub) Notify(ctx context.Context, organizationID string) {
	h.mu.Lock()
	publisher := h.publisher
	h.mu.Unlock()

	if publisher != nil {
		err := publisher.Publish(ctx, organizationID)
		if err == nil {
			return
		}
		h.logger.Warn().Err(err).Str("organization_id", organizationID).Msg("livesync: publish failed, refreshing locally")
	}
	h.Refresh(ctx, organizationID)
}

// Hook adapts the hub to the mutation processor.
func (h *Hub) Hook() mutator.Hook {
	return func(ctx context.Context, change mutator.Change) {
		h.Notify(context.WithoutCancel(ctx), change.OrganizationID)
	}
}

// Close drops every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for organizationID, subs := range h.subs {
		for _, sub := range subs {
			sub.once.Do(func() { close(sub.done) })
		}
		delete(h.subs, organizationID)
	}
}
