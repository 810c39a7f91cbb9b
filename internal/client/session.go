// Package client is the caller side of the note tree: a session that keeps
// a read model rebuilt from every pushed snapshot and turns user intents into
// planned mutations.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"notetree/api/internal/fault"
	"notetree/api/internal/livesync"
	"notetree/api/internal/mutator"
	"notetree/api/internal/notetree"
	"notetree/api/internal/store"
	"notetree/api/internal/util"
)

var (
	ErrClosed   = errors.New("client session closed")
	ErrInFlight = errors.New("a change to this note is already in flight")
)

// View is one immutable state of the read model.
type View struct {
	Version uint64
	Notes   []store.Note
	Tree    *notetree.Tree
}

// Session owns one subscription and the read model built from it. Sessions
// are independent; tests and multiple windows may open as many as they need.
type Session struct {
	transport Transport
	logger    zerolog.Logger
	now       func() time.Time
	newID     func() string

	mu          sync.Mutex
	view        View
	listeners   map[int]func(View)
	nextID      int
	inflight    map[string]bool
	mutationSeq int64
	closed      bool
	unsubscribe func()
	pending     sync.WaitGroup
}

type Option func(*Session)

func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Session) { s.newID = newID }
}

// Open subscribes to the transport. The read model is empty until the first
// snapshot arrives.
func Open(ctx context.Context, transport Transport, logger zerolog.Logger, opts ...Option) (*Session, error) {
	s := &Session{
		transport: transport,
		logger:    logger,
		now:       time.Now,
		newID:     func() string { return util.NewID("note") },
		view:      View{Tree: notetree.Build(nil)},
		listeners: map[int]func(View){},
		inflight:  map[string]bool{},
	}
	for _, opt := range opts {
		opt(s)
	}
	unsubscribe, err := transport.Subscribe(ctx, s.receive)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()
	return s, nil
}

// Close drops the subscription and every listener. Completion callbacks of
// intents still running are not called after Close.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	unsubscribe := s.unsubscribe
	s.listeners = map[int]func(View){}
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	return nil
}

// Wait blocks until every intent started with Go has finished.
func (s *Session) Wait() {
	s.pending.Wait()
}

// receive rebuilds the read model from scratch for every snapshot.
func (s *Session) receive(snap livesync.Snapshot) {
	tree := notetree.Build(snap.Notes)
	if len(tree.Dangling) > 0 {
		s.logger.Warn().Strs("note_ids", tree.Dangling).Msg("notes reference a missing parent, showing them as roots")
	}

	s.mu.Lock()
	if s.closed || snap.Version <= s.view.Version {
		s.mu.Unlock()
		return
	}
	s.view = View{Version: snap.Version, Notes: snap.Notes, Tree: tree}
	view := s.view
	listeners := make([]func(View), 0, len(s.listeners))
	for _, listener := range s.listeners {
		listeners = append(listeners, listener)
	}
	s.mu.Unlock()

	for _, listener := range listeners {
		listener(view)
	}
}

// Snapshot returns the current view.
func (s *Session) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Subscribe calls listener after every read model rebuild.
func (s *Session) Subscribe(listener func(View)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = listener
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Go runs intent in the background and reports its result to done, unless
// the session was closed in the meantime.
func (s *Session) Go(ctx context.Context, intent func(ctx context.Context) error, done func(error)) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		err := intent(ctx)

		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			if err != nil {
				s.logger.Debug().Err(err).Msg("intent finished after close")
			}
			return
		}
		if done != nil {
			done(err)
		}
	}()
}

// AddNote appends a note under parentID ("" for the root list) and returns
// its id. The server picks the sort key, renumbering the siblings in the
// same transaction if their key space is exhausted.
func (s *Session) AddNote(ctx context.Context, parentID string, title *string, content string) (string, error) {
	tree, err := s.openTree()
	if err != nil {
		return "", err
	}
	var parent *string
	if parentID != "" {
		if _, ok := tree.ByID[parentID]; !ok {
			return "", fmt.Errorf("add note under %s: %w", parentID, fault.ErrNotFoundOrForbidden)
		}
		parent = &parentID
	}

	noteID := s.newID()
	now := s.now().UTC()
	return noteID, s.push(ctx, []pending{{mutator.NameInsertNote, mutator.InsertNoteArgs{
		NoteID:    noteID,
		Title:     title,
		Content:   content,
		ParentID:  parent,
		CreatedAt: &now,
		UpdatedAt: &now,
	}}})
}

// MoveNote drops activeID onto overID. Dropping a note on itself is a no-op.
// The local plan only rejects cycles and no-ops early; the placement itself
// is decided and written by one server-side note.move.
func (s *Session) MoveNote(ctx context.Context, activeID, overID string) error {
	tree, err := s.openTree()
	if err != nil {
		return err
	}
	plan, err := notetree.PlanMove(tree, activeID, overID)
	if err != nil {
		return err
	}
	if !plan.Changed {
		return nil
	}
	release, err := s.claim(activeID)
	if err != nil {
		return err
	}
	defer release()
	return s.push(ctx, []pending{{mutator.NameMoveNote, mutator.MoveNoteArgs{NoteID: activeID, OverID: overID}}})
}

// DeleteNote removes noteID and its subtree.
func (s *Session) DeleteNote(ctx context.Context, noteID string) error {
	if _, err := s.openTree(); err != nil {
		return err
	}
	release, err := s.claim(noteID)
	if err != nil {
		return err
	}
	defer release()
	return s.push(ctx, []pending{{mutator.NameDeleteNote, mutator.DeleteNoteArgs{NoteID: noteID}}})
}

// EditNote changes the title and/or content of noteID. Nil leaves a field
// untouched.
func (s *Session) EditNote(ctx context.Context, noteID string, title, content *string) error {
	if _, err := s.openTree(); err != nil {
		return err
	}
	args := mutator.UpdateNoteArgs{NoteID: noteID, Content: content}
	if title != nil {
		args.Title = mutator.Some(*title)
	}
	release, err := s.claim(noteID)
	if err != nil {
		return err
	}
	defer release()
	return s.push(ctx, []pending{{mutator.NameUpdateNote, args}})
}

// SetUserActive toggles a user of the caller's organization.
func (s *Session) SetUserActive(ctx context.Context, userID string, active bool) error {
	if _, err := s.openTree(); err != nil {
		return err
	}
	release, err := s.claim("user:" + userID)
	if err != nil {
		return err
	}
	defer release()
	return s.push(ctx, []pending{{mutator.NameUpdateUser, mutator.UpdateUserArgs{UserID: userID, IsActive: active}}})
}

func (s *Session) openTree() (*notetree.Tree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.view.Tree, nil
}

// claim marks key as busy until release is called.
func (s *Session) claim(key string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[key] {
		return nil, fmt.Errorf("%s: %w", key, ErrInFlight)
	}
	s.inflight[key] = true
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.inflight, key)
	}, nil
}

type pending struct {
	name string
	args any
}

// push sends batch and returns the first failed mutation as an error that
// matches the server's fault kind.
func (s *Session) push(ctx context.Context, batch []pending) error {
	if len(batch) == 0 {
		return nil
	}
	req := mutator.PushRequest{Mutations: make([]mutator.Mutation, 0, len(batch))}
	s.mu.Lock()
	for _, p := range batch {
		s.mutationSeq++
		mutation, err := mutator.Encode(s.mutationSeq, p.name, p.args)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("encode %s: %w", p.name, err)
		}
		req.Mutations = append(req.Mutations, mutation)
	}
	s.mu.Unlock()

	resp, err := s.transport.Push(ctx, req)
	if err != nil {
		return err
	}
	for _, result := range resp.Mutations {
		if result.Result.Failed() {
			return fault.FromCode(result.Result.Code, result.Result.Error)
		}
	}
	return nil
}
