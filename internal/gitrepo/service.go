// Package gitrepo keeps a git history of every organization's notes. Each
// organization owns one repository with a file per note under notes/.
package gitrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/rs/zerolog"

	"notetree/api/internal/mutator"
	"notetree/api/internal/store"
)

// ErrInvalidPath rejects ids that cannot be used as a single path element.
var ErrInvalidPath = errors.New("id is not a valid path element")

const notesDir = "notes"

// Revision is one commit touching a note.
type Revision struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// FieldChange is one field that differs between two revisions of a note.
type FieldChange struct {
	Field  string `json:"field"`
	Before string `json:"before"`
	After  string `json:"after"`
}

type Service struct {
	baseDir string
	logger  zerolog.Logger
	now     func() time.Time
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string, logger zerolog.Logger) *Service {
	return &Service{
		baseDir: baseDir,
		logger:  logger,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Hook records every committed change in the organization's repository.
// Failures are logged; history never blocks a mutation.
func (s *Service) Hook() mutator.Hook {
	return func(_ context.Context, change mutator.Change) {
		if len(change.Saved) == 0 && len(change.Deleted) == 0 {
			return
		}
		if _, err := s.Record(change.OrganizationID, change.ActorID, change.Saved, change.Deleted); err != nil {
			s.logger.Warn().Err(err).Str("organization_id", change.OrganizationID).Msg("record note history")
		}
	}
}

// Record writes saved notes, removes deleted ones and commits the result as
// one revision. A zero Revision means nothing changed on disk.
func (s *Service) Record(organizationID, actor string, saved []store.Note, deleted []string) (Revision, error) {
	lock := s.orgLock(organizationID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.ensureRepo(organizationID)
	if err != nil {
		return Revision{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Revision{}, fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()
	if err := os.MkdirAll(filepath.Join(root, notesDir), 0o755); err != nil {
		return Revision{}, fmt.Errorf("create notes dir: %w", err)
	}

	var touched []string
	for _, note := range saved {
		rel, err := notePath(note.ID)
		if err != nil {
			s.logger.Warn().Str("note_id", note.ID).Msg("skipping note with unusable id")
			continue
		}
		payload, err := json.MarshalIndent(note, "", "  ")
		if err != nil {
			return Revision{}, fmt.Errorf("marshal note %s: %w", note.ID, err)
		}
		if err := os.WriteFile(filepath.Join(root, rel), append(payload, '\n'), 0o644); err != nil {
			return Revision{}, fmt.Errorf("write note %s: %w", note.ID, err)
		}
		if _, err := worktree.Add(rel); err != nil {
			return Revision{}, fmt.Errorf("git add %s: %w", rel, err)
		}
		touched = append(touched, note.ID)
	}
	for _, noteID := range deleted {
		rel, err := notePath(noteID)
		if err != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, rel)); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if _, err := worktree.Remove(rel); err != nil {
			return Revision{}, fmt.Errorf("git rm %s: %w", rel, err)
		}
		touched = append(touched, noteID)
	}

	status, err := worktree.Status()
	if err != nil {
		return Revision{}, fmt.Errorf("worktree status: %w", err)
	}
	if status.IsClean() {
		return Revision{}, nil
	}

	hash, err := worktree.Commit(commitMessage(saved, deleted), &git.CommitOptions{
		Author: s.signature(actor),
	})
	if err != nil {
		return Revision{}, fmt.Errorf("commit notes: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Revision{}, fmt.Errorf("read commit object: %w", err)
	}
	s.logger.Debug().Str("organization_id", organizationID).Strs("note_ids", touched).Str("hash", hash.String()).Msg("note history committed")
	return toRevision(commitObj), nil
}

// History lists the newest revisions touching noteID, at most limit when
// limit > 0. An organization without history yields an empty list.
func (s *Service) History(organizationID, noteID string, limit int) ([]Revision, error) {
	rel, err := notePath(noteID)
	if err != nil {
		return nil, err
	}
	lock := s.orgLock(organizationID)
	lock.Lock()
	defer lock.Unlock()

	repo, head, err := s.openHead(organizationID)
	if err != nil || repo == nil {
		return []Revision{}, err
	}

	iter, err := repo.Log(&git.LogOptions{From: head, FileName: &rel})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Revision, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toRevision(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// NoteAt returns the note as it was stored at revision hash.
func (s *Service) NoteAt(organizationID, noteID, hash string) (store.Note, error) {
	rel, err := notePath(noteID)
	if err != nil {
		return store.Note{}, err
	}
	lock := s.orgLock(organizationID)
	lock.Lock()
	defer lock.Unlock()

	repo, _, err := s.openHead(organizationID)
	if err != nil {
		return store.Note{}, err
	}
	if repo == nil {
		return store.Note{}, fmt.Errorf("note %s: %w", noteID, store.ErrNotFound)
	}
	commitObj, err := resolveCommit(repo, hash)
	if err != nil {
		return store.Note{}, err
	}
	return readNote(commitObj, rel)
}

// Diff compares revision hash of noteID against the revision before it. The
// first revision of a note diffs against an empty note.
func (s *Service) Diff(organizationID, noteID, hash string) ([]FieldChange, error) {
	rel, err := notePath(noteID)
	if err != nil {
		return nil, err
	}
	lock := s.orgLock(organizationID)
	lock.Lock()
	defer lock.Unlock()

	repo, _, err := s.openHead(organizationID)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, fmt.Errorf("note %s: %w", noteID, store.ErrNotFound)
	}
	commitObj, err := resolveCommit(repo, hash)
	if err != nil {
		return nil, err
	}
	after, err := readNote(commitObj, rel)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	var before store.Note
	if commitObj.NumParents() > 0 {
		parent, err := commitObj.Parent(0)
		if err != nil {
			return nil, fmt.Errorf("read parent commit: %w", err)
		}
		before, err = readNote(parent, rel)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	return DiffFields(before, after), nil
}

// DiffFields lists the user-visible fields that differ, sorted by name.
func DiffFields(from, to store.Note) []FieldChange {
	pairs := []FieldChange{
		{Field: "title", Before: deref(from.Title), After: deref(to.Title)},
		{Field: "content", Before: from.Content, After: to.Content},
		{Field: "suggestionContent", Before: deref(from.SuggestionContent), After: deref(to.SuggestionContent)},
		{Field: "parentId", Before: deref(from.ParentID), After: deref(to.ParentID)},
		{Field: "sortKey", Before: from.SortKey, After: to.SortKey},
	}
	result := make([]FieldChange, 0, len(pairs))
	for _, item := range pairs {
		if item.Before != item.After {
			result = append(result, item)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Field < result[j].Field })
	return result
}

func (s *Service) repoPath(organizationID string) (string, error) {
	if err := checkElement(organizationID); err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, organizationID), nil
}

// ensureRepo opens the organization's repository, creating it with HEAD on
// main when missing.
func (s *Service) ensureRepo(organizationID string) (*git.Repository, error) {
	path, err := s.repoPath(organizationID)
	if err != nil {
		return nil, err
	}
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

// openHead returns a nil repository when the organization has no history yet.
func (s *Service) openHead(organizationID string) (*git.Repository, plumbing.Hash, error) {
	path, err := s.repoPath(organizationID)
	if err != nil {
		return nil, plumbing.ZeroHash, err
	}
	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, plumbing.ZeroHash, nil
	}
	if err != nil {
		return nil, plumbing.ZeroHash, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, plumbing.ZeroHash, nil
	}
	if err != nil {
		return nil, plumbing.ZeroHash, fmt.Errorf("resolve HEAD: %w", err)
	}
	return repo, head.Hash(), nil
}

func (s *Service) orgLock(organizationID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[organizationID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[organizationID] = lock
	}
	return lock
}

func (s *Service) signature(actor string) *object.Signature {
	if actor == "" {
		actor = "notetree"
	}
	return &object.Signature{
		Name:  actor,
		Email: fmt.Sprintf("%s@users.notetree.local", sanitizeEmail(actor)),
		When:  s.now(),
	}
}

func commitMessage(saved []store.Note, deleted []string) string {
	var parts []string
	if len(saved) > 0 {
		ids := make([]string, 0, len(saved))
		for _, note := range saved {
			ids = append(ids, note.ID)
		}
		parts = append(parts, "save "+strings.Join(ids, ", "))
	}
	if len(deleted) > 0 {
		parts = append(parts, "delete "+strings.Join(deleted, ", "))
	}
	return strings.Join(parts, "; ")
}

func notePath(noteID string) (string, error) {
	if err := checkElement(noteID); err != nil {
		return "", err
	}
	return notesDir + "/" + noteID + ".json", nil
}

func checkElement(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) {
		return fmt.Errorf("%q: %w", id, ErrInvalidPath)
	}
	return nil
}

func readNote(commitObj *object.Commit, rel string) (store.Note, error) {
	file, err := commitObj.File(rel)
	if errors.Is(err, object.ErrFileNotFound) {
		return store.Note{}, fmt.Errorf("%s at %s: %w", rel, commitObj.Hash.String()[:7], store.ErrNotFound)
	}
	if err != nil {
		return store.Note{}, fmt.Errorf("load %s from commit: %w", rel, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return store.Note{}, fmt.Errorf("open note reader: %w", err)
	}
	defer reader.Close()

	var note store.Note
	if err := json.NewDecoder(reader).Decode(&note); err != nil {
		return store.Note{}, fmt.Errorf("decode note: %w", err)
	}
	return note, nil
}

func resolveCommit(repo *git.Repository, hash string) (*object.Commit, error) {
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return nil, fmt.Errorf("resolve revision %s: %w", hash, store.ErrNotFound)
	}
	commitObj, err := repo.CommitObject(*resolved)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return commitObj, nil
}

func toRevision(commitObj *object.Commit) Revision {
	return Revision{
		Hash:      commitObj.Hash.String()[:7],
		Message:   strings.TrimSpace(commitObj.Message),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
