package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"notetree/api/internal/fault"
)

func openTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("NOTETREE_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("NOTETREE_TEST_DATABASE_URL is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, os.DirFS(filepath.Join("..", "..", "db", "migrations")), zerolog.Nop()); err != nil {
		t.Fatalf("ApplyMigrations() error = %v", err)
	}
	return NewPostgresStore(db)
}

func TestPostgresStoreNoteTransactions(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	org := Organization{ID: "org-1", Name: "Acme", IsActive: true, CreatedAt: now, UpdatedAt: now}
	owner := User{ID: "user-1", Email: "owner@acme.test", PasswordHash: "x", IsActive: true, OrganizationID: "org-1", CreatedAt: now, UpdatedAt: now}
	if err := s.CreateOrganizationWithOwner(ctx, org, owner); err != nil {
		t.Fatalf("CreateOrganizationWithOwner() error = %v", err)
	}
	if err := s.CreateOrganizationWithOwner(ctx, Organization{ID: "org-2", Name: "Acme", CreatedAt: now, UpdatedAt: now}, User{ID: "user-2", Email: "b@acme.test", OrganizationID: "org-2"}); !errors.Is(err, fault.ErrDuplicateEntry) {
		t.Fatalf("duplicate organization error = %v", err)
	}

	err := s.WithinTx(ctx, "org-1", func(tx Tx) error {
		if err := tx.InsertNote(ctx, Note{ID: "a", Content: "", SortKey: "a0", OrganizationID: "org-1", CreatedBy: "user-1", CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		return tx.InsertNote(ctx, Note{ID: "b", Title: StringPtr("B"), Content: "body", ParentID: StringPtr("a"), SortKey: "a0", OrganizationID: "org-1", CreatedBy: "user-1", CreatedAt: now, UpdatedAt: now})
	})
	if err != nil {
		t.Fatalf("insert tx error = %v", err)
	}

	err = s.WithinTx(ctx, "org-1", func(tx Tx) error {
		children, err := tx.QueryNotes(ctx, NoteFilter{OrganizationID: "org-1", ByParent: true, ParentID: "a"})
		if err != nil {
			return err
		}
		if len(children) != 1 || children[0].ID != "b" || children[0].Title == nil || *children[0].Title != "B" {
			t.Fatalf("unexpected children %+v", children)
		}
		return tx.InsertNote(ctx, Note{ID: "a", SortKey: "a1", OrganizationID: "org-1", CreatedBy: "user-1", CreatedAt: now, UpdatedAt: now})
	})
	if !errors.Is(err, fault.ErrDuplicateEntry) {
		t.Fatalf("duplicate note id error = %v", err)
	}

	notes, err := s.ListNotes(ctx, "org-1")
	if err != nil {
		t.Fatalf("ListNotes() error = %v", err)
	}
	if len(notes) != 2 {
		t.Fatalf("expected 2 notes, got %d", len(notes))
	}
}
