package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"notetree/api/internal/fault"
)

const uniqueViolation = "23505"

const noteColumns = `note_id, title, content, suggestion_content, parent_id, sort_key, organization_id, created_by, created_at, updated_at`

const userColumns = `user_id, email, hashed_password, is_active, organization_id, created_at, updated_at`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithinTx opens a transaction, pins app.current_tenant for its duration and
// commits only if fn succeeds.
func (s *PostgresStore) WithinTx(ctx context.Context, tenantID string, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT set_config('app.current_tenant', $1, true)`, tenantID); err != nil {
		return fmt.Errorf("set tenant: %w", err)
	}
	if err := fn(&sqlTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// CreateOrganizationWithOwner inserts an organization and its first user
// atomically. Name or email collisions return fault.ErrDuplicateEntry.
func (s *PostgresStore) CreateOrganizationWithOwner(ctx context.Context, org Organization, owner User) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM organizations WHERE name=$1)`, org.Name).Scan(&exists); err != nil {
		return fmt.Errorf("check organization name: %w", err)
	}
	if exists {
		return fmt.Errorf("organization %q: %w", org.Name, fault.ErrDuplicateEntry)
	}
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE email=$1)`, owner.Email).Scan(&exists); err != nil {
		return fmt.Errorf("check user email: %w", err)
	}
	if exists {
		return fmt.Errorf("user %q: %w", owner.Email, fault.ErrDuplicateEntry)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO organizations (organization_id, name, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, org.ID, org.Name, org.IsActive, org.CreatedAt, org.UpdatedAt); err != nil {
		return writeError("insert organization", err)
	}
	if err := insertUser(ctx, tx, owner); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit signup: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	return insertUser(ctx, s.db, user)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertUser(ctx context.Context, db execer, user User) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, user.ID, user.Email, user.PasswordHash, user.IsActive, user.OrganizationID, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return writeError("insert user", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=$1`, strings.ToLower(strings.TrimSpace(email)))
	user, err := scanUser(row)
	if err != nil {
		return User{}, readError("get user by email", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_id=$1`, userID))
	if err != nil {
		return User{}, readError("get user", err)
	}
	return user, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context, organizationID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE organization_id=$1 ORDER BY created_at, email`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

func (s *PostgresStore) GetOrganization(ctx context.Context, organizationID string) (Organization, error) {
	var org Organization
	err := s.db.QueryRowContext(ctx, `
		SELECT organization_id, name, is_active, created_at, updated_at
		FROM organizations WHERE organization_id=$1
	`, organizationID).Scan(&org.ID, &org.Name, &org.IsActive, &org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		return Organization{}, readError("get organization", err)
	}
	return org, nil
}

// ListNotes returns the flat note set of one tenant.
func (s *PostgresStore) ListNotes(ctx context.Context, organizationID string) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+noteColumns+` FROM notes WHERE organization_id=$1 ORDER BY parent_id NULLS FIRST, sort_key`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	return collectNotes(rows)
}

type sqlTx struct {
	tx *sql.Tx
}

// GetNote locks the row so the ownership check and the following write see
// the same version.
func (t *sqlTx) GetNote(ctx context.Context, noteID string) (Note, error) {
	note, err := scanNote(t.tx.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM notes WHERE note_id=$1 FOR UPDATE`, noteID))
	if err != nil {
		return Note{}, readError("get note", err)
	}
	return note, nil
}

func (t *sqlTx) QueryNotes(ctx context.Context, filter NoteFilter) ([]Note, error) {
	query := `SELECT ` + noteColumns + ` FROM notes WHERE organization_id=$1`
	args := []any{filter.OrganizationID}
	if filter.ByParent {
		if filter.ParentID == "" {
			query += ` AND parent_id IS NULL`
		} else {
			query += ` AND parent_id=$2`
			args = append(args, filter.ParentID)
		}
	}
	query += ` ORDER BY sort_key, created_at`

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notes: %w", err)
	}
	return collectNotes(rows)
}

func (t *sqlTx) InsertNote(ctx context.Context, note Note) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO notes (`+noteColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, note.ID, note.Title, note.Content, note.SuggestionContent, note.ParentID, note.SortKey,
		note.OrganizationID, note.CreatedBy, note.CreatedAt, note.UpdatedAt)
	if err != nil {
		return writeError("insert note", err)
	}
	return nil
}

func (t *sqlTx) UpdateNote(ctx context.Context, note Note) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE notes
		SET title=$2, content=$3, suggestion_content=$4, parent_id=$5, sort_key=$6, updated_at=$7
		WHERE note_id=$1
	`, note.ID, note.Title, note.Content, note.SuggestionContent, note.ParentID, note.SortKey, note.UpdatedAt)
	if err != nil {
		return writeError("update note", err)
	}
	return expectRow("update note", result)
}

func (t *sqlTx) DeleteNote(ctx context.Context, noteID string) error {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM notes WHERE note_id=$1`, noteID)
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	return expectRow("delete note", result)
}

func (t *sqlTx) GetUser(ctx context.Context, userID string) (User, error) {
	user, err := scanUser(t.tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_id=$1 FOR UPDATE`, userID))
	if err != nil {
		return User{}, readError("get user", err)
	}
	return user, nil
}

func (t *sqlTx) UpdateUser(ctx context.Context, user User) error {
	result, err := t.tx.ExecContext(ctx, `UPDATE users SET is_active=$2, updated_at=$3 WHERE user_id=$1`, user.ID, user.IsActive, user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return expectRow("update user", result)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(row rowScanner) (Note, error) {
	var (
		note       Note
		title      sql.NullString
		suggestion sql.NullString
		parentID   sql.NullString
	)
	err := row.Scan(&note.ID, &title, &note.Content, &suggestion, &parentID, &note.SortKey,
		&note.OrganizationID, &note.CreatedBy, &note.CreatedAt, &note.UpdatedAt)
	if err != nil {
		return Note{}, err
	}
	note.Title = nullable(title)
	note.SuggestionContent = nullable(suggestion)
	note.ParentID = nullable(parentID)
	return note, nil
}

func scanUser(row rowScanner) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &user.IsActive, &user.OrganizationID, &user.CreatedAt, &user.UpdatedAt)
	return user, err
}

func collectNotes(rows *sql.Rows) ([]Note, error) {
	defer rows.Close()
	notes := []Note{}
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		notes = append(notes, note)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}
	return notes, nil
}

func nullable(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return StringPtr(value.String)
}

func expectRow(op string, result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

func readError(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func writeError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w: %s", op, fault.ErrDuplicateEntry, pgErr.ConstraintName)
	}
	return fmt.Errorf("%s: %w", op, err)
}
