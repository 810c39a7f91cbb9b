package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

const pgftsWhere = `n.organization_id = $1 AND n.fts @@ plainto_tsquery('english', $2)`

// Search ranks the tenant's notes with ts_rank and builds snippets with
// ts_headline.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM notes n WHERE `+pgftsWhere,
		q.OrganizationID, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT n.note_id, coalesce(n.title, ''),
			ts_headline('english', n.content, plainto_tsquery('english', $2), 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>'),
			n.parent_id, n.organization_id
		FROM notes n
		WHERE `+pgftsWhere+`
		ORDER BY ts_rank(n.fts, plainto_tsquery('english', $2)) DESC, n.note_id
		LIMIT $3 OFFSET $4`,
		q.OrganizationID, q.Text, q.limit(), q.offset())
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var parent sql.NullString
		if err := rows.Scan(&r.NoteID, &r.Title, &r.Snippet, &parent, &r.OrganizationID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		if parent.Valid {
			r.ParentID = &parent.String
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}
