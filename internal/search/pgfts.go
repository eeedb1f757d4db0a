package search

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
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

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search matches the owner's entries with plainto_tsquery, ranked by ts_rank,
// with ts_headline snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	ctx := context.Background()

	var total int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM entries
		WHERE user_email = $1
			AND to_tsvector('english', text) @@ plainto_tsquery('english', $2)
	`, q.OwnerEmail, q.Text).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT e.id, e.text,
			ts_headline('english', e.text, plainto_tsquery('english', $2), 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>') AS snippet,
			COALESCE(string_agg(ec.competency_id::text, ',' ORDER BY ec.competency_id), '') AS competency_ids
		FROM entries e
		LEFT JOIN entry_competencies ec ON ec.entry_id = e.id
		WHERE e.user_email = $1
			AND to_tsvector('english', e.text) @@ plainto_tsquery('english', $2)
		GROUP BY e.id
		ORDER BY ts_rank(to_tsvector('english', e.text), plainto_tsquery('english', $2)) DESC, e.id DESC
		LIMIT $3 OFFSET $4
	`, q.OwnerEmail, q.Text, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts search: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var joined string
		if err := rows.Scan(&r.EntryID, &r.Text, &r.Snippet, &joined); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.CompetencyIDs = splitIDs(joined)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("pgfts iterate: %w", err)
	}

	return results, total, nil
}

// LoadAllRecords reads every entry from PostgreSQL for Meilisearch reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]EntryRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT e.id, e.user_email, e.text, EXTRACT(EPOCH FROM e.created_at)::bigint,
			COALESCE(string_agg(ec.competency_id::text, ',' ORDER BY ec.competency_id), '') AS competency_ids
		FROM entries e
		LEFT JOIN entry_competencies ec ON ec.entry_id = e.id
		GROUP BY e.id
		ORDER BY e.id
	`)
	if err != nil {
		return nil, fmt.Errorf("load entry records: %w", err)
	}
	defer rows.Close()

	var records []EntryRecord
	for rows.Next() {
		var id int64
		var record EntryRecord
		var joined string
		if err := rows.Scan(&id, &record.UserEmail, &record.Text, &record.CreatedAt, &joined); err != nil {
			return nil, fmt.Errorf("scan entry record: %w", err)
		}
		record.ID = strconv.FormatInt(id, 10)
		record.CompetencyIDs = splitIDs(joined)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entry records: %w", err)
	}
	return records, nil
}

func splitIDs(joined string) []int64 {
	if joined == "" {
		return []int64{}
	}
	parts := strings.Split(joined, ",")
	ids := make([]int64, 0, len(parts))
	for _, part := range parts {
		if id, err := strconv.ParseInt(part, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
