package history

import (
	"context"
	"database/sql"
	"fmt"
)

// Repository stores entries in the question_history table.
type Repository struct {
	db *sql.DB
}

var _ Log = (*Repository)(nil)

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping history db: %w", err)
	}
	return nil
}

func (r *Repository) Append(ctx context.Context, entry Entry) (Entry, error) {
	query := `
INSERT INTO question_history (trace_id, question, generated_sql, answer, error_kind, duration_ms)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING entry_id, created_at`
	if err := r.db.QueryRowContext(ctx, query,
		entry.TraceID,
		entry.Question,
		entry.GeneratedSQL,
		entry.Answer,
		entry.ErrorKind,
		entry.DurationMS,
	).Scan(&entry.ID, &entry.CreatedAt); err != nil {
		return Entry{}, fmt.Errorf("append history entry: %w", err)
	}
	return entry, nil
}

func (r *Repository) List(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT entry_id, trace_id, question, generated_sql, answer, error_kind, duration_ms, created_at
FROM question_history
ORDER BY entry_id DESC
LIMIT $1`, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list history entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]Entry, 0)
	for rows.Next() {
		var entry Entry
		if err := rows.Scan(
			&entry.ID,
			&entry.TraceID,
			&entry.Question,
			&entry.GeneratedSQL,
			&entry.Answer,
			&entry.ErrorKind,
			&entry.DurationMS,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return entries, nil
}

// RecordCorpusRevision notes the outcome of a corpus reload or replace.
func (r *Repository) RecordCorpusRevision(ctx context.Context, source string, exemplars int, cause error) error {
	status, message := "ok", ""
	if cause != nil {
		status, message = "error", cause.Error()
	}
	query := `
INSERT INTO corpus_revision (source, exemplar_count, status, error_message)
VALUES ($1, $2, $3, $4)`
	if _, err := r.db.ExecContext(ctx, query, source, exemplars, status, message); err != nil {
		return fmt.Errorf("record corpus revision: %w", err)
	}
	return nil
}
