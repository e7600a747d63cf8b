// Package sqldb runs queries against a database/sql warehouse connection.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nlquery/nlquery/internal/query"
)

type Engine struct {
	db   *sql.DB
	role string
}

var _ query.Engine = (*Engine)(nil)

// New returns an engine over db. A non-empty role is assumed for every
// statement with SET LOCAL ROLE.
func New(db *sql.DB, role string) *Engine {
	return &Engine{db: db, role: role}
}

// Execute runs the statement inside a read-only transaction that is always
// rolled back.
func (e *Engine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	if e.db == nil {
		return query.Result{}, fmt.Errorf("warehouse db is required")
	}
	sqlText, err := query.Statement(request)
	if err != nil {
		return query.Result{}, err
	}

	start := time.Now()
	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return query.Result{}, fmt.Errorf("begin read-only tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if e.role != "" {
		if _, err := tx.ExecContext(ctx, "SET LOCAL ROLE "+query.QuoteIdent(e.role)); err != nil {
			return query.Result{}, fmt.Errorf("set role %q: %w", e.role, err)
		}
	}

	rows, err := tx.QueryContext(ctx, sqlText, request.Args...)
	if err != nil {
		return query.Result{}, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, resultRows, err := query.CollectRows(rows)
	if err != nil {
		return query.Result{}, err
	}
	return query.Result{Columns: columns, Rows: resultRows, Duration: time.Since(start)}, nil
}
