// Package duckdb serves warehouse tables from parquet files held in the
// object store, through an embedded DuckDB database.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/nlquery/nlquery/internal/query"
	"github.com/nlquery/nlquery/internal/storage"
)

// Engine downloads table files on first use, registers one view per table
// and reopens the database read-only for queries.
type Engine struct {
	store   storage.ObjectStore
	sources []storage.TableSource

	mu      sync.Mutex
	db      *sql.DB
	workDir string
}

var _ query.Engine = (*Engine)(nil)

func NewEngine(store storage.ObjectStore, sources []storage.TableSource) *Engine {
	return &Engine{store: store, sources: sources}
}

func (e *Engine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	sqlText, err := query.Statement(request)
	if err != nil {
		return query.Result{}, err
	}
	db, err := e.open(ctx)
	if err != nil {
		return query.Result{}, err
	}

	start := time.Now()
	rows, err := db.QueryContext(ctx, sqlText, request.Args...)
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

func (e *Engine) open(ctx context.Context) (*sql.DB, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db != nil {
		return e.db, nil
	}
	if e.store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if len(e.sources) == 0 {
		return nil, fmt.Errorf("no warehouse tables configured")
	}

	workDir, err := os.MkdirTemp("", "nlquery-warehouse-")
	if err != nil {
		return nil, fmt.Errorf("create warehouse dir: %w", err)
	}
	db, err := e.build(ctx, workDir)
	if err != nil {
		_ = os.RemoveAll(workDir)
		return nil, err
	}
	e.db = db
	e.workDir = workDir
	return db, nil
}

func (e *Engine) build(ctx context.Context, workDir string) (*sql.DB, error) {
	grouped := map[string][]string{}
	for _, source := range e.sources {
		keys, err := e.objectKeys(ctx, source)
		if err != nil {
			return nil, err
		}
		for index, key := range keys {
			localPath := filepath.Join(workDir, fmt.Sprintf("%s_%d.parquet", source.Table, index))
			if err := e.download(ctx, key, localPath); err != nil {
				return nil, err
			}
			grouped[source.Table] = append(grouped[source.Table], localPath)
		}
	}

	dbPath := filepath.Join(workDir, "warehouse.duckdb")
	writable, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	for table, paths := range grouped {
		viewSQL := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet(%s)`, query.QuoteIdent(table), quoteStringArray(paths))
		if _, err := writable.ExecContext(ctx, viewSQL); err != nil {
			_ = writable.Close()
			return nil, fmt.Errorf("create view for table %q: %w", table, err)
		}
	}
	if err := writable.Close(); err != nil {
		return nil, fmt.Errorf("close duckdb: %w", err)
	}

	db, err := sql.Open("duckdb", dbPath+"?access_mode=read_only")
	if err != nil {
		return nil, fmt.Errorf("reopen duckdb read-only: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	return db, nil
}

func (e *Engine) objectKeys(ctx context.Context, source storage.TableSource) ([]string, error) {
	if !source.IsPrefix() {
		return []string{source.Key}, nil
	}
	objects, err := e.store.List(ctx, source.Key)
	if err != nil {
		return nil, fmt.Errorf("list parquet files for table %q: %w", source.Table, err)
	}
	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, ".parquet") {
			keys = append(keys, obj.Key)
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no parquet files under %q for table %q", source.Key, source.Table)
	}
	return keys, nil
}

func (e *Engine) download(ctx context.Context, key, localPath string) error {
	reader, err := e.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("get object %q: %w", key, err)
	}
	if err := writeFile(localPath, reader); err != nil {
		_ = reader.Close()
		return fmt.Errorf("write local parquet file %q: %w", localPath, err)
	}
	if err := reader.Close(); err != nil {
		return fmt.Errorf("close object %q: %w", key, err)
	}
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var err error
	if e.db != nil {
		err = e.db.Close()
		e.db = nil
	}
	if e.workDir != "" {
		_ = os.RemoveAll(e.workDir)
		e.workDir = ""
	}
	return err
}

func quoteStringArray(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, value := range values {
		quoted = append(quoted, `'`+strings.ReplaceAll(value, `'`, `''`)+`'`)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}

func writeFile(path string, reader io.Reader) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, reader); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}
