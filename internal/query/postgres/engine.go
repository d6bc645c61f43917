package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/querycache/querycache/internal/query"
)

// Engine runs generated SQL against PostgreSQL inside a read-only
// transaction.
type Engine struct {
	db       *sql.DB
	rowLimit int
}

func NewEngine(db *sql.DB, rowLimit int) *Engine {
	return &Engine{db: db, rowLimit: rowLimit}
}

func (e *Engine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	if strings.TrimSpace(request.SQL) == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}
	if e.db == nil {
		return query.Result{}, fmt.Errorf("database is required")
	}
	limit := request.RowLimit
	if limit <= 0 {
		limit = e.rowLimit
	}
	sqlText := query.WithRowLimit(request.SQL, limit)
	if sqlText == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}

	start := time.Now()
	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return query.Result{}, fmt.Errorf("begin read-only tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, sqlText)
	if err != nil {
		return query.Result{}, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return query.Result{}, fmt.Errorf("query columns: %w", err)
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return query.Result{}, fmt.Errorf("scan row: %w", err)
		}
		resultRows = append(resultRows, query.NormalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, fmt.Errorf("iterate rows: %w", err)
	}
	if err := rows.Close(); err != nil {
		return query.Result{}, fmt.Errorf("close rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return query.Result{}, fmt.Errorf("commit read-only tx: %w", err)
	}

	return query.Result{
		Columns:  columns,
		Rows:     resultRows,
		Duration: time.Since(start),
	}, nil
}
