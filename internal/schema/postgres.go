package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PostgresProvider introspects the public schema of a PostgreSQL database.
type PostgresProvider struct {
	db      *sql.DB
	exclude map[string]struct{}
}

// NewPostgresProvider skips the named tables, typically the cache table
// itself, so the generator never sees them.
func NewPostgresProvider(db *sql.DB, exclude ...string) *PostgresProvider {
	excluded := make(map[string]struct{}, len(exclude))
	for _, name := range exclude {
		if name = strings.TrimSpace(name); name != "" {
			excluded[name] = struct{}{}
		}
	}
	return &PostgresProvider{db: db, exclude: excluded}
}

func (p *PostgresProvider) Describe(ctx context.Context) (string, error) {
	tables, err := p.Tables(ctx)
	if err != nil {
		return "", err
	}
	return Format(tables), nil
}

func (p *PostgresProvider) Tables(ctx context.Context) ([]Table, error) {
	names, err := p.tableNames(ctx)
	if err != nil {
		return nil, err
	}

	tables := make([]Table, 0, len(names))
	for _, name := range names {
		columns, err := p.columns(ctx, name)
		if err != nil {
			return nil, err
		}
		var count int64
		if err := p.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, QuoteIdentifier(name))).Scan(&count); err != nil {
			return nil, fmt.Errorf("count rows in %q: %w", name, err)
		}
		tables = append(tables, Table{Name: name, RowCount: count, Columns: columns})
	}
	return tables, nil
}

func (p *PostgresProvider) tableNames(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
SELECT table_name
FROM information_schema.tables
WHERE table_schema = 'public'
ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		if _, skip := p.exclude[name]; skip {
			continue
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	return names, nil
}

func (p *PostgresProvider) columns(ctx context.Context, table string) ([]Column, error) {
	rows, err := p.db.QueryContext(ctx, `
SELECT column_name, data_type
FROM information_schema.columns
WHERE table_schema = 'public'
  AND table_name = $1
ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, fmt.Errorf("list columns of %q: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	columns := make([]Column, 0)
	for rows.Next() {
		var column Column
		if err := rows.Scan(&column.Name, &column.Type); err != nil {
			return nil, fmt.Errorf("scan column of %q: %w", table, err)
		}
		columns = append(columns, column)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns of %q: %w", table, err)
	}
	return columns, nil
}
