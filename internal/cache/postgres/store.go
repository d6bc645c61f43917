package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/querycache/querycache/internal/cache"
)

const DefaultTable = "query_cache"

const (
	pgUniqueViolation = "23505"
	pgDuplicateTable  = "42P07"
)

// Store is the durable second tier backed by a PostgreSQL table.
type Store struct {
	db    *sql.DB
	table string
}

func NewStore(db *sql.DB, table string) *Store {
	table = strings.TrimSpace(table)
	if table == "" {
		table = DefaultTable
	}
	return &Store{db: db, table: pgx.Identifier{table}.Sanitize()}
}

// EnsureSchema creates the cache table if it does not exist. Two instances
// racing on CREATE TABLE IF NOT EXISTS can still collide in the system
// catalogs; that collision means the table exists and is treated as success.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s.db == nil {
		return &cache.SchemaProvisionError{Backend: "postgres", Err: errors.New("database is required")}
	}
	statement := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    cache_key TEXT PRIMARY KEY,
    question TEXT NOT NULL,
    sql_query TEXT NOT NULL,
    result_json JSONB,
    row_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, s.table)
	if _, err := s.db.ExecContext(ctx, statement); err != nil {
		if isCreateRace(err) {
			return nil
		}
		return &cache.SchemaProvisionError{Backend: "postgres", Err: err}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, question string) (cache.Entry, error) {
	statement := fmt.Sprintf(`SELECT sql_query, result_json FROM %s WHERE cache_key = $1`, s.table)

	var (
		sqlQuery string
		payload  []byte
	)
	err := s.db.QueryRowContext(ctx, statement, cache.ComputeKey(question)).Scan(&sqlQuery, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cache.Entry{}, cache.ErrNotFound
		}
		return cache.Entry{}, fmt.Errorf("get cache entry: %w", err)
	}

	result, err := cache.DecodeResult(payload)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("decode cache entry: %w", err)
	}
	return cache.Entry{Query: sqlQuery, Result: result}, nil
}

// Put inserts the entry unless the key is already present. The existing row
// is never updated.
func (s *Store) Put(ctx context.Context, question string, entry cache.Entry) (bool, error) {
	payload, err := cache.EncodeResult(entry.Result)
	if err != nil {
		return false, err
	}
	statement := fmt.Sprintf(`
INSERT INTO %s (cache_key, question, sql_query, result_json, row_count)
VALUES ($1, $2, $3, $4::jsonb, $5)
ON CONFLICT (cache_key) DO NOTHING`, s.table)

	res, err := s.db.ExecContext(ctx, statement,
		cache.ComputeKey(question),
		cache.NormalizeQuestion(question),
		entry.Query,
		string(payload),
		int64(len(entry.Result.Rows)),
	)
	if err != nil {
		return false, fmt.Errorf("put cache entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("put cache entry rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)).Scan(&count); err != nil {
		return 0, fmt.Errorf("count cache entries: %w", err)
	}
	return count, nil
}

func isCreateRace(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgUniqueViolation || pgErr.Code == pgDuplicateTable
}
