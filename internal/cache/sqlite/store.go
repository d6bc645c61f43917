package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/querycache/querycache/internal/cache"
)

const DefaultTable = "query_cache"

// Store is a single-node second tier backed by a SQLite file.
type Store struct {
	db    *sql.DB
	table string
}

// Open opens (creating if needed) the SQLite database at path. WAL mode and a
// busy timeout let concurrent writers queue instead of failing fast.
func Open(path, table string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	params := url.Values{}
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "journal_mode(WAL)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}
	return New(db, table), nil
}

func New(db *sql.DB, table string) *Store {
	table = strings.TrimSpace(table)
	if table == "" {
		table = DefaultTable
	}
	return &Store{db: db, table: quoteIdentifier(table)}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	statement := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	cache_key TEXT PRIMARY KEY,
	question TEXT NOT NULL,
	sql_query TEXT NOT NULL,
	result_json TEXT,
	row_count INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`, s.table)
	if _, err := s.db.ExecContext(ctx, statement); err != nil {
		return &cache.SchemaProvisionError{Backend: "sqlite", Err: err}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, question string) (cache.Entry, error) {
	var (
		sqlQuery string
		payload  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT sql_query, result_json FROM %s WHERE cache_key = ?`, s.table),
		cache.ComputeKey(question),
	).Scan(&sqlQuery, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cache.Entry{}, cache.ErrNotFound
		}
		return cache.Entry{}, fmt.Errorf("get cache entry: %w", err)
	}

	result, err := cache.DecodeResult([]byte(payload.String))
	if err != nil {
		return cache.Entry{}, fmt.Errorf("decode cache entry: %w", err)
	}
	return cache.Entry{Query: sqlQuery, Result: result}, nil
}

func (s *Store) Put(ctx context.Context, question string, entry cache.Entry) (bool, error) {
	payload, err := cache.EncodeResult(entry.Result)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (cache_key, question, sql_query, result_json, row_count)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(cache_key) DO NOTHING`, s.table),
		cache.ComputeKey(question),
		cache.NormalizeQuestion(question),
		entry.Query,
		string(payload),
		len(entry.Result.Rows),
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

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
