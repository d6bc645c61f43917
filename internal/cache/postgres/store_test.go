package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/querycache/querycache/internal/cache"
	"github.com/querycache/querycache/internal/query"
)

func TestEnsureSchemaCreatesTable(t *testing.T) {
	db, mock := newSQLMock(t)
	store := NewStore(db, "")

	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "query_cache"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestEnsureSchemaTreatsConcurrentCreateAsSuccess(t *testing.T) {
	for _, code := range []string{pgUniqueViolation, pgDuplicateTable} {
		db, mock := newSQLMock(t)
		mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "answers"`)).
			WillReturnError(&pgconn.PgError{Code: code, Message: "already exists"})

		if err := NewStore(db, "answers").EnsureSchema(context.Background()); err != nil {
			t.Fatalf("EnsureSchema() with code %s error = %v", code, err)
		}
		assertSQLMock(t, mock)
	}
}

func TestEnsureSchemaReturnsProvisionError(t *testing.T) {
	db, mock := newSQLMock(t)
	cause := &pgconn.PgError{Code: "42501", Message: "permission denied for schema public"}
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS`)).WillReturnError(cause)

	err := NewStore(db, "").EnsureSchema(context.Background())
	var provisionErr *cache.SchemaProvisionError
	if !errors.As(err, &provisionErr) {
		t.Fatalf("error = %v, want SchemaProvisionError", err)
	}
	if provisionErr.Backend != "postgres" {
		t.Fatalf("Backend = %q", provisionErr.Backend)
	}
	assertSQLMock(t, mock)
}

func TestGetDecodesStoredEntry(t *testing.T) {
	db, mock := newSQLMock(t)
	store := NewStore(db, "")
	question := "Show all customers who are from Alabama"

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT sql_query, result_json FROM "query_cache" WHERE cache_key = $1`)).
		WithArgs(cache.ComputeKey(question)).
		WillReturnRows(sqlmock.NewRows([]string{"sql_query", "result_json"}).
			AddRow("SELECT name FROM customers WHERE state = 'AL'", []byte(`{"columns":["name"],"records":[{"name":"Ada"}]}`)))

	entry, err := store.Get(context.Background(), "  SHOW all customers who are from Alabama ")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if entry.Query != "SELECT name FROM customers WHERE state = 'AL'" {
		t.Fatalf("Query = %q", entry.Query)
	}
	if len(entry.Result.Rows) != 1 || entry.Result.Rows[0][0] != "Ada" {
		t.Fatalf("Result = %#v", entry.Result)
	}
	assertSQLMock(t, mock)
}

func TestGetReturnsNotFound(t *testing.T) {
	db, mock := newSQLMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT sql_query, result_json FROM "query_cache"`)).
		WillReturnError(sql.ErrNoRows)

	_, err := NewStore(db, "").Get(context.Background(), "unknown")
	if !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	assertSQLMock(t, mock)
}

func TestGetSurfacesStorageFailure(t *testing.T) {
	db, mock := newSQLMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT sql_query, result_json FROM "query_cache"`)).
		WillReturnError(errors.New("connection reset"))

	_, err := NewStore(db, "").Get(context.Background(), "q")
	if err == nil || errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("error = %v, want storage error distinct from not found", err)
	}
	assertSQLMock(t, mock)
}

func TestPutInsertsIfAbsent(t *testing.T) {
	db, mock := newSQLMock(t)
	store := NewStore(db, "")
	entry := cache.Entry{
		Query:  "SELECT 1 AS n",
		Result: query.Result{Columns: []string{"n"}, Rows: [][]any{{int64(1)}}},
	}

	mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT (cache_key) DO NOTHING`)).
		WithArgs(cache.ComputeKey("Q"), "q", "SELECT 1 AS n", `{"columns":["n"],"records":[{"n":1}]}`, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT (cache_key) DO NOTHING`)).
		WithArgs(cache.ComputeKey("Q"), "q", "SELECT 2 AS n", `{"columns":["n"],"records":[{"n":1}]}`, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := store.Put(context.Background(), "Q", entry)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if !inserted {
		t.Fatal("first Put should insert")
	}

	entry.Query = "SELECT 2 AS n"
	inserted, err = store.Put(context.Background(), "Q", entry)
	if err != nil {
		t.Fatalf("second Put() error = %v", err)
	}
	if inserted {
		t.Fatal("second Put should be a no-op")
	}
	assertSQLMock(t, mock)
}

func TestCount(t *testing.T) {
	db, mock := newSQLMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "query_cache"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(12)))

	count, err := NewStore(db, "").Count(context.Background())
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 12 {
		t.Fatalf("Count() = %d", count)
	}
	assertSQLMock(t, mock)
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
