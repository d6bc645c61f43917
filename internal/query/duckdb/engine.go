package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/querycache/querycache/internal/query"
	"github.com/querycache/querycache/internal/schema"
	"github.com/querycache/querycache/internal/storage"
)

// Engine executes SQL over Parquet datasets kept in object storage. Every
// table is a directory <DatasetPrefix>/<table>/ holding one or more Parquet
// files; the files are copied locally and exposed as DuckDB views.
type Engine struct {
	Store         storage.ObjectStore
	DatasetPrefix string
	RowLimit      int
}

func NewEngine(store storage.ObjectStore, datasetPrefix string, rowLimit int) *Engine {
	return &Engine{Store: store, DatasetPrefix: datasetPrefix, RowLimit: rowLimit}
}

func (e *Engine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	if strings.TrimSpace(request.SQL) == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}
	limit := request.RowLimit
	if limit <= 0 {
		limit = e.RowLimit
	}
	sqlText := query.WithRowLimit(request.SQL, limit)
	if sqlText == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}

	start := time.Now()
	session, err := e.open(ctx, request.Files)
	if err != nil {
		return query.Result{}, err
	}
	defer session.close()

	rows, err := session.db.QueryContext(ctx, sqlText)
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

	return query.Result{
		Columns:      columns,
		Rows:         resultRows,
		ScannedFiles: session.files,
		ScannedBytes: session.bytes,
		Duration:     time.Since(start),
	}, nil
}

// Describe renders the discovered datasets for the SQL generator.
func (e *Engine) Describe(ctx context.Context) (string, error) {
	session, err := e.open(ctx, nil)
	if err != nil {
		return "", err
	}
	defer session.close()

	tables := make([]schema.Table, 0, len(session.tables))
	for _, name := range session.tables {
		table := schema.Table{Name: name}
		columns, err := describeColumns(ctx, session.db, name)
		if err != nil {
			return "", err
		}
		table.Columns = columns
		if err := session.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, quoteIdent(name))).Scan(&table.RowCount); err != nil {
			return "", fmt.Errorf("count rows in %q: %w", name, err)
		}
		tables = append(tables, table)
	}
	return schema.Format(tables), nil
}

// Discover lists dataset files below DatasetPrefix grouped by table.
func (e *Engine) Discover(ctx context.Context) ([]query.TableFile, error) {
	if e.Store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	prefix := strings.Trim(strings.TrimSpace(e.DatasetPrefix), "/")
	if prefix != "" {
		prefix += "/"
	}
	objects, err := e.Store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	files := make([]query.TableFile, 0, len(objects))
	for _, object := range objects {
		table, ok := storage.ParseDatasetFilePath(e.DatasetPrefix, object.Key)
		if !ok {
			continue
		}
		files = append(files, query.TableFile{TableName: table, ObjectPath: object.Key, FileSizeBytes: object.Size})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].TableName != files[j].TableName {
			return files[i].TableName < files[j].TableName
		}
		return files[i].ObjectPath < files[j].ObjectPath
	})
	return files, nil
}

type session struct {
	db      *sql.DB
	workDir string
	tables  []string
	files   int
	bytes   int64
}

func (s *session) close() {
	_ = s.db.Close()
	_ = os.RemoveAll(s.workDir)
}

// open materializes the files locally and creates one view per table. With
// no explicit files the datasets are discovered from the object store.
func (e *Engine) open(ctx context.Context, files []query.TableFile) (*session, error) {
	if e.Store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if len(files) == 0 {
		discovered, err := e.Discover(ctx)
		if err != nil {
			return nil, err
		}
		files = discovered
	}

	workDir, err := os.MkdirTemp("", "querycache-duckdb-")
	if err != nil {
		return nil, fmt.Errorf("create query temp dir: %w", err)
	}

	groupedPaths := map[string][]string{}
	var scannedBytes int64
	for index, file := range files {
		localPath := filepath.Join(workDir, fmt.Sprintf("%s_%d.parquet", sanitizeFileComponent(file.TableName), index))
		if err := e.download(ctx, file.ObjectPath, localPath); err != nil {
			_ = os.RemoveAll(workDir)
			return nil, err
		}
		groupedPaths[file.TableName] = append(groupedPaths[file.TableName], localPath)
		scannedBytes += file.FileSizeBytes
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		_ = os.RemoveAll(workDir)
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	s := &session{db: db, workDir: workDir, files: len(files), bytes: scannedBytes}

	for tableName := range groupedPaths {
		s.tables = append(s.tables, tableName)
	}
	sort.Strings(s.tables)
	for _, tableName := range s.tables {
		viewSQL := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet(%s)`, quoteIdent(tableName), quoteStringArray(groupedPaths[tableName]))
		if _, err := db.ExecContext(ctx, viewSQL); err != nil {
			s.close()
			return nil, fmt.Errorf("create view for table %q: %w", tableName, err)
		}
	}
	return s, nil
}

func (e *Engine) download(ctx context.Context, objectPath, localPath string) error {
	reader, err := e.Store.Get(ctx, objectPath)
	if err != nil {
		return fmt.Errorf("get object %q: %w", objectPath, err)
	}
	defer func() { _ = reader.Close() }()

	file, err := os.OpenFile(localPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create local parquet file %q: %w", localPath, err)
	}
	if _, err := io.Copy(file, reader); err != nil {
		_ = file.Close()
		return fmt.Errorf("write local parquet file %q: %w", localPath, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close local parquet file %q: %w", localPath, err)
	}
	return nil
}

func describeColumns(ctx context.Context, db *sql.DB, table string) ([]schema.Column, error) {
	rows, err := db.QueryContext(ctx, `
SELECT column_name, data_type
FROM information_schema.columns
WHERE table_name = ?
ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, fmt.Errorf("list columns of %q: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	columns := make([]schema.Column, 0)
	for rows.Next() {
		var column schema.Column
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

func quoteIdent(value string) string {
	return schema.QuoteIdentifier(value)
}

func quoteStringArray(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, value := range values {
		quoted = append(quoted, `'`+strings.ReplaceAll(value, `'`, `''`)+`'`)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}

func sanitizeFileComponent(value string) string {
	value = strings.ReplaceAll(value, "/", "_")
	value = strings.ReplaceAll(value, "..", "_")
	if value == "" {
		return "table"
	}
	return value
}
