package dataset

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/parquet-go/parquet-go"

	"github.com/querycache/querycache/internal/storage"
)

const customersCSV = "ID,Full Name,Score,State\n1,Ada,9.5,AL\n2,Grace,,NY\n3,Edsger,7,\n"

func TestCleanName(t *testing.T) {
	cases := map[string]string{
		"Customers":        "customers",
		"  Order Items ":   "order_items",
		"first--name!!":    "first_name",
		"__weird__name__":  "weird_name",
		"2024 sales":       "t_2024_sales",
		"%%%":              "unnamed",
		"":                 "unnamed",
		"already_clean_01": "already_clean_01",
	}
	for input, want := range cases {
		if got := CleanName(input); got != want {
			t.Fatalf("CleanName(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestReadCSVInfersTypes(t *testing.T) {
	table, err := ReadCSV("customers", strings.NewReader(customersCSV))
	if err != nil {
		t.Fatalf("ReadCSV() error = %v", err)
	}
	want := []Column{
		{Name: "id", Type: TypeBigInt},
		{Name: "full_name", Type: TypeText},
		{Name: "score", Type: TypeDouble},
		{Name: "state", Type: TypeText},
	}
	if len(table.Columns) != len(want) {
		t.Fatalf("Columns = %+v", table.Columns)
	}
	for i := range want {
		if table.Columns[i] != want[i] {
			t.Fatalf("Columns[%d] = %+v, want %+v", i, table.Columns[i], want[i])
		}
	}
	if len(table.Rows) != 3 {
		t.Fatalf("rows = %d", len(table.Rows))
	}
	if table.Rows[0][0] != int64(1) || table.Rows[0][2] != 9.5 {
		t.Fatalf("row 0 = %#v", table.Rows[0])
	}
	if table.Rows[1][2] != nil {
		t.Fatalf("empty cell should be NULL, got %#v", table.Rows[1][2])
	}
	if table.Rows[2][2] != float64(7) || table.Rows[2][3] != nil {
		t.Fatalf("row 2 = %#v", table.Rows[2])
	}
}

func TestReadCSVHandlesRepeatedAndShortColumns(t *testing.T) {
	table, err := ReadCSV("t", strings.NewReader("\ufeffName,name,Note\nAda,Lovelace\n"))
	if err != nil {
		t.Fatalf("ReadCSV() error = %v", err)
	}
	got := table.ColumnNames()
	if strings.Join(got, ",") != "name,name_2,note" {
		t.Fatalf("ColumnNames() = %v", got)
	}
	if table.Rows[0][2] != nil {
		t.Fatalf("missing trailing cell should be NULL, got %#v", table.Rows[0][2])
	}
	if table.Columns[2].Type != TypeText {
		t.Fatalf("all-empty column type = %s, want TEXT", table.Columns[2].Type)
	}
}

func TestReadCSVRequiresHeader(t *testing.T) {
	if _, err := ReadCSV("empty", strings.NewReader("")); err == nil {
		t.Fatal("expected header error")
	}
}

func TestCreateTableStatement(t *testing.T) {
	table := Table{Name: "customers", Columns: []Column{
		{Name: "id", Type: TypeBigInt},
		{Name: "score", Type: TypeDouble},
		{Name: "name", Type: TypeText},
	}}
	want := `CREATE TABLE "customers" ("id" BIGINT, "score" DOUBLE PRECISION, "name" TEXT)`
	if got := CreateTableStatement(table); got != want {
		t.Fatalf("CreateTableStatement() = %q, want %q", got, want)
	}
	if got := DropTableStatement("customers"); got != `DROP TABLE IF EXISTS "customers"` {
		t.Fatalf("DropTableStatement() = %q", got)
	}
}

func TestPostgresImporterRequiresPgxConnection(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	table, err := ReadCSV("customers", strings.NewReader(customersCSV))
	if err != nil {
		t.Fatalf("ReadCSV() error = %v", err)
	}
	_, err = NewPostgresImporter(db).Import(context.Background(), table)
	if err == nil || !strings.Contains(err.Error(), "pgx connection") {
		t.Fatalf("Import() error = %v, want pgx connection error", err)
	}
}

func TestEncodeParquetRoundTrip(t *testing.T) {
	table, err := ReadCSV("customers", strings.NewReader("id,name,score\n1,Ada,9.5\n2,,\n"))
	if err != nil {
		t.Fatalf("ReadCSV() error = %v", err)
	}
	data, err := EncodeParquet(table)
	if err != nil {
		t.Fatalf("EncodeParquet() error = %v", err)
	}

	reader := parquet.NewReader(bytes.NewReader(data))
	defer func() { _ = reader.Close() }()

	fields := reader.Schema().Fields()
	if len(fields) != 3 || fields[0].Name() != "id" || fields[1].Name() != "name" || fields[2].Name() != "score" {
		t.Fatalf("unexpected schema: %v", reader.Schema())
	}
	rows := make([]parquet.Row, 2)
	count, err := reader.ReadRows(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("ReadRows() error = %v", err)
	}
	if count != 2 {
		t.Fatalf("read rows = %d", count)
	}
	if rows[0][0].Int64() != 1 || rows[0][1].String() != "Ada" || rows[0][2].Double() != 9.5 {
		t.Fatalf("row 0 = %v", rows[0])
	}
	if !rows[1][1].IsNull() || !rows[1][2].IsNull() {
		t.Fatalf("row 1 should hold NULLs, got %v", rows[1])
	}
}

func TestParquetImporterReplacesDataset(t *testing.T) {
	store := &memoryStore{objects: map[string][]byte{
		"datasets/customers/old-part.parquet": []byte("stale"),
		"datasets/orders/orders.parquet":      []byte("keep"),
	}}
	table, err := ReadCSV("customers", strings.NewReader(customersCSV))
	if err != nil {
		t.Fatalf("ReadCSV() error = %v", err)
	}

	rows, err := NewParquetImporter(store, "datasets").Import(context.Background(), table)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if rows != 3 {
		t.Fatalf("rows = %d", rows)
	}
	if _, ok := store.objects["datasets/customers/old-part.parquet"]; ok {
		t.Fatal("stale file should be removed")
	}
	if _, ok := store.objects["datasets/orders/orders.parquet"]; !ok {
		t.Fatal("other tables must be left alone")
	}
	if len(store.objects["datasets/customers/customers.parquet"]) == 0 {
		t.Fatal("expected uploaded parquet file")
	}
	opts := store.options["datasets/customers/customers.parquet"]
	if opts.ContentType != storage.ParquetContentType || opts.Metadata["rows"] != "3" {
		t.Fatalf("put options = %#v", opts)
	}
}

func TestImportDirImportsCSVFilesInOrder(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "b orders.csv"), "id\n1\n2\n")
	writeTestFile(t, filepath.Join(dir, "a-customers.CSV"), customersCSV)
	writeTestFile(t, filepath.Join(dir, "readme.md"), "ignored")

	importer := &recordingImporter{}
	reports, err := ImportDir(context.Background(), dir, importer, nil)
	if err != nil {
		t.Fatalf("ImportDir() error = %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("reports = %+v", reports)
	}
	if reports[0].Table != "a_customers" || reports[0].Rows != 3 {
		t.Fatalf("reports[0] = %+v", reports[0])
	}
	if reports[1].Table != "b_orders" || reports[1].Rows != 2 {
		t.Fatalf("reports[1] = %+v", reports[1])
	}
}

func TestImportDirRequiresCSVFiles(t *testing.T) {
	if _, err := ImportDir(context.Background(), t.TempDir(), &recordingImporter{}, nil); err == nil {
		t.Fatal("expected error for empty directory")
	}
}

func TestImportDirStopsOnImportError(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "customers.csv"), customersCSV)
	cause := errors.New("warehouse offline")

	_, err := ImportDir(context.Background(), dir, &recordingImporter{err: cause}, nil)
	if !errors.Is(err, cause) {
		t.Fatalf("ImportDir() error = %v, want wrapped cause", err)
	}
}

type recordingImporter struct {
	tables []string
	err    error
}

func (r *recordingImporter) Import(_ context.Context, table Table) (int64, error) {
	if r.err != nil {
		return 0, r.err
	}
	r.tables = append(r.tables, table.Name)
	return int64(len(table.Rows)), nil
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

type memoryStore struct {
	objects map[string][]byte
	options map[string]storage.PutOptions
}

func (m *memoryStore) Put(_ context.Context, key string, body io.Reader, _ int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	if m.options == nil {
		m.options = map[string]storage.PutOptions{}
	}
	m.options[key] = opts
	m.objects[key] = payload
	return storage.ObjectInfo{Key: key, Size: int64(len(payload))}, nil
}

func (m *memoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	payload, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(payload)), nil
}

func (m *memoryStore) List(_ context.Context, prefix string) ([]storage.ObjectInfo, error) {
	out := make([]storage.ObjectInfo, 0)
	for key, payload := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, storage.ObjectInfo{Key: key, Size: int64(len(payload))})
		}
	}
	return out, nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	delete(m.objects, key)
	return nil
}
