package dataset

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"github.com/parquet-go/parquet-go"

	"github.com/querycache/querycache/internal/storage"
)

// EncodeParquet writes the table as a flat Parquet file with one optional
// column per CSV column.
func EncodeParquet(table Table) ([]byte, error) {
	if len(table.Columns) == 0 {
		return nil, fmt.Errorf("table %q has no columns", table.Name)
	}
	group := parquet.Group{}
	for _, column := range table.Columns {
		group[column.Name] = parquet.Optional(parquetNode(column.Type))
	}
	schema := parquet.NewSchema(table.Name, group)

	// Group fields are ordered by name; map each to its source column.
	fields := schema.Fields()
	sourceIndex := make(map[string]int, len(table.Columns))
	for i, column := range table.Columns {
		sourceIndex[column.Name] = i
	}

	rows := make([]parquet.Row, 0, len(table.Rows))
	for _, record := range table.Rows {
		row := make(parquet.Row, len(fields))
		for columnIndex, field := range fields {
			source := sourceIndex[field.Name()]
			var value any
			if source < len(record) {
				value = record[source]
			}
			row[columnIndex] = parquetValue(value).Level(0, definitionLevel(value), columnIndex)
		}
		rows = append(rows, row)
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewWriter(buf, schema)
	if _, err := writer.WriteRows(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

func parquetNode(columnType ColumnType) parquet.Node {
	switch columnType {
	case TypeBigInt:
		return parquet.Int(64)
	case TypeDouble:
		return parquet.Leaf(parquet.DoubleType)
	default:
		return parquet.String()
	}
}

func parquetValue(value any) parquet.Value {
	switch typed := value.(type) {
	case nil:
		return parquet.NullValue()
	case int64:
		return parquet.Int64Value(typed)
	case float64:
		return parquet.DoubleValue(typed)
	case string:
		return parquet.ByteArrayValue([]byte(typed))
	default:
		return parquet.ByteArrayValue([]byte(fmt.Sprint(typed)))
	}
}

func definitionLevel(value any) int {
	if value == nil {
		return 0
	}
	return 1
}

// ParquetImporter publishes each table as <prefix>/<table>/<table>.parquet,
// replacing whatever the table prefix held before.
type ParquetImporter struct {
	store  storage.ObjectStore
	prefix string
}

func NewParquetImporter(store storage.ObjectStore, prefix string) *ParquetImporter {
	return &ParquetImporter{store: store, prefix: prefix}
}

func (i *ParquetImporter) Import(ctx context.Context, table Table) (int64, error) {
	if i.store == nil {
		return 0, fmt.Errorf("object store is required")
	}
	key, err := storage.BuildDatasetFilePath(i.prefix, table.Name)
	if err != nil {
		return 0, err
	}
	tablePrefix, err := storage.DatasetTablePrefix(i.prefix, table.Name)
	if err != nil {
		return 0, err
	}
	data, err := EncodeParquet(table)
	if err != nil {
		return 0, err
	}

	existing, err := i.store.List(ctx, tablePrefix)
	if err != nil {
		return 0, fmt.Errorf("list existing dataset files: %w", err)
	}
	for _, object := range existing {
		if object.Key == key {
			continue
		}
		if err := i.store.Delete(ctx, object.Key); err != nil {
			return 0, fmt.Errorf("delete stale dataset file %s: %w", object.Key, err)
		}
	}

	if _, err := i.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), storage.PutOptions{
		ContentType: storage.ParquetContentType,
		Metadata:    map[string]string{"rows": strconv.Itoa(len(table.Rows))},
	}); err != nil {
		return 0, fmt.Errorf("upload dataset: %w", err)
	}
	return int64(len(table.Rows)), nil
}
