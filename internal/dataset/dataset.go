// Package dataset loads CSV files into the warehouse the executors query:
// PostgreSQL tables or Parquet datasets in object storage.
package dataset

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

type ColumnType string

const (
	TypeBigInt ColumnType = "BIGINT"
	TypeDouble ColumnType = "DOUBLE"
	TypeText   ColumnType = "TEXT"
)

type Column struct {
	Name string
	Type ColumnType
}

// Table is a parsed CSV file. Row values are int64, float64, string or nil,
// matching the column types.
type Table struct {
	Name    string
	Columns []Column
	Rows    [][]any
}

func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, column := range t.Columns {
		names[i] = column.Name
	}
	return names
}

type Importer interface {
	Import(ctx context.Context, table Table) (int64, error)
}

type Report struct {
	File  string
	Table string
	Rows  int64
}

var (
	invalidNameRun = regexp.MustCompile(`[^a-z0-9_]+`)
	underscoreRun  = regexp.MustCompile(`_+`)
)

// CleanName turns a file or header name into a safe SQL identifier.
func CleanName(name string) string {
	cleaned := invalidNameRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "_")
	cleaned = strings.Trim(underscoreRun.ReplaceAllString(cleaned, "_"), "_")
	if cleaned == "" {
		return "unnamed"
	}
	if cleaned[0] >= '0' && cleaned[0] <= '9' {
		return "t_" + cleaned
	}
	return cleaned
}

// ImportDir imports every *.csv file in dir, in name order.
func ImportDir(ctx context.Context, dir string, importer Importer, logger *slog.Logger) ([]Report, error) {
	if importer == nil {
		return nil, fmt.Errorf("importer is required")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dataset dir: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".csv") {
			continue
		}
		files = append(files, entry.Name())
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no csv files found in %s", dir)
	}
	sort.Strings(files)

	reports := make([]Report, 0, len(files))
	for _, file := range files {
		table, err := ReadCSVFile(filepath.Join(dir, file))
		if err != nil {
			return reports, err
		}
		rows, err := importer.Import(ctx, table)
		if err != nil {
			return reports, fmt.Errorf("import %s: %w", file, err)
		}
		if logger != nil {
			logger.InfoContext(ctx, "dataset imported",
				slog.String("file", file),
				slog.String("table", table.Name),
				slog.Int64("rows", rows),
			)
		}
		reports = append(reports, Report{File: file, Table: table.Name, Rows: rows})
	}
	return reports, nil
}
