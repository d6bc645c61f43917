package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

func ReadCSVFile(path string) (Table, error) {
	file, err := os.Open(path)
	if err != nil {
		return Table{}, fmt.Errorf("open csv: %w", err)
	}
	defer func() { _ = file.Close() }()

	name := CleanName(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	table, err := ReadCSV(name, file)
	if err != nil {
		return Table{}, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return table, nil
}

// ReadCSV parses a header row plus records. Column types are inferred from
// every non-empty cell; empty cells become NULL.
func ReadCSV(name string, r io.Reader) (Table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return Table{}, fmt.Errorf("csv header is required")
	}
	if err != nil {
		return Table{}, fmt.Errorf("read csv header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	names := cleanColumnNames(header)

	records := make([][]string, 0)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Table{}, fmt.Errorf("read csv record: %w", err)
		}
		if len(record) > len(names) {
			return Table{}, fmt.Errorf("csv record %d has %d fields, header has %d", len(records)+1, len(record), len(names))
		}
		records = append(records, record)
	}

	columns := make([]Column, len(names))
	for i, columnName := range names {
		columns[i] = Column{Name: columnName, Type: inferType(records, i)}
	}

	rows := make([][]any, 0, len(records))
	for _, record := range records {
		row := make([]any, len(columns))
		for i, column := range columns {
			if i >= len(record) {
				continue
			}
			row[i] = convertCell(record[i], column.Type)
		}
		rows = append(rows, row)
	}
	return Table{Name: name, Columns: columns, Rows: rows}, nil
}

// cleanColumnNames applies CleanName and suffixes repeats so every column
// stays addressable.
func cleanColumnNames(header []string) []string {
	names := make([]string, len(header))
	seen := make(map[string]int, len(header))
	for i, raw := range header {
		name := CleanName(raw)
		seen[name]++
		if seen[name] > 1 {
			name = name + "_" + strconv.Itoa(seen[name])
		}
		names[i] = name
	}
	return names
}

func inferType(records [][]string, index int) ColumnType {
	sawValue := false
	allInts := true
	for _, record := range records {
		if index >= len(record) {
			continue
		}
		cell := strings.TrimSpace(record[index])
		if cell == "" {
			continue
		}
		sawValue = true
		if allInts {
			if _, err := strconv.ParseInt(cell, 10, 64); err == nil {
				continue
			}
			allInts = false
		}
		if _, err := strconv.ParseFloat(cell, 64); err != nil {
			return TypeText
		}
	}
	if !sawValue {
		return TypeText
	}
	if allInts {
		return TypeBigInt
	}
	return TypeDouble
}

func convertCell(cell string, columnType ColumnType) any {
	trimmed := strings.TrimSpace(cell)
	if trimmed == "" {
		return nil
	}
	switch columnType {
	case TypeBigInt:
		value, _ := strconv.ParseInt(trimmed, 10, 64)
		return value
	case TypeDouble:
		value, _ := strconv.ParseFloat(trimmed, 64)
		return value
	default:
		return cell
	}
}
