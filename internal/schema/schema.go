// Package schema renders table descriptions that are handed to the SQL
// generator as prompt context.
package schema

import (
	"context"
	"fmt"
	"strings"
)

const EmptyDescription = "No tables found in database."

type Column struct {
	Name string
	Type string
}

type Table struct {
	Name     string
	RowCount int64
	Columns  []Column
}

type Provider interface {
	Describe(ctx context.Context) (string, error)
}

// Format renders one block per table, in the given order:
//
//	Table: customers - 42 rows
//	Columns: id (bigint), name (text)
func Format(tables []Table) string {
	if len(tables) == 0 {
		return EmptyDescription
	}
	blocks := make([]string, 0, len(tables))
	for _, table := range tables {
		columns := make([]string, 0, len(table.Columns))
		for _, column := range table.Columns {
			columns = append(columns, fmt.Sprintf("%s (%s)", column.Name, column.Type))
		}
		blocks = append(blocks, fmt.Sprintf("Table: %s - %d rows\nColumns: %s", table.Name, table.RowCount, strings.Join(columns, ", ")))
	}
	return strings.Join(blocks, "\n\n")
}

func QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
