package dataset

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// PostgresImporter replaces a table per CSV file and bulk loads it with COPY.
type PostgresImporter struct {
	db *sql.DB
}

func NewPostgresImporter(db *sql.DB) *PostgresImporter {
	return &PostgresImporter{db: db}
}

func (i *PostgresImporter) Import(ctx context.Context, table Table) (int64, error) {
	if i.db == nil {
		return 0, fmt.Errorf("database is required")
	}
	if len(table.Columns) == 0 {
		return 0, fmt.Errorf("table %q has no columns", table.Name)
	}

	conn, err := i.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	var copied int64
	err = conn.Raw(func(driverConn any) error {
		pgxConn, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("bulk import requires a pgx connection, got %T", driverConn)
		}
		tx, err := pgxConn.Conn().Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin import tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if _, err := tx.Exec(ctx, DropTableStatement(table.Name)); err != nil {
			return fmt.Errorf("drop table: %w", err)
		}
		if _, err := tx.Exec(ctx, CreateTableStatement(table)); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
		copied, err = tx.CopyFrom(ctx, pgx.Identifier{table.Name}, table.ColumnNames(), pgx.CopyFromRows(table.Rows))
		if err != nil {
			return fmt.Errorf("copy rows: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit import tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("import table %q: %w", table.Name, err)
	}
	return copied, nil
}

func DropTableStatement(name string) string {
	return "DROP TABLE IF EXISTS " + pgx.Identifier{name}.Sanitize()
}

func CreateTableStatement(table Table) string {
	definitions := make([]string, len(table.Columns))
	for i, column := range table.Columns {
		definitions[i] = pgx.Identifier{column.Name}.Sanitize() + " " + postgresType(column.Type)
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", pgx.Identifier{table.Name}.Sanitize(), strings.Join(definitions, ", "))
}

func postgresType(columnType ColumnType) string {
	switch columnType {
	case TypeBigInt:
		return "BIGINT"
	case TypeDouble:
		return "DOUBLE PRECISION"
	default:
		return "TEXT"
	}
}
