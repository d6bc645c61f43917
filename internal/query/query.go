package query

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type TableFile struct {
	TableName     string
	ObjectPath    string
	FileSizeBytes int64
}

type Request struct {
	SQL      string
	RowLimit int
	// Files pins the dataset files an engine reads. Engines that resolve
	// tables themselves ignore it.
	Files []TableFile
}

type Result struct {
	Columns      []string
	Rows         [][]any
	ScannedFiles int
	ScannedBytes int64
	Duration     time.Duration
}

type Engine interface {
	Execute(ctx context.Context, request Request) (Result, error)
}

func NormalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

func StripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}

// WithRowLimit wraps the statement so at most limit rows come back. A
// non-positive limit leaves the statement unchanged.
func WithRowLimit(sqlText string, limit int) string {
	sqlText = StripTrailingSemicolons(sqlText)
	if limit <= 0 {
		return sqlText
	}
	return fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", sqlText, limit)
}
