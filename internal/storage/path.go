package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// Datasets are laid out as <prefix>/<table>/<file>.parquet.

func DatasetTablePrefix(prefix, tableName string) (string, error) {
	if err := validatePathComponent(tableName, "table name"); err != nil {
		return "", err
	}
	return joinPrefix(prefix, tableName) + "/", nil
}

func BuildDatasetFilePath(prefix, tableName string) (string, error) {
	tablePrefix, err := DatasetTablePrefix(prefix, tableName)
	if err != nil {
		return "", err
	}
	return tablePrefix + tableName + ".parquet", nil
}

// ParseDatasetFilePath returns the table a key belongs to. Keys outside the
// prefix, nested deeper than one level, or not ending in .parquet are
// rejected.
func ParseDatasetFilePath(prefix, key string) (string, bool) {
	if !strings.HasSuffix(strings.ToLower(key), ".parquet") {
		return "", false
	}
	rel := key
	if base := joinPrefix(prefix, ""); base != "" {
		if !strings.HasPrefix(key, base+"/") {
			return "", false
		}
		rel = strings.TrimPrefix(key, base+"/")
	}
	parts := strings.Split(rel, "/")
	if len(parts) != 2 || parts[1] == "" {
		return "", false
	}
	if validatePathComponent(parts[0], "table name") != nil {
		return "", false
	}
	return parts[0], true
}

func joinPrefix(prefix, name string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return name
	}
	if name == "" {
		return path.Clean(prefix)
	}
	return path.Join(prefix, name)
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
