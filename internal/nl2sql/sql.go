package nl2sql

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrUnsafeSQL = errors.New("unsafe sql generated")

var (
	forbiddenKeywordPattern = regexp.MustCompile(`(?i)\b(DROP|DELETE|UPDATE|INSERT|ALTER|TRUNCATE|CREATE|GRANT)\b`)
	readOnlyPrefixPattern   = regexp.MustCompile(`(?i)^(SELECT|WITH)\b`)
)

var leadingLabels = []string{"sql", "SQL", "Query:", "SQL Query:"}

// CleanSQL strips markdown fences and leading labels from model output.
func CleanSQL(output string) string {
	sqlText := strings.TrimSpace(output)

	if strings.Contains(sqlText, "```") {
		for _, part := range strings.Split(sqlText, "```") {
			if strings.Contains(strings.ToUpper(part), "SELECT") {
				sqlText = strings.TrimSpace(part)
				break
			}
		}
	}

	for _, label := range leadingLabels {
		if strings.HasPrefix(strings.ToLower(sqlText), strings.ToLower(label)) {
			sqlText = strings.TrimSpace(sqlText[len(label):])
		}
	}
	return sqlText
}

// ValidateSQL accepts a single read-only statement: it must start with
// SELECT or WITH and may not mention a data or schema changing keyword.
func ValidateSQL(sqlText string) error {
	trimmed := strings.TrimSpace(sqlText)
	if trimmed == "" {
		return fmt.Errorf("%w: empty statement", ErrUnsafeSQL)
	}
	if !readOnlyPrefixPattern.MatchString(trimmed) {
		return fmt.Errorf("%w: statement must start with SELECT or WITH", ErrUnsafeSQL)
	}
	if keyword := forbiddenKeywordPattern.FindString(trimmed); keyword != "" {
		return fmt.Errorf("%w: forbidden keyword %s", ErrUnsafeSQL, strings.ToUpper(keyword))
	}
	return nil
}
