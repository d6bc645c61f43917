package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/querycache/querycache/internal/query"
)

// storedResult is the durable representation of a result set: the ordered
// column list plus one record per row. JSON objects do not keep key order, so
// the column list is stored next to the records. Types holds one Go kind per
// column so numbers and timestamps decode to the type they were read as; an
// empty hint means the column held mixed or self-describing values.
type storedResult struct {
	Columns []string         `json:"columns"`
	Types   []string         `json:"types,omitempty"`
	Records []map[string]any `json:"records"`
}

const kindTime = "time"

// EncodeResult serializes a result set into the row-oriented record form
// stored by the durable tier.
func EncodeResult(result query.Result) ([]byte, error) {
	keys := recordKeys(result.Columns)
	records := make([]map[string]any, 0, len(result.Rows))
	for rowIndex, row := range result.Rows {
		if len(row) != len(keys) {
			return nil, fmt.Errorf("row %d has %d values, want %d", rowIndex, len(row), len(keys))
		}
		record := make(map[string]any, len(keys))
		for i, key := range keys {
			record[key] = row[i]
		}
		records = append(records, record)
	}
	columns := result.Columns
	if columns == nil {
		columns = []string{}
	}
	payload, err := json.Marshal(storedResult{
		Columns: columns,
		Types:   columnKinds(result.Rows, len(keys)),
		Records: records,
	})
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return payload, nil
}

// DecodeResult accepts the structured form written by EncodeResult, a bare
// record list, or either of those wrapped in a JSON string.
func DecodeResult(raw []byte) (query.Result, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return query.Result{Columns: []string{}, Rows: [][]any{}}, nil
	}

	switch raw[0] {
	case '"':
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return query.Result{}, fmt.Errorf("decode result text: %w", err)
		}
		inner := bytes.TrimSpace([]byte(text))
		if len(inner) > 0 && inner[0] == '"' {
			return query.Result{}, fmt.Errorf("decode result: nested text encoding")
		}
		return DecodeResult(inner)
	case '[':
		var records []map[string]any
		if err := decodeNumbers(raw, &records); err != nil {
			return query.Result{}, fmt.Errorf("decode result records: %w", err)
		}
		return recordsToResult(inferColumns(records), nil, records), nil
	case '{':
		var stored storedResult
		if err := decodeNumbers(raw, &stored); err != nil {
			return query.Result{}, fmt.Errorf("decode result: %w", err)
		}
		columns := stored.Columns
		types := stored.Types
		if len(columns) == 0 {
			columns = inferColumns(stored.Records)
			types = nil
		}
		return recordsToResult(columns, types, stored.Records), nil
	default:
		return query.Result{}, fmt.Errorf("decode result: unexpected payload starting with %q", raw[0])
	}
}

func recordsToResult(columns, types []string, records []map[string]any) query.Result {
	keys := recordKeys(columns)
	rows := make([][]any, 0, len(records))
	for _, record := range records {
		row := make([]any, len(keys))
		for i, key := range keys {
			if i < len(types) && types[i] != "" {
				row[i] = decodeKind(record[key], types[i])
				continue
			}
			row[i] = convertNumber(record[key])
		}
		rows = append(rows, row)
	}
	return query.Result{Columns: columns, Rows: rows}
}

// recordKeys maps columns to distinct record keys. The first occurrence of a
// name keeps it; later repeats get a positional suffix, extended until it
// clashes with no other key, so that no value is dropped.
func recordKeys(columns []string) []string {
	keys := make([]string, len(columns))
	repeat := make([]bool, len(columns))
	used := make(map[string]struct{}, len(columns))
	for i, column := range columns {
		if _, taken := used[column]; taken {
			repeat[i] = true
			continue
		}
		keys[i] = column
		used[column] = struct{}{}
	}
	for i, column := range columns {
		if !repeat[i] {
			continue
		}
		key := column + "#" + strconv.Itoa(i)
		for {
			if _, taken := used[key]; !taken {
				break
			}
			key += "#"
		}
		keys[i] = key
		used[key] = struct{}{}
	}
	return keys
}

// columnKinds returns one hint per column, or nil when no column needs one.
func columnKinds(rows [][]any, width int) []string {
	kinds := make([]string, width)
	mixed := make([]bool, width)
	for _, row := range rows {
		for i := 0; i < width && i < len(row); i++ {
			if row[i] == nil || mixed[i] {
				continue
			}
			kind := valueKind(row[i])
			switch {
			case kind == "":
				mixed[i] = true
			case kinds[i] == "":
				kinds[i] = kind
			case kinds[i] != kind:
				mixed[i] = true
			}
		}
	}
	hinted := false
	for i := range kinds {
		if mixed[i] {
			kinds[i] = ""
		}
		hinted = hinted || kinds[i] != ""
	}
	if !hinted {
		return nil
	}
	return kinds
}

func valueKind(value any) string {
	switch value.(type) {
	case int:
		return "int"
	case int8:
		return "int8"
	case int16:
		return "int16"
	case int32:
		return "int32"
	case int64:
		return "int64"
	case uint:
		return "uint"
	case uint8:
		return "uint8"
	case uint16:
		return "uint16"
	case uint32:
		return "uint32"
	case uint64:
		return "uint64"
	case float32:
		return "float32"
	case float64:
		return "float64"
	case time.Time:
		return kindTime
	default:
		return ""
	}
}

// decodeKind restores a value to its hinted kind, falling back to the
// untyped conversion when the stored value does not fit the hint.
func decodeKind(value any, kind string) any {
	switch typed := value.(type) {
	case json.Number:
		if converted, ok := numberAs(typed.String(), kind); ok {
			return converted
		}
	case string:
		if kind == kindTime {
			if parsed, err := time.Parse(time.RFC3339Nano, typed); err == nil {
				return parsed
			}
		}
	}
	return convertNumber(value)
}

func numberAs(text, kind string) (any, bool) {
	switch kind {
	case "int":
		v, err := strconv.ParseInt(text, 10, 0)
		return int(v), err == nil
	case "int8":
		v, err := strconv.ParseInt(text, 10, 8)
		return int8(v), err == nil
	case "int16":
		v, err := strconv.ParseInt(text, 10, 16)
		return int16(v), err == nil
	case "int32":
		v, err := strconv.ParseInt(text, 10, 32)
		return int32(v), err == nil
	case "int64":
		v, err := strconv.ParseInt(text, 10, 64)
		return v, err == nil
	case "uint":
		v, err := strconv.ParseUint(text, 10, 0)
		return uint(v), err == nil
	case "uint8":
		v, err := strconv.ParseUint(text, 10, 8)
		return uint8(v), err == nil
	case "uint16":
		v, err := strconv.ParseUint(text, 10, 16)
		return uint16(v), err == nil
	case "uint32":
		v, err := strconv.ParseUint(text, 10, 32)
		return uint32(v), err == nil
	case "uint64":
		v, err := strconv.ParseUint(text, 10, 64)
		return v, err == nil
	case "float32":
		v, err := strconv.ParseFloat(text, 32)
		return float32(v), err == nil
	case "float64":
		v, err := strconv.ParseFloat(text, 64)
		return v, err == nil
	default:
		return nil, false
	}
}

func inferColumns(records []map[string]any) []string {
	set := map[string]struct{}{}
	for _, record := range records {
		for key := range record {
			set[key] = struct{}{}
		}
	}
	columns := make([]string, 0, len(set))
	for key := range set {
		columns = append(columns, key)
	}
	sort.Strings(columns)
	return columns
}

func decodeNumbers(raw []byte, dst any) error {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	return decoder.Decode(dst)
}

func convertNumber(value any) any {
	switch typed := value.(type) {
	case json.Number:
		if i, err := typed.Int64(); err == nil {
			return i
		}
		if f, err := typed.Float64(); err == nil {
			return f
		}
		return typed.String()
	case []any:
		for i := range typed {
			typed[i] = convertNumber(typed[i])
		}
		return typed
	case map[string]any:
		for key := range typed {
			typed[key] = convertNumber(typed[key])
		}
		return typed
	default:
		return value
	}
}
