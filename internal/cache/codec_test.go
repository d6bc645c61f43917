package cache

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/querycache/querycache/internal/query"
)

func TestEncodeDecodeKeepsColumnOrderAndIntegers(t *testing.T) {
	original := query.Result{
		Columns: []string{"zip", "name", "balance"},
		Rows: [][]any{
			{int64(35004), "Ada", 12.5},
			{int64(9007199254740993), nil, 0.25},
		},
	}

	payload, err := EncodeResult(original)
	if err != nil {
		t.Fatalf("EncodeResult() error = %v", err)
	}
	decoded, err := DecodeResult(payload)
	if err != nil {
		t.Fatalf("DecodeResult() error = %v", err)
	}

	if len(decoded.Columns) != 3 || decoded.Columns[0] != "zip" || decoded.Columns[2] != "balance" {
		t.Fatalf("Columns = %#v", decoded.Columns)
	}
	if decoded.Rows[1][0] != int64(9007199254740993) {
		t.Fatalf("large integer = %#v", decoded.Rows[1][0])
	}
	if decoded.Rows[0][2] != 12.5 {
		t.Fatalf("float = %#v", decoded.Rows[0][2])
	}
	if decoded.Rows[1][1] != nil {
		t.Fatalf("null = %#v", decoded.Rows[1][1])
	}
}

func TestEncodeKeepsDuplicateColumns(t *testing.T) {
	payload, err := EncodeResult(query.Result{
		Columns: []string{"id", "id"},
		Rows:    [][]any{{int64(1), int64(2)}},
	})
	if err != nil {
		t.Fatalf("EncodeResult() error = %v", err)
	}
	decoded, err := DecodeResult(payload)
	if err != nil {
		t.Fatalf("DecodeResult() error = %v", err)
	}
	if decoded.Rows[0][0] != int64(1) || decoded.Rows[0][1] != int64(2) {
		t.Fatalf("row = %#v", decoded.Rows[0])
	}
}

func TestEncodeDecodePreservesValueTypes(t *testing.T) {
	created := time.Date(2024, 3, 9, 14, 30, 0, 123456789, time.UTC)
	original := query.Result{
		Columns: []string{"total", "count", "small", "ratio", "created", "label", "mixed"},
		Rows: [][]any{
			{float64(3), int64(2), int32(7), float32(1.5), created, "x", int64(1)},
			{2.5, int64(-4), int32(-1), float32(0.25), nil, nil, "one"},
			{nil, int64(9007199254740993), int32(0), float32(3), created, "y", true},
		},
	}

	payload, err := EncodeResult(original)
	if err != nil {
		t.Fatalf("EncodeResult() error = %v", err)
	}
	decoded, err := DecodeResult(payload)
	if err != nil {
		t.Fatalf("DecodeResult() error = %v", err)
	}
	if !reflect.DeepEqual(decoded.Columns, original.Columns) {
		t.Fatalf("Columns = %#v", decoded.Columns)
	}
	if !reflect.DeepEqual(decoded.Rows, original.Rows) {
		t.Fatalf("Rows = %#v, want %#v", decoded.Rows, original.Rows)
	}
}

func TestDecodeWithoutTypeHintsInfersNumbers(t *testing.T) {
	decoded, err := DecodeResult([]byte(`{"columns":["n","f"],"records":[{"n":3,"f":2.5}]}`))
	if err != nil {
		t.Fatalf("DecodeResult() error = %v", err)
	}
	if decoded.Rows[0][0] != int64(3) || decoded.Rows[0][1] != 2.5 {
		t.Fatalf("row = %#v", decoded.Rows[0])
	}
}

func TestDecodeFallsBackWhenValueDoesNotFitHint(t *testing.T) {
	decoded, err := DecodeResult([]byte(`{"columns":["n"],"types":["int64"],"records":[{"n":2.5}]}`))
	if err != nil {
		t.Fatalf("DecodeResult() error = %v", err)
	}
	if decoded.Rows[0][0] != 2.5 {
		t.Fatalf("value = %#v", decoded.Rows[0][0])
	}
}

func TestEncodeKeepsColumnsThatLookLikeRepeatKeys(t *testing.T) {
	original := query.Result{
		Columns: []string{"a", "a", "a#1"},
		Rows:    [][]any{{int64(1), int64(2), int64(3)}},
	}
	payload, err := EncodeResult(original)
	if err != nil {
		t.Fatalf("EncodeResult() error = %v", err)
	}
	decoded, err := DecodeResult(payload)
	if err != nil {
		t.Fatalf("DecodeResult() error = %v", err)
	}
	if !reflect.DeepEqual(decoded.Rows, original.Rows) {
		t.Fatalf("Rows = %#v, want %#v", decoded.Rows, original.Rows)
	}

	keys := recordKeys(original.Columns)
	seen := map[string]bool{}
	for _, key := range keys {
		if seen[key] {
			t.Fatalf("recordKeys() = %q, duplicate %q", keys, key)
		}
		seen[key] = true
	}
}

func TestEncodeRejectsRaggedRows(t *testing.T) {
	_, err := EncodeResult(query.Result{Columns: []string{"a", "b"}, Rows: [][]any{{1}}})
	if err == nil {
		t.Fatal("expected error for row with missing values")
	}
}

func TestDecodeAcceptsTextEncodedPayload(t *testing.T) {
	inner, err := EncodeResult(query.Result{Columns: []string{"n"}, Rows: [][]any{{int64(7)}}})
	if err != nil {
		t.Fatalf("EncodeResult() error = %v", err)
	}
	wrapped, err := json.Marshal(string(inner))
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}

	decoded, err := DecodeResult(wrapped)
	if err != nil {
		t.Fatalf("DecodeResult() error = %v", err)
	}
	if len(decoded.Rows) != 1 || decoded.Rows[0][0] != int64(7) {
		t.Fatalf("decoded = %#v", decoded)
	}
}

func TestDecodeAcceptsBareRecordList(t *testing.T) {
	decoded, err := DecodeResult([]byte(`[{"state":"AL","name":"Ada"},{"name":"Grace","state":"AL"}]`))
	if err != nil {
		t.Fatalf("DecodeResult() error = %v", err)
	}
	if len(decoded.Columns) != 2 || decoded.Columns[0] != "name" || decoded.Columns[1] != "state" {
		t.Fatalf("Columns = %#v", decoded.Columns)
	}
	if decoded.Rows[1][0] != "Grace" {
		t.Fatalf("row = %#v", decoded.Rows[1])
	}
}

func TestDecodeEmptyAndInvalidPayloads(t *testing.T) {
	for _, raw := range []string{"", "null", "  "} {
		decoded, err := DecodeResult([]byte(raw))
		if err != nil {
			t.Fatalf("DecodeResult(%q) error = %v", raw, err)
		}
		if len(decoded.Rows) != 0 {
			t.Fatalf("DecodeResult(%q) rows = %d", raw, len(decoded.Rows))
		}
	}
	for _, raw := range []string{"42", `"\"x\""`, "{not json"} {
		if _, err := DecodeResult([]byte(raw)); err == nil {
			t.Fatalf("DecodeResult(%q) expected error", raw)
		}
	}
}
