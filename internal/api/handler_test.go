package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/querycache/querycache/internal/answer"
	"github.com/querycache/querycache/internal/cache"
	"github.com/querycache/querycache/internal/config"
	"github.com/querycache/querycache/internal/nl2sql"
	"github.com/querycache/querycache/internal/query"
)

type stubGenerator struct {
	calls int
	err   error
}

func (g *stubGenerator) Generate(_ context.Context, _ nl2sql.Request) (nl2sql.Result, error) {
	g.calls++
	if g.err != nil {
		return nl2sql.Result{}, g.err
	}
	return nl2sql.Result{
		SQL:   "SELECT name FROM customers WHERE state = 'AL'",
		Usage: nl2sql.Usage{PromptTokens: 100, CompletionTokens: 10, TotalTokens: 110, CostUSD: 0.000056},
	}, nil
}

type stubExecutor struct {
	err error
}

func (e *stubExecutor) Execute(_ context.Context, _ query.Request) (query.Result, error) {
	if e.err != nil {
		return query.Result{}, e.err
	}
	return query.Result{Columns: []string{"name"}, Rows: [][]any{{"Ada"}}}, nil
}

type stubSchema struct {
	text string
	err  error
}

func (s stubSchema) Describe(context.Context) (string, error) {
	return s.text, s.err
}

func newTestHandler(t *testing.T, generator *stubGenerator, executor *stubExecutor) (http.Handler, *answer.Service) {
	t.Helper()
	cfg, err := config.Load("querycache-api", mapLookup(map[string]string{}))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}
	service, err := answer.NewService(answer.Options{
		Memory:    cache.NewMemory(0, 0),
		Generator: generator,
		Executor:  executor,
		Coalesce:  true,
	})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return NewHandler(cfg, Dependencies{
		Answers: service,
		Schema:  stubSchema{text: "Table: customers - 1 rows\nColumns: name (text)\n"},
	}), service
}

func TestHealthEndpoint(t *testing.T) {
	cfg, err := config.Load("querycache-api", mapLookup(map[string]string{}))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}

	h := NewHandler(cfg, Dependencies{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestReadyEndpointReturns503WhenDependencyFails(t *testing.T) {
	cfg, err := config.Load("querycache-api", mapLookup(map[string]string{}))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}

	h := NewHandler(cfg, Dependencies{
		Readiness: func(context.Context) error {
			return errors.New("durable cache tier unavailable")
		},
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/ready", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["error_code"] != "NOT_READY" {
		t.Fatalf("error_code = %v", body["error_code"])
	}
}

func TestAskServesGeneratedThenCachedAnswer(t *testing.T) {
	generator := &stubGenerator{}
	h, _ := newTestHandler(t, generator, &stubExecutor{})

	first := postAsk(t, h, `{"question":"Show all customers who are from Alabama"}`, http.StatusOK)
	if first["source"] != "generated" {
		t.Fatalf("source = %v", first["source"])
	}
	if first["row_count"] != float64(1) {
		t.Fatalf("row_count = %v", first["row_count"])
	}
	usage, ok := first["usage"].(map[string]any)
	if !ok || usage["total_tokens"] != float64(110) {
		t.Fatalf("usage = %v", first["usage"])
	}

	second := postAsk(t, h, `{"question":"show all customers who are from alabama "}`, http.StatusOK)
	if second["source"] != "tier1" {
		t.Fatalf("source = %v", second["source"])
	}
	if second["sql"] != first["sql"] {
		t.Fatalf("sql = %v, want %v", second["sql"], first["sql"])
	}
	if _, present := second["usage"]; present {
		t.Fatal("cached answers should not carry usage")
	}
	if generator.calls != 1 {
		t.Fatalf("generator calls = %d", generator.calls)
	}
}

func TestAskMapsErrors(t *testing.T) {
	cases := []struct {
		name      string
		body      string
		generator *stubGenerator
		executor  *stubExecutor
		status    int
		code      string
	}{
		{name: "invalid json", body: `{"question":`, status: http.StatusBadRequest, code: "INVALID_JSON"},
		{name: "unknown field", body: `{"q":"x"}`, status: http.StatusBadRequest, code: "INVALID_JSON"},
		{name: "blank question", body: `{"question":"  "}`, status: http.StatusBadRequest, code: "QUESTION_REQUIRED"},
		{
			name:      "generation",
			body:      `{"question":"drop everything"}`,
			generator: &stubGenerator{err: nl2sql.ErrUnsafeSQL},
			status:    http.StatusBadGateway,
			code:      "GENERATION_FAILED",
		},
		{
			name:     "execution",
			body:     `{"question":"list orders"}`,
			executor: &stubExecutor{err: errors.New(`relation "orders" does not exist`)},
			status:   http.StatusUnprocessableEntity,
			code:     "EXECUTION_FAILED",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			generator := tc.generator
			if generator == nil {
				generator = &stubGenerator{}
			}
			executor := tc.executor
			if executor == nil {
				executor = &stubExecutor{}
			}
			h, service := newTestHandler(t, generator, executor)
			body := postAsk(t, h, tc.body, tc.status)
			if body["error_code"] != tc.code {
				t.Fatalf("error_code = %v, want %s", body["error_code"], tc.code)
			}
			if service.MemoryEntries() != 0 {
				t.Fatal("failed answers must not be cached")
			}
		})
	}
}

func TestExecutionErrorCarriesSQL(t *testing.T) {
	h, _ := newTestHandler(t, &stubGenerator{}, &stubExecutor{err: errors.New("boom")})
	body := postAsk(t, h, `{"question":"x"}`, http.StatusUnprocessableEntity)
	extra, ok := body["context"].(map[string]any)
	if !ok || !strings.HasPrefix(extra["sql"].(string), "SELECT") {
		t.Fatalf("context = %v", body["context"])
	}
}

func TestSchemaEndpoint(t *testing.T) {
	h, _ := newTestHandler(t, &stubGenerator{}, &stubExecutor{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/schema", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["schema"] != "Table: customers - 1 rows\nColumns: name (text)" {
		t.Fatalf("schema = %q", body["schema"])
	}
}

func TestCacheAdministration(t *testing.T) {
	h, service := newTestHandler(t, &stubGenerator{}, &stubExecutor{})
	postAsk(t, h, `{"question":"q1"}`, http.StatusOK)
	postAsk(t, h, `{"question":"q1"}`, http.StatusOK)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/cache/stats", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rr.Code)
	}
	var stats StatsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.FirstTierHits != 1 || stats.Misses != 1 || stats.Total != 2 || stats.HitRate != 0.5 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.MemoryEntries != 1 || stats.DurableEnabled || stats.DurableEntries != nil {
		t.Fatalf("stats = %+v", stats)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/cache/flush", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("flush status = %d", rr.Code)
	}
	if service.MemoryEntries() != 0 {
		t.Fatalf("MemoryEntries() = %d after flush", service.MemoryEntries())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/cache/stats/reset", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("reset status = %d", rr.Code)
	}
	if service.Metrics() != (cache.Snapshot{}) {
		t.Fatalf("Metrics() = %+v after reset", service.Metrics())
	}
}

func TestCombineReadinessChecksStopsOnFirstFailure(t *testing.T) {
	order := make([]int, 0, 3)
	combined := CombineReadinessChecks(
		func(_ context.Context) error {
			order = append(order, 1)
			return nil
		},
		func(_ context.Context) error {
			order = append(order, 2)
			return errors.New("boom")
		},
		func(_ context.Context) error {
			order = append(order, 3)
			return nil
		},
	)

	err := combined(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("execution order = %#v", order)
	}
}

func postAsk(t *testing.T, h http.Handler, payload string, expectedStatus int) map[string]any {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/ask", bytes.NewBufferString(payload)))
	if rr.Code != expectedStatus {
		t.Fatalf("ask status = %d, want %d, body=%s", rr.Code, expectedStatus, rr.Body.String())
	}
	return decodeBody(t, rr)
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	return body
}

func mapLookup(values map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
