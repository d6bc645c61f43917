package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/querycache/querycache/internal/answer"
	"github.com/querycache/querycache/internal/nl2sql"
)

type AskRequest struct {
	Question string `json:"question"`
}

type AskResponse struct {
	Question   string        `json:"question"`
	SQL        string        `json:"sql"`
	Columns    []string      `json:"columns"`
	Rows       [][]any       `json:"rows"`
	RowCount   int           `json:"row_count"`
	Source     string        `json:"source"`
	Usage      *nl2sql.Usage `json:"usage,omitempty"`
	Coalesced  bool          `json:"coalesced"`
	DurationMs float64       `json:"duration_ms"`
}

type SchemaResponse struct {
	Schema string `json:"schema"`
}

func handleAsk(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Answers == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ANSWERS_NOT_CONFIGURED", "answer service is not configured", false, nil)
		return
	}

	var request AskRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid ask request body", false, map[string]any{"details": err.Error()})
		return
	}

	result, err := deps.Answers.Answer(r.Context(), request.Question)
	if err != nil {
		writeAnswerError(w, r, err)
		return
	}

	columns := result.Result.Columns
	if columns == nil {
		columns = []string{}
	}
	rows := result.Result.Rows
	if rows == nil {
		rows = [][]any{}
	}
	writeJSON(w, http.StatusOK, AskResponse{
		Question:   result.Question,
		SQL:        result.SQL,
		Columns:    columns,
		Rows:       rows,
		RowCount:   len(rows),
		Source:     string(result.Source),
		Usage:      result.Usage,
		Coalesced:  result.Coalesced,
		DurationMs: float64(result.Duration.Microseconds()) / 1000,
	})
}

func writeAnswerError(w http.ResponseWriter, r *http.Request, err error) {
	var generationErr *answer.GenerationError
	var executionErr *answer.ExecutionError
	switch {
	case errors.Is(err, answer.ErrQuestionRequired):
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
	case errors.As(err, &generationErr):
		writeError(r.Context(), w, http.StatusBadGateway, "GENERATION_FAILED", "sql generation failed", true, map[string]any{
			"details": generationErr.Err.Error(),
		})
	case errors.As(err, &executionErr):
		writeError(r.Context(), w, http.StatusUnprocessableEntity, "EXECUTION_FAILED", "generated sql failed to execute", false, map[string]any{
			"sql":     executionErr.SQL,
			"details": executionErr.Err.Error(),
		})
	default:
		writeError(r.Context(), w, http.StatusInternalServerError, "ANSWER_FAILED", "failed to answer question", true, map[string]any{
			"details": err.Error(),
		})
	}
}

func handleSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Schema == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SCHEMA_NOT_CONFIGURED", "schema provider is not configured", false, nil)
		return
	}
	description, err := deps.Schema.Describe(r.Context())
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "SCHEMA_FAILED", "failed to describe schema", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, SchemaResponse{Schema: strings.TrimSpace(description)})
}
