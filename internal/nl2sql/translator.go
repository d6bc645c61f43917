package nl2sql

import "context"

type Request struct {
	Question string `json:"question"`
}

// Usage reports what one generation call consumed.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

type Result struct {
	SQL      string `json:"sql"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Usage    Usage  `json:"usage"`
}

// Generator turns a question into a validated read-only SQL statement.
type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
}
