package nl2sql

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/querycache/querycache/internal/schema"
)

const (
	DefaultBaseURL = "https://api.openai.com"
	DefaultModel   = "gpt-4.1-mini"
)

type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
	// Dialect is "postgres" or "duckdb" and only changes the prompt.
	Dialect string
	Pricing Pricing
	// RequestsPerSecond caps chat completion calls; zero means unlimited.
	RequestsPerSecond float64
	Burst             int
}

type OpenAIGenerator struct {
	client      *openai.Client
	schema      schema.Provider
	model       string
	temperature float32
	dialect     string
	pricing     Pricing
	limiter     *rate.Limiter
}

func NewOpenAIGenerator(cfg OpenAIConfig, provider schema.Provider) (*OpenAIGenerator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("schema provider is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/v1") {
		baseURL += "/v1"
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	pricing := cfg.Pricing
	if pricing == (Pricing{}) {
		pricing = DefaultPricing()
	}

	clientConfig := openai.DefaultConfig(strings.TrimSpace(cfg.APIKey))
	clientConfig.BaseURL = baseURL
	clientConfig.HTTPClient = &http.Client{Timeout: timeout}

	// A zero temperature is dropped from the request body, so the smallest
	// positive value stands in for it.
	temperature := float32(cfg.Temperature)
	if temperature <= 0 {
		temperature = math.SmallestNonzeroFloat32
	}

	return &OpenAIGenerator{
		client:      openai.NewClientWithConfig(clientConfig),
		schema:      provider,
		model:       model,
		temperature: temperature,
		dialect:     strings.ToLower(strings.TrimSpace(cfg.Dialect)),
		pricing:     pricing,
		limiter:     newLimiter(cfg.RequestsPerSecond, cfg.Burst),
	}, nil
}

func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (Result, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return Result{}, fmt.Errorf("question is required")
	}
	schemaText, err := g.schema.Describe(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("describe schema: %w", err)
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return Result{}, fmt.Errorf("wait for generation slot: %w", err)
		}
	}

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Temperature: g.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(g.dialect)},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt(schemaText, question)},
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("request chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("empty chat completion choices")
	}

	raw := resp.Choices[0].Message.Content
	sqlText := CleanSQL(raw)
	if err := ValidateSQL(sqlText); err != nil {
		return Result{}, fmt.Errorf("%w\nmodel output:\n%s", err, raw)
	}

	return Result{
		SQL:      sqlText,
		Provider: "openai-compatible",
		Model:    g.model,
		Usage:    g.pricing.Usage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.TotalTokens),
	}, nil
}

func systemPrompt(dialect string) string {
	engine := "PostgreSQL"
	if dialect == "duckdb" {
		engine = "DuckDB (PostgreSQL-like syntax)"
	}
	return fmt.Sprintf("You are a %s expert. Convert the natural language question into a single SQL query. "+
		"Return ONLY raw SQL. No markdown, no explanations.", engine)
}

func userPrompt(schemaText, question string) string {
	return fmt.Sprintf(`DATABASE SCHEMA:
%s

STRICT RULES:
- Only SELECT queries
- Prefer a single table
- Avoid JOINs, subqueries, window functions and CTEs unless absolutely necessary
- No aggregation unless required
- Use only columns that exist
- Keep query short and readable
- Output must start with SELECT

QUESTION:
%s`, schemaText, question)
}
