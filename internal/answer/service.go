// Package answer serves questions through the two cache tiers, falling back
// to SQL generation and execution on a full miss.
package answer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/querycache/querycache/internal/cache"
	"github.com/querycache/querycache/internal/nl2sql"
	"github.com/querycache/querycache/internal/observability"
	"github.com/querycache/querycache/internal/query"
)

type Source string

const (
	SourceFirstTier  Source = "tier1"
	SourceSecondTier Source = "tier2"
	SourceGenerated  Source = "generated"
)

// DefaultFillTimeout bounds a shared fill once it no longer follows any
// single caller's context.
const DefaultFillTimeout = 2 * time.Minute

type Answer struct {
	Question string
	SQL      string
	Result   query.Result
	Source   Source
	// Usage is set only for the call that paid for generation.
	Usage *nl2sql.Usage
	// Coalesced marks a miss that was served by another caller's in-flight
	// generation for the same question.
	Coalesced bool
	Duration  time.Duration
}

type Options struct {
	Memory    *cache.Memory
	Durable   cache.Store
	Generator nl2sql.Generator
	Executor  query.Engine
	Recorder  *cache.Recorder
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Coalesce  bool
	RowLimit  int

	// FillTimeout bounds a coalesced generation and execution. Zero means
	// DefaultFillTimeout.
	FillTimeout time.Duration
}

// Service is the single entry point for answering questions. Lookups go to
// the first tier, then the durable tier (promoting hits), then generation.
// A nil Durable store runs the service on the first tier alone.
type Service struct {
	memory      *cache.Memory
	generator   nl2sql.Generator
	executor    query.Engine
	recorder    *cache.Recorder
	logger      *slog.Logger
	tracer      trace.Tracer
	coalesce    bool
	rowLimit    int
	fillTimeout time.Duration

	durableMu sync.RWMutex
	durable   cache.Store

	inflight singleflight.Group
}

type filled struct {
	entry cache.Entry
	usage nl2sql.Usage
}

func NewService(opts Options) (*Service, error) {
	if opts.Generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if opts.Memory == nil {
		opts.Memory = cache.NewMemory(cache.DefaultCapacity, cache.DefaultTTL)
	}
	if opts.Recorder == nil {
		opts.Recorder = cache.NewRecorder()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Tracer == nil {
		opts.Tracer = observability.Tracer()
	}
	if opts.FillTimeout <= 0 {
		opts.FillTimeout = DefaultFillTimeout
	}
	return &Service{
		memory:      opts.Memory,
		durable:     opts.Durable,
		generator:   opts.Generator,
		executor:    opts.Executor,
		recorder:    opts.Recorder,
		logger:      opts.Logger,
		tracer:      opts.Tracer,
		coalesce:    opts.Coalesce,
		rowLimit:    opts.RowLimit,
		fillTimeout: opts.FillTimeout,
	}, nil
}

// AttachDurable enables the second tier on a running service, for a store
// that only became available after startup.
func (s *Service) AttachDurable(store cache.Store) {
	s.durableMu.Lock()
	defer s.durableMu.Unlock()
	s.durable = store
}

func (s *Service) durableStore() cache.Store {
	s.durableMu.RLock()
	defer s.durableMu.RUnlock()
	return s.durable
}

func (s *Service) Answer(ctx context.Context, question string) (Answer, error) {
	if strings.TrimSpace(question) == "" {
		return Answer{}, ErrQuestionRequired
	}
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "answer")
	defer span.End()

	if entry, ok := s.memory.Get(question); ok {
		s.recorder.RecordFirstTierHit()
		s.logger.DebugContext(ctx, "first tier hit", slog.String("question", question))
		return s.finish(span, question, entry, SourceFirstTier, start), nil
	}

	if entry, ok := s.lookupDurable(ctx, question); ok {
		s.recorder.RecordSecondTierHit()
		s.memory.Set(question, entry)
		observability.SetMemoryEntries(s.memory.Len())
		s.logger.DebugContext(ctx, "second tier hit", slog.String("question", question))
		return s.finish(span, question, entry, SourceSecondTier, start), nil
	}

	s.recorder.RecordMiss()
	result, leader, err := s.fill(ctx, question)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Answer{}, err
	}

	answer := s.finish(span, question, result.entry, SourceGenerated, start)
	if leader {
		usage := result.usage
		answer.Usage = &usage
	} else {
		answer.Coalesced = true
		observability.IncrementCoalescedAnswer()
	}
	span.SetAttributes(attribute.Bool("querycache.coalesced", answer.Coalesced))
	return answer, nil
}

func (s *Service) finish(span trace.Span, question string, entry cache.Entry, source Source, start time.Time) Answer {
	elapsed := time.Since(start)
	span.SetAttributes(
		attribute.String("querycache.source", string(source)),
		attribute.Int("querycache.rows", len(entry.Result.Rows)),
	)
	observability.ObserveAnswer(string(source), elapsed)
	return Answer{
		Question: question,
		SQL:      entry.Query,
		Result:   entry.Result,
		Source:   source,
		Duration: elapsed,
	}
}

// lookupDurable treats a storage failure as a miss; the failure is logged
// and counted but never fails the request.
func (s *Service) lookupDurable(ctx context.Context, question string) (cache.Entry, bool) {
	durable := s.durableStore()
	if durable == nil {
		return cache.Entry{}, false
	}
	entry, err := durable.Get(ctx, question)
	if err == nil {
		return entry, true
	}
	if !errors.Is(err, cache.ErrNotFound) {
		observability.IncrementDurableError("get")
		s.logger.WarnContext(ctx, "second tier lookup failed",
			slog.String("question", question),
			slog.Any("error", err),
		)
	}
	return cache.Entry{}, false
}

// fill generates, executes and stores an answer. With coalescing enabled,
// concurrent misses for the same normalized question share one fill; leader
// reports whether this caller started it. The shared fill is detached from
// the starting caller's cancellation, so a caller that goes away only stops
// waiting and the others still get the answer.
func (s *Service) fill(ctx context.Context, question string) (filled, bool, error) {
	if !s.coalesce {
		result, err := s.generateAndStore(ctx, question)
		return result, true, err
	}

	leader := false
	results := s.inflight.DoChan(cache.ComputeKey(question), func() (any, error) {
		leader = true
		fillCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fillTimeout)
		defer cancel()
		return s.generateAndStore(fillCtx, question)
	})
	select {
	case res := <-results:
		if res.Err != nil {
			return filled{}, leader, res.Err
		}
		return res.Val.(filled), leader, nil
	case <-ctx.Done():
		return filled{}, false, fmt.Errorf("wait for answer: %w", ctx.Err())
	}
}

func (s *Service) generateAndStore(ctx context.Context, question string) (filled, error) {
	genCtx, genSpan := s.tracer.Start(ctx, "generate")
	generated, err := s.generator.Generate(genCtx, nl2sql.Request{Question: question})
	if err != nil {
		genSpan.RecordError(err)
		genSpan.SetStatus(codes.Error, err.Error())
		genSpan.End()
		observability.IncrementAnswerFailure("generation")
		s.logger.WarnContext(ctx, "sql generation failed", slog.String("question", question), slog.Any("error", err))
		return filled{}, &GenerationError{Question: question, Err: err}
	}
	genSpan.SetAttributes(
		attribute.String("querycache.model", generated.Model),
		attribute.Int("querycache.total_tokens", generated.Usage.TotalTokens),
	)
	genSpan.End()
	observability.ObserveGeneration(generated.Usage.PromptTokens, generated.Usage.CompletionTokens, generated.Usage.CostUSD)

	execCtx, execSpan := s.tracer.Start(ctx, "execute")
	result, err := s.executor.Execute(execCtx, query.Request{SQL: generated.SQL, RowLimit: s.rowLimit})
	if err != nil {
		execSpan.RecordError(err)
		execSpan.SetStatus(codes.Error, err.Error())
		execSpan.End()
		observability.IncrementAnswerFailure("execution")
		s.logger.WarnContext(ctx, "sql execution failed",
			slog.String("question", question),
			slog.String("sql", generated.SQL),
			slog.Any("error", err),
		)
		return filled{}, &ExecutionError{SQL: generated.SQL, Err: err}
	}
	execSpan.SetAttributes(attribute.Int("querycache.rows", len(result.Rows)))
	execSpan.End()

	entry := cache.Entry{Query: generated.SQL, Result: result}
	s.storeDurable(ctx, question, entry)
	s.memory.Set(question, entry)
	observability.SetMemoryEntries(s.memory.Len())

	return filled{entry: entry, usage: generated.Usage}, nil
}

func (s *Service) storeDurable(ctx context.Context, question string, entry cache.Entry) {
	durable := s.durableStore()
	if durable == nil {
		return
	}
	inserted, err := durable.Put(ctx, question, entry)
	if err != nil {
		observability.IncrementDurableError("put")
		s.logger.WarnContext(ctx, "second tier write failed",
			slog.String("question", question),
			slog.Any("error", err),
		)
		return
	}
	if !inserted {
		s.logger.DebugContext(ctx, "second tier already held question", slog.String("question", question))
	}
}

// FlushMemory clears the first tier.
func (s *Service) FlushMemory() {
	s.memory.Clear()
	observability.SetMemoryEntries(0)
}

func (s *Service) Metrics() cache.Snapshot {
	return s.recorder.Snapshot()
}

func (s *Service) ResetMetrics() {
	s.recorder.Reset()
}

func (s *Service) MemoryEntries() int {
	return s.memory.Len()
}

func (s *Service) DurableEnabled() bool {
	return s.durableStore() != nil
}

// DurableEntries counts second-tier rows; it returns 0 without a durable
// tier.
func (s *Service) DurableEntries(ctx context.Context) (int64, error) {
	durable := s.durableStore()
	if durable == nil {
		return 0, nil
	}
	return durable.Count(ctx)
}
