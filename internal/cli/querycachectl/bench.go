package querycachectl

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/querycache/querycache/internal/answer"
	"github.com/querycache/querycache/internal/cache"
	"github.com/querycache/querycache/internal/nl2sql"
)

const (
	DefaultBenchQuestion    = "Show all customers who are from Alabama"
	DefaultBenchRuns        = 10
	DefaultForcedSecondRuns = 3
	fastRepeatThreshold     = 100 * time.Millisecond
)

type BenchmarkConfig struct {
	Question            string
	Runs                int
	ForceSecondTierRuns int
}

type BenchmarkRun struct {
	Source  answer.Source
	Elapsed time.Duration
	Rows    int
	Usage   *nl2sql.Usage
}

type BenchmarkReport struct {
	Question string
	Main     []BenchmarkRun
	Forced   []BenchmarkRun
	Summary  BenchmarkSummary
	Metrics  cache.Snapshot
}

type BenchmarkSummary struct {
	Total            int
	Misses           int
	Hits             int
	HitRatio         float64
	RepeatRuns       int
	RepeatMedian     time.Duration
	RepeatAverage    time.Duration
	RepeatFastCached int
	ForcedMedian     time.Duration
	ForcedAverage    time.Duration
	ActualCostUSD    float64

	// Estimates are nil when no run paid for generation.
	EstimatedNoCacheCostUSD *float64
	EstimatedSavedPercent   *float64
}

// RunBenchmark resets metrics and flushes the first tier, runs the question
// cfg.Runs times with natural cache behaviour, then cfg.ForceSecondTierRuns
// more times flushing the first tier before each call.
func RunBenchmark(ctx context.Context, answers Answerer, cfg BenchmarkConfig) (BenchmarkReport, error) {
	if answers == nil {
		return BenchmarkReport{}, fmt.Errorf("answer service is required")
	}
	if cfg.Runs < 0 || cfg.ForceSecondTierRuns < 0 {
		return BenchmarkReport{}, fmt.Errorf("run counts must not be negative")
	}

	answers.ResetMetrics()
	answers.FlushMemory()

	report := BenchmarkReport{Question: cfg.Question}
	for i := 0; i < cfg.Runs; i++ {
		run, err := benchmarkOnce(ctx, answers, cfg.Question)
		if err != nil {
			return report, fmt.Errorf("run %d: %w", i+1, err)
		}
		report.Main = append(report.Main, run)
	}
	for i := 0; i < cfg.ForceSecondTierRuns; i++ {
		answers.FlushMemory()
		run, err := benchmarkOnce(ctx, answers, cfg.Question)
		if err != nil {
			return report, fmt.Errorf("forced run %d: %w", i+1, err)
		}
		report.Forced = append(report.Forced, run)
	}

	report.Summary = Summarize(report.Main, report.Forced)
	report.Metrics = answers.Metrics()
	return report, nil
}

func benchmarkOnce(ctx context.Context, answers Answerer, question string) (BenchmarkRun, error) {
	start := time.Now()
	result, err := answers.Answer(ctx, question)
	if err != nil {
		return BenchmarkRun{}, err
	}
	return BenchmarkRun{
		Source:  result.Source,
		Elapsed: time.Since(start),
		Rows:    len(result.Result.Rows),
		Usage:   result.Usage,
	}, nil
}

func Summarize(main, forced []BenchmarkRun) BenchmarkSummary {
	summary := BenchmarkSummary{Total: len(main)}

	var missCosts []float64
	for _, run := range main {
		if run.Source == answer.SourceGenerated {
			summary.Misses++
			cost := 0.0
			if run.Usage != nil {
				cost = run.Usage.CostUSD
			}
			missCosts = append(missCosts, cost)
		} else {
			summary.Hits++
		}
		if run.Usage != nil {
			summary.ActualCostUSD += run.Usage.CostUSD
		}
	}
	if summary.Total > 0 {
		summary.HitRatio = float64(summary.Hits) / float64(summary.Total)
	}

	if len(main) > 1 {
		repeat := main[1:]
		summary.RepeatRuns = len(repeat)
		summary.RepeatMedian, summary.RepeatAverage = latencyStats(repeat)
		for _, run := range repeat {
			if run.Source != answer.SourceGenerated && run.Elapsed < fastRepeatThreshold {
				summary.RepeatFastCached++
			}
		}
	}
	if len(forced) > 0 {
		summary.ForcedMedian, summary.ForcedAverage = latencyStats(forced)
	}

	if len(missCosts) > 0 {
		total := 0.0
		for _, cost := range missCosts {
			total += cost
		}
		noCache := total / float64(len(missCosts)) * float64(summary.Total)
		summary.EstimatedNoCacheCostUSD = &noCache
		if noCache > 0 {
			saved := (1 - summary.ActualCostUSD/noCache) * 100
			summary.EstimatedSavedPercent = &saved
		}
	}
	return summary
}

func latencyStats(runs []BenchmarkRun) (time.Duration, time.Duration) {
	values := make([]time.Duration, len(runs))
	var total time.Duration
	for i, run := range runs {
		values[i] = run.Elapsed
		total += run.Elapsed
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	middle := len(values) / 2
	median := values[middle]
	if len(values)%2 == 0 {
		median = (values[middle-1] + values[middle]) / 2
	}
	return median, total / time.Duration(len(values))
}

func WriteReport(w io.Writer, report BenchmarkReport) {
	_, _ = fmt.Fprintln(w, "=== Main runs (natural cache behaviour) ===")
	for i, run := range report.Main {
		_, _ = fmt.Fprintf(w, "Run %02d: source=%-9s latency=%s rows=%d\n", i+1, run.Source, formatMillis(run.Elapsed), run.Rows)
	}
	if len(report.Forced) > 0 {
		_, _ = fmt.Fprintln(w, "")
		_, _ = fmt.Fprintln(w, "=== Forced second-tier runs (first tier flushed before each run) ===")
		for i, run := range report.Forced {
			_, _ = fmt.Fprintf(w, "T2 %02d: source=%-9s latency=%s rows=%d\n", i+1, run.Source, formatMillis(run.Elapsed), run.Rows)
		}
	}

	s := report.Summary
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "=== Summary ===")
	_, _ = fmt.Fprintf(w, "Total requests: %d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Generation misses: %d\n", s.Misses)
	_, _ = fmt.Fprintf(w, "Cache hits: %d\n", s.Hits)
	_, _ = fmt.Fprintf(w, "Cache hit ratio: %.2f%%\n", s.HitRatio*100)
	if s.RepeatRuns > 0 {
		_, _ = fmt.Fprintf(w, "Repeat-query median latency: %s\n", formatMillis(s.RepeatMedian))
		_, _ = fmt.Fprintf(w, "Repeat-query avg latency: %s\n", formatMillis(s.RepeatAverage))
		_, _ = fmt.Fprintf(w, "Repeat cached runs under 100 ms: %d/%d (%.2f%%)\n",
			s.RepeatFastCached, s.RepeatRuns, float64(s.RepeatFastCached)/float64(s.RepeatRuns)*100)
	}
	if len(report.Forced) > 0 {
		_, _ = fmt.Fprintf(w, "Forced second-tier median latency: %s\n", formatMillis(s.ForcedMedian))
		_, _ = fmt.Fprintf(w, "Forced second-tier avg latency: %s\n", formatMillis(s.ForcedAverage))
	}
	_, _ = fmt.Fprintf(w, "Actual generation cost (USD): $%.6f\n", s.ActualCostUSD)
	if s.EstimatedNoCacheCostUSD != nil {
		_, _ = fmt.Fprintf(w, "Estimated no-cache cost (USD): $%.6f\n", *s.EstimatedNoCacheCostUSD)
	}
	if s.EstimatedSavedPercent != nil {
		_, _ = fmt.Fprintf(w, "Estimated cost saved by cache: %.2f%%\n", *s.EstimatedSavedPercent)
	} else {
		_, _ = fmt.Fprintln(w, "Estimated cost saved by cache: n/a (no generation misses observed)")
	}

	m := report.Metrics
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "Cache metrics snapshot: tier1_hits=%d tier2_hits=%d misses=%d hit_rate=%.2f\n",
		m.FirstTierHits, m.SecondTierHits, m.Misses, m.HitRate())
}

func formatMillis(d time.Duration) string {
	return fmt.Sprintf("%.2f ms", float64(d.Microseconds())/1000)
}
