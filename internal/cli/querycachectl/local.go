package querycachectl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/querycache/querycache/internal/dataset"
)

func openLocal(ctx context.Context, defaults Options) (Local, error) {
	if defaults.OpenLocal == nil {
		return Local{}, errors.New("local answer stack is not configured")
	}
	local, err := defaults.OpenLocal(ctx)
	if err != nil {
		return Local{}, err
	}
	if local.Close == nil {
		local.Close = func() error { return nil }
	}
	return local, nil
}

func newAskCmd(defaults Options, stdout io.Writer) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question through both cache tiers",
		Args:  usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			local, err := openLocal(cmd.Context(), defaults)
			if err != nil {
				return err
			}
			defer func() { _ = local.Close() }()
			if local.Answers == nil {
				return errors.New("answer service is not configured")
			}

			result, err := local.Answers.Answer(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			if asJSON {
				encoder := json.NewEncoder(stdout)
				encoder.SetIndent("", "  ")
				return encoder.Encode(map[string]any{
					"question":    result.Question,
					"sql":         result.SQL,
					"columns":     result.Result.Columns,
					"rows":        result.Result.Rows,
					"source":      result.Source,
					"usage":       result.Usage,
					"duration_ms": float64(result.Duration.Microseconds()) / 1000,
				})
			}

			_, _ = fmt.Fprintf(stdout, "Source: %s (%s)\n", result.Source, formatMillis(result.Duration))
			_, _ = fmt.Fprintf(stdout, "SQL: %s\n", result.SQL)
			if result.Usage != nil {
				_, _ = fmt.Fprintf(stdout, "Tokens: prompt=%d completion=%d total=%d cost=$%.6f\n",
					result.Usage.PromptTokens, result.Usage.CompletionTokens, result.Usage.TotalTokens, result.Usage.CostUSD)
			}
			_, _ = fmt.Fprintln(stdout, "")
			return writeRows(stdout, result.Result.Columns, result.Result.Rows)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the answer as JSON")
	return cmd
}

func writeRows(w io.Writer, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		_, _ = fmt.Fprintln(w, "(no rows)")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, strings.Join(columns, "\t"))
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, value := range row {
			if value == nil {
				cells[i] = "NULL"
				continue
			}
			cells[i] = fmt.Sprint(value)
		}
		_, _ = fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "(%d rows)\n", len(rows))
	return nil
}

func newBenchCmd(defaults Options, stdout io.Writer) *cobra.Command {
	cfg := BenchmarkConfig{}
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark cache latency and generation cost savings",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.Runs < 0 || cfg.ForceSecondTierRuns < 0 {
				return usageError{err: errors.New("--runs and --force-tier2-runs must not be negative")}
			}
			local, err := openLocal(cmd.Context(), defaults)
			if err != nil {
				return err
			}
			defer func() { _ = local.Close() }()

			report, err := RunBenchmark(cmd.Context(), local.Answers, cfg)
			if err != nil {
				return err
			}
			WriteReport(stdout, report)
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.Question, "question", DefaultBenchQuestion, "natural-language question to benchmark")
	cmd.Flags().IntVar(&cfg.Runs, "runs", DefaultBenchRuns, "sequential runs with natural cache behaviour")
	cmd.Flags().IntVar(&cfg.ForceSecondTierRuns, "force-tier2-runs", DefaultForcedSecondRuns, "extra runs with the first tier flushed before each")
	return cmd
}

func newSchemaCmd(defaults Options, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the schema description handed to the SQL generator",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			local, err := openLocal(cmd.Context(), defaults)
			if err != nil {
				return err
			}
			defer func() { _ = local.Close() }()
			if local.Schema == nil {
				return errors.New("schema provider is not configured")
			}
			description, err := local.Schema.Describe(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(stdout, strings.TrimSpace(description))
			return nil
		},
	}
}

func newImportCmd(defaults Options, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "import <dir>",
		Short: "Load every CSV file in a directory into the warehouse",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if defaults.OpenImporter == nil {
				return errors.New("dataset importer is not configured")
			}
			importer, closeImporter, err := defaults.OpenImporter(cmd.Context())
			if err != nil {
				return err
			}
			if closeImporter != nil {
				defer func() { _ = closeImporter() }()
			}

			reports, err := dataset.ImportDir(cmd.Context(), args[0], importer, nil)
			tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "FILE\tTABLE\tROWS")
			for _, report := range reports {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\n", report.File, report.Table, report.Rows)
			}
			_ = tw.Flush()
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(stdout, "Imported %d files\n", len(reports))
			return nil
		},
	}
}
