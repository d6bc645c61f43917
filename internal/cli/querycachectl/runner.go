// Package querycachectl implements the querycachectl command line: local
// commands build the answer stack in process, admin commands call a running
// querycache-api.
package querycachectl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/querycache/querycache/internal/answer"
	"github.com/querycache/querycache/internal/cache"
	"github.com/querycache/querycache/internal/dataset"
	"github.com/querycache/querycache/internal/schema"
)

// Answerer is the slice of answer.Service the local commands use.
type Answerer interface {
	Answer(ctx context.Context, question string) (answer.Answer, error)
	FlushMemory()
	ResetMetrics()
	Metrics() cache.Snapshot
}

type Local struct {
	Answers Answerer
	Schema  schema.Provider
	Close   func() error
}

type Options struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
	// OpenLocal builds the in-process stack for ask, bench and schema.
	OpenLocal func(ctx context.Context) (Local, error)
	// OpenImporter builds the dataset importer for import.
	OpenImporter func(ctx context.Context) (dataset.Importer, func() error, error)
}

type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }

func (e usageError) Unwrap() error { return e.err }

func usageArgs(validate cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := validate(cmd, args); err != nil {
			return usageError{err: err}
		}
		return nil
	}
}

// Run executes one command and returns the process exit code: 0 on success,
// 2 for usage errors, 1 for everything else.
func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	if args == nil {
		args = []string{}
	}
	root := newRootCmd(defaults, stdout)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
	var usage usageError
	if errors.As(err, &usage) {
		_, _ = fmt.Fprintln(stderr, "")
		_, _ = fmt.Fprint(stderr, root.UsageString())
		return 2
	}
	return 1
}

func newRootCmd(defaults Options, stdout io.Writer) *cobra.Command {
	var (
		baseURL string
		timeout time.Duration
	)
	root := &cobra.Command{
		Use:           "querycachectl",
		Short:         "Ask questions through the query cache and administer a running querycache-api",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return usageError{err: errors.New("a command is required")}
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err: err}
	})
	root.PersistentFlags().StringVar(&baseURL, "base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "querycache-api base URL")
	root.PersistentFlags().DurationVar(&timeout, "timeout", durationOr(defaults.Timeout, 10*time.Second), "HTTP timeout (e.g. 10s)")

	remote := func(ctx context.Context, method, path string) error {
		client := defaults.HTTPClient
		if client == nil {
			client = &http.Client{Timeout: timeout}
		}
		return callAPI(ctx, client, method, strings.TrimRight(baseURL, "/")+path, stdout)
	}

	root.AddCommand(
		newAskCmd(defaults, stdout),
		newBenchCmd(defaults, stdout),
		newSchemaCmd(defaults, stdout),
		newImportCmd(defaults, stdout),
		newRemoteCmd("stats", "Show cache counters (GET /v1/cache/stats)", http.MethodGet, "/v1/cache/stats", remote),
		newRemoteCmd("reset-metrics", "Reset cache counters (POST /v1/cache/stats/reset)", http.MethodPost, "/v1/cache/stats/reset", remote),
		newRemoteCmd("flush", "Clear the first cache tier (POST /v1/cache/flush)", http.MethodPost, "/v1/cache/flush", remote),
		newRemoteCmd("health", "Liveness probe (GET /v1/health)", http.MethodGet, "/v1/health", remote),
		newRemoteCmd("ready", "Readiness probe (GET /v1/ready)", http.MethodGet, "/v1/ready", remote),
	)
	return root
}

func newRemoteCmd(use, short, method, path string, call func(ctx context.Context, method, path string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd.Context(), method, path)
		},
	}
}

func callAPI(ctx context.Context, client *http.Client, method, url string, stdout io.Writer) error {
	code, responseBody, err := doRequest(ctx, client, method, url)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if code >= 400 {
		return fmt.Errorf("http %d: %s", code, strings.TrimSpace(string(responseBody)))
	}
	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return nil
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(stdout, string(responseBody))
	}
	return nil
}

func doRequest(ctx context.Context, client *http.Client, method, url string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
