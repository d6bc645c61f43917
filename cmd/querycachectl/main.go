package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/querycache/querycache/internal/app"
	"github.com/querycache/querycache/internal/cli/querycachectl"
	"github.com/querycache/querycache/internal/config"
	"github.com/querycache/querycache/internal/dataset"
	"github.com/querycache/querycache/internal/observability"
)

func main() {
	timeout := parseDurationWithDefault(strings.TrimSpace(os.Getenv("QUERYCACHE_CLI_TIMEOUT")), 10*time.Second)
	options := querycachectl.Options{
		BaseURL:      envOr("QUERYCACHE_API_URL", "http://localhost:8080"),
		Timeout:      timeout,
		Stdout:       os.Stdout,
		Stderr:       os.Stderr,
		OpenLocal:    openLocal,
		OpenImporter: openImporter,
	}

	code := querycachectl.Run(context.Background(), os.Args[1:], options)
	os.Exit(code)
}

func openLocal(ctx context.Context) (querycachectl.Local, error) {
	cfg, err := config.LoadFromEnv("querycachectl")
	if err != nil {
		return querycachectl.Local{}, err
	}
	stack, err := app.Build(ctx, cfg, observability.NewLogger(cfg, os.Stderr))
	if err != nil {
		return querycachectl.Local{}, err
	}
	return querycachectl.Local{Answers: stack.Answers, Schema: stack.Schema, Close: stack.Close}, nil
}

func openImporter(ctx context.Context) (dataset.Importer, func() error, error) {
	cfg, err := config.LoadFromEnv("querycachectl")
	if err != nil {
		return nil, nil, err
	}
	return app.NewImporter(ctx, cfg)
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseDurationWithDefault(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid QUERYCACHE_CLI_TIMEOUT %q; using %s\n", raw, fallback)
		return fallback
	}
	return parsed
}
