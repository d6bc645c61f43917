// Package app assembles the answer service and its collaborators from
// configuration. Both binaries build through it.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/querycache/querycache/internal/answer"
	"github.com/querycache/querycache/internal/cache"
	cachepostgres "github.com/querycache/querycache/internal/cache/postgres"
	cachesqlite "github.com/querycache/querycache/internal/cache/sqlite"
	"github.com/querycache/querycache/internal/config"
	"github.com/querycache/querycache/internal/database"
	"github.com/querycache/querycache/internal/dataset"
	"github.com/querycache/querycache/internal/nl2sql"
	"github.com/querycache/querycache/internal/observability"
	"github.com/querycache/querycache/internal/query"
	duckdbengine "github.com/querycache/querycache/internal/query/duckdb"
	postgresengine "github.com/querycache/querycache/internal/query/postgres"
	"github.com/querycache/querycache/internal/schema"
	"github.com/querycache/querycache/internal/storage"
	s3store "github.com/querycache/querycache/internal/storage/s3"
)

// Stack is a fully wired service. Close releases everything Build opened.
type Stack struct {
	Config  config.Config
	Logger  *slog.Logger
	Answers *answer.Service
	Schema  schema.Provider

	mu         sync.Mutex
	db         *sql.DB
	durable    cache.Store
	durableErr error
	pingers    []func(context.Context) error
	closers    []func() error
	closeOnce  sync.Once
}

// Build opens the warehouse, the durable tier and the generator. A durable
// tier that cannot be opened or provisioned is logged and left out: the
// service then answers from the first tier alone, and Ready reports the
// failure and retries the provisioning.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Stack, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	stack := &Stack{Config: cfg, Logger: logger}

	executor, provider, err := stack.openWarehouse(ctx)
	if err != nil {
		_ = stack.Close()
		return nil, err
	}
	stack.Schema = provider

	stack.provisionDurable(ctx)

	generator, err := nl2sql.NewOpenAIGenerator(nl2sql.OpenAIConfig{
		BaseURL:     cfg.AI.BaseURL,
		APIKey:      cfg.AI.APIKey,
		Model:       cfg.AI.Model,
		Temperature: cfg.AI.Temperature,
		Timeout:     cfg.AI.Timeout,
		Dialect:     cfg.Warehouse.Engine,
		Pricing: nl2sql.Pricing{
			InputPerMillion:  cfg.AI.InputPricePerMillion,
			OutputPerMillion: cfg.AI.OutputPricePerMillion,
		},
		RequestsPerSecond: cfg.AI.RequestsPerSecond,
		Burst:             cfg.AI.Burst,
	}, provider)
	if err != nil {
		_ = stack.Close()
		return nil, fmt.Errorf("initialize sql generator: %w", err)
	}

	service, err := answer.NewService(answer.Options{
		Memory:    cache.NewMemory(cfg.Cache.MemoryCapacity, cfg.Cache.MemoryTTL),
		Durable:   stack.durable,
		Generator: generator,
		Executor:  executor,
		Recorder:  cache.NewRecorder(),
		Logger:    logger,
		Tracer:    observability.Tracer(),
		Coalesce:  cfg.Cache.Coalesce,
		RowLimit:  cfg.Warehouse.RowLimit,
	})
	if err != nil {
		_ = stack.Close()
		return nil, fmt.Errorf("initialize answer service: %w", err)
	}
	stack.Answers = service
	return stack, nil
}

func (s *Stack) openWarehouse(ctx context.Context) (query.Engine, schema.Provider, error) {
	switch s.Config.Warehouse.Engine {
	case config.EngineDuckDB:
		objectStore, err := OpenObjectStore(ctx, s.Config)
		if err != nil {
			return nil, nil, err
		}
		if pinger, ok := objectStore.(storage.Pinger); ok {
			s.pingers = append(s.pingers, pinger.Ping)
		}
		engine := duckdbengine.NewEngine(objectStore, s.Config.Warehouse.DatasetPrefix, s.Config.Warehouse.RowLimit)
		return engine, engine, nil
	default:
		db, err := s.database(ctx)
		if err != nil {
			return nil, nil, err
		}
		return postgresengine.NewEngine(db, s.Config.Warehouse.RowLimit),
			schema.NewPostgresProvider(db, s.Config.Cache.Table), nil
	}
}

func (s *Stack) provisionDurable(ctx context.Context) {
	if s.Config.Cache.DurableBackend == config.DurableBackendNone {
		s.Logger.InfoContext(ctx, "durable cache tier disabled")
		return
	}
	store, err := s.openDurable(ctx)
	if err != nil {
		s.durableErr = err
		s.Logger.ErrorContext(ctx, "durable cache tier unavailable, serving from memory only",
			slog.String("backend", s.Config.Cache.DurableBackend),
			slog.Any("error", err),
		)
		return
	}
	s.durable = store
	s.Logger.InfoContext(ctx, "durable cache tier ready", slog.String("backend", s.Config.Cache.DurableBackend))
}

// openDurable opens and provisions the configured durable store. Its closer
// and pinger are registered only once provisioning succeeded.
func (s *Stack) openDurable(ctx context.Context) (cache.Store, error) {
	switch s.Config.Cache.DurableBackend {
	case config.DurableBackendSQLite:
		store, err := cachesqlite.Open(s.Config.Cache.SQLitePath, s.Config.Cache.Table)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		s.closers = append(s.closers, store.Close)
		s.pingers = append(s.pingers, store.Ping)
		return store, nil
	default:
		db, err := s.database(ctx)
		if err != nil {
			return nil, err
		}
		store := cachepostgres.NewStore(db, s.Config.Cache.Table)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return store, nil
	}
}

// retryDurable provisions a durable tier that failed earlier and hands it to
// the answer service.
func (s *Stack) retryDurable(ctx context.Context) error {
	store, err := s.openDurable(ctx)
	if err != nil {
		s.durableErr = err
		return err
	}
	s.durable = store
	s.durableErr = nil
	if s.Answers != nil {
		s.Answers.AttachDurable(store)
	}
	s.Logger.InfoContext(ctx, "durable cache tier recovered", slog.String("backend", s.Config.Cache.DurableBackend))
	return nil
}

// database opens the shared PostgreSQL pool on first use.
func (s *Stack) database(ctx context.Context) (*sql.DB, error) {
	if s.db != nil {
		return s.db, nil
	}
	db, err := OpenDatabase(ctx, s.Config)
	if err != nil {
		return nil, err
	}
	s.db = db
	s.closers = append(s.closers, db.Close)
	s.pingers = append(s.pingers, db.PingContext)
	return db, nil
}

// Ready checks every open connection. A durable tier that was configured but
// could not be provisioned is retried here and reported while it still fails.
func (s *Stack) Ready(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ping := range s.pingers {
		if err := ping(ctx); err != nil {
			return fmt.Errorf("dependency ping: %w", err)
		}
	}
	if s.durableErr != nil {
		if err := s.retryDurable(ctx); err != nil {
			return fmt.Errorf("durable cache tier unavailable: %w", err)
		}
	}
	return nil
}

func (s *Stack) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i := len(s.closers) - 1; i >= 0; i-- {
			if err := s.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

func OpenDatabase(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := database.OpenPostgres(ctx, database.PostgresConfig{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("open warehouse database: %w", err)
	}
	return db, nil
}

func OpenObjectStore(ctx context.Context, cfg config.Config) (storage.ObjectStore, error) {
	store, err := s3store.New(ctx, s3store.Config{
		Endpoint:         cfg.ObjectStore.Endpoint,
		Region:           cfg.ObjectStore.Region,
		Bucket:           cfg.ObjectStore.Bucket,
		AccessKeyID:      cfg.ObjectStore.AccessKeyID,
		SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
		UseSSL:           cfg.ObjectStore.UseSSL,
		Prefix:           cfg.ObjectStore.Prefix,
		AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize object store: %w", err)
	}
	return store, nil
}

// NewImporter returns the dataset importer for the configured warehouse and
// a close func for whatever it opened.
func NewImporter(ctx context.Context, cfg config.Config) (dataset.Importer, func() error, error) {
	if cfg.Warehouse.Engine == config.EngineDuckDB {
		objectStore, err := OpenObjectStore(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return dataset.NewParquetImporter(objectStore, cfg.Warehouse.DatasetPrefix), func() error { return nil }, nil
	}
	db, err := OpenDatabase(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return dataset.NewPostgresImporter(db), db.Close, nil
}
