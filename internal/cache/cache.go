package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/querycache/querycache/internal/query"
)

// ErrNotFound reports a tier miss. It drives fallthrough to the next tier and
// is never returned to callers of the answer service.
var ErrNotFound = errors.New("cache: not found")

// Entry is a cached generation: the SQL text and the result it produced.
type Entry struct {
	Query  string
	Result query.Result
}

// Store is the durable second tier. Keys are derived from the normalized
// question with ComputeKey; the first writer for a key wins.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Get(ctx context.Context, question string) (Entry, error)
	// Put reports whether the entry was inserted. A false return with a nil
	// error means another writer already stored the key.
	Put(ctx context.Context, question string, entry Entry) (bool, error)
	Count(ctx context.Context) (int64, error)
}

type SchemaProvisionError struct {
	Backend string
	Err     error
}

func (e *SchemaProvisionError) Error() string {
	return fmt.Sprintf("provision %s cache schema: %v", e.Backend, e.Err)
}

func (e *SchemaProvisionError) Unwrap() error {
	return e.Err
}
