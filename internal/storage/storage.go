// Package storage describes the object store that holds the Parquet copies
// of the warehouse tables.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

const ParquetContentType = "application/vnd.apache.parquet"

var ErrObjectNotFound = errors.New("object not found")

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

type PutOptions struct {
	ContentType string
	// Metadata is stored as user metadata next to the object.
	Metadata map[string]string
}

type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// List returns every object under prefix, keys relative to the store root.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

// Pinger is implemented by stores that can check their backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}
