package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var ErrObjectNotFound = errors.New("object not found")

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

type PutOptions struct {
	ContentType string
}

// ObjectStore holds corpus documents and the parquet files backing
// warehouse tables.
type ObjectStore interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (ObjectInfo, error)
}

// ReadObject reads a whole object, refusing anything larger than maxBytes.
// A non-positive maxBytes disables the limit.
func ReadObject(ctx context.Context, store ObjectStore, key string, maxBytes int64) ([]byte, error) {
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	reader, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	if maxBytes <= 0 {
		payload, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("read object %q: %w", key, err)
		}
		return payload, nil
	}
	payload, err := io.ReadAll(io.LimitReader(reader, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read object %q: %w", key, err)
	}
	if int64(len(payload)) > maxBytes {
		return nil, fmt.Errorf("object %q exceeds %d bytes", key, maxBytes)
	}
	return payload, nil
}
