package exemplar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/nlquery/nlquery/internal/failure"
	"github.com/nlquery/nlquery/internal/storage"
)

const maxCorpusBytes = 32 << 20

// ErrNoExemplars reports a corpus document that yields no usable exemplar.
var ErrNoExemplars = errors.New("corpus has no exemplars")

// Source yields the raw corpus document.
type Source interface {
	Name() string
	Read(ctx context.Context) ([]byte, error)
}

// Writer is implemented by sources that accept a replacement document.
type Writer interface {
	Write(ctx context.Context, data []byte) error
}

type FileSource struct {
	Path string
}

func (f FileSource) Name() string { return "file://" + f.Path }

func (f FileSource) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(f.Path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxCorpusBytes {
		return nil, fmt.Errorf("corpus file is %d bytes, limit is %d", info.Size(), maxCorpusBytes)
	}
	return os.ReadFile(f.Path)
}

type ObjectSource struct {
	Store storage.ObjectStore
	Key   string
}

func (o ObjectSource) Name() string { return "object://" + strings.TrimPrefix(o.Key, "/") }

func (o ObjectSource) Read(ctx context.Context) ([]byte, error) {
	return storage.ReadObject(ctx, o.Store, o.Key, maxCorpusBytes)
}

func (o ObjectSource) Write(ctx context.Context, data []byte) error {
	if o.Store == nil {
		return fmt.Errorf("object store is required")
	}
	_, err := o.Store.Put(ctx, o.Key, bytes.NewReader(data), int64(len(data)), storage.PutOptions{ContentType: "application/yaml"})
	return err
}

// Load reads and parses a corpus. Any read or parse problem, including a
// corpus with no exemplars, is a LoadError.
func Load(ctx context.Context, source Source, opts ParseOptions) ([]Exemplar, error) {
	if source == nil {
		return nil, failure.Newf(failure.KindLoad, "load corpus", "corpus source is required")
	}
	data, err := source.Read(ctx)
	if err != nil {
		return nil, failure.Load("load corpus", fmt.Errorf("read %s: %w", source.Name(), err))
	}
	exemplars, err := Parse(data, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", source.Name(), err)
	}
	if err := requireExemplars("load corpus", exemplars); err != nil {
		return nil, fmt.Errorf("%s: %w", source.Name(), err)
	}
	return exemplars, nil
}

func requireExemplars(op string, exemplars []Exemplar) error {
	if len(exemplars) == 0 {
		return failure.Load(op, ErrNoExemplars)
	}
	return nil
}
