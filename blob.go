package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// Paths may be local files or Cloud Storage objects written as
// gs://bucket/object. Checkpoints, tokenizers and corpora all go through
// these helpers, so every artifact can live in either place.

const gcsScheme = "gs://"

func isGCSPath(path string) bool {
	return strings.HasPrefix(path, gcsScheme)
}

// splitGCSPath returns bucket and object name of a gs:// URL.
func splitGCSPath(path string) (bucket, object string, err error) {
	rest := strings.TrimPrefix(path, gcsScheme)
	bucket, object, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("blob: %q has no bucket", path)
	}
	return bucket, object, nil
}

// gcsReader closes the storage client together with the object reader.
type gcsReader struct {
	*storage.Reader
	client *storage.Client
}

func (r *gcsReader) Close() error {
	return errors.Join(r.Reader.Close(), r.client.Close())
}

type gcsWriter struct {
	*storage.Writer
	client *storage.Client
}

// Close commits the object. The upload is only visible once Close returns
// nil.
func (w *gcsWriter) Close() error {
	return errors.Join(w.Writer.Close(), w.client.Close())
}

// OpenReader opens path for reading.
func OpenReader(ctx context.Context, path string) (io.ReadCloser, error) {
	if !isGCSPath(path) {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("blob: open %s: %w", path, err)
		}
		return f, nil
	}

	bucket, object, err := splitGCSPath(path)
	if err != nil {
		return nil, err
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("blob: create storage client: %w", err)
	}
	r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("blob: open %s: %w", path, err)
	}
	return &gcsReader{Reader: r, client: client}, nil
}

// OpenWriter creates or truncates path. Local parent directories are
// created as needed.
func OpenWriter(ctx context.Context, path string) (io.WriteCloser, error) {
	if !isGCSPath(path) {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("blob: create %s: %w", dir, err)
			}
		}
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("blob: create %s: %w", path, err)
		}
		return f, nil
	}

	bucket, object, err := splitGCSPath(path)
	if err != nil {
		return nil, err
	}
	if object == "" {
		return nil, fmt.Errorf("blob: %q has no object name", path)
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("blob: create storage client: %w", err)
	}
	return &gcsWriter{Writer: client.Bucket(bucket).Object(object).NewWriter(ctx), client: client}, nil
}

// readGCSPrefix calls fn with the contents of every object under a
// gs://bucket/prefix, in listing order.
func readGCSPrefix(ctx context.Context, path string, fn func(name string, data []byte) error) error {
	bucket, prefix, err := splitGCSPath(path)
	if err != nil {
		return err
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("blob: create storage client: %w", err)
	}
	defer client.Close()

	handle := client.Bucket(bucket)
	it := handle.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err != nil {
			if errors.Is(err, iterator.Done) {
				return nil
			}
			return fmt.Errorf("blob: list %s: %w", path, err)
		}
		if strings.HasSuffix(attrs.Name, "/") {
			continue
		}

		r, err := handle.Object(attrs.Name).NewReader(ctx)
		if err != nil {
			return fmt.Errorf("blob: open gs://%s/%s: %w", bucket, attrs.Name, err)
		}
		data, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			return fmt.Errorf("blob: read gs://%s/%s: %w", bucket, attrs.Name, err)
		}
		if err := fn(attrs.Name, data); err != nil {
			return err
		}
	}
}
