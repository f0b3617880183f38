// Package gcs provides a shard provider backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	fxstorage "github.com/JakeFAU/fx-rate-archiver/internal/storage"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// Prefix is prepended to every object path, e.g. "db".
	Prefix string
	// ContentType is set on written objects.
	ContentType string
}

// BlobStore reads and writes shard objects in a configured GCS bucket.
// Object uploads become visible only when the writer is closed successfully,
// which gives Put the same all-or-nothing semantics as a local rename.
type BlobStore struct {
	client      *storage.Client
	bucket      string
	prefix      string
	contentType string
}

// New creates a GCS-backed provider.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	contentType := cfg.ContentType
	if contentType == "" {
		contentType = "text/csv; charset=utf-8"
	}
	return &BlobStore{
		client:      client,
		bucket:      cfg.Bucket,
		prefix:      strings.Trim(cfg.Prefix, "/"),
		contentType: contentType,
	}, nil
}

// Get downloads an object.
func (s *BlobStore) Get(ctx context.Context, p string) ([]byte, error) {
	name, err := s.objectName(p)
	if err != nil {
		return nil, err
	}
	reader, err := s.client.Bucket(s.bucket).Object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%s: %w", p, fxstorage.ErrNotFound)
		}
		return nil, fmt.Errorf("open object %s: %w", name, err)
	}
	defer func() {
		_ = reader.Close()
	}()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", name, err)
	}
	return data, nil
}

// Put uploads data, replacing any existing object.
func (s *BlobStore) Put(ctx context.Context, p string, data []byte) error {
	name, err := s.objectName(p)
	if err != nil {
		return err
	}
	writer := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	writer.ContentType = s.contentType
	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// List returns provider-relative paths of objects under prefix.
func (s *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	query := &storage.Query{Prefix: s.fullPrefix(prefix)}
	it := s.client.Bucket(s.bucket).Objects(ctx, query)
	var out []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		out = append(out, s.relative(attrs.Name))
	}
	sort.Strings(out)
	return out, nil
}

func (s *BlobStore) objectName(p string) (string, error) {
	clean := strings.Trim(p, "/")
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	if s.prefix == "" {
		return clean, nil
	}
	return path.Join(s.prefix, clean), nil
}

func (s *BlobStore) fullPrefix(prefix string) string {
	if s.prefix == "" {
		return prefix
	}
	if prefix == "" {
		return s.prefix + "/"
	}
	return s.prefix + "/" + strings.TrimPrefix(prefix, "/")
}

func (s *BlobStore) relative(name string) string {
	if s.prefix == "" {
		return name
	}
	return strings.TrimPrefix(name, s.prefix+"/")
}
