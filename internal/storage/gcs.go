package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// Compile-time interface checks.
var (
	_ Store  = (*GCSStore)(nil)
	_ Signer = (*GCSStore)(nil)
)

// GCSStore stores objects in a Google Cloud Storage bucket.
type GCSStore struct {
	bucket *gcs.BucketHandle
	name   string
}

// NewGCSStore wraps a bucket on client. The caller owns the client lifecycle.
func NewGCSStore(client *gcs.Client, bucket string) *GCSStore {
	return &GCSStore{bucket: client.Bucket(bucket), name: bucket}
}

// Put uploads r as name. A failed copy cancels the writer's context before
// closing it, which aborts the upload instead of committing a partial object.
func (s *GCSStore) Put(ctx context.Context, name string, r io.Reader, contentType string) error {
	return putObject(ctx, func(ctx context.Context) objectWriter {
		w := s.bucket.Object(name).NewWriter(ctx)
		w.ContentType = contentType
		return w
	}, name, r)
}

// objectWriter is the part of *storage.Writer that Put relies on.
type objectWriter interface {
	io.Writer
	Close() error
}

func putObject(ctx context.Context, newWriter func(context.Context) objectWriter, name string, r io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := newWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		cancel()
		w.Close()
		return fmt.Errorf("storage/gcs: put %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("storage/gcs: put %s: %w", name, err)
	}
	return nil
}

func (s *GCSStore) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	r, err := s.bucket.Object(name).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, fmt.Errorf("storage/gcs: open %s: %w", name, ErrNotExist)
	}
	if err != nil {
		return nil, fmt.Errorf("storage/gcs: open %s: %w", name, err)
	}
	return r, nil
}

func (s *GCSStore) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.bucket.Object(name).Attrs(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage/gcs: stat %s: %w", name, err)
	}
	return true, nil
}

func (s *GCSStore) List(ctx context.Context, prefix string) ([]string, error) {
	it := s.bucket.Objects(ctx, &gcs.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("storage/gcs: list %s: %w", prefix, err)
		}
		names = append(names, attrs.Name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *GCSStore) Delete(ctx context.Context, name string) error {
	err := s.bucket.Object(name).Delete(ctx)
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("storage/gcs: delete %s: %w", name, err)
	}
	return nil
}

func (s *GCSStore) URI(name string) string {
	return fmt.Sprintf("gs://%s/%s", s.name, name)
}

// SignedURL returns a V4 signed GET URL valid for ttl.
func (s *GCSStore) SignedURL(name string, ttl time.Duration) (string, error) {
	u, err := s.bucket.SignedURL(name, &gcs.SignedURLOptions{
		Method:  http.MethodGet,
		Expires: time.Now().Add(ttl),
		Scheme:  gcs.SigningSchemeV4,
	})
	if err != nil {
		return "", fmt.Errorf("storage/gcs: sign %s: %w", name, err)
	}
	return u, nil
}
