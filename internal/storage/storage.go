// Package storage abstracts the object store holding uploads, chunk
// artifacts and merged results.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotExist is returned by Open when the named object is absent.
var ErrNotExist = errors.New("storage: object does not exist")

// Store is a flat namespace of named objects. Names use "/" as separator.
type Store interface {
	Put(ctx context.Context, name string, r io.Reader, contentType string) error
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Exists(ctx context.Context, name string) (bool, error)
	// List returns the names of all objects starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes name; deleting an absent object is not an error.
	Delete(ctx context.Context, name string) error
	// URI renders a stable reference for name, e.g. gs://bucket/name.
	URI(name string) string
}

// Signer is implemented by stores that can hand out time-limited direct
// download URLs.
type Signer interface {
	SignedURL(name string, ttl time.Duration) (string, error)
}
