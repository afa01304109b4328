// Package ports declares the object store capability the catalog depends on.
package ports

import (
	"context"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("object not found")

// ObjectStore is implemented by every storage backend.
type ObjectStore interface {
	// List returns every key under prefix ending in ".json", across all pages.
	List(ctx context.Context, bucket, prefix string) ([]string, error)
	// Get returns the object body. A missing object yields ErrNotFound.
	Get(ctx context.Context, bucket, key string) (string, error)
	Put(ctx context.Context, bucket, key, body, contentType string) error
}

// TransportError is a failed store call other than a missing object.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s failed (%d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
