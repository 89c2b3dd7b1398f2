// Package storage provides the streaming file abstraction used by every
// cohortflow component. Backends never buffer a whole file: reads are
// io.ReadCloser streams and writes go through a Sink that is promoted to its
// final path only on Commit.
package storage

import (
	"context"
	"errors"
	"io"

	cferrors "github.com/cohortflow/cohortflow/internal/errors"
)

// DefaultChunkSize is the largest single read or write request a backend issues.
const DefaultChunkSize = 1 << 20

// Common errors for storage operations. Backends wrap them into CohortErrors
// carrying the matching code so callers can use either form.
var (
	ErrNotFound         = errors.New("object not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrTransient        = errors.New("transient network error")
	ErrSinkClosed       = errors.New("sink already committed or aborted")
)

// FileStore is the uniform streaming interface over local disk, the
// processing tier reached over the network, and the long-term archive.
type FileStore interface {
	// Open returns a stream over the object at path. The caller closes it.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// Put returns a Sink for path. Nothing is visible at path until Commit.
	Put(ctx context.Context, path string) (Sink, error)

	// Delete removes the object at path. Deleting a missing path succeeds.
	Delete(ctx context.Context, path string) error

	// DeletePrefix removes every object whose path starts with prefix.
	DeletePrefix(ctx context.Context, prefix string) error

	// Exists reports whether an object is present at path.
	Exists(ctx context.Context, path string) (bool, error)

	// List returns all object paths under prefix. Used by reconciliation.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Sink is a write stream that is atomically promoted on Commit.
// Exactly one of Commit or Abort should be called; both are safe to call
// after the other and return ErrSinkClosed.
type Sink interface {
	io.Writer

	// Commit makes the written bytes visible at the final path.
	Commit() error

	// Abort discards everything written so far.
	Abort() error
}

// NotFound wraps cause as a storage NOT_FOUND error.
func NotFound(path string, cause error) error {
	if cause == nil {
		cause = ErrNotFound
	}
	return cferrors.NewStorageError(cferrors.CodeNotFound, "no object at "+path, cause)
}

// PermissionDenied wraps cause as a storage PERMISSION_DENIED error.
func PermissionDenied(path string, cause error) error {
	if cause == nil {
		cause = ErrPermissionDenied
	}
	return cferrors.NewStorageError(cferrors.CodePermissionDenied, "access denied to "+path, cause)
}

// Transient wraps cause as a retryable storage TRANSIENT_NETWORK error.
func Transient(op, path string, cause error) error {
	if cause == nil {
		cause = ErrTransient
	}
	return cferrors.NewStorageError(cferrors.CodeTransientNetwork, op+" "+path, cause)
}

// ReadAll streams an object into w with chunked requests.
func ReadAll(ctx context.Context, store FileStore, path string, w io.Writer, chunkSize int) (int64, error) {
	rc, err := store.Open(ctx, path)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	return CopyChunked(w, rc, chunkSize)
}

// WriteAll streams r into path and commits it, aborting on any error.
func WriteAll(ctx context.Context, store FileStore, path string, r io.Reader, chunkSize int) (int64, error) {
	sink, err := store.Put(ctx, path)
	if err != nil {
		return 0, err
	}
	n, err := CopyChunked(sink, r, chunkSize)
	if err != nil {
		_ = sink.Abort()
		return n, err
	}
	if err := sink.Commit(); err != nil {
		return n, err
	}
	return n, nil
}
