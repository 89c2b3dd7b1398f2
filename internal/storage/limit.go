package storage

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	cferrors "github.com/cohortflow/cohortflow/internal/errors"
)

// LimitStore is an instrumented FileStore wrapper that rejects any single
// read or write request larger than Limit bytes and records the largest
// request it has seen. Streaming code paths must pass through it unchanged.
type LimitStore struct {
	FileStore
	Limit int

	maxRead  atomic.Int64
	maxWrite atomic.Int64
	rejected atomic.Int64
}

// NewLimitStore wraps store with a per-request limit.
func NewLimitStore(store FileStore, limit int) *LimitStore {
	return &LimitStore{FileStore: store, Limit: limit}
}

// MaxRead returns the largest read request seen.
func (l *LimitStore) MaxRead() int64 { return l.maxRead.Load() }

// MaxWrite returns the largest write request seen.
func (l *LimitStore) MaxWrite() int64 { return l.maxWrite.Load() }

// Rejected returns the number of requests refused for exceeding the limit.
func (l *LimitStore) Rejected() int64 { return l.rejected.Load() }

// Open returns a reader that refuses oversized reads.
func (l *LimitStore) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	rc, err := l.FileStore.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	return &limitReader{rc: rc, store: l}, nil
}

// Put returns a Sink that refuses oversized writes.
func (l *LimitStore) Put(ctx context.Context, path string) (Sink, error) {
	sink, err := l.FileStore.Put(ctx, path)
	if err != nil {
		return nil, err
	}
	return &limitSink{Sink: sink, store: l}, nil
}

func (l *LimitStore) check(n int, max *atomic.Int64) error {
	for {
		cur := max.Load()
		if int64(n) <= cur || max.CompareAndSwap(cur, int64(n)) {
			break
		}
	}
	if n > l.Limit {
		l.rejected.Add(1)
		return cferrors.NewStorageError(cferrors.CodeChunkLimit,
			fmt.Sprintf("request of %d bytes exceeds chunk limit %d", n, l.Limit), nil)
	}
	return nil
}

type limitReader struct {
	rc    io.ReadCloser
	store *LimitStore
}

func (r *limitReader) Read(p []byte) (int, error) {
	if err := r.store.check(len(p), &r.store.maxRead); err != nil {
		return 0, err
	}
	return r.rc.Read(p)
}

func (r *limitReader) Close() error { return r.rc.Close() }

type limitSink struct {
	Sink
	store *LimitStore
}

func (s *limitSink) Write(p []byte) (int, error) {
	if err := s.store.check(len(p), &s.store.maxWrite); err != nil {
		return 0, err
	}
	return s.Sink.Write(p)
}
