package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"
)

// BatchDeleter removes many objects in parallel with bounded concurrency.
// The pipeline's cleanup stage and every DeletePrefix implementation use it.
type BatchDeleter struct {
	store       FileStore
	concurrency int
}

// BatchResult contains the outcome of a batch delete.
type BatchResult struct {
	Deleted []string
	Errors  map[string]error
}

// Err returns a combined error if any path failed, nil otherwise.
func (r *BatchResult) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	paths := make([]string, 0, len(r.Errors))
	for p := range r.Errors {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return fmt.Errorf("delete failed for %d path(s), first %s: %w", len(paths), paths[0], r.Errors[paths[0]])
}

// NewBatchDeleter creates a batch deleter over store.
func NewBatchDeleter(store FileStore, concurrency int) *BatchDeleter {
	if concurrency < 1 {
		concurrency = 1
	}
	return &BatchDeleter{store: store, concurrency: concurrency}
}

// Delete removes every path and reports per-path outcomes. A cancelled
// context records the remaining paths as failed.
func (b *BatchDeleter) Delete(ctx context.Context, paths []string) *BatchResult {
	result := &BatchResult{Errors: make(map[string]error)}
	if len(paths) == 0 {
		return result
	}

	sem := semaphore.NewWeighted(int64(b.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, p := range paths {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Errors[p] = fmt.Errorf("semaphore acquire failed: %w", err)
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(path string) {
			defer sem.Release(1)
			defer wg.Done()

			err := b.store.Delete(ctx, path)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[path] = err
				return
			}
			result.Deleted = append(result.Deleted, path)
		}(p)
	}

	wg.Wait()
	sort.Strings(result.Deleted)
	return result
}
