package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// LocalStore implements FileStore on the local filesystem. It is the
// processing-tier backend.
type LocalStore struct {
	basePath  string
	chunkSize int
}

// NewLocalStore creates a filesystem store rooted at basePath.
func NewLocalStore(basePath string, chunkSize int) (*LocalStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &LocalStore{basePath: basePath, chunkSize: chunkSize}, nil
}

// Root returns the directory the store is rooted at.
func (l *LocalStore) Root() string {
	return l.basePath
}

// Open opens the object at path for streaming reads.
func (l *LocalStore) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := l.fullPath(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(full)
	if err != nil {
		return nil, mapLocalErr(path, err)
	}
	return &localReader{ChunkReader: NewChunkReader(f, l.chunkSize), f: f}, nil
}

type localReader struct {
	*ChunkReader
	f *os.File
}

func (r *localReader) Close() error { return r.f.Close() }

// Put opens a Sink that writes to a temporary sibling of path and renames it
// into place on Commit.
func (l *LocalStore) Put(ctx context.Context, path string) (Sink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := l.fullPath(path)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return nil, mapLocalErr(path, err)
	}

	tmp := filepath.Join(filepath.Dir(full), "."+filepath.Base(full)+".tmp-"+uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, mapLocalErr(path, err)
	}

	return &localSink{
		w:     NewChunkWriter(f, l.chunkSize),
		f:     f,
		tmp:   tmp,
		final: full,
		path:  path,
	}, nil
}

type localSink struct {
	w     io.Writer
	f     *os.File
	tmp   string
	final string
	path  string
	done  bool
}

func (s *localSink) Write(p []byte) (int, error) {
	if s.done {
		return 0, ErrSinkClosed
	}
	return s.w.Write(p)
}

func (s *localSink) Commit() error {
	if s.done {
		return ErrSinkClosed
	}
	s.done = true

	if err := s.f.Sync(); err != nil {
		s.f.Close()
		os.Remove(s.tmp)
		return mapLocalErr(s.path, err)
	}
	if err := s.f.Close(); err != nil {
		os.Remove(s.tmp)
		return mapLocalErr(s.path, err)
	}
	if err := os.Rename(s.tmp, s.final); err != nil {
		os.Remove(s.tmp)
		return mapLocalErr(s.path, err)
	}
	return nil
}

func (s *localSink) Abort() error {
	if s.done {
		return ErrSinkClosed
	}
	s.done = true
	s.f.Close()
	if err := os.Remove(s.tmp); err != nil && !os.IsNotExist(err) {
		return mapLocalErr(s.path, err)
	}
	return nil
}

// Delete removes an object. Missing objects are not an error.
func (l *LocalStore) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := l.fullPath(path)
	if err != nil {
		return err
	}

	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return mapLocalErr(path, err)
	}
	return nil
}

// DeletePrefix removes every object under prefix, then prunes the emptied
// directories.
func (l *LocalStore) DeletePrefix(ctx context.Context, prefix string) error {
	paths, err := l.List(ctx, prefix)
	if err != nil {
		return err
	}

	res := NewBatchDeleter(l, 8).Delete(ctx, paths)
	if err := res.Err(); err != nil {
		return err
	}

	if dir, err := l.fullPath(strings.TrimSuffix(prefix, "/")); err == nil {
		pruneEmptyDirs(dir, l.basePath)
	}
	return nil
}

// Exists checks if an object exists.
func (l *LocalStore) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	full, err := l.fullPath(path)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, mapLocalErr(path, err)
	}
	return !info.IsDir(), nil
}

// List returns all object paths under prefix in slash form. Prefixes match
// path strings, not only whole directory names.
func (l *LocalStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// walk the deepest directory fully covered by the prefix
	walkRoot := l.basePath
	if dir := prefixDir(prefix); dir != "" {
		full, err := l.fullPath(dir)
		if err != nil {
			return nil, err
		}
		walkRoot = full
	}

	var objects []string
	err := filepath.WalkDir(walkRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.basePath, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			objects = append(objects, rel)
		}
		return nil
	})
	if err != nil {
		return nil, mapLocalErr(prefix, err)
	}
	return objects, nil
}

// LocalPath returns the filesystem path backing a logical path.
func (l *LocalStore) LocalPath(path string) (string, error) {
	return l.fullPath(path)
}

func (l *LocalStore) fullPath(path string) (string, error) {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return "", PermissionDenied(path, errors.New("path escapes store root"))
		}
	}
	return filepath.Join(l.basePath, filepath.FromSlash(path)), nil
}

func prefixDir(prefix string) string {
	i := strings.LastIndex(prefix, "/")
	if i <= 0 {
		return ""
	}
	return prefix[:i]
}

// pruneEmptyDirs removes empty directories below and including dir, then
// walks up towards stop while parents are empty.
func pruneEmptyDirs(dir, stop string) {
	var nested []string
	filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() && p != dir {
			nested = append(nested, p)
		}
		return nil
	})
	// deepest first
	sort.Slice(nested, func(i, j int) bool { return len(nested[i]) > len(nested[j]) })
	for _, p := range nested {
		os.Remove(p)
	}

	stop = filepath.Clean(stop)
	for dir = filepath.Clean(dir); dir != stop && strings.HasPrefix(dir, stop); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			return
		}
	}
}

func mapLocalErr(path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return NotFound(path, err)
	case errors.Is(err, fs.ErrPermission):
		return PermissionDenied(path, err)
	default:
		return fmt.Errorf("local store %s: %w", path, err)
	}
}
