package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/cohortflow/cohortflow/internal/config"
)

// Backend names a concrete FileStore implementation.
type Backend string

const (
	BackendLocal  Backend = "local"
	BackendS3     Backend = "s3"
	BackendRemote Backend = "remote"
)

// Select returns the backend for a deployment role. An explicit override
// wins; otherwise the front tier always goes over the network, the archive
// tier to S3 and the processing tier to local disk.
func Select(role config.Role, override string) Backend {
	if override != "" {
		return Backend(override)
	}
	return Backend(config.DefaultBackend(role))
}

// New constructs the FileStore selected for cfg. The returned closer releases
// any network connection held by the store.
func New(ctx context.Context, cfg *config.Config) (FileStore, io.Closer, error) {
	chunk := cfg.ChunkSize()

	switch Select(cfg.Role, cfg.Storage.Backend) {
	case BackendLocal:
		store, err := NewLocalStore(cfg.Storage.Path, chunk)
		if err != nil {
			return nil, nil, err
		}
		return store, nopCloser{}, nil

	case BackendS3:
		s3cfg := DefaultS3Config()
		s3cfg.Region = cfg.Storage.S3.Region
		s3cfg.Endpoint = cfg.Storage.S3.Endpoint
		s3cfg.UsePathStyle = cfg.Storage.S3.Endpoint != ""
		s3cfg.PartSize = int64(cfg.Storage.S3.PartSizeMB) * 1024 * 1024
		s3cfg.ChunkSize = chunk
		store, err := NewS3Store(ctx, cfg.Storage.S3.Bucket, s3cfg)
		if err != nil {
			return nil, nil, err
		}
		return store, nopCloser{}, nil

	case BackendRemote:
		store, conn, err := DialRemote(cfg.Storage.RemoteAddr, chunk)
		if err != nil {
			return nil, nil, err
		}
		return store, conn, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
