package storage

import (
	"context"
	"encoding/hex"
	"hash"
	"io"

	"github.com/golang/snappy"
	"github.com/zeebo/blake3"
)

// Raw uploads are kept at rest as snappy framed streams. The content hash of
// a submission is the blake3 digest of the decompressed bytes, i.e. of the
// file exactly as the uploader sent it.

// NewContentHasher returns the hash used for submission content hashes.
func NewContentHasher() hash.Hash {
	return blake3.New()
}

// HexDigest renders the current digest of h.
func HexDigest(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// CompressedSink compresses everything written to it into a snappy framed
// stream on an underlying Sink.
type CompressedSink struct {
	sink Sink
	zw   *snappy.Writer
	raw  int64
}

// PutCompressed opens a Sink at path that stores its input snappy framed.
func PutCompressed(ctx context.Context, store FileStore, path string, chunkSize int) (*CompressedSink, error) {
	sink, err := store.Put(ctx, path)
	if err != nil {
		return nil, err
	}
	return &CompressedSink{
		sink: sink,
		zw:   snappy.NewBufferedWriter(NewChunkWriter(sink, chunkSize)),
	}, nil
}

// Write compresses p.
func (c *CompressedSink) Write(p []byte) (int, error) {
	n, err := c.zw.Write(p)
	c.raw += int64(n)
	return n, err
}

// RawBytes returns the number of uncompressed bytes written.
func (c *CompressedSink) RawBytes() int64 { return c.raw }

// Commit flushes the final block and promotes the object.
func (c *CompressedSink) Commit() error {
	if err := c.zw.Close(); err != nil {
		_ = c.sink.Abort()
		return err
	}
	return c.sink.Commit()
}

// Abort discards the object.
func (c *CompressedSink) Abort() error {
	return c.sink.Abort()
}

type compressedReader struct {
	zr *snappy.Reader
	rc io.ReadCloser
}

func (r *compressedReader) Read(p []byte) (int, error) { return r.zr.Read(p) }
func (r *compressedReader) Close() error               { return r.rc.Close() }

// OpenCompressed returns the decompressed stream of a snappy framed object.
// Requests to the backend are capped at chunkSize.
func OpenCompressed(ctx context.Context, store FileStore, path string, chunkSize int) (io.ReadCloser, error) {
	rc, err := store.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	return &compressedReader{zr: snappy.NewReader(NewChunkReader(rc, chunkSize)), rc: rc}, nil
}

// HashCompressed recomputes the content hash and raw size of a stored upload.
func HashCompressed(ctx context.Context, store FileStore, path string, chunkSize int) (string, int64, error) {
	rc, err := OpenCompressed(ctx, store, path, chunkSize)
	if err != nil {
		return "", 0, err
	}
	defer rc.Close()

	h := NewContentHasher()
	n, err := CopyChunked(h, rc, chunkSize)
	if err != nil {
		return "", n, err
	}
	return HexDigest(h), n, nil
}
