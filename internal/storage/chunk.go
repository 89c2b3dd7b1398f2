package storage

import (
	"io"
)

// ChunkReader caps every Read on the underlying reader at size bytes.
type ChunkReader struct {
	r    io.Reader
	size int
}

// NewChunkReader wraps r so no single request exceeds size bytes.
func NewChunkReader(r io.Reader, size int) *ChunkReader {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return &ChunkReader{r: r, size: size}
}

func (c *ChunkReader) Read(p []byte) (int, error) {
	if len(p) > c.size {
		p = p[:c.size]
	}
	return c.r.Read(p)
}

// ChunkWriter splits every Write into requests of at most size bytes.
type ChunkWriter struct {
	w    io.Writer
	size int
}

// NewChunkWriter wraps w so no single request exceeds size bytes.
func NewChunkWriter(w io.Writer, size int) *ChunkWriter {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return &ChunkWriter{w: w, size: size}
}

func (c *ChunkWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := len(p)
		if n > c.size {
			n = c.size
		}
		m, err := c.w.Write(p[:n])
		written += m
		if err != nil {
			return written, err
		}
		if m < n {
			return written, io.ErrShortWrite
		}
		p = p[n:]
	}
	return written, nil
}

// CopyChunked copies src to dst through a single buffer of chunkSize bytes.
// Unlike io.Copy it never defers to ReaderFrom/WriterTo, so the request
// size seen by both sides is bounded.
func CopyChunked(dst io.Writer, src io.Reader, chunkSize int) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	buf := make([]byte, chunkSize)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			m, werr := dst.Write(buf[:n])
			total += int64(m)
			if werr != nil {
				return total, werr
			}
			if m < n {
				return total, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}
