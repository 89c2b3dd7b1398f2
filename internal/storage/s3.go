package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	cferrors "github.com/cohortflow/cohortflow/internal/errors"
)

// S3API is the subset of the S3 client the archive backend uses.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store implements FileStore for the long-term archive.
type S3Store struct {
	client     S3API
	bucket     string
	config     S3Config
	maxRetries int
}

// S3Config holds configuration for S3 storage.
type S3Config struct {
	// Region is the AWS region for the S3 bucket.
	Region string
	// Endpoint is an optional custom endpoint (for MinIO, LocalStack, etc.).
	Endpoint string
	// UsePathStyle enables path-style addressing (required for MinIO).
	UsePathStyle bool
	// PartSize is the multipart part size in bytes; a Sink holds at most one part in memory.
	PartSize int64
	// ChunkSize caps single reads from object bodies.
	ChunkSize int
}

// DefaultS3Config returns the default S3 configuration.
func DefaultS3Config() S3Config {
	return S3Config{
		Region:    "us-east-1",
		PartSize:  16 * 1024 * 1024,
		ChunkSize: DefaultChunkSize,
	}
}

// NewS3Store creates an archive store backed by a new S3 client.
func NewS3Store(ctx context.Context, bucket string, cfg S3Config) (*S3Store, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return NewS3StoreWithClient(s3.NewFromConfig(awsCfg, s3Opts...), bucket, cfg), nil
}

// NewS3StoreWithClient creates an archive store over a pre-configured client.
func NewS3StoreWithClient(client S3API, bucket string, cfg S3Config) *S3Store {
	if cfg.PartSize < 5*1024*1024 {
		cfg.PartSize = 5 * 1024 * 1024
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	return &S3Store{
		client:     client,
		bucket:     bucket,
		config:     cfg,
		maxRetries: 3,
	}
}

// Open streams an object body.
func (s *S3Store) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	var resp *s3.GetObjectOutput
	err := s.retryWithBackoff(ctx, func() error {
		var getErr error
		resp, getErr = s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(path),
		})
		return mapS3Err("get", path, getErr)
	})
	if err != nil {
		return nil, err
	}
	return &s3Reader{ChunkReader: NewChunkReader(resp.Body, s.config.ChunkSize), body: resp.Body}, nil
}

type s3Reader struct {
	*ChunkReader
	body io.ReadCloser
}

func (r *s3Reader) Close() error { return r.body.Close() }

// Put returns a multipart Sink. Parts are uploaded as they fill; objects
// smaller than one part are sent with a single PutObject on Commit.
func (s *S3Store) Put(ctx context.Context, path string) (Sink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &s3Sink{ctx: ctx, store: s, path: path}, nil
}

type s3Sink struct {
	ctx      context.Context
	store    *S3Store
	path     string
	buf      bytes.Buffer
	uploadID *string
	parts    []types.CompletedPart
	done     bool
}

func (w *s3Sink) Write(p []byte) (int, error) {
	if w.done {
		return 0, ErrSinkClosed
	}
	written := 0
	for len(p) > 0 {
		room := int(w.store.config.PartSize) - w.buf.Len()
		n := len(p)
		if n > room {
			n = room
		}
		w.buf.Write(p[:n])
		written += n
		p = p[n:]

		if int64(w.buf.Len()) >= w.store.config.PartSize {
			if err := w.flushPart(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

func (w *s3Sink) flushPart() error {
	s := w.store
	if w.uploadID == nil {
		var resp *s3.CreateMultipartUploadOutput
		err := s.retryWithBackoff(w.ctx, func() error {
			var err error
			resp, err = s.client.CreateMultipartUpload(w.ctx, &s3.CreateMultipartUploadInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(w.path),
			})
			return mapS3Err("create multipart", w.path, err)
		})
		if err != nil {
			return err
		}
		w.uploadID = resp.UploadId
	}

	partNum := int32(len(w.parts) + 1)
	data := w.buf.Bytes()
	var etag *string
	err := s.retryWithBackoff(w.ctx, func() error {
		resp, err := s.client.UploadPart(w.ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(w.path),
			UploadId:      w.uploadID,
			PartNumber:    aws.Int32(partNum),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
		})
		if err != nil {
			return mapS3Err("upload part", w.path, err)
		}
		etag = resp.ETag
		return nil
	})
	if err != nil {
		return err
	}

	w.parts = append(w.parts, types.CompletedPart{ETag: etag, PartNumber: aws.Int32(partNum)})
	w.buf.Reset()
	return nil
}

func (w *s3Sink) Commit() error {
	if w.done {
		return ErrSinkClosed
	}
	w.done = true
	s := w.store

	if w.uploadID == nil {
		data := w.buf.Bytes()
		return s.retryWithBackoff(w.ctx, func() error {
			_, err := s.client.PutObject(w.ctx, &s3.PutObjectInput{
				Bucket:        aws.String(s.bucket),
				Key:           aws.String(w.path),
				Body:          bytes.NewReader(data),
				ContentLength: aws.Int64(int64(len(data))),
			})
			return mapS3Err("put", w.path, err)
		})
	}

	if w.buf.Len() > 0 {
		if err := w.flushPart(); err != nil {
			w.abortUpload()
			return err
		}
	}

	err := s.retryWithBackoff(w.ctx, func() error {
		_, err := s.client.CompleteMultipartUpload(w.ctx, &s3.CompleteMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(w.path),
			UploadId: w.uploadID,
			MultipartUpload: &types.CompletedMultipartUpload{
				Parts: w.parts,
			},
		})
		return mapS3Err("complete multipart", w.path, err)
	})
	if err != nil {
		w.abortUpload()
		return err
	}
	return nil
}

func (w *s3Sink) Abort() error {
	if w.done {
		return ErrSinkClosed
	}
	w.done = true
	w.buf.Reset()
	w.abortUpload()
	return nil
}

func (w *s3Sink) abortUpload() {
	if w.uploadID == nil {
		return
	}
	// use a fresh context so cancellation of the writer still releases the parts
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, _ = w.store.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(w.store.bucket),
		Key:      aws.String(w.path),
		UploadId: w.uploadID,
	})
}

// Delete removes an object from S3.
func (s *S3Store) Delete(ctx context.Context, path string) error {
	return s.retryWithBackoff(ctx, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(path),
		})
		err = mapS3Err("delete", path, err)
		if cferrors.IsNotFound(err) {
			return nil
		}
		return err
	})
}

// DeletePrefix removes every object under prefix.
func (s *S3Store) DeletePrefix(ctx context.Context, prefix string) error {
	paths, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}
	return NewBatchDeleter(s, 16).Delete(ctx, paths).Err()
}

// Exists checks if an object exists in S3.
func (s *S3Store) Exists(ctx context.Context, path string) (bool, error) {
	var exists bool
	err := s.retryWithBackoff(ctx, func() error {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(path),
		})
		err = mapS3Err("head", path, err)
		if cferrors.IsNotFound(err) {
			exists = false
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})

	return exists, err
}

// List returns all object paths under the given prefix.
func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	var objects []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapS3Err("list", prefix, err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, aws.ToString(obj.Key))
		}
	}

	return objects, nil
}

// mapS3Err sorts SDK errors into the storage error codes.
func mapS3Err(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return NotFound(path, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return NotFound(path, err)
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return PermissionDenied(path, err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return Transient(op, path, err)
}

// retryWithBackoff executes the operation with exponential backoff retry.
// Only transient errors are retried.
func (s *S3Store) retryWithBackoff(ctx context.Context, operation func() error) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}

		if !cferrors.IsRetryable(lastErr) {
			return lastErr
		}

		if attempt < s.maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return lastErr
}
