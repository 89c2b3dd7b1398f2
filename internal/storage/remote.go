package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	cferrors "github.com/cohortflow/cohortflow/internal/errors"
)

// Wire names of the FileStore gRPC service. Messages are the protobuf
// well-known wrapper types, so no generated code is needed on either side.
const (
	ServiceName = "cohortflow.storage.v1.FileStore"

	MethodOpen         = "Open"
	MethodPut          = "Put"
	MethodDelete       = "Delete"
	MethodDeletePrefix = "DeletePrefix"
	MethodExists       = "Exists"
	MethodList         = "List"

	// PathMetadataKey carries the target path of a Put stream.
	PathMetadataKey = "x-cohortflow-path"
)

// Stream descriptors shared by the client and the server registration.
var (
	OpenStreamDesc = grpc.StreamDesc{StreamName: MethodOpen, ServerStreams: true}
	PutStreamDesc  = grpc.StreamDesc{StreamName: MethodPut, ClientStreams: true}
	ListStreamDesc = grpc.StreamDesc{StreamName: MethodList, ServerStreams: true}
)

// FullMethod returns the gRPC full method name for method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// RemoteStore implements FileStore by calling the processing tier over gRPC.
// The front tier uses it so payload bytes never touch local disk.
type RemoteStore struct {
	conn      grpc.ClientConnInterface
	chunkSize int
}

// NewRemoteStore creates a store over an existing client connection.
func NewRemoteStore(conn grpc.ClientConnInterface, chunkSize int) *RemoteStore {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &RemoteStore{conn: conn, chunkSize: chunkSize}
}

// DialRemote connects to a processing-tier FileStore service. Transport
// security is provided by the tunnel between tiers.
func DialRemote(addr string, chunkSize int) (*RemoteStore, *grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(chunkSize+64*1024)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial processing tier %s: %w", addr, err)
	}
	return NewRemoteStore(conn, chunkSize), conn, nil
}

// Open streams an object from the processing tier.
func (r *RemoteStore) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(ctx)
	stream, err := r.conn.NewStream(ctx, &OpenStreamDesc, FullMethod(MethodOpen))
	if err != nil {
		cancel()
		return nil, FromStatus("open", path, err)
	}
	if err := stream.SendMsg(wrapperspb.String(path)); err != nil {
		cancel()
		return nil, FromStatus("open", path, err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, FromStatus("open", path, err)
	}

	rr := &remoteReader{stream: stream, cancel: cancel, path: path}
	// receive eagerly so a missing object fails Open rather than the first Read
	if err := rr.recv(); err != nil && err != io.EOF {
		cancel()
		return nil, err
	}
	return rr, nil
}

type remoteReader struct {
	stream  grpc.ClientStream
	cancel  context.CancelFunc
	path    string
	pending []byte
	eof     bool
}

func (r *remoteReader) recv() error {
	msg := new(wrapperspb.BytesValue)
	if err := r.stream.RecvMsg(msg); err != nil {
		if err == io.EOF {
			r.eof = true
			return io.EOF
		}
		return FromStatus("read", r.path, err)
	}
	r.pending = msg.GetValue()
	return nil
}

func (r *remoteReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.eof {
			return 0, io.EOF
		}
		if err := r.recv(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *remoteReader) Close() error {
	r.cancel()
	return nil
}

// Put opens a client stream; the server commits when the stream is closed
// cleanly and aborts if it is cancelled.
func (r *RemoteStore) Put(ctx context.Context, path string) (Sink, error) {
	ctx, cancel := context.WithCancel(ctx)
	ctx = metadata.AppendToOutgoingContext(ctx, PathMetadataKey, path)
	stream, err := r.conn.NewStream(ctx, &PutStreamDesc, FullMethod(MethodPut))
	if err != nil {
		cancel()
		return nil, FromStatus("put", path, err)
	}
	return &remoteSink{stream: stream, cancel: cancel, path: path, chunkSize: r.chunkSize}, nil
}

type remoteSink struct {
	stream    grpc.ClientStream
	cancel    context.CancelFunc
	path      string
	chunkSize int
	done      bool
}

func (s *remoteSink) Write(p []byte) (int, error) {
	if s.done {
		return 0, ErrSinkClosed
	}
	written := 0
	for len(p) > 0 {
		n := len(p)
		if n > s.chunkSize {
			n = s.chunkSize
		}
		if err := s.stream.SendMsg(wrapperspb.Bytes(p[:n])); err != nil {
			// the real cause is only available from RecvMsg
			if err == io.EOF {
				err = s.stream.RecvMsg(new(emptypb.Empty))
			}
			return written, FromStatus("write", s.path, err)
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

func (s *remoteSink) Commit() error {
	if s.done {
		return ErrSinkClosed
	}
	s.done = true
	defer s.cancel()

	if err := s.stream.CloseSend(); err != nil {
		return FromStatus("commit", s.path, err)
	}
	if err := s.stream.RecvMsg(new(emptypb.Empty)); err != nil {
		return FromStatus("commit", s.path, err)
	}
	return nil
}

func (s *remoteSink) Abort() error {
	if s.done {
		return ErrSinkClosed
	}
	s.done = true
	s.cancel()
	return nil
}

// Delete removes an object on the processing tier.
func (r *RemoteStore) Delete(ctx context.Context, path string) error {
	err := r.conn.Invoke(ctx, FullMethod(MethodDelete), wrapperspb.String(path), new(emptypb.Empty))
	return FromStatus("delete", path, err)
}

// DeletePrefix removes every object under prefix on the processing tier.
func (r *RemoteStore) DeletePrefix(ctx context.Context, prefix string) error {
	err := r.conn.Invoke(ctx, FullMethod(MethodDeletePrefix), wrapperspb.String(prefix), new(emptypb.Empty))
	return FromStatus("delete prefix", prefix, err)
}

// Exists checks for an object on the processing tier.
func (r *RemoteStore) Exists(ctx context.Context, path string) (bool, error) {
	out := new(wrapperspb.BoolValue)
	if err := r.conn.Invoke(ctx, FullMethod(MethodExists), wrapperspb.String(path), out); err != nil {
		return false, FromStatus("exists", path, err)
	}
	return out.GetValue(), nil
}

// List returns all object paths under prefix on the processing tier.
func (r *RemoteStore) List(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := r.conn.NewStream(ctx, &ListStreamDesc, FullMethod(MethodList))
	if err != nil {
		return nil, FromStatus("list", prefix, err)
	}
	if err := stream.SendMsg(wrapperspb.String(prefix)); err != nil {
		return nil, FromStatus("list", prefix, err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, FromStatus("list", prefix, err)
	}

	var paths []string
	for {
		msg := new(wrapperspb.StringValue)
		if err := stream.RecvMsg(msg); err != nil {
			if err == io.EOF {
				return paths, nil
			}
			return nil, FromStatus("list", prefix, err)
		}
		paths = append(paths, msg.GetValue())
	}
}

// ToStatus converts a storage error into a gRPC status error.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, ErrSinkClosed):
		code = codes.FailedPrecondition
	default:
		switch cferrors.GetCode(err) {
		case cferrors.CodeNotFound:
			code = codes.NotFound
		case cferrors.CodePermissionDenied:
			code = codes.PermissionDenied
		case cferrors.CodeTransientNetwork:
			code = codes.Unavailable
		case cferrors.CodeChunkLimit:
			code = codes.ResourceExhausted
		}
	}
	return status.Error(code, err.Error())
}

// FromStatus converts a gRPC status error back into a storage error.
func FromStatus(op, path string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return Transient(op, path, err)
	}
	switch st.Code() {
	case codes.OK:
		return nil
	case codes.NotFound:
		return NotFound(path, err)
	case codes.PermissionDenied, codes.Unauthenticated:
		return PermissionDenied(path, err)
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return Transient(op, path, err)
	case codes.Canceled:
		return fmt.Errorf("%s %s: %w", op, path, context.Canceled)
	default:
		return fmt.Errorf("%s %s: %w", op, path, err)
	}
}
