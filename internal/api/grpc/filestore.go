// Package grpc exposes the processing tier's FileStore over gRPC so the front
// tier can stream payload bytes without touching its own disk.
package grpc

import (
	"context"
	"io"
	"log"

	"github.com/cohortflow/cohortflow/internal/storage"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// FileStoreServer serves a storage.FileStore under the service name
// storage.ServiceName.
type FileStoreServer struct {
	store     storage.FileStore
	chunkSize int
}

// fileStoreService is the handler type checked by grpc.Server.RegisterService.
type fileStoreService interface {
	open(path string, stream grpc.ServerStream) error
	put(stream grpc.ServerStream) error
}

// NewFileStoreServer creates a server over store. Every streamed message
// carries at most chunkSize payload bytes.
func NewFileStoreServer(store storage.FileStore, chunkSize int) *FileStoreServer {
	if chunkSize <= 0 {
		chunkSize = storage.DefaultChunkSize
	}
	return &FileStoreServer{store: store, chunkSize: chunkSize}
}

// Register adds the FileStore service to s.
func (s *FileStoreServer) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

// ServerOptions returns the options a gRPC server needs to accept chunks of
// chunkSize bytes.
func ServerOptions(chunkSize int) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.MaxRecvMsgSize(chunkSize + 64*1024),
		grpc.MaxSendMsgSize(chunkSize + 64*1024),
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: storage.ServiceName,
	HandlerType: (*fileStoreService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: storage.MethodDelete, Handler: deleteHandler},
		{MethodName: storage.MethodDeletePrefix, Handler: deletePrefixHandler},
		{MethodName: storage.MethodExists, Handler: existsHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: storage.MethodOpen, Handler: openHandler, ServerStreams: true},
		{StreamName: storage.MethodPut, Handler: putHandler, ClientStreams: true},
		{StreamName: storage.MethodList, Handler: listHandler, ServerStreams: true},
	},
	Metadata: "cohortflow/storage/v1/filestore.proto",
}

func unaryPath(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor,
	method string, call func(ctx context.Context, s *FileStoreServer, path string) (interface{}, error)) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*FileStoreServer)
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return call(ctx, s, req.(*wrapperspb.StringValue).GetValue())
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: storage.FullMethod(method)}
	return interceptor(ctx, in, info, handler)
}

func deleteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return unaryPath(srv, ctx, dec, interceptor, storage.MethodDelete, func(ctx context.Context, s *FileStoreServer, path string) (interface{}, error) {
		if err := s.store.Delete(ctx, path); err != nil {
			return nil, storage.ToStatus(err)
		}
		return &emptypb.Empty{}, nil
	})
}

func deletePrefixHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return unaryPath(srv, ctx, dec, interceptor, storage.MethodDeletePrefix, func(ctx context.Context, s *FileStoreServer, prefix string) (interface{}, error) {
		if prefix == "" {
			return nil, status.Error(codes.InvalidArgument, "prefix is required")
		}
		if err := s.store.DeletePrefix(ctx, prefix); err != nil {
			return nil, storage.ToStatus(err)
		}
		return &emptypb.Empty{}, nil
	})
}

func existsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return unaryPath(srv, ctx, dec, interceptor, storage.MethodExists, func(ctx context.Context, s *FileStoreServer, path string) (interface{}, error) {
		ok, err := s.store.Exists(ctx, path)
		if err != nil {
			return nil, storage.ToStatus(err)
		}
		return wrapperspb.Bool(ok), nil
	})
}

func openHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(fileStoreService).open(in.GetValue(), stream)
}

func (s *FileStoreServer) open(path string, stream grpc.ServerStream) error {
	ctx := stream.Context()
	rc, err := s.store.Open(ctx, path)
	if err != nil {
		return storage.ToStatus(err)
	}
	defer rc.Close()

	buf := make([]byte, s.chunkSize)
	for {
		n, rerr := rc.Read(buf)
		if n > 0 {
			if err := stream.SendMsg(wrapperspb.Bytes(buf[:n])); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return storage.ToStatus(rerr)
		}
	}
}

func putHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(fileStoreService).put(stream)
}

func (s *FileStoreServer) put(stream grpc.ServerStream) error {
	ctx := stream.Context()
	path := pathFromMetadata(ctx)
	if path == "" {
		return status.Error(codes.InvalidArgument, storage.PathMetadataKey+" metadata is required")
	}

	sink, err := s.store.Put(ctx, path)
	if err != nil {
		return storage.ToStatus(err)
	}

	for {
		msg := new(wrapperspb.BytesValue)
		err := stream.RecvMsg(msg)
		if err == io.EOF {
			if err := sink.Commit(); err != nil {
				return storage.ToStatus(err)
			}
			return stream.SendMsg(&emptypb.Empty{})
		}
		if err != nil {
			// the client cancelled or the tunnel dropped: nothing becomes visible
			_ = sink.Abort()
			log.Printf("grpc filestore: put %s aborted (request %s): %v", path, extractRequestID(ctx), err)
			return err
		}
		if _, err := sink.Write(msg.GetValue()); err != nil {
			_ = sink.Abort()
			return storage.ToStatus(err)
		}
	}
}

func listHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	s := srv.(*FileStoreServer)
	paths, err := s.store.List(stream.Context(), in.GetValue())
	if err != nil {
		return storage.ToStatus(err)
	}
	for _, p := range paths {
		if err := stream.SendMsg(wrapperspb.String(p)); err != nil {
			return err
		}
	}
	return nil
}

func pathFromMetadata(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(storage.PathMetadataKey); len(vals) > 0 {
			return vals[0]
		}
	}
	return ""
}

// extractRequestID extracts or generates a request ID from the gRPC context.
func extractRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get("x-request-id"); len(ids) > 0 {
			return ids[0]
		}
	}
	return uuid.New().String()
}
