// Package grpcserver exposes the dispatcher over the biqt.v1.Quality
// gRPC service, letting one BIQT instance act as a remote provider host.
package grpcserver

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/biqt/internal/engine"
	"github.com/example/biqt/internal/grpcapi"
	"github.com/example/biqt/internal/imageprocessor"
	"github.com/example/biqt/internal/logging"
	"github.com/example/biqt/internal/quality"
)

// MaxImageSize bounds the image payload of one Evaluate call.
const MaxImageSize = 10 << 20

// Dispatcher is the subset of the engine the service needs.
type Dispatcher interface {
	ListProviders(ctx context.Context) ([]quality.ProviderInfo, error)
	RunByName(ctx context.Context, name string, files []string) ([]*quality.Envelope, error)
}

// Server implements grpcapi.QualityServer.
type Server struct {
	dispatcher Dispatcher
	logger     *zap.Logger
}

// New creates the service implementation.
func New(dispatcher Dispatcher, logger *zap.Logger) *Server {
	return &Server{dispatcher: dispatcher, logger: logger.Named("grpc")}
}

// NewGRPCServer builds a grpc.Server with the Quality service registered
// and request logging installed.
func NewGRPCServer(dispatcher Dispatcher, logger *zap.Logger, opts ...grpc.ServerOption) *grpc.Server {
	srv := New(dispatcher, logger)
	opts = append(opts,
		grpc.UnaryInterceptor(srv.logRequests),
		grpc.MaxRecvMsgSize(MaxImageSize+1024),
	)
	g := grpc.NewServer(opts...)
	grpcapi.RegisterQualityServer(g, srv)
	return g
}

// ListProviders returns the metadata of every registered provider.
func (s *Server) ListProviders(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	infos, err := s.dispatcher.ListProviders(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	list, err := grpcapi.InfosToList(infos)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode providers: %v", err)
	}
	return list, nil
}

// Evaluate stages the uploaded image and runs the provider named in the
// request metadata on it.
func (s *Server) Evaluate(ctx context.Context, in *wrapperspb.BytesValue) (*structpb.Struct, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	provider := first(md, grpcapi.ProviderKey)
	if provider == "" {
		return nil, status.Errorf(codes.InvalidArgument, "metadata %s is required", grpcapi.ProviderKey)
	}
	if len(in.GetValue()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "image is empty")
	}
	if len(in.GetValue()) > MaxImageSize {
		return nil, status.Error(codes.ResourceExhausted, "image too large")
	}

	requestID := logging.RequestID(ctx)
	logger := logging.WithOperation(s.logger, "grpcserver.evaluate", requestID)

	path, cleanup, err := imageprocessor.Stage(in.GetValue(), first(md, grpcapi.FilenameKey))
	if err != nil {
		wrapped := logging.NewProviderError("grpcserver.stage_image", requestID, provider, err)
		logger.Error("failed to stage image", zap.Error(wrapped))
		return nil, status.Error(codes.Internal, "failed to stage image")
	}
	defer cleanup()

	envs, err := s.dispatcher.RunByName(ctx, provider, []string{path})
	if err != nil {
		return nil, toStatus(err)
	}
	if len(envs) == 0 {
		return nil, status.Errorf(codes.Internal, "provider %q returned a malformed response", provider)
	}

	out, err := grpcapi.EnvelopeToStruct(envs[0])
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode envelope: %v", err)
	}
	return out, nil
}

// logRequests tags the context with a request id and logs each call.
func (s *Server) logRequests(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	requestID := first(md, grpcapi.RequestIDKey)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx = logging.ContextWithRequestID(ctx, requestID)

	start := time.Now()
	resp, err := handler(ctx, req)
	fields := []zap.Field{
		zap.String("method", info.FullMethod),
		zap.String("request_id", requestID),
		zap.String("code", status.Code(err).String()),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		s.logger.Warn("rpc failed", append(fields, zap.Error(err))...)
	} else {
		s.logger.Info("rpc served", fields...)
	}
	return resp, err
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, engine.ErrUnknownProvider):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, engine.ErrShutdown):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
