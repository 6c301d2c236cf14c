// Package grpcapi defines the biqt.v1.Quality gRPC service. Messages are
// protobuf well-known types, so the service needs no generated code: the
// envelope travels as a google.protobuf.Struct in its JSON wire shape.
package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName         = "biqt.v1.Quality"
	ListProvidersMethod = "/biqt.v1.Quality/ListProviders"
	EvaluateMethod      = "/biqt.v1.Quality/Evaluate"
)

// Metadata keys understood by Evaluate.
const (
	ProviderKey  = "x-biqt-provider"
	FilenameKey  = "x-biqt-filename"
	RequestIDKey = "x-request-id"
)

// QualityServer is the server API for the Quality service.
type QualityServer interface {
	ListProviders(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	// Evaluate scores the image bytes with the provider named in the
	// ProviderKey metadata entry.
	Evaluate(context.Context, *wrapperspb.BytesValue) (*structpb.Struct, error)
}

// RegisterQualityServer attaches srv to a gRPC server.
func RegisterQualityServer(s grpc.ServiceRegistrar, srv QualityServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes the Quality service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*QualityServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListProviders", Handler: listProvidersHandler},
		{MethodName: "Evaluate", Handler: evaluateHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "biqt/v1/quality.proto",
}

func listProvidersHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(QualityServer).ListProviders(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ListProvidersMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(QualityServer).ListProviders(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func evaluateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(QualityServer).Evaluate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: EvaluateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(QualityServer).Evaluate(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// QualityClient calls the Quality service over a client connection.
type QualityClient struct {
	cc grpc.ClientConnInterface
}

// NewQualityClient wraps cc.
func NewQualityClient(cc grpc.ClientConnInterface) *QualityClient {
	return &QualityClient{cc: cc}
}

func (c *QualityClient) ListProviders(ctx context.Context, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, ListProvidersMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *QualityClient) Evaluate(ctx context.Context, image []byte, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, EvaluateMethod, wrapperspb.Bytes(image), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
