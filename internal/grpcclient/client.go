// Package grpcclient implements providers hosted by a remote BIQT service.
package grpcclient

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/example/biqt/internal/grpcapi"
	"github.com/example/biqt/internal/logging"
	"github.com/example/biqt/internal/quality"
	"github.com/example/biqt/internal/registry"
)

// Provider forwards evaluations to a provider on a remote BIQT service.
type Provider struct {
	info   quality.ProviderInfo
	remote string
	conn   *grpc.ClientConn
	client *grpcapi.QualityClient
	logger *zap.Logger
}

// Dial connects lazily to addr. remote is the provider name on the far
// side; empty means the same as info.Name.
func Dial(addr string, info quality.ProviderInfo, remote string, logger *zap.Logger, opts ...grpc.DialOption) (*Provider, error) {
	if remote == "" {
		remote = info.Name
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		wrapped := logging.NewProviderError("grpcclient.dial", "", info.Name, err)
		logger.Error("failed to create client for remote provider", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}
	return &Provider{
		info:   info,
		remote: remote,
		conn:   conn,
		client: grpcapi.NewQualityClient(conn),
		logger: logger.Named("grpcclient").With(zap.String("provider", info.Name), zap.String("addr", addr)),
	}, nil
}

// Loader builds remote providers from descriptors of kind grpc.
func Loader(logger *zap.Logger) registry.Loader {
	return func(_ context.Context, d registry.Descriptor) (quality.Provider, error) {
		if d.Endpoint == "" {
			return nil, fmt.Errorf("provider %q: grpc descriptor has no endpoint", d.Name)
		}
		return Dial(d.Endpoint, d.ProviderInfo, d.RemoteName, logger)
	}
}

// Info returns the metadata declared in the provider descriptor.
func (p *Provider) Info() quality.ProviderInfo { return p.info }

// Reentrant is true: a client connection carries concurrent calls.
func (p *Provider) Reentrant() bool { return true }

// Evaluate uploads the file at path to the remote service and returns the
// envelope it answers with.
func (p *Provider) Evaluate(ctx context.Context, path string) (*quality.Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return quality.Failure(p.info.Name, quality.CodeUnreadableInput, fmt.Sprintf("unable to read %s: %v", path, err)), nil
	}

	requestID := logging.RequestID(ctx)
	pairs := []string{grpcapi.ProviderKey, p.remote, grpcapi.FilenameKey, filepath.Base(path)}
	if requestID != "" {
		pairs = append(pairs, grpcapi.RequestIDKey, requestID)
	}
	ctx = metadata.AppendToOutgoingContext(ctx, pairs...)

	resp, err := p.client.Evaluate(ctx, data)
	if err != nil {
		wrapped := logging.NewProviderError("grpcclient.evaluate", requestID, p.info.Name, err)
		p.logger.Warn("remote evaluation failed", zap.Error(wrapped), zap.String("file", path))
		return p.failure(ctx, err), nil
	}

	env, err := grpcapi.StructToEnvelope(resp)
	if err != nil {
		return nil, err
	}
	env.Provider = p.info.Name
	return env, nil
}

// failure maps a transport error onto an envelope.
func (p *Provider) failure(ctx context.Context, err error) *quality.Envelope {
	st := status.Convert(err)
	switch {
	case st.Code() == codes.DeadlineExceeded || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return quality.Failure(p.info.Name, quality.CodeTimeout, "remote provider did not complete in time")
	case st.Code() == codes.NotFound:
		return quality.Failure(p.info.Name, quality.CodeInternalFailure, fmt.Sprintf("remote provider %q not found", p.remote))
	case st.Code() == codes.InvalidArgument:
		return quality.Failure(p.info.Name, quality.CodeUnsupportedInput, st.Message())
	default:
		return quality.Failure(p.info.Name, quality.CodeInternalFailure, fmt.Sprintf("remote evaluation failed: %s", st.Message()))
	}
}

// Close releases the client connection.
func (p *Provider) Close() error {
	return p.conn.Close()
}
