package grpcserver

import (
	"context"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/example/biqt/internal/engine"
	"github.com/example/biqt/internal/grpcapi"
	"github.com/example/biqt/internal/quality"
)

type stubDispatcher struct {
	infos    []quality.ProviderInfo
	envs     []*quality.Envelope
	err      error
	gotName  string
	gotBytes []byte
}

func (s *stubDispatcher) ListProviders(context.Context) ([]quality.ProviderInfo, error) {
	return s.infos, s.err
}

func (s *stubDispatcher) RunByName(_ context.Context, name string, files []string) ([]*quality.Envelope, error) {
	s.gotName = name
	if len(files) == 1 {
		s.gotBytes, _ = os.ReadFile(files[0])
	}
	return s.envs, s.err
}

func dial(t *testing.T, d Dispatcher) *grpcapi.QualityClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(d, zap.NewNop())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return grpcapi.NewQualityClient(conn)
}

func withProvider(name string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), grpcapi.ProviderKey, name)
}

func TestListProviders(t *testing.T) {
	client := dial(t, &stubDispatcher{infos: []quality.ProviderInfo{
		{Name: "BIQTIris", Modality: "iris", Version: "1.0.0"},
		{Name: "BIQTFace", Modality: "face"},
	}})

	list, err := client.ListProviders(context.Background())
	require.NoError(t, err)

	infos, err := grpcapi.ListToInfos(list)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "BIQTIris", infos[0].Name)
	assert.Equal(t, "1.0.0", infos[0].Version)
	assert.Equal(t, "face", infos[1].Modality)
}

func TestEvaluateReturnsEnvelope(t *testing.T) {
	env := quality.NewEnvelope("BIQTIris")
	env.Metrics["quality"] = 87.5
	env.Features["pupil_x"] = 32.0
	d := &stubDispatcher{envs: []*quality.Envelope{env}}
	client := dial(t, d)

	out, err := client.Evaluate(withProvider("BIQTIris"), []byte("image-bytes"))
	require.NoError(t, err)

	got, err := grpcapi.StructToEnvelope(out)
	require.NoError(t, err)
	assert.Equal(t, "BIQTIris", got.Provider)
	assert.Equal(t, 87.5, got.Metrics["quality"])
	assert.Equal(t, 32.0, got.Features["pupil_x"])

	assert.Equal(t, "BIQTIris", d.gotName)
	assert.Equal(t, []byte("image-bytes"), d.gotBytes)
}

func TestEvaluateCarriesFailureEnvelope(t *testing.T) {
	d := &stubDispatcher{envs: []*quality.Envelope{
		quality.Failure("BIQTFace", quality.CodeDetectionFailed, "no face found"),
	}}
	client := dial(t, d)

	out, err := client.Evaluate(withProvider("BIQTFace"), []byte("x"))
	require.NoError(t, err)
	got, err := grpcapi.StructToEnvelope(out)
	require.NoError(t, err)
	assert.Equal(t, quality.CodeDetectionFailed, got.ErrorCode)
	assert.Equal(t, "no face found", got.Message)
}

func TestEvaluateStatusCodes(t *testing.T) {
	tests := []struct {
		name     string
		d        *stubDispatcher
		ctx      context.Context
		image    []byte
		wantCode codes.Code
	}{
		{"missing provider metadata", &stubDispatcher{}, context.Background(), []byte("x"), codes.InvalidArgument},
		{"empty image", &stubDispatcher{}, withProvider("A"), nil, codes.InvalidArgument},
		{"unknown provider", &stubDispatcher{err: &engine.UnknownProviderError{Name: "A"}}, withProvider("A"), []byte("x"), codes.NotFound},
		{"shut down", &stubDispatcher{err: engine.ErrShutdown}, withProvider("A"), []byte("x"), codes.Unavailable},
		{"malformed response", &stubDispatcher{envs: []*quality.Envelope{}}, withProvider("A"), []byte("x"), codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := dial(t, tt.d)
			_, err := client.Evaluate(tt.ctx, tt.image)
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, status.Code(err))
		})
	}
}
