package mcptools

import (
	"context"
	"errors"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// version is set by the linker at build time.
var version = "dev"

// NewQualityMCPServer creates an MCP server with the provider tools registered.
func NewQualityMCPServer(svc *QualityService) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "biqt",
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_providers",
		Description: "List the registered quality providers with their modality, version and declared attributes.",
	}, svc.ListProviders)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "run_provider",
		Description: "Evaluate image files with one named provider. Failed evaluations are returned with a nonzero errorCode.",
	}, svc.RunProvider)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "run_modality",
		Description: "Evaluate image files with every provider registered for a modality, ordered by provider, then by file.",
	}, svc.RunModality)

	return server
}

// RunStdio serves the tools on stdin/stdout until the client disconnects or
// ctx is cancelled.
func RunStdio(ctx context.Context, server *mcp.Server) error {
	return server.Run(ctx, &mcp.StdioTransport{})
}

// RunHTTP exposes the tools over the streamable HTTP transport.
func RunHTTP(ctx context.Context, server *mcp.Server, addr string) error {
	handler := mcp.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcp.Server { return server },
		nil,
	)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
