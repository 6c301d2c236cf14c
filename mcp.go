package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/biqt/internal/config"
	"github.com/example/biqt/internal/logging"
	"github.com/example/biqt/internal/mcptools"
)

func newMCPCmd(configPath *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the provider tools over the Model Context Protocol",
		Long:  "Serve list_providers, run_provider and run_modality on stdio, or over streamable HTTP when --addr is set.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			// stdout carries the protocol, so logs stay on stderr.
			logger, err := logging.NewCLILogger(false)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			dispatcher := newDispatcher(cfg, logger, nil)
			defer dispatcher.Shutdown() //nolint:errcheck

			server := mcptools.NewQualityMCPServer(mcptools.NewQualityService(dispatcher, logger))
			if addr != "" {
				return mcptools.RunHTTP(ctx, server, addr)
			}
			return mcptools.RunStdio(ctx, server)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address for streamable HTTP instead of stdio")
	return cmd
}
