package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpgate/internal/config"
	"github.com/smart-mcp-proxy/mcpgate/internal/logs"
	"github.com/smart-mcp-proxy/mcpgate/internal/runtime"
)

func (a *app) serveCmd() *cobra.Command {
	var readOnly bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long: `Run the gateway: the MCP endpoint at /mcp, its OAuth authorization server,
the control API under /api/v1 and the health and metrics endpoints, all on
one loopback listener.

Examples:
  mcpgate serve
  mcpgate serve --listen 127.0.0.1:9000 --log-level debug
  mcpgate serve --config ./mcpgate.yaml --read-only`,
		Args: cobra.NoArgs,
		RunE: a.runServe,
	}
	cmd.Flags().BoolVar(&readOnly, "read-only", false, "Reject every mutating control API operation")
	bindFlag(a.v, "read-only", cmd.Flags().Lookup("read-only"))
	return cmd
}

func (a *app) runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}

	logger, sanitizer, err := logs.SetupLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting mcpgate",
		zap.String("version", version),
		zap.String("config", a.v.ConfigFileUsed()),
		zap.String("data_dir", cfg.DataDir),
		zap.String("listen", cfg.Listen))
	for _, key := range config.UnknownKeys(a.v) {
		logger.Warn("Ignoring unknown configuration key", zap.String("key", key))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := runtime.New(cfg, runtime.Options{Version: version, Sanitizer: sanitizer}, logger)
	if err != nil {
		logger.Error("Failed to initialize gateway", zap.Error(err))
		return err
	}
	if err := rt.Start(ctx); err != nil {
		logger.Error("Failed to start gateway", zap.Error(err))
		_ = rt.Close()
		return err
	}

	config.Watch(a.v, func(next *config.Config, err error) {
		if err != nil {
			logger.Warn("Ignoring invalid configuration change", zap.Error(err))
			return
		}
		rt.ApplyConfig(context.WithoutCancel(ctx), next)
	})

	<-ctx.Done()
	logger.Info("Shutdown requested")
	return rt.Close()
}
