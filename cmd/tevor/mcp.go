package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ted-keystonepartners/tevor/pkg/logging"
	"github.com/ted-keystonepartners/tevor/pkg/mcp"
	"github.com/ted-keystonepartners/tevor/pkg/store"
)

func newMCPCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the assistant as MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			// stdout carries the protocol.
			logger, closeLog, err := logging.NewTo(os.Stderr, cfg.Log.Level, cfg.Log.File)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer closeLog()

			st, err := store.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("init store: %w", err)
			}
			defer func() { _ = st.Close() }()

			svc, cache, err := newChatService(cfg, st, logger)
			if err != nil {
				return err
			}
			var stats mcp.CacheStatter
			if cache != nil {
				stats = cache
			}
			srv := mcp.New(st, svc, stats, version, logger.With().Str("component", "mcp").Logger())

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return srv.Run(ctx, os.Stdin, os.Stdout)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
