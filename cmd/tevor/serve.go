package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ted-keystonepartners/tevor/pkg/logging"
	"github.com/ted-keystonepartners/tevor/pkg/server"
	"github.com/ted-keystonepartners/tevor/pkg/store"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			logger, closeLog, err := logging.New(cfg.Log.Level, cfg.Log.File)
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

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srvOpts := []server.Option{server.WithLogger(logger.With().Str("component", "http").Logger())}
			if cache != nil {
				srvOpts = append(srvOpts, server.WithCache(cache))
				if cfg.Cache.SweepInterval > 0 {
					go cache.RunJanitor(ctx, cfg.Cache.SweepInterval)
				}
			}
			srv := server.New(cfg.Listen, st, svc, srvOpts...)

			logger.Info().
				Str("config", configPath).
				Bool("cache", cache != nil).
				Int("providers", len(cfg.Providers)).
				Msg("starting tevor")
			return srv.ListenAndServe(ctx)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
