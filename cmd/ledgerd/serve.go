package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vitos/copy_trade_ledger/internal/app"
	"github.com/vitos/copy_trade_ledger/internal/config"
	"github.com/vitos/copy_trade_ledger/internal/infrastructure/logger"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, event fan-out, risk monitor and fill follower",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			log, err := logger.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				return fmt.Errorf("failed to init logger: %w", err)
			}
			defer log.Sync()
			gin.SetMode(gin.ReleaseMode)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, log)
			if err != nil {
				log.Error("Failed to start", zap.Error(err))
				return err
			}
			log.Info("Ledger service is running", zap.String("addr", cfg.Web.Addr()))
			if err := a.Run(ctx); err != nil {
				log.Error("Ledger service stopped with error", zap.Error(err))
				return err
			}
			log.Info("Ledger service stopped")
			return nil
		},
	}
}
