package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kyeong6/EATceed-AI/internal/orchestrator"
	"github.com/Kyeong6/EATceed-AI/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the weekly batch scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.close()

		sched := orchestrator.NewScheduler(a.orch, cfg.Batch.CronSpec)
		if err := sched.Start(); err != nil {
			return err
		}
		defer sched.Stop()

		srv := server.New(a.orch, a.tracker, nil, cfg.Server)

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			zap.L().Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown incomplete", zap.Error(err))
			}
			return nil
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
