package main

import (
	"github.com/spf13/cobra"

	"github.com/yungbote/contentforge-backend/internal/app"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the job workers without the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := bootstrap()
		if err != nil {
			return err
		}
		log.Info("Starting job workers", "concurrency", cfg.Worker.Concurrency)
		defer log.Info("Job workers stopped")

		ctx, cancel := signalContext()
		defer cancel()

		a, err := app.New(ctx, cfg, log)
		if err != nil {
			log.Error("init failed", "error", err)
			log.Sync()
			return err
		}
		defer a.Close()
		return a.RunWorkers(ctx)
	},
}
