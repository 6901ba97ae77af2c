package main

import (
	"github.com/spf13/cobra"

	"github.com/yungbote/contentforge-backend/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (and the job workers unless RUN_WORKERS=false)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := bootstrap()
		if err != nil {
			return err
		}
		log.Info("Starting API service", "addr", cfg.HTTPAddr, "run_workers", cfg.RunWorkers)
		defer log.Info("API service stopped")

		ctx, cancel := signalContext()
		defer cancel()

		a, err := app.New(ctx, cfg, log)
		if err != nil {
			log.Error("init failed", "error", err)
			log.Sync()
			return err
		}
		defer a.Close()
		return a.Serve(ctx)
	},
}
