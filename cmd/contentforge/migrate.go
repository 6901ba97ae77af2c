package main

import (
	"github.com/spf13/cobra"

	"github.com/yungbote/contentforge-backend/internal/app"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate the db",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := bootstrap()
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, cancel := signalContext()
		defer cancel()
		return app.Migrate(ctx, cfg, log)
	},
}
