package main

import (
	"github.com/spf13/cobra"

	"github.com/togedog/chat-app/internal/database"
	"github.com/togedog/chat-app/internal/logging"
)

var migrateDown bool

var migrateCommand = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the postgres schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logging.Component("migrate")

		db, err := database.OpenPostgres(cmd.Context(), cfg.Postgres)
		if err != nil {
			return err
		}
		defer db.Close()

		version, err := database.Migrate(db, migrateDown)
		if err != nil {
			return err
		}
		log.Info().Uint("version", version).Bool("down", migrateDown).Msg("migration finished")
		return nil
	},
}

func init() {
	migrateCommand.Flags().BoolVar(&migrateDown, "down", false, "roll every migration back")
}
