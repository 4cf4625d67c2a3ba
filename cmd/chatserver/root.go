package main

import (
	"github.com/spf13/cobra"

	"github.com/togedog/chat-app/internal/config"
	"github.com/togedog/chat-app/internal/logging"
)

var (
	// configFile is the yaml config path; empty searches ./config.yaml
	configFile string
	cfg        *config.Config
)

var rootCommand = &cobra.Command{
	Use:           "chatserver",
	Short:         "togedog room chat server",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configFile)
		if err != nil {
			return err
		}
		cfg = c
		logging.Init(cfg.Log)
		return nil
	},
}

func init() {
	rootCommand.AddCommand(serveCommand)
	rootCommand.AddCommand(migrateCommand)

	flags := rootCommand.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "config file path")
}
