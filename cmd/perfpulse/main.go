package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	var configPath string
	root := &cobra.Command{
		Use:           "perfpulse",
		Short:         "Performance metrics pipeline with alerting",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "f", "", "path to a JSON config file")
	root.AddCommand(newServeCmd(&configPath), newMigrateCmd(&configPath))

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("perfpulse exit with error")
		os.Exit(1)
	}
}
