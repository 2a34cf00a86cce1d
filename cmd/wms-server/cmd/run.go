package cmd

import (
	"github.com/spf13/cobra"

	"github.com/gridwms/wms/internal/wms"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the wms server",
		RunE:  runServer,
	}
	return cmd
}

func runServer(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	return wms.Run(config)
}
