package cmd

import (
	"github.com/spf13/cobra"

	"github.com/gridwms/wms/internal/agent"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs a pilot agent until its job cycle stops",
		RunE:  runAgent,
	}
	return cmd
}

func runAgent(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	return agent.Run(config)
}
