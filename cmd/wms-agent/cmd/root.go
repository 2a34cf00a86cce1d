package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gridwms/wms/internal/agent/configuration"
	"github.com/gridwms/wms/internal/common"
	commonconfig "github.com/gridwms/wms/internal/common/config"
)

const (
	CustomConfigLocation string = "config"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "wms-agent",
		SilenceUsage: true,
		Short:        "Pilot agent that pulls matching jobs from the wms server and supervises them",
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	err := viper.BindPFlag(CustomConfigLocation, cmd.PersistentFlags().Lookup(CustomConfigLocation))
	if err != nil {
		panic(err)
	}

	cmd.AddCommand(
		runCmd(),
	)

	return cmd
}

func loadConfig() (configuration.AgentConfiguration, error) {
	var config configuration.AgentConfiguration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)

	common.LoadConfig(&config, "./config/agent", userSpecifiedConfigs)

	err := commonconfig.Validate(config)
	return config, err
}
