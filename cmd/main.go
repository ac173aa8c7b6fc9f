package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fleetlabs/fleet-server/cmd/cli"
	"github.com/fleetlabs/fleet-server/internal/core/config"
	"github.com/fleetlabs/fleet-server/pkg/logger"
)

var (
	logMode    string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "fleet-server",
	Short: "CI runner fleet control plane",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		switch logMode {
		case "debug", "pretty", "info", "prod", "test":
			logger.InitWithMode(logger.LogMode(logMode))
		default:
			logger.InitWithMode(logger.LogModePretty)
		}
		config.GetConfigManager().SetConfigPath(configPath)
	},
	Run: func(cmd *cobra.Command, args []string) {
		cli.RunServer()
	},
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the fleet server",
	Run: func(cmd *cobra.Command, args []string) {
		cli.RunServer()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logMode, "log", "pretty", "Log mode: debug, pretty, info, prod, test")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/config.yaml", "Path to the configuration file")

	rootCmd.AddCommand(serverCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
