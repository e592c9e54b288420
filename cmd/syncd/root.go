package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	viper.SetEnvPrefix("SYNCWAREHOUSE")
	viper.AutomaticEnv()

	rootCmd.PersistentFlags().String("config", "", "path to syncd config file (YAML)")
	viper.BindPFlag("CONFIG", rootCmd.PersistentFlags().Lookup("config"))
}

var rootCmd = &cobra.Command{
	Use:          "syncd",
	Short:        "Continuous multi-source database sync engine",
	SilenceUsage: true,
}

// configPath resolves the --config flag (or SYNCWAREHOUSE_CONFIG) a
// subcommand should load. An empty result is valid: pkg/config.Load reads
// from the environment alone in that case.
func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = viper.GetString("CONFIG")
	}
	return path
}

// Execute runs the root command; its return value is handed to
// syncerr.ExitCode by main to pick the process exit code.
func Execute() error {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(refreshRecentCmd())
	rootCmd.AddCommand(checkConfigCmd())

	return rootCmd.Execute()
}
