// Package cmd implements the minicr command line.
package cmd

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "minicr",
	Short: "minicr - a small OCI distribution registry",
	Long: `minicr stores container images and other OCI artifacts and serves them
over the OCI distribution API.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	rootCmd.AddCommand(serveCmd, versionCmd)
}
