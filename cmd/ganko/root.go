package main

import (
	"os"

	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "ganko",
	Short: "Ganko request execution policy toolkit",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceUsage = true

	rootCmd.SetHelpCommand(&cobra.Command{Hidden: true})
	rootCmd.PersistentFlags().StringVar(
		&cfgPath,
		"config",
		"",
		"Path to policy configuration file (env GANKO_CONFIG)",
	)
}

func resolveConfigPath() string {
	if cfgPath != "" {
		return cfgPath
	}
	if env := os.Getenv("GANKO_CONFIG"); env != "" {
		return env
	}

	return "./ganko.json"
}
