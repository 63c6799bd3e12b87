package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xff16/ganko"
)

var validateCmd = &cobra.Command{
	Use:          "validate",
	Short:        "Validates a policy configuration file",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(_ *cobra.Command, _ []string) error {
		return runValidate()
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate() error {
	cfg, err := ganko.LoadConfig(resolveConfigPath())
	if err != nil {
		return err
	}

	if err = cfg.Validate(); err != nil {
		return err
	}

	fmt.Println("configuration file is valid")

	return nil
}
