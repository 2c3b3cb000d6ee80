package main

import (
	"fmt"

	"github.com/arduino/go-paths-helper"
	"github.com/codeblocks/clangd-client/config"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newConfigCommand(flags *globalFlags, conf func() *config.Config) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the effective configuration to the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.configPath == "" {
				return errors.New("no configuration file path")
			}
			path := paths.New(flags.configPath)
			if path.Exist() && !force {
				return errors.Errorf("%s already exists", path)
			}
			if err := conf().Save(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	configCmd.AddCommand(initCmd)
	return configCmd
}
