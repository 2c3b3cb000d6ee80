package main

import (
	"fmt"

	"github.com/codeblocks/clangd-client/cachelock"
	"github.com/codeblocks/clangd-client/config"
	"github.com/codeblocks/clangd-client/ls"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newLockCommand(conf func() *config.Config) *cobra.Command {
	var projectDir string
	lockCmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect the symbol cache lock of a project",
	}
	lockCmd.PersistentFlags().StringVar(&projectDir, "project", "", "Project directory")
	_ = lockCmd.MarkPersistentFlagRequired("project")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print the owners of the cache lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := newProject(conf(), projectDir)
			if err != nil {
				return err
			}
			registry := cachelock.New(ls.NewLSPFunctionLogger(color.HiWhiteString, "LOCK --- "))
			lockFile := cachelock.LockFilePath(project)
			entries, err := cachelock.ReadEntries(lockFile)
			if err != nil {
				return err
			}
			owner, err := registry.Owner(project)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Lock file: %s\n", lockFile)
			if owner == nil {
				fmt.Fprintln(out, "Project cache is not locked")
			} else {
				fmt.Fprintf(out, "Project cache locked by pid %d (%s)\n", owner.PID, owner.Executable)
			}
			for _, e := range entries {
				fmt.Fprintf(out, "  %s\n", e)
			}
			return nil
		},
	}

	releaseCmd := &cobra.Command{
		Use:   "release",
		Short: "Remove the cache lock of the project, whoever owns it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := newProject(conf(), projectDir)
			if err != nil {
				return err
			}
			registry := cachelock.New(ls.NewLSPFunctionLogger(color.HiWhiteString, "LOCK --- "))
			if err := registry.ForceRelease(project); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Released cache lock of %s\n", project.BaseDir())
			return nil
		},
	}

	lockCmd.AddCommand(statusCmd, releaseCmd)
	return lockCmd
}
