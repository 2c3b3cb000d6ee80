package main

import (
	"fmt"

	"github.com/arduino/go-paths-helper"
	"github.com/codeblocks/clangd-client/compiledb"
	"github.com/spf13/cobra"
)

func newCompileDBCommand() *cobra.Command {
	compileDBCmd := &cobra.Command{
		Use:   "compiledb",
		Short: "Work on compile_commands.json files",
	}
	compileDBCmd.AddCommand(&cobra.Command{
		Use:   "canonicalize DIR",
		Short: "Rewrite the compilers of " + compiledb.FileName + " as absolute paths",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := compiledb.LoadDir(paths.New(args[0]))
			if err != nil {
				return err
			}
			if err := db.Canonicalize(); err != nil {
				return err
			}
			if err := db.Save(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d commands, %d files\n", db.File, len(db.Commands), len(db.Files()))
			return nil
		},
	})
	return compileDBCmd
}
