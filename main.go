package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/arduino/go-paths-helper"
	"github.com/codeblocks/clangd-client/config"
	"github.com/codeblocks/clangd-client/globals"
	"github.com/codeblocks/clangd-client/ls"
	"github.com/codeblocks/clangd-client/streams"
	"github.com/codeblocks/clangd-client/utils"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath    string
	clangdPath    string
	enableLogging bool
	logPath       string
	jobs          int
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	var conf *config.Config
	loadConfig := func() *config.Config { return conf }

	rootCmd := &cobra.Command{
		Use:          "clangd-client",
		Short:        "Drive clangd language server sessions for C/C++ projects",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := setup(cmd, flags)
			if err != nil {
				return err
			}
			conf = c
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", utils.GetDefaultConfigPath(), "Path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&flags.clangdPath, "clangd", "", "Path to clangd executable")
	rootCmd.PersistentFlags().BoolVar(&flags.enableLogging, "log", false, "Enable logging to files")
	rootCmd.PersistentFlags().StringVar(&flags.logPath, "logpath", ".", "Location where to write logging files to when logging is enabled")
	rootCmd.PersistentFlags().IntVar(&flags.jobs, "jobs", 0, "Number of clangd worker threads (0 keeps the configured value)")

	rootCmd.AddCommand(
		newProbeCommand(loadConfig),
		newLockCommand(loadConfig),
		newCompileDBCommand(),
		newConfigCommand(flags, loadConfig),
		newVersionCommand(),
	)
	return rootCmd
}

// setup loads the configuration, applies the command line overrides and
// configures logging.
func setup(cmd *cobra.Command, flags *globalFlags) (*config.Config, error) {
	var configPath *paths.Path
	if flags.configPath != "" {
		configPath = paths.New(flags.configPath)
	}
	conf, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("clangd") {
		conf.Clangd.Executable = flags.clangdPath
	}
	if flags.jobs > 0 {
		conf.Clangd.ParallelJobs = flags.jobs
	}
	if flags.enableLogging {
		conf.Logging.Enabled = true
	}
	if cmd.Flags().Changed("logpath") || conf.Logging.Directory == "" {
		conf.Logging.Directory = flags.logPath
	}
	if err := conf.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid command line")
	}

	if !conf.Logging.Enabled {
		log.SetOutput(os.Stderr)
		return conf, nil
	}
	if conf.Logging.Directory == "" {
		return nil, errors.New("please specify logpath")
	}
	streams.GlobalLogDirectory = paths.New(conf.Logging.Directory)
	logfile, err := streams.OpenLogFileAs("clangd-client-err.log")
	if err != nil {
		return nil, err
	}
	log.SetOutput(io.MultiWriter(logfile, os.Stderr))
	log.Println("Launched with arguments:")
	for i, arg := range os.Args {
		log.Printf("  arg[%d] = %s", i, arg)
	}
	return conf, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), globals.VersionInfo)
		},
	}
}

// newProject returns the project rooted in dir. The compilation database is
// looked up in the directory configured in conf.
func newProject(conf *config.Config, dir string) (*ls.DirProject, error) {
	baseDir, err := paths.New(dir).Abs()
	if err != nil {
		return nil, err
	}
	if !baseDir.IsDir() {
		return nil, errors.Errorf("project directory %s not found", baseDir)
	}
	baseDir = baseDir.Canonical()
	compileCommandsDir := baseDir
	if conf.CompileDB.Dir != "" {
		compileCommandsDir = baseDir.JoinPath(paths.New(conf.CompileDB.Dir)).Clean()
	}
	return ls.NewDirProject(baseDir.Base(), baseDir, baseDir, compileCommandsDir), nil
}
