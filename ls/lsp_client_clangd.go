package ls

import (
	"fmt"
	"os"
	"strings"

	"github.com/arduino/go-paths-helper"
	"github.com/codeblocks/clangd-client/config"
	"github.com/codeblocks/clangd-client/streams"
	"github.com/codeblocks/clangd-client/transport"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"go.bug.st/lsp/jsonrpc"
)

var defaultLogColor = color.HiCyanString

// ClangdTransportFactory returns a TransportFactory that launches the clangd
// executable configured in conf, once per project.
func ClangdTransportFactory(conf *config.Config) TransportFactory {
	return func(logger jsonrpc.FunctionLogger, project Project, handler transport.Handler) (Transport, error) {
		executable, err := findClangd(conf.Clangd.Executable)
		if err != nil {
			return nil, errors.Wrap(transport.ErrSpawnFailure, err.Error())
		}
		args := conf.ClangdArgs(project.CompileCommandsDir())
		logger.Logf("    Starting clangd: %s %s", executable, strings.Join(args, " "))

		name := logFileName(project)
		opts := []transport.Option{transport.WithEnv(conf.Clangd.Env...)}
		if conf.Logging.Enabled {
			opts = append(opts,
				transport.WithStreamLog(fmt.Sprintf("clangd-%s.log", name)),
				transport.WithStderr(streams.LogWriterAs(fmt.Sprintf("clangd-%s-err.log", name), os.Stderr)))
		}
		return transport.Start(logger, executable, args, project.BaseDir(), handler, opts...)
	}
}

// findClangd resolves the configured server executable, looking it up in
// PATH when it is not a path.
func findClangd(executable string) (*paths.Path, error) {
	exe := paths.New(executable)
	if exe == nil {
		return nil, errors.New("no clangd executable configured")
	}
	if strings.ContainsAny(executable, `/\`) && !exe.Exist() {
		return nil, errors.Errorf("clangd not found at %s", exe)
	}
	return exe, nil
}

// writeClangdConfig writes the .clangd file used for files that do not
// belong to any project: there is no compilation database for them.
func writeClangdConfig(dir *paths.Path) error {
	clangdConf := fmt.Sprintln("Diagnostics:")
	clangdConf += fmt.Sprintln("  Suppress: [pp_file_not_found]")
	clangdConf += fmt.Sprintln("CompileFlags:")
	clangdConf += fmt.Sprintln("  Add: -ferror-limit=0")
	return dir.Join(".clangd").WriteFile([]byte(clangdConf))
}

func logFileName(project Project) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' || r == ' ' {
			return '_'
		}
		return r
	}, project.Name())
}
