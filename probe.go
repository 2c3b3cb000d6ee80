package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/arduino/go-paths-helper"
	"github.com/codeblocks/clangd-client/cachelock"
	"github.com/codeblocks/clangd-client/compiledb"
	"github.com/codeblocks/clangd-client/config"
	"github.com/codeblocks/clangd-client/ls"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.bug.st/json"
	"go.bug.st/lsp"
	"go.bug.st/lsp/jsonrpc"
)

type probeOptions struct {
	project   string
	file      string
	line      int
	character int
	prefix    string
	timeout   time.Duration
}

func newProbeCommand(conf func() *config.Config) *cobra.Command {
	opts := &probeOptions{}
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Start a clangd session on a project and query a file",
		Long: "Start a clangd session on a project, open a file and print, as JSON, its diagnostics\n" +
			"and the answers of the server to a few queries at the given position.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			report, err := runProbe(ctx, conf(), opts)
			if report != nil {
				if err := printJSON(report); err != nil {
					return err
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&opts.project, "project", "", "Project directory")
	cmd.Flags().StringVar(&opts.file, "file", "", "File to open, relative to the project directory")
	cmd.Flags().IntVar(&opts.line, "line", 0, "Line of the queries (0-based)")
	cmd.Flags().IntVar(&opts.character, "character", 0, "Character of the queries (0-based)")
	cmd.Flags().StringVar(&opts.prefix, "prefix", "", "Request completion for this prefix")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", time.Minute, "Time allowed to the server to start and parse the file")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

type probeReport struct {
	Project     string               `json:"project"`
	Server      string               `json:"server,omitempty"`
	File        string               `json:"file,omitempty"`
	Diagnostics []lsp.Diagnostic     `json:"diagnostics,omitempty"`
	Symbols     []lsp.DocumentSymbol `json:"symbols,omitempty"`
	Hover       *lsp.Hover           `json:"hover,omitempty"`
	Definition  []lsp.Location       `json:"definition,omitempty"`
	Completion  *lsp.CompletionList  `json:"completion,omitempty"`
	Progress    []ls.Progress        `json:"progress,omitempty"`
	Errors      []string             `json:"errors,omitempty"`
}

// probeHost is the DirectoryHost of the probe command: a single active
// project, which also owns the files listed in its compilation database.
type probeHost struct {
	project ls.Project
	db      *compiledb.Database
	failure string
}

func (h *probeHost) ActiveProject() ls.Project {
	return h.project
}

func (h *probeHost) ProjectForFile(file *paths.Path) ls.Project {
	if h.project.Contains(file) || (h.db != nil && h.db.Contains(file)) {
		return h.project
	}
	return nil
}

func (h *probeHost) ShowMessage(msgType lsp.MessageType, message string) {
	if msgType == lsp.MessageTypeError {
		h.failure = message
	}
	fmt.Fprintln(os.Stderr, color.YellowString("clangd-client: %s", message))
}

func runProbe(ctx context.Context, conf *config.Config, opts *probeOptions) (*probeReport, error) {
	project, err := newProject(conf, opts.project)
	if err != nil {
		return nil, err
	}
	logger := ls.NewLSPFunctionLogger(color.HiWhiteString, "PROBE --- ")
	host := &probeHost{project: project}
	if db, err := compiledb.LoadDir(project.CompileCommandsDir()); err != nil {
		logger.Logf("No compilation database: %s", err)
	} else {
		host.db = db
	}

	loop := ls.NewEventLoop(64)
	loopDone := make(chan struct{})
	go func() {
		loop.Run(context.Background())
		close(loopDone)
	}()
	defer func() {
		loop.Stop()
		<-loopDone
	}()

	dir := ls.NewSessionDirectory(conf, host, cachelock.New(logger), ls.ClangdTransportFactory(conf), loop)
	defer loop.Call(func() {
		if err := dir.Close(logger); err != nil {
			logger.Logf("Error closing sessions: %s", err)
		}
	})

	var startErr error
	loop.Call(func() {
		if startErr = dir.Start(logger); startErr != nil {
			return
		}
		_, startErr = dir.GetOrCreate(logger, project)
	})
	if startErr != nil {
		return nil, startErr
	}

	report := &probeReport{Project: project.BaseDir().String()}
	err = waitUntil(ctx, loop, opts.timeout, func() bool {
		s := dir.Get(project)
		return s == nil || s.IsReady()
	})
	if err != nil {
		return nil, errors.Wrap(err, "waiting for clangd")
	}
	var session *ls.Session
	loop.Call(func() { session = dir.Get(project) })
	if session == nil {
		return nil, errors.Errorf("clangd session for %s failed: %s", project.Name(), host.failure)
	}
	loop.Call(func() { report.Server = session.ServerVersion() })
	if opts.file == "" {
		loop.Call(func() { report.Progress = session.Progress() })
		return report, nil
	}

	file := project.BaseDir().JoinPath(paths.New(opts.file))
	text, err := file.ReadFile()
	if err != nil {
		return nil, errors.Wrap(err, "reading file")
	}
	report.File = file.String()
	loop.Call(func() { err = dir.OpenDocument(logger, file, string(text)) })
	if err != nil {
		return nil, err
	}
	if err := waitUntil(ctx, loop, opts.timeout, func() bool { return dir.IsDocumentParsed(file) }); err != nil {
		return nil, errors.Wrap(err, "waiting for diagnostics")
	}

	results := make(chan func(*probeReport), 4)
	expected := 0
	loop.Call(func() {
		report.Diagnostics = session.Diagnostics(file)
		expected = sendProbeQueries(logger, dir, session, file, opts, report, results)
	})
	for i := 0; i < expected; i++ {
		select {
		case apply := <-results:
			apply(report)
		case <-ctx.Done():
			return report, ctx.Err()
		}
	}
	loop.Call(func() { report.Progress = session.Progress() })
	return report, nil
}

// sendProbeQueries sends the queries of the probe and returns how many
// answers will be delivered on results. It runs on the event loop.
func sendProbeQueries(logger jsonrpc.FunctionLogger, dir *ls.SessionDirectory, session *ls.Session, file *paths.Path, opts *probeOptions, report *probeReport, results chan<- func(*probeReport)) int {
	pos := lsp.Position{Line: opts.line, Character: opts.character}
	expected := 0
	failed := func(query string, err error) {
		report.Errors = append(report.Errors, fmt.Sprintf("%s: %s", query, err))
	}
	deliver := func(query string, err error, apply func(*probeReport)) {
		if err != nil {
			results <- func(r *probeReport) { r.Errors = append(r.Errors, fmt.Sprintf("%s: %s", query, err)) }
			return
		}
		results <- apply
	}

	if _, err := session.RequestDocumentSymbol(logger, file, func(symbols []lsp.DocumentSymbol, err error) {
		deliver("documentSymbol", err, func(r *probeReport) { r.Symbols = symbols })
	}); err != nil {
		failed("documentSymbol", err)
	} else {
		expected++
	}
	if _, err := dir.RequestHover(logger, file, pos, func(hover *lsp.Hover, err error) {
		deliver("hover", err, func(r *probeReport) { r.Hover = hover })
	}); err != nil {
		failed("hover", err)
	} else {
		expected++
	}
	if _, err := dir.RequestDefinition(logger, file, pos, func(locations []lsp.Location, err error) {
		deliver("definition", err, func(r *probeReport) { r.Definition = locations })
	}); err != nil {
		failed("definition", err)
	} else {
		expected++
	}
	if opts.prefix != "" {
		if _, err := dir.RequestCompletion(logger, file, pos, opts.prefix, func(list *lsp.CompletionList, err error) {
			deliver("completion", err, func(r *probeReport) { r.Completion = list })
		}); err != nil {
			failed("completion", err)
		} else {
			expected++
		}
	}
	return expected
}

// waitUntil polls cond on the event loop until it returns true.
func waitUntil(ctx context.Context, loop *ls.EventLoop, timeout time.Duration, cond func() bool) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		var ok bool
		if !loop.Call(func() { ok = cond() }) {
			return errors.New("event loop stopped")
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return errors.Errorf("timeout after %s", timeout)
		case <-ticker.C:
		}
	}
}

func printJSON(v interface{}) error {
	var data []byte
	var err error
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
