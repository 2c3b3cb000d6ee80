package ls

import (
	"fmt"
	"sort"

	"github.com/arduino/go-paths-helper"
	"github.com/codeblocks/clangd-client/cachelock"
	"github.com/codeblocks/clangd-client/compiledb"
	"github.com/codeblocks/clangd-client/config"
	"github.com/codeblocks/clangd-client/transport"
	"github.com/pkg/errors"
	"go.bug.st/lsp"
	"go.bug.st/lsp/jsonrpc"
	"go.uber.org/multierr"
)

// DirectoryHost is the host IDE, as seen by the SessionDirectory.
type DirectoryHost interface {
	// ActiveProject returns the project the user is working on, or nil.
	ActiveProject() Project
	// ProjectForFile returns the project containing file, or nil if the file
	// does not belong to any project.
	ProjectForFile(file *paths.Path) Project
	// ShowMessage reports a problem to the user.
	ShowMessage(msgType lsp.MessageType, message string)
}

// DiagnosticsListener may be implemented by a DirectoryHost that wants to
// receive the diagnostics of the open documents.
type DiagnosticsListener interface {
	DiagnosticsPublished(project Project, file *paths.Path, diagnostics []lsp.Diagnostic)
}

// CacheLocker guards the on-disk symbol cache of the projects.
type CacheLocker interface {
	Acquire(project cachelock.Project) (bool, error)
	Release(project cachelock.Project) error
}

// SessionDirectory owns the sessions, one per project, plus the session of
// the proxy project serving the files that belong to no project. It must be
// used from the goroutine running its Scheduler.
type SessionDirectory struct {
	conf        *config.Config
	host        DirectoryHost
	locks       CacheLocker
	factory     TransportFactory
	scheduler   Scheduler
	sessionOpts []SessionOption
	logger      jsonrpc.FunctionLogger

	sessions map[string]*Session
	watchers map[string]*compiledb.Watcher
	reopen   map[string][]DocumentSnapshot

	proxy    Project
	proxyDir *paths.Path
	closed   bool
}

// DirectoryOption customizes a SessionDirectory.
type DirectoryOption func(*SessionDirectory)

// WithSessionOptions applies opts to every session created by the directory.
func WithSessionOptions(opts ...SessionOption) DirectoryOption {
	return func(d *SessionDirectory) { d.sessionOpts = append(d.sessionOpts, opts...) }
}

// WithProxyProject uses project as the proxy project instead of creating one
// in a temporary directory.
func WithProxyProject(project Project) DirectoryOption {
	return func(d *SessionDirectory) { d.proxy = project }
}

// NewSessionDirectory creates an empty directory.
func NewSessionDirectory(conf *config.Config, host DirectoryHost, locks CacheLocker, factory TransportFactory, scheduler Scheduler, opts ...DirectoryOption) *SessionDirectory {
	d := &SessionDirectory{
		conf:      conf,
		host:      host,
		locks:     locks,
		factory:   factory,
		scheduler: scheduler,
		logger:    NewLSPFunctionLogger(defaultLogColor, "DIR --- "),
		sessions:  map[string]*Session{},
		watchers:  map[string]*compiledb.Watcher{},
		reopen:    map[string][]DocumentSnapshot{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func projectKey(project Project) string {
	return project.ProjectFile().String()
}

// Start creates the proxy project and its session.
func (d *SessionDirectory) Start(logger jsonrpc.FunctionLogger) error {
	if d.proxy == nil {
		dir, err := paths.MkTempDir("", "clangd-proxy")
		if err != nil {
			return errors.Wrap(err, "creating proxy project")
		}
		if err := writeClangdConfig(dir); err != nil {
			dir.RemoveAll()
			return errors.Wrap(err, "creating proxy project")
		}
		d.proxyDir = dir
		d.proxy = NewDirProject("proxy", dir.Join("proxy.project"), dir, dir)
	}
	logger.Logf("Proxy project in %s", d.proxy.BaseDir())
	_, err := d.GetOrCreate(logger, d.proxy)
	return err
}

// ProxyProject returns the project serving files that belong to no project.
func (d *SessionDirectory) ProxyProject() Project {
	return d.proxy
}

func (d *SessionDirectory) isProxy(project Project) bool {
	return d.proxy != nil && projectKey(project) == projectKey(d.proxy)
}

// Get returns the live session of project, or nil.
func (d *SessionDirectory) Get(project Project) *Session {
	if project == nil {
		return nil
	}
	s := d.sessions[projectKey(project)]
	if s == nil || s.State() == SessionTerminated {
		return nil
	}
	return s
}

// Sessions returns the number of sessions in the directory.
func (d *SessionDirectory) Sessions() int {
	return len(d.sessions)
}

// GetOrCreate returns the session of project, starting a new one if needed.
// A new session is initialized asynchronously: it is not ready yet when
// GetOrCreate returns.
func (d *SessionDirectory) GetOrCreate(logger jsonrpc.FunctionLogger, project Project) (*Session, error) {
	if d.closed {
		return nil, ErrShuttingDown
	}
	key := projectKey(project)
	if s, ok := d.sessions[key]; ok {
		switch s.State() {
		case SessionShuttingDown:
			return nil, errors.WithMessage(ErrShuttingDown, project.Name())
		case SessionTerminated:
			d.dropSession(logger, s)
		default:
			return s, nil
		}
	}

	granted, err := d.locks.Acquire(project)
	if err != nil {
		logger.Logf("Could not check the cache lock of %s: %s", project.Name(), err)
		return nil, errors.Wrap(err, "acquiring cache lock")
	}
	if !granted {
		err := &CacheLockDeniedError{Project: project.Name()}
		logger.Logf("%s", err)
		d.host.ShowMessage(lsp.MessageTypeError, err.Error())
		return nil, err
	}

	s := NewSession(project, d.conf, d, d.scheduler, d.sessionOpts...)
	d.sessions[key] = s
	if err := s.Initialize(logger, d.factory); err != nil {
		delete(d.sessions, key)
		d.releaseLock(logger, project)
		d.host.ShowMessage(lsp.MessageTypeError, fmt.Sprintf("Could not start the language server for %s: %s", project.Name(), err))
		return nil, err
	}

	if d.conf.CompileDB.Watch && !d.isProxy(project) {
		d.watch(logger, s)
	}
	return s, nil
}

func (d *SessionDirectory) watch(logger jsonrpc.FunctionLogger, s *Session) {
	project := s.Project()
	w, err := compiledb.Watch(logger, project.CompileCommandsDir(), d.conf.CompileDB.Debounce.Std(), func() {
		db, err := compiledb.LoadDir(project.CompileCommandsDir())
		if err != nil {
			// probably still being written, wait for the next change
			logger.Logf("Ignoring compilation database change: %s", err)
			return
		}
		logger.Logf("Compilation database of %s changed: %d commands", project.Name(), len(db.Commands))
		d.scheduler.Post(func() {
			if d.sessions[projectKey(project)] != s {
				return
			}
			if err := d.Reparse(d.logger, project); err != nil {
				d.logger.Logf("Reparse of %s failed: %s", project.Name(), err)
			}
		})
	})
	if err != nil {
		logger.Logf("Not watching compilation database of %s: %s", project.Name(), err)
		return
	}
	d.watchers[projectKey(project)] = w
}

func (d *SessionDirectory) stopWatching(project Project) {
	key := projectKey(project)
	if w, ok := d.watchers[key]; ok {
		delete(d.watchers, key)
		_ = w.Close()
	}
}

func (d *SessionDirectory) releaseLock(logger jsonrpc.FunctionLogger, project Project) {
	if err := d.locks.Release(project); err != nil {
		logger.Logf("Could not release the cache lock of %s: %s", project.Name(), err)
	}
}

// dropSession evicts s and releases its lock. It returns false if s had
// already been evicted.
func (d *SessionDirectory) dropSession(logger jsonrpc.FunctionLogger, s *Session) bool {
	project := s.Project()
	key := projectKey(project)
	if d.sessions[key] != s {
		return false
	}
	delete(d.sessions, key)
	d.stopWatching(project)
	d.releaseLock(logger, project)
	return true
}

// Remove shuts the session of project down and releases its cache lock.
// Removing a project without session is a no-op.
func (d *SessionDirectory) Remove(logger jsonrpc.FunctionLogger, project Project) error {
	s, ok := d.sessions[projectKey(project)]
	if !ok {
		return nil
	}
	d.stopWatching(project)
	s.Shutdown(logger)
	d.dropSession(logger, s)
	return nil
}

// Close removes every session, then the proxy project.
func (d *SessionDirectory) Close(logger jsonrpc.FunctionLogger) error {
	if d.closed {
		return nil
	}
	d.closed = true
	var err error
	for _, s := range d.sortedSessions() {
		err = multierr.Append(err, d.Remove(logger, s.Project()))
	}
	d.reopen = map[string][]DocumentSnapshot{}
	if d.proxyDir != nil {
		err = multierr.Append(err, d.proxyDir.RemoveAll())
		d.proxyDir = nil
	}
	return err
}

func (d *SessionDirectory) sortedSessions() []*Session {
	keys := make([]string, 0, len(d.sessions))
	for key := range d.sessions {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	res := make([]*Session, 0, len(keys))
	for _, key := range keys {
		res = append(res, d.sessions[key])
	}
	return res
}

// Reparse restarts the session of project, reopening its documents once the
// new session is ready.
func (d *SessionDirectory) Reparse(logger jsonrpc.FunctionLogger, project Project) error {
	var docs []DocumentSnapshot
	if s := d.Get(project); s != nil {
		docs = s.Snapshot()
	}
	if err := d.Remove(logger, project); err != nil {
		return err
	}
	logger.Logf("Reparsing %s (%d documents)", project.Name(), len(docs))
	if len(docs) > 0 {
		d.reopen[projectKey(project)] = docs
	}
	if _, err := d.GetOrCreate(logger, project); err != nil {
		delete(d.reopen, projectKey(project))
		return err
	}
	return nil
}

// SessionForFile returns the session serving file: the session of the
// project containing it, or the proxy session for files that belong to no
// project. It returns nil if that session is not running: the files of a
// project are never served by the proxy. Sessions are never created here.
func (d *SessionDirectory) SessionForFile(file *paths.Path) *Session {
	if project := d.host.ProjectForFile(file); project != nil {
		return d.Get(project)
	}
	return d.Get(d.proxy)
}

func (d *SessionDirectory) readySessionForFile(file *paths.Path) (*Session, error) {
	s := d.SessionForFile(file)
	if s == nil || !s.IsReady() {
		return nil, ErrNotReady
	}
	return s, nil
}

// SessionReady implements SessionHost.
func (d *SessionDirectory) SessionReady(s *Session) {
	key := projectKey(s.Project())
	docs := d.reopen[key]
	delete(d.reopen, key)
	for _, doc := range docs {
		if err := s.DidOpen(d.logger, doc.Path, doc.Text); err != nil {
			d.logger.Logf("Could not reopen %s: %s", doc.Path, err)
		}
	}
}

// SessionFailed implements SessionHost.
func (d *SessionDirectory) SessionFailed(s *Session, err error) {
	project := s.Project()
	delete(d.reopen, projectKey(project))
	if d.dropSession(d.logger, s) {
		d.host.ShowMessage(lsp.MessageTypeError, fmt.Sprintf("The language server for %s could not be initialized: %s", project.Name(), err))
	}
}

// SessionFaulted implements SessionHost.
func (d *SessionDirectory) SessionFaulted(s *Session, status transport.ExitStatus) {
	project := s.Project()
	delete(d.reopen, projectKey(project))
	if d.dropSession(d.logger, s) {
		d.host.ShowMessage(lsp.MessageTypeError, fmt.Sprintf("The language server for %s terminated unexpectedly (exit code %d)", project.Name(), status.Code))
	}
}

// ShowMessage implements SessionHost.
func (d *SessionDirectory) ShowMessage(msgType lsp.MessageType, message string) {
	d.host.ShowMessage(msgType, message)
}

// IsActiveProject returns true if p is the project the user is working on.
func (d *SessionDirectory) IsActiveProject(p Project) bool {
	active := d.host.ActiveProject()
	return active != nil && projectKey(active) == projectKey(p)
}

// DiagnosticsPublished implements SessionHost.
func (d *SessionDirectory) DiagnosticsPublished(s *Session, file *paths.Path, diagnostics []lsp.Diagnostic) {
	if listener, ok := d.host.(DiagnosticsListener); ok {
		listener.DiagnosticsPublished(s.Project(), file, diagnostics)
	}
}

// OpenDocument opens file in the session serving it.
func (d *SessionDirectory) OpenDocument(logger jsonrpc.FunctionLogger, file *paths.Path, text string) error {
	s, err := d.readySessionForFile(file)
	if err != nil {
		return err
	}
	return s.DidOpen(logger, file, text)
}

// ChangeDocument sends the new content of file.
func (d *SessionDirectory) ChangeDocument(logger jsonrpc.FunctionLogger, file *paths.Path, text string) error {
	s, err := d.readySessionForFile(file)
	if err != nil {
		return err
	}
	return s.DidChange(logger, file, text)
}

// SaveDocument notifies the server that file has been saved.
func (d *SessionDirectory) SaveDocument(logger jsonrpc.FunctionLogger, file *paths.Path) error {
	s, err := d.readySessionForFile(file)
	if err != nil {
		return err
	}
	return s.DidSave(logger, file)
}

// CloseDocument closes file.
func (d *SessionDirectory) CloseDocument(logger jsonrpc.FunctionLogger, file *paths.Path) error {
	s, err := d.readySessionForFile(file)
	if err != nil {
		return err
	}
	return s.DidClose(logger, file)
}

// HarvestSymbols opens file in background, requests its outline and closes
// it again once the symbols arrive. A file the user already opened stays open.
func (d *SessionDirectory) HarvestSymbols(logger jsonrpc.FunctionLogger, file *paths.Path, text string, cb func([]lsp.DocumentSymbol, error)) (RequestID, error) {
	s, err := d.readySessionForFile(file)
	if err != nil {
		return 0, err
	}
	if err := s.OpenBackground(logger, file, text); err != nil {
		return 0, err
	}
	return s.RequestDocumentSymbol(logger, file, cb)
}

// RequestCompletion requests the completions at pos in file.
func (d *SessionDirectory) RequestCompletion(logger jsonrpc.FunctionLogger, file *paths.Path, pos lsp.Position, prefix string, cb func(*lsp.CompletionList, error)) (RequestID, error) {
	s, err := d.readySessionForFile(file)
	if err != nil {
		return 0, err
	}
	return s.RequestCompletion(logger, file, pos, prefix, cb)
}

// RequestHover requests the hover information at pos in file.
func (d *SessionDirectory) RequestHover(logger jsonrpc.FunctionLogger, file *paths.Path, pos lsp.Position, cb func(*lsp.Hover, error)) (RequestID, error) {
	s, err := d.readySessionForFile(file)
	if err != nil {
		return 0, err
	}
	return s.RequestHover(logger, file, pos, cb)
}

// RequestDefinition requests the definition of the symbol at pos in file.
func (d *SessionDirectory) RequestDefinition(logger jsonrpc.FunctionLogger, file *paths.Path, pos lsp.Position, cb func([]lsp.Location, error)) (RequestID, error) {
	s, err := d.readySessionForFile(file)
	if err != nil {
		return 0, err
	}
	return s.RequestDefinition(logger, file, pos, cb)
}

// RequestReferences requests the references to the symbol at pos in file.
func (d *SessionDirectory) RequestReferences(logger jsonrpc.FunctionLogger, file *paths.Path, pos lsp.Position, includeDeclaration bool, cb func([]lsp.Location, error)) (RequestID, error) {
	s, err := d.readySessionForFile(file)
	if err != nil {
		return 0, err
	}
	return s.RequestReferences(logger, file, pos, includeDeclaration, cb)
}

// RequestRename requests the edits renaming the symbol at pos in file.
func (d *SessionDirectory) RequestRename(logger jsonrpc.FunctionLogger, file *paths.Path, pos lsp.Position, newName string, cb func(*lsp.WorkspaceEdit, error)) (RequestID, error) {
	s, err := d.readySessionForFile(file)
	if err != nil {
		return 0, err
	}
	return s.RequestRename(logger, file, pos, newName, cb)
}

// IsDocumentParsed returns true if the server has published diagnostics for file.
func (d *SessionDirectory) IsDocumentParsed(file *paths.Path) bool {
	s := d.SessionForFile(file)
	return s != nil && s.IsDocumentParsed(file)
}

// IsSessionReady returns true if the session of project accepts requests.
func (d *SessionDirectory) IsSessionReady(project Project) bool {
	s := d.Get(project)
	return s != nil && s.IsReady()
}
