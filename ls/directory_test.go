package ls

import (
	"testing"
	"time"

	"github.com/arduino/go-paths-helper"
	"github.com/codeblocks/clangd-client/cachelock"
	"github.com/codeblocks/clangd-client/transport"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.bug.st/lsp"
	"go.bug.st/lsp/jsonrpc"
)

type fakeLocker struct {
	deny     bool
	held     map[string]bool
	acquires int
	releases int
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: map[string]bool{}}
}

func (l *fakeLocker) Acquire(p cachelock.Project) (bool, error) {
	if l.deny {
		return false, nil
	}
	l.acquires++
	l.held[p.ProjectFile().String()] = true
	return true, nil
}

func (l *fakeLocker) Release(p cachelock.Project) error {
	l.releases++
	delete(l.held, p.ProjectFile().String())
	return nil
}

type fakeDirectoryHost struct {
	active      Project
	projects    []Project
	messages    []string
	diagnostics map[string]int
}

func (h *fakeDirectoryHost) ActiveProject() Project { return h.active }

func (h *fakeDirectoryHost) ProjectForFile(file *paths.Path) Project {
	for _, p := range h.projects {
		if p.Contains(file) {
			return p
		}
	}
	return nil
}

func (h *fakeDirectoryHost) ShowMessage(msgType lsp.MessageType, message string) {
	h.messages = append(h.messages, message)
}

func (h *fakeDirectoryHost) DiagnosticsPublished(project Project, file *paths.Path, diagnostics []lsp.Diagnostic) {
	h.diagnostics[file.String()] = len(diagnostics)
}

type directoryFixture struct {
	dir        *SessionDirectory
	host       *fakeDirectoryHost
	locks      *fakeLocker
	transports map[string]*fakeTransport
	scheduler  *manualScheduler
	clock      *testClock
	project    *DirProject
	proxy      *DirProject
}

func newDirectoryFixture(t *testing.T) *directoryFixture {
	factory, transports := fakeFactory()
	f := &directoryFixture{
		locks:      newFakeLocker(),
		transports: transports,
		scheduler:  &manualScheduler{},
		clock:      newTestClock(),
		project:    newTestProject(t, "prj"),
		proxy:      newTestProject(t, "proxy"),
	}
	f.host = &fakeDirectoryHost{
		active:      f.project,
		projects:    []Project{f.project},
		diagnostics: map[string]int{},
	}
	f.dir = NewSessionDirectory(testConfig(), f.host, f.locks, factory, f.scheduler,
		WithProxyProject(f.proxy),
		WithSessionOptions(f.clock.option()))
	return f
}

// readySession creates the session of project and completes its handshake.
func (f *directoryFixture) readySession(t *testing.T, project Project) *Session {
	s, err := f.dir.GetOrCreate(testLogger{t}, project)
	require.NoError(t, err)
	completeInitialize(t, s, f.transports[project.Name()], clangd15)
	require.True(t, f.dir.IsSessionReady(project))
	return s
}

func TestDirectoryGetOrCreate(t *testing.T) {
	f := newDirectoryFixture(t)
	logger := testLogger{t}

	s, err := f.dir.GetOrCreate(logger, f.project)
	require.NoError(t, err)
	require.Equal(t, SessionInitializing, s.State())
	require.False(t, f.dir.IsSessionReady(f.project))
	require.True(t, f.locks.held[f.project.ProjectFile().String()])

	again, err := f.dir.GetOrCreate(logger, f.project)
	require.NoError(t, err)
	require.Same(t, s, again)
	require.Equal(t, 1, f.locks.acquires)
	require.Len(t, f.transports, 1)

	completeInitialize(t, s, f.transports["prj"], clangd15)
	require.True(t, f.dir.IsSessionReady(f.project))
	require.Same(t, s, f.dir.Get(f.project))
}

func TestDirectoryAbnormalTermination(t *testing.T) {
	f := newDirectoryFixture(t)
	logger := testLogger{t}
	s := f.readySession(t, f.project)

	docs := []*DocumentState{}
	for _, name := range []string{"a.cpp", "b.cpp", "c.h"} {
		file := f.project.BaseDir().Join(name)
		require.NoError(t, f.dir.OpenDocument(logger, file, "int "+name[:1]+";\n"))
		docs = append(docs, s.Document(file))
	}
	a := f.project.BaseDir().Join("a.cpp")
	_, err := f.dir.RequestHover(logger, a, lsp.Position{}, func(*lsp.Hover, error) {
		require.FailNow(t, "callback invoked")
	})
	require.NoError(t, err)
	_, err = f.dir.RequestDefinition(logger, a, lsp.Position{}, func([]lsp.Location, error) {
		require.FailNow(t, "callback invoked")
	})
	require.NoError(t, err)
	require.Equal(t, 2, s.PendingRequests())

	// the transport reports the exit from its reader goroutine
	f.transports["prj"].handler.HandleTermination(transport.ExitStatus{Code: 1})
	require.Equal(t, SessionReady, s.State(), "termination is handled on the loop")
	f.scheduler.drain()

	require.Equal(t, SessionTerminated, s.State())
	for _, doc := range docs {
		require.Equal(t, DocumentClosed, doc.Status)
	}
	require.Zero(t, s.PendingRequests())
	require.Nil(t, f.dir.Get(f.project))
	require.Zero(t, f.dir.Sessions())
	require.Equal(t, 1, f.locks.releases)
	require.Empty(t, f.locks.held)
	require.Len(t, f.host.messages, 1)

	require.NoError(t, f.dir.Remove(logger, f.project))
	require.Equal(t, 1, f.locks.releases)

	// a brand new session can be created
	next, err := f.dir.GetOrCreate(logger, f.project)
	require.NoError(t, err)
	require.NotSame(t, s, next)
}

func TestDirectoryVersionRejected(t *testing.T) {
	f := newDirectoryFixture(t)
	s, err := f.dir.GetOrCreate(testLogger{t}, f.project)
	require.NoError(t, err)
	completeInitialize(t, s, f.transports["prj"],
		`{"capabilities":{},"serverInfo":{"name":"clangd","version":"12.0.0"}}`)

	require.Equal(t, SessionTerminated, s.State())
	require.Nil(t, f.dir.Get(f.project))
	require.Empty(t, f.locks.held)
	require.Equal(t, 1, f.locks.releases)
	require.Len(t, f.host.messages, 1)
	require.Contains(t, f.host.messages[0], "12.0.0")

	err = f.dir.OpenDocument(testLogger{t}, f.project.BaseDir().Join("a.cpp"), "")
	require.ErrorIs(t, err, ErrNotReady)
	require.Zero(t, f.transports["prj"].count("textDocument/didOpen"))
}

func TestDirectoryCacheLockDenied(t *testing.T) {
	f := newDirectoryFixture(t)
	f.locks.deny = true

	s, err := f.dir.GetOrCreate(testLogger{t}, f.project)
	require.Nil(t, s)
	var denied *CacheLockDeniedError
	require.True(t, errors.As(err, &denied))
	require.Equal(t, "prj", denied.Project)
	require.Empty(t, f.transports)
	require.Zero(t, f.dir.Sessions())
	require.Len(t, f.host.messages, 1)
}

func TestDirectorySpawnFailureReleasesLock(t *testing.T) {
	f := newDirectoryFixture(t)
	f.dir.factory = func(jsonrpc.FunctionLogger, Project, transport.Handler) (Transport, error) {
		return nil, errors.Wrap(transport.ErrSpawnFailure, "no clangd")
	}
	_, err := f.dir.GetOrCreate(testLogger{t}, f.project)
	require.ErrorIs(t, err, transport.ErrSpawnFailure)
	require.Empty(t, f.locks.held)
	require.Equal(t, 1, f.locks.releases)
	require.Zero(t, f.dir.Sessions())
	require.Len(t, f.host.messages, 1)
}

func TestDirectoryRemove(t *testing.T) {
	f := newDirectoryFixture(t)
	logger := testLogger{t}
	s := f.readySession(t, f.project)
	file := f.project.BaseDir().Join("a.cpp")
	require.NoError(t, f.dir.OpenDocument(logger, file, "int a;\n"))

	require.NoError(t, f.dir.Remove(logger, f.project))
	tr := f.transports["prj"]
	require.Equal(t, SessionTerminated, s.State())
	require.Equal(t, 1, tr.count("textDocument/didClose"))
	require.Equal(t, 1, tr.shutdowns)
	require.Equal(t, 1, f.locks.releases)
	require.Zero(t, f.dir.Sessions())

	require.NoError(t, f.dir.Remove(logger, f.project))
	require.Equal(t, 1, tr.shutdowns)
	require.Equal(t, 1, f.locks.releases)
}

func TestDirectoryRefusesProjectShuttingDown(t *testing.T) {
	f := newDirectoryFixture(t)
	logger := testLogger{t}
	f.readySession(t, f.project)

	var errDuringShutdown error
	f.transports["prj"].onShutdown = func() {
		_, errDuringShutdown = f.dir.GetOrCreate(logger, f.project)
	}
	require.NoError(t, f.dir.Remove(logger, f.project))
	require.ErrorIs(t, errDuringShutdown, ErrShuttingDown)
	require.Equal(t, 1, f.locks.acquires)
}

func TestDirectoryClose(t *testing.T) {
	f := newDirectoryFixture(t)
	logger := testLogger{t}
	require.NoError(t, f.dir.Start(logger))
	require.Same(t, f.proxy, f.dir.ProxyProject())
	f.readySession(t, f.project)
	require.Equal(t, 2, f.dir.Sessions())

	require.NoError(t, f.dir.Close(logger))
	require.Equal(t, 1, f.transports["prj"].shutdowns)
	require.Equal(t, 1, f.transports["proxy"].shutdowns)
	require.Equal(t, 2, f.locks.releases)
	require.Empty(t, f.locks.held)
	require.Zero(t, f.dir.Sessions())

	_, err := f.dir.GetOrCreate(logger, f.project)
	require.ErrorIs(t, err, ErrShuttingDown)
	require.NoError(t, f.dir.Close(logger))
}

func TestDirectoryStartCreatesProxyProject(t *testing.T) {
	factory, transports := fakeFactory()
	dir := NewSessionDirectory(testConfig(), &fakeDirectoryHost{diagnostics: map[string]int{}}, newFakeLocker(), factory, &manualScheduler{})
	logger := testLogger{t}
	require.NoError(t, dir.Start(logger))

	proxy := dir.ProxyProject()
	require.NotNil(t, proxy)
	require.True(t, proxy.BaseDir().Join(".clangd").Exist())
	require.Contains(t, transports, "proxy")

	require.NoError(t, dir.Close(logger))
	require.False(t, proxy.BaseDir().Exist())
}

func TestDirectoryReparse(t *testing.T) {
	f := newDirectoryFixture(t)
	logger := testLogger{t}
	old := f.readySession(t, f.project)
	a := f.project.BaseDir().Join("a.cpp")
	b := f.project.BaseDir().Join("b.cpp")
	require.NoError(t, f.dir.OpenDocument(logger, a, "int a;\n"))
	require.NoError(t, f.dir.OpenDocument(logger, b, "int b;\n"))
	require.NoError(t, f.dir.ChangeDocument(logger, b, "int bb;\n"))
	oldTransport := f.transports["prj"]

	require.NoError(t, f.dir.Reparse(logger, f.project))
	require.Equal(t, SessionTerminated, old.State())
	require.Equal(t, 1, oldTransport.shutdowns)

	s := f.dir.Get(f.project)
	require.NotNil(t, s)
	require.NotSame(t, old, s)
	newTransport := f.transports["prj"]
	require.NotSame(t, oldTransport, newTransport)
	require.Zero(t, newTransport.count("textDocument/didOpen"))

	completeInitialize(t, s, newTransport, clangd15)
	require.Equal(t, 2, newTransport.count("textDocument/didOpen"))
	require.Equal(t, paths.PathList{a, b}, s.OpenDocuments())
	require.Equal(t, "int bb;\n", s.Document(b).Text)
	require.True(t, f.locks.held[f.project.ProjectFile().String()])
}

func TestDirectoryRoutesFilesToSessions(t *testing.T) {
	f := newDirectoryFixture(t)
	logger := testLogger{t}
	inside := f.project.BaseDir().Join("main.cpp")
	outside := paths.New(t.TempDir()).Join("loose.cpp")

	require.Nil(t, f.dir.SessionForFile(inside))
	require.ErrorIs(t, f.dir.OpenDocument(logger, inside, ""), ErrNotReady)
	_, err := f.dir.RequestCompletion(logger, inside, lsp.Position{}, "", func(*lsp.CompletionList, error) {})
	require.ErrorIs(t, err, ErrNotReady)

	// the proxy never serves the files of a project
	proxy := f.readySession(t, f.proxy)
	require.Nil(t, f.dir.SessionForFile(inside))
	require.ErrorIs(t, f.dir.OpenDocument(logger, inside, "int main() {}\n"), ErrNotReady)
	require.False(t, proxy.IsDocumentOpen(inside))
	require.Zero(t, f.transports["proxy"].count("textDocument/didOpen"))

	s := f.readySession(t, f.project)
	require.Same(t, s, f.dir.SessionForFile(inside))
	require.Same(t, proxy, f.dir.SessionForFile(outside))

	require.NoError(t, f.dir.OpenDocument(logger, inside, "int main() {}\n"))
	require.NoError(t, f.dir.OpenDocument(logger, outside, "int loose;\n"))
	require.True(t, s.IsDocumentOpen(inside))
	require.False(t, s.IsDocumentOpen(outside))
	require.True(t, proxy.IsDocumentOpen(outside))

	require.False(t, f.dir.IsDocumentParsed(inside))
	uri := lsp.NewDocumentURIFromPath(inside).String()
	notify(s, "textDocument/publishDiagnostics", `{"uri":"`+uri+`","diagnostics":[]}`)
	require.True(t, f.dir.IsDocumentParsed(inside))
	require.Contains(t, f.host.diagnostics, inside.String())

	require.NoError(t, f.dir.SaveDocument(logger, inside))
	require.NoError(t, f.dir.CloseDocument(logger, outside))
	require.False(t, proxy.IsDocumentOpen(outside))

	require.True(t, f.dir.IsActiveProject(f.project))
	require.False(t, f.dir.IsActiveProject(f.proxy))
}

func TestDirectoryForwardsRequests(t *testing.T) {
	f := newDirectoryFixture(t)
	logger := testLogger{t}
	f.readySession(t, f.project)
	file := f.project.BaseDir().Join("main.cpp")
	require.NoError(t, f.dir.OpenDocument(logger, file, "int main() {}\n"))
	f.clock.advance(time.Second)

	_, err := f.dir.RequestReferences(logger, file, lsp.Position{}, false, func([]lsp.Location, error) {})
	require.NoError(t, err)
	_, err = f.dir.RequestRename(logger, file, lsp.Position{}, "start", func(*lsp.WorkspaceEdit, error) {})
	require.NoError(t, err)
	_, err = f.dir.RequestCompletion(logger, file, lsp.Position{}, "ma", func(*lsp.CompletionList, error) {})
	require.NoError(t, err)

	tr := f.transports["prj"]
	require.Equal(t, 1, tr.count("textDocument/references"))
	require.Equal(t, 1, tr.count("textDocument/rename"))
	require.Equal(t, 1, tr.count("textDocument/completion"))
	require.Equal(t, "start", tr.last(t, "textDocument/rename").Params["newName"])
}

func TestDirectoryKeepsLooseFilesOpenAfterSymbols(t *testing.T) {
	f := newDirectoryFixture(t)
	logger := testLogger{t}
	proxy := f.readySession(t, f.proxy)
	loose := paths.New(t.TempDir()).Join("loose.cpp")
	tr := f.transports["proxy"]

	require.NoError(t, f.dir.OpenDocument(logger, loose, "int loose;\n"))
	_, err := proxy.RequestDocumentSymbol(logger, loose, func([]lsp.DocumentSymbol, error) {})
	require.NoError(t, err)
	respond(proxy, *tr.last(t, "textDocument/documentSymbol").ID, `[]`)
	require.True(t, proxy.IsDocumentOpen(loose))
	require.Zero(t, tr.count("textDocument/didClose"))

	f.clock.advance(time.Second)
	_, err = f.dir.RequestHover(logger, loose, lsp.Position{}, func(*lsp.Hover, error) {})
	require.NoError(t, err)
}

func TestDirectoryHarvestSymbols(t *testing.T) {
	f := newDirectoryFixture(t)
	logger := testLogger{t}
	s := f.readySession(t, f.project)
	tr := f.transports["prj"]
	lib := f.project.BaseDir().Join("lib.cpp")

	var symbols []lsp.DocumentSymbol
	_, err := f.dir.HarvestSymbols(logger, lib, "void f() {}\n", func(res []lsp.DocumentSymbol, err error) {
		require.NoError(t, err)
		symbols = res
	})
	require.NoError(t, err)
	require.True(t, s.IsDocumentOpen(lib))
	respond(s, *tr.last(t, "textDocument/documentSymbol").ID, `[{"name":"f","kind":12,`+
		`"range":{"start":{"line":0,"character":0},"end":{"line":0,"character":11}},`+
		`"selectionRange":{"start":{"line":0,"character":5},"end":{"line":0,"character":6}}}]`)
	require.Len(t, symbols, 1)
	require.False(t, s.IsDocumentOpen(lib))
	require.Equal(t, 1, tr.count("textDocument/didClose"))

	// a file opened by the user is not closed by a harvest
	mainFile := f.project.BaseDir().Join("main.cpp")
	require.NoError(t, f.dir.OpenDocument(logger, mainFile, "int main() {}\n"))
	_, err = f.dir.HarvestSymbols(logger, mainFile, "int main() {}\n", func([]lsp.DocumentSymbol, error) {})
	require.NoError(t, err)
	respond(s, *tr.last(t, "textDocument/documentSymbol").ID, `[]`)
	require.True(t, s.IsDocumentOpen(mainFile))
	require.Equal(t, 1, tr.count("textDocument/didClose"))
}
