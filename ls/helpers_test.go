package ls

import (
	stdjson "encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/arduino/go-paths-helper"
	"github.com/codeblocks/clangd-client/config"
	"github.com/codeblocks/clangd-client/transport"
	"github.com/stretchr/testify/require"
	"go.bug.st/json"
	"go.bug.st/lsp"
	"go.bug.st/lsp/jsonrpc"
)

type testLogger struct{ t *testing.T }

func (l testLogger) Logf(format string, a ...interface{}) {
	l.t.Logf(format, a...)
}

// sentMessage is a message written by the session to the fake server.
type sentMessage struct {
	ID     *int64                 `json:"id"`
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params"`
	Result stdjson.RawMessage     `json:"result"`
	Error  map[string]interface{} `json:"error"`
}

type fakeTransport struct {
	handler    transport.Handler
	sent       []sentMessage
	sendErr    error
	shutdowns  int
	onShutdown func()
}

func (f *fakeTransport) SendMessage(msg interface{}) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	data, err := stdjson.Marshal(msg)
	if err != nil {
		return err
	}
	var m sentMessage
	if err := stdjson.Unmarshal(data, &m); err != nil {
		return err
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeTransport) Shutdown(timeout time.Duration) {
	f.shutdowns++
	if f.onShutdown != nil {
		f.onShutdown()
	}
}

func (f *fakeTransport) methods() []string {
	res := []string{}
	for _, m := range f.sent {
		res = append(res, m.Method)
	}
	return res
}

func (f *fakeTransport) count(method string) int {
	n := 0
	for _, m := range f.sent {
		if m.Method == method {
			n++
		}
	}
	return n
}

// last returns the last message sent for method.
func (f *fakeTransport) last(t *testing.T, method string) sentMessage {
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Method == method {
			return f.sent[i]
		}
	}
	require.FailNow(t, "message not sent", method)
	return sentMessage{}
}

// manualScheduler runs posted functions only when drained, and timers only
// when fired, so that tests control the interleaving.
type manualScheduler struct {
	queue  []func()
	timers []func()
}

func (m *manualScheduler) Post(f func()) bool {
	m.queue = append(m.queue, f)
	return true
}

func (m *manualScheduler) After(d time.Duration, f func()) {
	m.timers = append(m.timers, f)
}

func (m *manualScheduler) drain() {
	for len(m.queue) > 0 {
		f := m.queue[0]
		m.queue = m.queue[1:]
		f()
	}
}

func (m *manualScheduler) fireTimers() {
	timers := m.timers
	m.timers = nil
	for _, f := range timers {
		f()
	}
	m.drain()
}

type testClock struct{ now time.Time }

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1600000000, 0)}
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func (c *testClock) option() SessionOption { return WithClock(c.Now) }

func testConfig() *config.Config {
	return testConfigWith(func(*config.Config) {})
}

func testConfigWith(f func(*config.Config)) *config.Config {
	conf := config.Default()
	conf.CompileDB.Watch = false
	conf.Completion.Delay = config.Duration(300 * time.Millisecond)
	conf.Completion.MaxRetries = 3
	f(conf)
	return conf
}

type fakeHost struct {
	ready       []*Session
	failed      []error
	faulted     []transport.ExitStatus
	messages    []string
	diagnostics map[string][]lsp.Diagnostic
}

func newFakeHost() *fakeHost {
	return &fakeHost{diagnostics: map[string][]lsp.Diagnostic{}}
}

func (h *fakeHost) SessionReady(s *Session) { h.ready = append(h.ready, s) }
func (h *fakeHost) SessionFailed(s *Session, err error) { h.failed = append(h.failed, err) }
func (h *fakeHost) SessionFaulted(s *Session, status transport.ExitStatus) {
	h.faulted = append(h.faulted, status)
}
func (h *fakeHost) ShowMessage(msgType lsp.MessageType, message string) {
	h.messages = append(h.messages, message)
}
func (h *fakeHost) DiagnosticsPublished(s *Session, path *paths.Path, diagnostics []lsp.Diagnostic) {
	h.diagnostics[path.String()] = diagnostics
}

func newTestProject(t *testing.T, name string) *DirProject {
	dir := paths.New(t.TempDir())
	return NewDirProject(name, dir.Join(name+".project"), dir, nil)
}

// fakeFactory returns a TransportFactory creating fake transports, recorded
// in the returned map by project name.
func fakeFactory() (TransportFactory, map[string]*fakeTransport) {
	transports := map[string]*fakeTransport{}
	factory := func(logger jsonrpc.FunctionLogger, project Project, handler transport.Handler) (Transport, error) {
		tr := &fakeTransport{handler: handler}
		transports[project.Name()] = tr
		return tr, nil
	}
	return factory, transports
}

func respond(s *Session, id int64, result string) {
	s.HandleMessage(json.RawMessage(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, id, result)))
}

func respondError(s *Session, id int64, code int, message string) {
	s.HandleMessage(json.RawMessage(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":%d,"message":%q}}`, id, code, message)))
}

func notify(s *Session, method string, params string) {
	s.HandleMessage(json.RawMessage(fmt.Sprintf(`{"jsonrpc":"2.0","method":%q,"params":%s}`, method, params)))
}

const clangd15 = `{"capabilities":{"textDocumentSync":{"openClose":true,"change":2},` +
	`"semanticTokensProvider":{"legend":{"tokenTypes":["variable","function"],"tokenModifiers":["declaration"]},"full":true}},` +
	`"serverInfo":{"name":"clangd","version":"clangd version 15.0.6"}}`

// completeInitialize answers the initialize request of s with result.
func completeInitialize(t *testing.T, s *Session, tr *fakeTransport, result string) {
	init := tr.last(t, "initialize")
	require.NotNil(t, init.ID)
	respond(s, *init.ID, result)
}

type sessionFixture struct {
	session   *Session
	transport *fakeTransport
	scheduler *manualScheduler
	host      *fakeHost
	clock     *testClock
	project   *DirProject
}

func newSessionFixture(t *testing.T, conf *config.Config) *sessionFixture {
	f := &sessionFixture{
		scheduler: &manualScheduler{},
		host:      newFakeHost(),
		clock:     newTestClock(),
		project:   newTestProject(t, "prj"),
	}
	f.session = NewSession(f.project, conf, f.host, f.scheduler, f.clock.option())
	factory, transports := fakeFactory()
	require.NoError(t, f.session.Initialize(testLogger{t}, factory))
	f.transport = transports["prj"]
	require.Equal(t, SessionInitializing, f.session.State())
	return f
}

func newReadySession(t *testing.T, conf *config.Config) *sessionFixture {
	f := newSessionFixture(t, conf)
	completeInitialize(t, f.session, f.transport, clangd15)
	require.Equal(t, SessionReady, f.session.State())
	return f
}

func (f *sessionFixture) file(name string) *paths.Path {
	return f.project.BaseDir().Join(name)
}

func (f *sessionFixture) open(t *testing.T, name, text string) *paths.Path {
	file := f.file(name)
	require.NoError(t, f.session.DidOpen(testLogger{t}, file, text))
	return file
}
