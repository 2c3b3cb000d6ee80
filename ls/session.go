package ls

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver"
	"github.com/arduino/go-paths-helper"
	"github.com/codeblocks/clangd-client/config"
	"github.com/codeblocks/clangd-client/globals"
	"github.com/codeblocks/clangd-client/transport"
	"github.com/pkg/errors"
	"github.com/sourcegraph/jsonrpc2"
	"go.bug.st/json"
	"go.bug.st/lsp"
	"go.bug.st/lsp/jsonrpc"
)

// SessionState is the lifecycle state of a Session.
type SessionState int

const (
	// SessionUninitialized is the state of a newly created session.
	SessionUninitialized SessionState = iota
	// SessionInitializing means the initialize request has been sent.
	SessionInitializing
	// SessionReady means the server accepts documents and requests.
	SessionReady
	// SessionShuttingDown means Shutdown is in progress.
	SessionShuttingDown
	// SessionTerminated is the final state, a session is never reused.
	SessionTerminated
)

func (s SessionState) String() string {
	switch s {
	case SessionUninitialized:
		return "uninitialized"
	case SessionInitializing:
		return "initializing"
	case SessionReady:
		return "ready"
	case SessionShuttingDown:
		return "shutting down"
	case SessionTerminated:
		return "terminated"
	}
	return "unknown"
}

// SessionHost receives the events of a Session. It is called from the
// goroutine owning the session.
type SessionHost interface {
	// SessionReady is called when the initialize handshake completes.
	SessionReady(s *Session)
	// SessionFailed is called when the initialize handshake fails after
	// Initialize has returned.
	SessionFailed(s *Session, err error)
	// SessionFaulted is called when the server process dies unexpectedly.
	SessionFaulted(s *Session, status transport.ExitStatus)
	// ShowMessage reports a problem to the user.
	ShowMessage(msgType lsp.MessageType, message string)
	// DiagnosticsPublished is called for every diagnostics notification
	// concerning an open document.
	DiagnosticsPublished(s *Session, path *paths.Path, diagnostics []lsp.Diagnostic)
}

// Transport is the connection to a running language server.
type Transport interface {
	SendMessage(msg interface{}) error
	Shutdown(timeout time.Duration)
}

// TransportFactory starts the language server for project. Every message
// coming from the server must be forwarded to handler.
type TransportFactory func(logger jsonrpc.FunctionLogger, project Project, handler transport.Handler) (Transport, error)

// text synchronization kinds, as negotiated at initialize time
const (
	syncNone        = 0
	syncFull        = 1
	syncIncremental = 2
)

// request ids are unique for the whole process lifetime
var lastRequestID int64

func nextRequestID() RequestID {
	return RequestID(atomic.AddInt64(&lastRequestID, 1))
}

// Session drives one language server process for one project. All methods
// must be called from the goroutine that runs the session Scheduler.
type Session struct {
	project   Project
	conf      *config.Config
	host      SessionHost
	scheduler Scheduler
	now       func() time.Time
	logger    jsonrpc.FunctionLogger
	lspLogger *LSPLogger

	state     SessionState
	initErr   error
	transport Transport
	pending   *PendingRequestTable
	documents map[string]*DocumentState

	syncKind      int
	legend        *lsp.SemanticTokensLegend
	serverName    string
	serverVersion string

	completionCache map[string]*completionCacheEntry
	parked          map[string]*parkedCompletion
	progress        *progressTracker
}

// SessionOption customizes a Session.
type SessionOption func(*Session)

// WithClock replaces the clock used to measure the idle time before completions.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) { s.now = now }
}

// NewSession creates an uninitialized session for project.
func NewSession(project Project, conf *config.Config, host SessionHost, scheduler Scheduler, opts ...SessionOption) *Session {
	s := &Session{
		project:         project,
		conf:            conf,
		host:            host,
		scheduler:       scheduler,
		now:             time.Now,
		lspLogger:       NewLSPLogger(project.Name()),
		state:           SessionUninitialized,
		pending:         NewPendingRequestTable(),
		documents:       map[string]*DocumentState{},
		completionCache: map[string]*completionCacheEntry{},
		parked:          map[string]*parkedCompletion{},
		progress:        newProgressTracker(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) String() string {
	return fmt.Sprintf("session %s (%s)", s.project.Name(), s.state)
}

// Project returns the project served by the session.
func (s *Session) Project() Project { return s.project }

// State returns the lifecycle state.
func (s *Session) State() SessionState { return s.state }

// IsReady returns true if the session accepts documents and requests.
func (s *Session) IsReady() bool { return s.state == SessionReady }

// InitError returns the reason why the initialize handshake failed.
func (s *Session) InitError() error { return s.initErr }

// ServerVersion returns the version string reported by the server.
func (s *Session) ServerVersion() string { return s.serverVersion }

// SemanticTokenLegend returns the legend negotiated at initialize time, or
// nil if the server does not provide semantic tokens.
func (s *Session) SemanticTokenLegend() *lsp.SemanticTokensLegend { return s.legend }

// Progress returns the operations the server reported as in progress, like
// the background indexing.
func (s *Session) Progress() []Progress { return s.progress.Active() }

// PendingRequests returns the number of requests waiting for a response.
func (s *Session) PendingRequests() int { return s.pending.Len() }

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type initializationOptions struct {
	CompilationDatabasePath string `json:"compilationDatabasePath,omitempty"`
	ClangdFileStatus        bool   `json:"clangdFileStatus"`
}

type initializeParams struct {
	ProcessID             int                    `json:"processId"`
	ClientInfo            clientInfo             `json:"clientInfo"`
	RootPath              string                 `json:"rootPath"`
	RootURI               lsp.DocumentURI        `json:"rootUri"`
	InitializationOptions initializationOptions  `json:"initializationOptions"`
	Capabilities          map[string]interface{} `json:"capabilities"`
}

type semanticTokensProvider struct {
	Legend lsp.SemanticTokensLegend `json:"legend"`
}

type initializeResult struct {
	Capabilities struct {
		TextDocumentSync       json.RawMessage         `json:"textDocumentSync,omitempty"`
		SemanticTokensProvider *semanticTokensProvider `json:"semanticTokensProvider,omitempty"`
	} `json:"capabilities"`
	ServerInfo *lsp.InitializeResultServerInfo `json:"serverInfo,omitempty"`
}

func clientCapabilities() map[string]interface{} {
	return map[string]interface{}{
		"textDocument": map[string]interface{}{
			"synchronization": map[string]interface{}{
				"didSave":             true,
				"dynamicRegistration": false,
			},
			"completion": map[string]interface{}{
				"completionItem": map[string]interface{}{
					"snippetSupport":      false,
					"documentationFormat": []string{"plaintext", "markdown"},
				},
				"contextSupport": true,
			},
			"hover": map[string]interface{}{
				"contentFormat": []string{"plaintext", "markdown"},
			},
			"signatureHelp": map[string]interface{}{
				"signatureInformation": map[string]interface{}{
					"parameterInformation": map[string]interface{}{"labelOffsetSupport": true},
				},
			},
			"documentSymbol": map[string]interface{}{
				"hierarchicalDocumentSymbolSupport": true,
			},
			"publishDiagnostics": map[string]interface{}{
				"relatedInformation": true,
			},
			"semanticTokens": map[string]interface{}{
				"requests":       map[string]interface{}{"full": true},
				"tokenTypes":     []string{},
				"tokenModifiers": []string{},
				"formats":        []string{"relative"},
			},
		},
		"window": map[string]interface{}{
			"workDoneProgress": true,
		},
	}
}

// Initialize starts the language server through factory and sends the
// initialize request. The session becomes ready asynchronously, when the
// server answers: the outcome is reported to the SessionHost.
func (s *Session) Initialize(logger jsonrpc.FunctionLogger, factory TransportFactory) error {
	if s.state != SessionUninitialized {
		return errors.Errorf("cannot initialize %s", s)
	}
	s.logger = logger
	s.state = SessionInitializing

	tr, err := factory(logger, s.project, LoopHandler(s.scheduler, s))
	if err != nil {
		s.state = SessionTerminated
		s.initErr = err
		return err
	}
	s.transport = tr

	rootURI := lsp.NewDocumentURIFromPath(s.project.BaseDir())
	params := &initializeParams{
		ProcessID: os.Getpid(),
		ClientInfo: clientInfo{
			Name:    globals.VersionInfo.Application,
			Version: globals.VersionInfo.VersionString,
		},
		RootPath: s.project.BaseDir().String(),
		RootURI:  rootURI,
		InitializationOptions: initializationOptions{
			CompilationDatabasePath: s.project.CompileCommandsDir().String(),
			ClangdFileStatus:        true,
		},
		Capabilities: clientCapabilities(),
	}
	id := nextRequestID()
	s.pending.Register(id, "initialize", "", func(result json.RawMessage, err error) {
		s.handleInitializeResult(logger, result, err)
	})
	if err := s.send(id, "initialize", params); err != nil {
		s.pending.Cancel(id)
		s.state = SessionTerminated
		s.initErr = err
		s.transport.Shutdown(s.conf.Session.ShutdownTimeout.Std())
		return err
	}
	logger.Logf("Sent initialize to %s for %s", s.conf.Clangd.Executable, s.project.Name())
	return nil
}

var versionRegexp = regexp.MustCompile(`(\d+)(\.\d+)?(\.\d+)?`)

// parseServerVersion extracts the version number from strings like
// "clangd version 14.0.0 (https://github.com/llvm/llvm-project ...)".
func parseServerVersion(info *lsp.InitializeResultServerInfo) (*semver.Version, string) {
	if info == nil {
		return nil, ""
	}
	raw := info.Version
	if raw == "" {
		raw = info.Name
	}
	match := versionRegexp.FindString(raw)
	if match == "" {
		return nil, raw
	}
	v, err := semver.NewVersion(match)
	if err != nil {
		return nil, raw
	}
	return v, v.String()
}

func (s *Session) handleInitializeResult(logger jsonrpc.FunctionLogger, result json.RawMessage, err error) {
	if s.state != SessionInitializing {
		return
	}
	if err != nil {
		s.failInitialize(logger, errors.WithMessage(err, "initializing language server"))
		return
	}
	var res initializeResult
	if err := json.Unmarshal(result, &res); err != nil {
		s.failInitialize(logger, errors.Wrap(err, "decoding initialize result"))
		return
	}

	serverName := "clangd"
	if res.ServerInfo != nil && res.ServerInfo.Name != "" {
		serverName = res.ServerInfo.Name
	}
	version, versionString := parseServerVersion(res.ServerInfo)
	minVersion, err := semver.NewVersion(s.conf.Clangd.MinVersion)
	if err != nil {
		s.failInitialize(logger, errors.Wrap(err, "invalid minimum server version"))
		return
	}
	if version == nil || version.LessThan(minVersion) {
		s.failInitialize(logger, &VersionRejectedError{Server: serverName, Version: versionString, Required: minVersion.String()})
		return
	}
	s.serverName = serverName
	s.serverVersion = versionString
	s.syncKind = parseSyncKind(res.Capabilities.TextDocumentSync)
	if provider := res.Capabilities.SemanticTokensProvider; provider != nil {
		legend := provider.Legend
		s.legend = &legend
	}

	if err := s.sendNotification("initialized", struct{}{}); err != nil {
		s.failInitialize(logger, err)
		return
	}
	s.state = SessionReady
	logger.Logf("%s %s ready for %s", serverName, versionString, s.project.Name())
	s.host.SessionReady(s)
}

func (s *Session) failInitialize(logger jsonrpc.FunctionLogger, err error) {
	logger.Logf("Initialize failed: %s", err)
	s.initErr = err
	s.state = SessionTerminated
	s.pending.CancelAll()
	s.transport.Shutdown(s.conf.Session.ShutdownTimeout.Std())
	s.host.SessionFailed(s, err)
}

func parseSyncKind(raw json.RawMessage) int {
	if len(raw) == 0 {
		return syncNone
	}
	var kind int
	if err := json.Unmarshal(raw, &kind); err == nil {
		return kind
	}
	var opts struct {
		Change int `json:"change"`
	}
	if err := json.Unmarshal(raw, &opts); err == nil {
		return opts.Change
	}
	return syncNone
}

// Shutdown closes every open document, drops the pending requests and stops
// the server. Calling it again is a no-op.
func (s *Session) Shutdown(logger jsonrpc.FunctionLogger) {
	switch s.state {
	case SessionShuttingDown, SessionTerminated:
		return
	case SessionUninitialized:
		s.state = SessionTerminated
		return
	}
	logger.Logf("Shutting down %s", s)
	s.state = SessionShuttingDown
	for _, doc := range s.sortedDocuments() {
		if doc.IsOpen() {
			if err := s.closeDocument(logger, doc); err != nil {
				logger.Logf("Error closing %s: %s", doc.Path, err)
			}
		}
	}
	if n := s.pending.CancelAll(); n > 0 {
		logger.Logf("Dropped %d pending requests", n)
	}
	s.parked = map[string]*parkedCompletion{}
	s.progress.Shutdown()
	s.transport.Shutdown(s.conf.Session.ShutdownTimeout.Std())
	s.state = SessionTerminated
}

// HandleTermination implements transport.Handler. It must run on the session goroutine.
func (s *Session) HandleTermination(status transport.ExitStatus) {
	if s.state == SessionTerminated || s.state == SessionShuttingDown {
		return
	}
	logger := s.functionLogger()
	logger.Logf("Language server for %s terminated unexpectedly (code=%d): %v", s.project.Name(), status.Code, status.Err)
	if n := s.pending.CancelAll(); n > 0 {
		logger.Logf("Dropped %d pending requests", n)
	}
	for _, doc := range s.documents {
		doc.Status = DocumentClosed
	}
	s.documents = map[string]*DocumentState{}
	s.parked = map[string]*parkedCompletion{}
	s.completionCache = map[string]*completionCacheEntry{}
	s.progress.Shutdown()
	if s.state == SessionInitializing {
		s.initErr = errors.WithMessage(ErrTransportTerminated, "during initialize")
	}
	s.state = SessionTerminated
	s.host.SessionFaulted(s, status)
}

func (s *Session) functionLogger() jsonrpc.FunctionLogger {
	if s.logger != nil {
		return s.logger
	}
	return NewLSPFunctionLogger(defaultLogColor, s.project.Name())
}

func (s *Session) send(id RequestID, method string, params interface{}) error {
	req, err := transport.NewRequest(transport.NumericID(int64(id)), method, params)
	if err != nil {
		return errors.Wrapf(err, "encoding %s", method)
	}
	s.lspLogger.LogOutgoingRequest(fmt.Sprint(id), method, nil)
	return s.transport.SendMessage(req)
}

func (s *Session) sendNotification(method string, params interface{}) error {
	notif, err := transport.NewNotification(method, params)
	if err != nil {
		return errors.Wrapf(err, "encoding %s", method)
	}
	s.lspLogger.LogOutgoingNotification(method, nil)
	return s.transport.SendMessage(notif)
}

func (s *Session) sendCancel(id RequestID) {
	s.lspLogger.LogOutgoingCancelRequest(fmt.Sprint(id))
	notif, err := transport.NewNotification("$/cancelRequest", map[string]int64{"id": int64(id)})
	if err == nil {
		_ = s.transport.SendMessage(notif)
	}
}

type incomingMessage struct {
	ID     *jsonrpc2.ID           `json:"id,omitempty"`
	Method string                 `json:"method,omitempty"`
	Params json.RawMessage        `json:"params,omitempty"`
	Result json.RawMessage        `json:"result,omitempty"`
	Error  *jsonrpc.ResponseError `json:"error,omitempty"`
}

// HandleMessage implements transport.Handler. It must run on the session goroutine.
func (s *Session) HandleMessage(data json.RawMessage) {
	if s.state == SessionTerminated {
		return
	}
	var msg incomingMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.functionLogger().Logf("Invalid message from server: %s", err)
		return
	}
	switch {
	case msg.Method == "" && msg.ID != nil:
		s.handleResponse(&msg)
	case msg.Method != "" && msg.ID != nil:
		s.handleServerRequest(&msg)
	case msg.Method != "":
		s.handleNotification(&msg)
	default:
		s.functionLogger().Logf("Discarded message without id and method")
	}
}

func (s *Session) handleResponse(msg *incomingMessage) {
	if msg.ID.IsString {
		s.lspLogger.LogDiscardedResponse(msg.ID.String())
		return
	}
	id := RequestID(msg.ID.Num)
	method, _ := s.pending.Method(id)
	s.lspLogger.LogIncomingResponse(fmt.Sprint(id), method, msg.Result, msg.Error)

	var err error
	if msg.Error != nil {
		err = newServerError(method, msg.Error)
	}
	if !s.pending.Resolve(id, msg.Result, err) {
		s.lspLogger.LogDiscardedResponse(fmt.Sprint(id))
	}
}

// server requests answered with a null result
var acknowledgedServerRequests = map[string]bool{
	"client/registerCapability":   true,
	"client/unregisterCapability": true,
	"window/showMessageRequest":   true,
}

func (s *Session) handleServerRequest(msg *incomingMessage) {
	logger := s.lspLogger.LogIncomingRequest(msg.ID.String(), msg.Method, msg.Params)
	var resp interface{}
	switch {
	case acknowledgedServerRequests[msg.Method]:
		resp, _ = transport.NewResultResponse(*msg.ID, nil)
	case msg.Method == "window/workDoneProgress/create":
		var params lsp.WorkDoneProgressCreateParams
		var token string
		if err := json.Unmarshal(msg.Params, &params); err == nil {
			_ = json.Unmarshal(params.Token, &token)
		}
		if token == "" {
			logger.Logf("Invalid progress token: %s", msg.Params)
			resp = transport.NewErrorResponse(*msg.ID, &jsonrpc.ResponseError{
				Code:    jsonrpc.ErrorCodesInternalError,
				Message: "invalid progress token",
			})
			break
		}
		s.progress.Create(token)
		resp, _ = transport.NewResultResponse(*msg.ID, nil)
	case msg.Method == "workspace/configuration":
		var params struct {
			Items []json.RawMessage `json:"items"`
		}
		_ = json.Unmarshal(msg.Params, &params)
		resp, _ = transport.NewResultResponse(*msg.ID, make([]interface{}, len(params.Items)))
	case msg.Method == "workspace/applyEdit":
		resp, _ = transport.NewResultResponse(*msg.ID, map[string]bool{"applied": false})
	default:
		logger.Logf("Unsupported request")
		resp = transport.NewErrorResponse(*msg.ID, &jsonrpc.ResponseError{
			Code:    jsonrpc.ErrorCodesMethodNotFound,
			Message: "Unsupported method " + msg.Method,
		})
	}
	s.lspLogger.LogOutgoingResponse(msg.ID.String(), msg.Method, nil, nil)
	if err := s.transport.SendMessage(resp); err != nil {
		logger.Logf("Error sending response: %s", err)
	}
}

func (s *Session) handleNotification(msg *incomingMessage) {
	logger := s.lspLogger.LogIncomingNotification(msg.Method, msg.Params)
	switch msg.Method {
	case "textDocument/publishDiagnostics":
		var params lsp.PublishDiagnosticsParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			logger.Logf("Invalid params: %s", err)
			return
		}
		doc := s.documentByURI(params.URI)
		if doc == nil || !doc.IsOpen() {
			logger.Logf("Diagnostics for a document not open: %s", params.URI)
			return
		}
		doc.IsParsed = true
		doc.Diagnostics = params.Diagnostics
		logger.Logf("%d diagnostics for %s", len(params.Diagnostics), doc.Path)
		s.host.DiagnosticsPublished(s, doc.Path, params.Diagnostics)
	case "window/showMessage", "window/logMessage":
		var params struct {
			Type    lsp.MessageType `json:"type"`
			Message string          `json:"message"`
		}
		if err := json.Unmarshal(msg.Params, &params); err == nil {
			logger.Logf("%s", params.Message)
			if msg.Method == "window/showMessage" && params.Type == lsp.MessageTypeError {
				s.host.ShowMessage(params.Type, params.Message)
			}
		}
	case "$/progress":
		var params lsp.ProgressParams
		var token string
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			logger.Logf("Invalid params: %s", err)
			return
		}
		if err := json.Unmarshal(params.Token, &token); err != nil {
			logger.Logf("Error decoding progress token: %s", err)
			return
		}
		switch value := params.TryToDecodeWellKnownValues().(type) {
		case lsp.WorkDoneProgressBegin:
			s.progress.Begin(token, &value)
		case lsp.WorkDoneProgressReport:
			s.progress.Report(token, &value)
		case lsp.WorkDoneProgressEnd:
			s.progress.End(token, &value)
		default:
			logger.Logf("Unsupported $/progress: %s", params.Value)
		}
	default:
		// textDocument/clangd.fileStatus and the like are only logged
	}
}

func (s *Session) documentByURI(uri lsp.DocumentURI) *DocumentState {
	if doc, ok := s.documents[uri.String()]; ok {
		return doc
	}
	path := uri.AsPath()
	for _, doc := range s.documents {
		if doc.Path.EquivalentTo(path) {
			return doc
		}
	}
	return nil
}

func (s *Session) sortedDocuments() []*DocumentState {
	res := make([]*DocumentState, 0, len(s.documents))
	for _, doc := range s.documents {
		res = append(res, doc)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Path.String() < res[j].Path.String() })
	return res
}
