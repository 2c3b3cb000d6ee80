// Package transport runs a language server as a child process and exchanges
// framed JSON-RPC messages with it over stdio.
package transport

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/arduino/go-paths-helper"
	"github.com/codeblocks/clangd-client/streams"
	"github.com/pkg/errors"
	"github.com/sourcegraph/jsonrpc2"
	"go.bug.st/json"
	"go.bug.st/lsp/jsonrpc"
)

var (
	// ErrSpawnFailure is returned when the server process cannot be started.
	ErrSpawnFailure = errors.New("could not start language server")
	// ErrWriteFailure is returned when a message cannot be delivered to the server.
	ErrWriteFailure = errors.New("could not write to language server")
)

// shutdownRequestID is reserved for the shutdown handshake, session requests
// always use numeric ids.
var shutdownRequestID = jsonrpc2.ID{Str: "transport-shutdown", IsString: true}

// Handler receives everything coming from the server. Both methods are called
// from the transport reader goroutine: implementations must hand the work off
// to the goroutine that owns the session state.
type Handler interface {
	// HandleMessage is called once for every complete message, in the
	// order they were read from the pipe.
	HandleMessage(msg json.RawMessage)
	// HandleTermination is called exactly once, after the last message,
	// when the process has exited.
	HandleTermination(status ExitStatus)
}

// ExitStatus describes how the server process ended.
type ExitStatus struct {
	Code int
	Err  error
	// Requested is true when the exit followed a call to Shutdown.
	Requested bool
}

// Abnormal returns true if the process ended without being asked to.
func (s ExitStatus) Abnormal() bool {
	return !s.Requested
}

// ProcessTransport owns a language server child process.
type ProcessTransport struct {
	logger  jsonrpc.FunctionLogger
	stream  jsonrpc2.ObjectStream
	handler Handler
	wait    func() error
	kill    func() error

	sendMutex sync.Mutex
	closed    bool

	shutdownOnce   sync.Once
	shutdownAck    chan struct{}
	ackOnce        sync.Once
	stateMutex     sync.Mutex
	shutdownCalled bool

	exited chan struct{}
	status ExitStatus
}

// Option configures a ProcessTransport started with Start.
type Option func(*startOptions)

type startOptions struct {
	streamLog string
	stderr    io.Writer
	env       []string
}

// WithStreamLog dumps the raw traffic into the log file with the given name.
func WithStreamLog(name string) Option {
	return func(o *startOptions) { o.streamLog = name }
}

// WithStderr redirects the server stderr.
func WithStderr(w io.Writer) Option {
	return func(o *startOptions) { o.stderr = w }
}

// WithEnv adds environment variables to the server process.
func WithEnv(env ...string) Option {
	return func(o *startOptions) { o.env = append(o.env, env...) }
}

// Start spawns executable with args in workingDir and starts reading its output.
func Start(logger jsonrpc.FunctionLogger, executable *paths.Path, args []string, workingDir *paths.Path, handler Handler, opts ...Option) (*ProcessTransport, error) {
	options := &startOptions{stderr: os.Stderr}
	for _, opt := range opts {
		opt(options)
	}

	proc, err := paths.NewProcessFromPath(options.env, executable, args...)
	if err != nil {
		return nil, errors.Wrap(ErrSpawnFailure, err.Error())
	}
	if workingDir != nil {
		proc.SetDir(workingDir.String())
	}
	stdin, err := proc.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(ErrSpawnFailure, err.Error())
	}
	stdout, err := proc.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(ErrSpawnFailure, err.Error())
	}
	stderr, err := proc.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(ErrSpawnFailure, err.Error())
	}
	if err := proc.Start(); err != nil {
		return nil, errors.Wrap(ErrSpawnFailure, err.Error())
	}
	logger.Logf("Started %s %v", executable, args)

	go func() {
		defer streams.CatchAndLogPanic()
		_, _ = io.Copy(options.stderr, stderr)
	}()

	var rwc io.ReadWriteCloser = streams.NewReadWriteCloser(stdout, stdin)
	if options.streamLog != "" {
		rwc = streams.LogReadWriteCloserAs(rwc, options.streamLog)
	}
	return NewFromStreams(logger, rwc, proc.Wait, proc.Kill, handler), nil
}

// NewFromStreams creates a transport over an already running server reachable
// through rwc. wait must block until the server has exited, kill must force it.
func NewFromStreams(logger jsonrpc.FunctionLogger, rwc io.ReadWriteCloser, wait func() error, kill func() error, handler Handler) *ProcessTransport {
	t := &ProcessTransport{
		logger:      logger,
		stream:      jsonrpc2.NewBufferedStream(rwc, jsonrpc2.VSCodeObjectCodec{}),
		handler:     handler,
		wait:        wait,
		kill:        kill,
		shutdownAck: make(chan struct{}),
		exited:      make(chan struct{}),
	}
	go t.readLoop()
	return t
}

type envelope struct {
	ID     *jsonrpc2.ID `json:"id,omitempty"`
	Method string       `json:"method,omitempty"`
}

func (t *ProcessTransport) readLoop() {
	defer streams.CatchAndLogPanic()

	for {
		var msg json.RawMessage
		if err := t.stream.ReadObject(&msg); err != nil {
			if err != io.EOF && !errors.Is(err, io.ErrClosedPipe) {
				t.logger.Logf("Error reading from server: %s", err)
			}
			break
		}
		var env envelope
		if err := json.Unmarshal(msg, &env); err == nil && env.Method == "" && env.ID != nil && *env.ID == shutdownRequestID {
			t.ackOnce.Do(func() { close(t.shutdownAck) })
			continue
		}
		t.handler.HandleMessage(msg)
	}

	t.sendMutex.Lock()
	t.closed = true
	t.sendMutex.Unlock()
	_ = t.stream.Close()

	err := t.wait()
	status := ExitStatus{Err: err, Requested: t.shutdownRequested()}
	if exitErr, ok := errors.Cause(err).(interface{ ExitCode() int }); ok {
		status.Code = exitErr.ExitCode()
	}
	t.status = status
	close(t.exited)
	t.logger.Logf("Server exited (code=%d, requested=%v, err=%v)", status.Code, status.Requested, status.Err)
	t.handler.HandleTermination(status)
}

func (t *ProcessTransport) shutdownRequested() bool {
	t.stateMutex.Lock()
	defer t.stateMutex.Unlock()
	return t.shutdownCalled
}

// SendMessage serializes msg and writes it to the server. Concurrent calls
// never interleave and are written in call order.
func (t *ProcessTransport) SendMessage(msg interface{}) error {
	t.sendMutex.Lock()
	defer t.sendMutex.Unlock()
	if t.closed {
		return ErrWriteFailure
	}
	if err := t.stream.WriteObject(msg); err != nil {
		return errors.Wrap(ErrWriteFailure, err.Error())
	}
	return nil
}

// Done is closed once the server process has exited and has been reaped.
func (t *ProcessTransport) Done() <-chan struct{} {
	return t.exited
}

// ExitStatus returns the exit status of the server. It is valid only after
// Done has been closed.
func (t *ProcessTransport) ExitStatus() ExitStatus {
	<-t.exited
	return t.status
}

// Shutdown performs the shutdown/exit handshake, waiting at most timeout for
// the server to quit before killing it. It blocks until the process has been
// reaped. Subsequent calls are no-ops.
func (t *ProcessTransport) Shutdown(timeout time.Duration) {
	t.shutdownOnce.Do(func() {
		t.stateMutex.Lock()
		t.shutdownCalled = true
		t.stateMutex.Unlock()

		deadline := time.Now().Add(timeout)
		if req, err := NewRequest(shutdownRequestID, "shutdown", nil); err == nil {
			if err := t.SendMessage(req); err == nil {
				select {
				case <-t.shutdownAck:
				case <-t.exited:
				case <-time.After(timeout / 2):
					t.logger.Logf("Server did not acknowledge shutdown")
				}
			}
		}
		if notif, err := NewNotification("exit", nil); err == nil {
			_ = t.SendMessage(notif)
		}

		t.sendMutex.Lock()
		t.closed = true
		t.sendMutex.Unlock()

		select {
		case <-t.exited:
			return
		case <-time.After(time.Until(deadline)):
		}
		t.logger.Logf("Server did not exit in time, killing it")
		if err := t.kill(); err != nil {
			t.logger.Logf("Error killing server: %s", err)
		}
	})
	<-t.exited
}
