package ls

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"go.bug.st/lsp/jsonrpc"
)

var (
	// ErrNotReady is returned when an operation is attempted before the
	// initialize handshake has completed.
	ErrNotReady = errors.New("language server session is not ready")
	// ErrNotOpen is returned when an operation targets a document that has
	// not been opened with DidOpen.
	ErrNotOpen = errors.New("document is not open")
	// ErrTransportTerminated is returned when the server process died
	// without being asked to.
	ErrTransportTerminated = errors.New("language server terminated unexpectedly")
	// ErrShuttingDown is returned when a session is requested for a project
	// whose previous session is still shutting down.
	ErrShuttingDown = errors.New("previous session is still shutting down")
)

// transient server messages caused by expected races with the editor
var transientServerErrors = []string{
	"dropped older completion request",
	"request cancelled because the document was modified",
}

// ServerError is a JSON-RPC error answered by the language server.
type ServerError struct {
	Method string
	*jsonrpc.ResponseError
	// Transient is set for the known races that the user must not be
	// bothered with.
	Transient bool
}

func newServerError(method string, respErr *jsonrpc.ResponseError) *ServerError {
	res := &ServerError{Method: method, ResponseError: respErr}
	for _, msg := range transientServerErrors {
		if strings.Contains(strings.ToLower(respErr.Message), msg) {
			res.Transient = true
		}
	}
	return res
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: server error %d: %s", e.Method, e.Code, e.Message)
}

// IsTransient returns true if err is a ServerError caused by a known race.
func IsTransient(err error) bool {
	var serverErr *ServerError
	return errors.As(err, &serverErr) && serverErr.Transient
}

// VersionRejectedError is returned when the server version is too old.
type VersionRejectedError struct {
	Server   string
	Version  string
	Required string
}

func (e *VersionRejectedError) Error() string {
	if e.Version == "" {
		return fmt.Sprintf("could not detect the version of %s: version %s or later is required", e.Server, e.Required)
	}
	return fmt.Sprintf("%s version %s is not supported: version %s or later is required", e.Server, e.Version, e.Required)
}

// CacheLockDeniedError is returned when another live process owns the
// symbol cache of the project.
type CacheLockDeniedError struct {
	Project string
}

func (e *CacheLockDeniedError) Error() string {
	return fmt.Sprintf("the symbol cache of %s is in use by another instance: close it and retry", e.Project)
}

// DuplicateIDError is the panic value raised when a request id is registered twice.
type DuplicateIDError struct {
	ID RequestID
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("duplicate request id %d", e.ID)
}
