package ls

import (
	"fmt"
	"log"

	"github.com/fatih/color"
	"go.bug.st/json"
	"go.bug.st/lsp/jsonrpc"
)

// LSPLogger prints a line for every message exchanged with a language server.
type LSPLogger struct {
	IncomingPrefix, OutgoingPrefix string
}

// NewLSPLogger creates a logger for the traffic of the session named name.
func NewLSPLogger(name string) *LSPLogger {
	return &LSPLogger{
		IncomingPrefix: "CLIENT <-- " + name,
		OutgoingPrefix: "CLIENT --> " + name,
	}
}

func (l *LSPLogger) LogOutgoingRequest(id string, method string, params json.RawMessage) {
	log.Print(color.HiGreenString("%s REQU %s %s", l.OutgoingPrefix, method, id))
}
func (l *LSPLogger) LogOutgoingCancelRequest(id string) {
	log.Print(color.GreenString("%s CANCEL %s", l.OutgoingPrefix, id))
}
func (l *LSPLogger) LogIncomingResponse(id string, method string, resp json.RawMessage, respErr *jsonrpc.ResponseError) {
	if respErr != nil {
		log.Print(color.GreenString("%s RESP %s %s ERROR %d: %s", l.IncomingPrefix, method, id, respErr.Code, respErr.Message))
		return
	}
	log.Print(color.GreenString("%s RESP %s %s", l.IncomingPrefix, method, id))
}
func (l *LSPLogger) LogOutgoingNotification(method string, params json.RawMessage) {
	log.Print(color.HiGreenString("%s NOTIF %s", l.OutgoingPrefix, method))
}

func (l *LSPLogger) LogIncomingRequest(id string, method string, params json.RawMessage) jsonrpc.FunctionLogger {
	spaces := "                                               "
	log.Print(color.HiRedString(fmt.Sprintf("%s REQU %s %s", l.IncomingPrefix, method, id)))
	return &LSPFunctionLogger{
		colorFunc: color.HiRedString,
		prefix:    fmt.Sprintf("%s      %s %s", spaces[:min(len(l.IncomingPrefix), len(spaces))], method, id),
	}
}
func (l *LSPLogger) LogOutgoingResponse(id string, method string, resp json.RawMessage, respErr *jsonrpc.ResponseError) {
	log.Print(color.RedString("%s RESP %s %s", l.OutgoingPrefix, method, id))
}
func (l *LSPLogger) LogIncomingNotification(method string, params json.RawMessage) jsonrpc.FunctionLogger {
	spaces := "                                               "
	log.Print(color.HiRedString(fmt.Sprintf("%s NOTIF %s", l.IncomingPrefix, method)))
	return &LSPFunctionLogger{
		colorFunc: color.HiRedString,
		prefix:    fmt.Sprintf("%s       %s", spaces[:min(len(l.IncomingPrefix), len(spaces))], method),
	}
}

// LogDiscardedResponse reports a response nobody was waiting for.
func (l *LSPLogger) LogDiscardedResponse(id string) {
	log.Print(color.YellowString("%s RESP %s discarded: no pending request", l.IncomingPrefix, id))
}

// LSPFunctionLogger is a jsonrpc.FunctionLogger printing colored, prefixed lines.
type LSPFunctionLogger struct {
	colorFunc func(format string, a ...interface{}) string
	prefix    string
}

func NewLSPFunctionLogger(colofFunction func(format string, a ...interface{}) string, prefix string) *LSPFunctionLogger {
	return &LSPFunctionLogger{
		colorFunc: colofFunction,
		prefix:    prefix,
	}
}

func (l *LSPFunctionLogger) Logf(format string, a ...interface{}) {
	log.Print(l.colorFunc(l.prefix+": "+format, a...))
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
