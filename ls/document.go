package ls

import (
	"strings"
	"sync/atomic"

	"github.com/arduino/go-paths-helper"
	"go.bug.st/lsp"
)

// DocumentStatus is the lifecycle state of a document inside a session.
type DocumentStatus int

const (
	// DocumentClosed means no didOpen has been sent, or it has been followed by a didClose.
	DocumentClosed DocumentStatus = iota
	// DocumentOpening means the didOpen notification is being sent.
	DocumentOpening
	// DocumentOpen means the server knows the document.
	DocumentOpen
)

func (s DocumentStatus) String() string {
	switch s {
	case DocumentClosed:
		return "closed"
	case DocumentOpening:
		return "opening"
	case DocumentOpen:
		return "open"
	}
	return "unknown"
}

// DocumentState tracks a document opened in a session.
type DocumentState struct {
	Path       *paths.Path
	URI        lsp.DocumentURI
	LanguageID string
	Version    int
	Text       string
	Status     DocumentStatus

	// IsParsed is set by the first diagnostics notification received
	// after opening. Only the server decides when it goes back to false.
	IsParsed bool
	// HasSymbols is set when a documentSymbol response arrives.
	HasSymbols bool
	// LastModifiedAtMillis is the time of the last edit, in unix milliseconds.
	LastModifiedAtMillis int64
	// Background is set for documents opened only to collect their symbols,
	// they are closed as soon as the symbols arrive.
	Background bool

	Diagnostics []lsp.Diagnostic

	symbols atomic.Value // SymbolSnapshot
	pending *PendingRequestTable
}

func newDocumentState(path *paths.Path, text string, nowMillis int64) *DocumentState {
	return &DocumentState{
		Path:                 path,
		URI:                  lsp.NewDocumentURIFromPath(path),
		LanguageID:           LanguageIDForPath(path),
		Text:                 text,
		Status:               DocumentClosed,
		LastModifiedAtMillis: nowMillis,
	}
}

// IsOpen returns true once didOpen has been sent.
func (d *DocumentState) IsOpen() bool {
	return d.Status == DocumentOpen
}

// Outstanding returns the number of per-document requests still waiting for
// a response.
func (d *DocumentState) Outstanding() int {
	if d.pending == nil || !d.IsOpen() {
		return 0
	}
	return d.pending.CountDocument(documentKey(d.Path))
}

// Symbols returns the last published symbols of the document. The snapshot
// is immutable and may be read from any goroutine.
func (d *DocumentState) Symbols() SymbolSnapshot {
	if s, ok := d.symbols.Load().(SymbolSnapshot); ok {
		return s
	}
	return SymbolSnapshot{}
}

func (d *DocumentState) publishSymbols(symbols []lsp.DocumentSymbol) {
	d.symbols.Store(SymbolSnapshot{Version: d.Version, Symbols: symbols})
}

// SymbolSnapshot is the outline of a document at a given version.
type SymbolSnapshot struct {
	Version int
	Symbols []lsp.DocumentSymbol
}

// LanguageIDForPath guesses the LSP language id from the file extension.
func LanguageIDForPath(path *paths.Path) string {
	switch strings.ToLower(path.Ext()) {
	case ".c":
		return "c"
	case ".m":
		return "objective-c"
	case ".mm":
		return "objective-cpp"
	default:
		return "cpp"
	}
}
