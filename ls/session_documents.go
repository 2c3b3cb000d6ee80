package ls

import (
	"github.com/arduino/go-paths-helper"
	"github.com/codeblocks/clangd-client/textutils"
	"go.bug.st/lsp"
	"go.bug.st/lsp/jsonrpc"
)

func documentKey(path *paths.Path) string {
	return lsp.NewDocumentURIFromPath(path).String()
}

func (s *Session) nowMillis() int64 {
	return s.now().UnixMilli()
}

// openDocument returns the document at path if the session is ready and the
// document is open.
func (s *Session) openDocument(path *paths.Path) (*DocumentState, error) {
	if s.state != SessionReady {
		return nil, ErrNotReady
	}
	doc, ok := s.documents[documentKey(path)]
	if !ok || !doc.IsOpen() {
		return nil, ErrNotOpen
	}
	return doc, nil
}

// DidOpen sends the full text of the document to the server. Opening a
// document that is already open does nothing, except that a document opened
// in background is now kept open.
func (s *Session) DidOpen(logger jsonrpc.FunctionLogger, path *paths.Path, text string) error {
	return s.open(logger, path, text, false)
}

// OpenBackground opens a document only to collect its symbols: the document
// is closed when the response to RequestDocumentSymbol arrives. A document
// already open stays open.
func (s *Session) OpenBackground(logger jsonrpc.FunctionLogger, path *paths.Path, text string) error {
	return s.open(logger, path, text, true)
}

func (s *Session) open(logger jsonrpc.FunctionLogger, path *paths.Path, text string, background bool) error {
	if s.state != SessionReady {
		return ErrNotReady
	}
	key := documentKey(path)
	if doc, ok := s.documents[key]; ok && doc.Status != DocumentClosed {
		if !background {
			doc.Background = false
		}
		return nil
	}

	doc := newDocumentState(path, text, s.nowMillis())
	doc.Status = DocumentOpening
	doc.Version = 1
	doc.Background = background
	doc.pending = s.pending
	s.documents[key] = doc

	err := s.sendNotification("textDocument/didOpen", &lsp.DidOpenTextDocumentParams{
		TextDocument: lsp.TextDocumentItem{
			URI:        doc.URI,
			LanguageID: doc.LanguageID,
			Version:    doc.Version,
			Text:       text,
		},
	})
	if err != nil {
		delete(s.documents, key)
		return err
	}
	doc.Status = DocumentOpen
	logger.Logf("Opened %s", path)
	return nil
}

// DidChange sends the new text of an open document. With incremental sync
// only the changed range is transmitted. Nothing is sent if text is unchanged.
func (s *Session) DidChange(logger jsonrpc.FunctionLogger, path *paths.Path, text string) error {
	doc, err := s.openDocument(path)
	if err != nil {
		return err
	}
	if text == doc.Text {
		return nil
	}

	var change lsp.TextDocumentContentChangeEvent
	if s.syncKind == syncIncremental {
		change, _ = textutils.ComputeChange(doc.Text, text)
	} else {
		change = lsp.TextDocumentContentChangeEvent{Text: text}
	}

	doc.Version++
	err = s.sendNotification("textDocument/didChange", &lsp.DidChangeTextDocumentParams{
		TextDocument: lsp.VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: lsp.TextDocumentIdentifier{URI: doc.URI},
			Version:                doc.Version,
		},
		ContentChanges: []lsp.TextDocumentContentChangeEvent{change},
	})
	if err != nil {
		return err
	}
	doc.Text = text
	doc.LastModifiedAtMillis = s.nowMillis()
	delete(s.completionCache, documentKey(path))
	logger.Logf("Changed %s (version %d)", path, doc.Version)
	return nil
}

// DidSave asks the server to reparse a document without sending its text.
func (s *Session) DidSave(logger jsonrpc.FunctionLogger, path *paths.Path) error {
	doc, err := s.openDocument(path)
	if err != nil {
		return err
	}
	err = s.sendNotification("textDocument/didSave", &lsp.DidSaveTextDocumentParams{
		TextDocument: lsp.TextDocumentIdentifier{URI: doc.URI},
	})
	if err != nil {
		return err
	}
	doc.LastModifiedAtMillis = s.nowMillis()
	logger.Logf("Saved %s", path)
	return nil
}

// Outstanding returns the number of per-document requests of path still
// waiting for a response, 0 if the document is not open.
func (s *Session) Outstanding(path *paths.Path) int {
	if doc, ok := s.documents[documentKey(path)]; ok {
		return doc.Outstanding()
	}
	return 0
}

// DidClose cancels the requests pending on the document and closes it.
func (s *Session) DidClose(logger jsonrpc.FunctionLogger, path *paths.Path) error {
	doc, err := s.openDocument(path)
	if err != nil {
		return err
	}
	return s.closeDocument(logger, doc)
}

func (s *Session) closeDocument(logger jsonrpc.FunctionLogger, doc *DocumentState) error {
	key := documentKey(doc.Path)
	for _, id := range s.pending.CancelDocument(key) {
		s.sendCancel(id)
	}
	delete(s.parked, key)
	delete(s.completionCache, key)
	delete(s.documents, key)
	doc.Status = DocumentClosed

	err := s.sendNotification("textDocument/didClose", &lsp.DidCloseTextDocumentParams{
		TextDocument: lsp.TextDocumentIdentifier{URI: doc.URI},
	})
	if err == nil {
		logger.Logf("Closed %s", doc.Path)
	}
	return err
}

// IsDocumentOpen returns true if path has been opened in the session.
func (s *Session) IsDocumentOpen(path *paths.Path) bool {
	doc, ok := s.documents[documentKey(path)]
	return ok && doc.IsOpen()
}

// IsDocumentParsed returns true if the server published diagnostics for path.
func (s *Session) IsDocumentParsed(path *paths.Path) bool {
	doc, ok := s.documents[documentKey(path)]
	return ok && doc.IsOpen() && doc.IsParsed
}

// Document returns the state of the document at path, or nil.
func (s *Session) Document(path *paths.Path) *DocumentState {
	return s.documents[documentKey(path)]
}

// Diagnostics returns the last diagnostics published for path.
func (s *Session) Diagnostics(path *paths.Path) []lsp.Diagnostic {
	if doc := s.Document(path); doc != nil {
		return doc.Diagnostics
	}
	return nil
}

// OpenDocuments returns the paths of the open documents, sorted.
func (s *Session) OpenDocuments() paths.PathList {
	res := paths.PathList{}
	for _, doc := range s.sortedDocuments() {
		if doc.IsOpen() {
			res = append(res, doc.Path)
		}
	}
	return res
}

// DocumentSnapshot is the content of an open document.
type DocumentSnapshot struct {
	Path *paths.Path
	Text string
}

// Snapshot returns the content of all the open documents, so that they can
// be reopened in a new session.
func (s *Session) Snapshot() []DocumentSnapshot {
	res := []DocumentSnapshot{}
	for _, doc := range s.sortedDocuments() {
		if doc.IsOpen() && !doc.Background {
			res = append(res, DocumentSnapshot{Path: doc.Path, Text: doc.Text})
		}
	}
	return res
}
