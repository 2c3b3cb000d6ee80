package ls

import (
	"time"

	"github.com/arduino/go-paths-helper"
	"github.com/pkg/errors"
	"go.bug.st/json"
	"go.bug.st/lsp"
	"go.bug.st/lsp/jsonrpc"
)

// request sends method to the server and registers cont to receive the
// response. Requests bound to a document (perDocument) are cancelled when the
// document is closed.
func (s *Session) request(logger jsonrpc.FunctionLogger, id RequestID, method string, doc *DocumentState, perDocument bool, params interface{}, cont Continuation) error {
	owner := ""
	if perDocument {
		owner = documentKey(doc.Path)
	}
	s.pending.Register(id, method, owner, func(result json.RawMessage, err error) {
		if err != nil {
			s.reportError(logger, err)
		}
		cont(result, err)
	})
	if err := s.send(id, method, params); err != nil {
		s.pending.Cancel(id)
		return err
	}
	return nil
}

func (s *Session) reportError(logger jsonrpc.FunctionLogger, err error) {
	var serverErr *ServerError
	if errors.As(err, &serverErr) && serverErr.Transient {
		logger.Logf("Ignored: %s", err)
		return
	}
	logger.Logf("Error: %s", err)
	s.host.ShowMessage(lsp.MessageTypeError, err.Error())
}

func decodeResult(result json.RawMessage, err error, target interface{}) error {
	if err != nil {
		return err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil
	}
	return errors.Wrap(json.Unmarshal(result, target), "decoding server response")
}

func positionParams(doc *DocumentState, pos lsp.Position) lsp.TextDocumentPositionParams {
	return lsp.TextDocumentPositionParams{
		TextDocument: lsp.TextDocumentIdentifier{URI: doc.URI},
		Position:     pos,
	}
}

// RequestHover asks for the hover information at pos. Hover does not need
// the document to be parsed.
func (s *Session) RequestHover(logger jsonrpc.FunctionLogger, path *paths.Path, pos lsp.Position, cb func(*lsp.Hover, error)) (RequestID, error) {
	doc, err := s.openDocument(path)
	if err != nil {
		return 0, err
	}
	id := nextRequestID()
	params := &lsp.HoverParams{TextDocumentPositionParams: positionParams(doc, pos)}
	return id, s.request(logger, id, "textDocument/hover", doc, true, params, func(result json.RawMessage, err error) {
		var hover *lsp.Hover
		err = decodeResult(result, err, &hover)
		cb(hover, err)
	})
}

// RequestSignatureHelp asks for the signature of the call at pos.
func (s *Session) RequestSignatureHelp(logger jsonrpc.FunctionLogger, path *paths.Path, pos lsp.Position, cb func(*lsp.SignatureHelp, error)) (RequestID, error) {
	doc, err := s.openDocument(path)
	if err != nil {
		return 0, err
	}
	id := nextRequestID()
	params := &lsp.SignatureHelpParams{TextDocumentPositionParams: positionParams(doc, pos)}
	return id, s.request(logger, id, "textDocument/signatureHelp", doc, true, params, func(result json.RawMessage, err error) {
		var help *lsp.SignatureHelp
		err = decodeResult(result, err, &help)
		cb(help, err)
	})
}

// locationOrLink decodes both Location and LocationLink.
type locationOrLink struct {
	URI                  *lsp.DocumentURI `json:"uri,omitempty"`
	Range                lsp.Range        `json:"range"`
	TargetURI            *lsp.DocumentURI `json:"targetUri,omitempty"`
	TargetSelectionRange lsp.Range        `json:"targetSelectionRange"`
}

func (l locationOrLink) location() lsp.Location {
	if l.TargetURI != nil {
		return lsp.Location{URI: *l.TargetURI, Range: l.TargetSelectionRange}
	}
	return lsp.Location{URI: *l.URI, Range: l.Range}
}

func decodeLocations(result json.RawMessage, err error) ([]lsp.Location, error) {
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return []lsp.Location{}, nil
	}
	var list []locationOrLink
	if result[0] == '{' {
		var single locationOrLink
		if err := json.Unmarshal(result, &single); err != nil {
			return nil, errors.Wrap(err, "decoding server response")
		}
		list = append(list, single)
	} else if err := json.Unmarshal(result, &list); err != nil {
		return nil, errors.Wrap(err, "decoding server response")
	}
	res := []lsp.Location{}
	for _, l := range list {
		if l.URI == nil && l.TargetURI == nil {
			continue
		}
		res = append(res, l.location())
	}
	return res, nil
}

func (s *Session) requestLocations(logger jsonrpc.FunctionLogger, method string, path *paths.Path, params func(doc *DocumentState) interface{}, cb func([]lsp.Location, error)) (RequestID, error) {
	doc, err := s.openDocument(path)
	if err != nil {
		return 0, err
	}
	id := nextRequestID()
	return id, s.request(logger, id, method, doc, false, params(doc), func(result json.RawMessage, err error) {
		cb(decodeLocations(result, err))
	})
}

// RequestDefinition asks where the symbol at pos is defined.
func (s *Session) RequestDefinition(logger jsonrpc.FunctionLogger, path *paths.Path, pos lsp.Position, cb func([]lsp.Location, error)) (RequestID, error) {
	return s.requestLocations(logger, "textDocument/definition", path, func(doc *DocumentState) interface{} {
		return &lsp.DefinitionParams{TextDocumentPositionParams: positionParams(doc, pos)}
	}, cb)
}

// RequestDeclaration asks where the symbol at pos is declared.
func (s *Session) RequestDeclaration(logger jsonrpc.FunctionLogger, path *paths.Path, pos lsp.Position, cb func([]lsp.Location, error)) (RequestID, error) {
	return s.requestLocations(logger, "textDocument/declaration", path, func(doc *DocumentState) interface{} {
		return positionParams(doc, pos)
	}, cb)
}

type referenceParams struct {
	lsp.TextDocumentPositionParams
	Context struct {
		IncludeDeclaration bool `json:"includeDeclaration"`
	} `json:"context"`
}

// RequestReferences looks for all the references to the symbol at pos. The
// request survives the close of the document.
func (s *Session) RequestReferences(logger jsonrpc.FunctionLogger, path *paths.Path, pos lsp.Position, includeDeclaration bool, cb func([]lsp.Location, error)) (RequestID, error) {
	return s.requestLocations(logger, "textDocument/references", path, func(doc *DocumentState) interface{} {
		params := &referenceParams{TextDocumentPositionParams: positionParams(doc, pos)}
		params.Context.IncludeDeclaration = includeDeclaration
		return params
	}, cb)
}

// RequestRename computes the edits needed to rename the symbol at pos.
func (s *Session) RequestRename(logger jsonrpc.FunctionLogger, path *paths.Path, pos lsp.Position, newName string, cb func(*lsp.WorkspaceEdit, error)) (RequestID, error) {
	doc, err := s.openDocument(path)
	if err != nil {
		return 0, err
	}
	id := nextRequestID()
	params := &lsp.RenameParams{TextDocumentPositionParams: positionParams(doc, pos), NewName: newName}
	return id, s.request(logger, id, "textDocument/rename", doc, false, params, func(result json.RawMessage, err error) {
		var edit *lsp.WorkspaceEdit
		err = decodeResult(result, err, &edit)
		cb(edit, err)
	})
}

// RequestDocumentSymbol asks for the outline of the document. A document
// opened with OpenBackground is closed as soon as the symbols arrive.
func (s *Session) RequestDocumentSymbol(logger jsonrpc.FunctionLogger, path *paths.Path, cb func([]lsp.DocumentSymbol, error)) (RequestID, error) {
	doc, err := s.openDocument(path)
	if err != nil {
		return 0, err
	}
	id := nextRequestID()
	params := &lsp.DocumentSymbolParams{TextDocument: lsp.TextDocumentIdentifier{URI: doc.URI}}
	return id, s.request(logger, id, "textDocument/documentSymbol", doc, true, params, func(result json.RawMessage, err error) {
		symbols := []lsp.DocumentSymbol{}
		if err = decodeResult(result, err, &symbols); err == nil {
			doc.HasSymbols = true
			doc.publishSymbols(symbols)
		}
		cb(symbols, err)
		if err == nil && doc.IsOpen() && doc.Background {
			if err := s.closeDocument(logger, doc); err != nil {
				logger.Logf("Error closing %s: %s", doc.Path, err)
			}
		}
	})
}

// RequestSemanticTokens asks for the semantic highlighting of the whole
// document. Tokens are decoded with the legend negotiated at initialize.
func (s *Session) RequestSemanticTokens(logger jsonrpc.FunctionLogger, path *paths.Path, cb func([]SemanticToken, error)) (RequestID, error) {
	doc, err := s.openDocument(path)
	if err != nil {
		return 0, err
	}
	id := nextRequestID()
	params := map[string]interface{}{"textDocument": lsp.TextDocumentIdentifier{URI: doc.URI}}
	return id, s.request(logger, id, "textDocument/semanticTokens/full", doc, true, params, func(result json.RawMessage, err error) {
		var tokens struct {
			Data []int `json:"data"`
		}
		if err = decodeResult(result, err, &tokens); err != nil {
			cb(nil, err)
			return
		}
		cb(DecodeSemanticTokens(tokens.Data, s.legend), nil)
	})
}

type completionCacheEntry struct {
	prefix string
	line   int
	list   *lsp.CompletionList
}

type parkedCompletion struct {
	id      RequestID
	pos     lsp.Position
	prefix  string
	cb      func(*lsp.CompletionList, error)
	logger  jsonrpc.FunctionLogger
	retries int
}

// RequestCompletion asks for the completions at pos, where prefix is the
// partial identifier being typed. The request is served from cache when the
// prefix did not change, and it is held back until the buffer has been idle
// for the configured delay: a newer request replaces a held back one, which
// receives an empty list.
func (s *Session) RequestCompletion(logger jsonrpc.FunctionLogger, path *paths.Path, pos lsp.Position, prefix string, cb func(*lsp.CompletionList, error)) (RequestID, error) {
	doc, err := s.openDocument(path)
	if err != nil {
		return 0, err
	}
	key := documentKey(path)
	id := nextRequestID()

	if cached, ok := s.completionCache[key]; ok {
		if cached.prefix == prefix && cached.line == pos.Line {
			logger.Logf("Completion for %q served from cache", prefix)
			list := cached.list
			s.scheduler.Post(func() { cb(list, nil) })
			return id, nil
		}
		delete(s.completionCache, key)
	}

	if old, ok := s.parked[key]; ok {
		delete(s.parked, key)
		old.cb(&lsp.CompletionList{IsIncomplete: true, Items: []lsp.CompletionItem{}}, nil)
	}
	p := &parkedCompletion{id: id, pos: pos, prefix: prefix, cb: cb, logger: logger}
	if wait := s.completionWait(doc); wait > 0 {
		s.parked[key] = p
		s.scheduler.After(wait, func() { s.retryCompletion(key, p) })
		return id, nil
	}
	return id, s.sendCompletion(doc, p)
}

// completionWait returns how long the document must still stay idle before
// a completion request can be sent.
func (s *Session) completionWait(doc *DocumentState) time.Duration {
	delay := s.conf.Completion.Delay.Std()
	elapsed := time.Duration(s.nowMillis()-doc.LastModifiedAtMillis) * time.Millisecond
	if elapsed >= delay {
		return 0
	}
	return delay - elapsed
}

func (s *Session) retryCompletion(key string, p *parkedCompletion) {
	if s.parked[key] != p {
		// superseded, cancelled or session gone
		return
	}
	doc, ok := s.documents[key]
	if !ok || !doc.IsOpen() || s.state != SessionReady {
		delete(s.parked, key)
		return
	}
	if wait := s.completionWait(doc); wait > 0 && p.retries < s.conf.Completion.MaxRetries {
		p.retries++
		s.scheduler.After(wait, func() { s.retryCompletion(key, p) })
		return
	}
	delete(s.parked, key)
	if err := s.sendCompletion(doc, p); err != nil {
		p.cb(nil, err)
	}
}

func (s *Session) sendCompletion(doc *DocumentState, p *parkedCompletion) error {
	key := documentKey(doc.Path)
	params := &lsp.CompletionParams{TextDocumentPositionParams: positionParams(doc, p.pos)}
	return s.request(p.logger, p.id, "textDocument/completion", doc, true, params, func(result json.RawMessage, err error) {
		list, err := decodeCompletion(result, err)
		if err != nil {
			p.cb(nil, err)
			return
		}
		s.completionCache[key] = &completionCacheEntry{prefix: p.prefix, line: p.pos.Line, list: list}
		p.cb(list, nil)
	})
}

func decodeCompletion(result json.RawMessage, err error) (*lsp.CompletionList, error) {
	if err != nil {
		return nil, err
	}
	list := &lsp.CompletionList{Items: []lsp.CompletionItem{}}
	if len(result) == 0 || string(result) == "null" {
		return list, nil
	}
	if result[0] == '[' {
		if err := json.Unmarshal(result, &list.Items); err != nil {
			return nil, errors.Wrap(err, "decoding server response")
		}
		return list, nil
	}
	if err := json.Unmarshal(result, list); err != nil {
		return nil, errors.Wrap(err, "decoding server response")
	}
	return list, nil
}
