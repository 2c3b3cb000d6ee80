package ls

import (
	"go.bug.st/json"
)

// RequestID identifies a request sent to the language server. Ids are never
// reused within a session.
type RequestID int64

// Continuation is invoked once with the result of a request, or with the
// error that the server answered.
type Continuation func(result json.RawMessage, err error)

type pendingRequest struct {
	method   string
	document string
	cont     Continuation
}

// PendingRequestTable keeps the continuations waiting for a server response.
// It is not safe for concurrent use: it is owned by the session event loop.
type PendingRequestTable struct {
	requests map[RequestID]*pendingRequest
}

// NewPendingRequestTable creates an empty table.
func NewPendingRequestTable() *PendingRequestTable {
	return &PendingRequestTable{
		requests: map[RequestID]*pendingRequest{},
	}
}

// Register adds a continuation for id. document is the path of the document
// the request is bound to, or "" for requests that span the whole project.
// Registering the same id twice is a programming error and panics.
func (t *PendingRequestTable) Register(id RequestID, method, document string, cont Continuation) {
	if _, exists := t.requests[id]; exists {
		panic(&DuplicateIDError{ID: id})
	}
	t.requests[id] = &pendingRequest{method: method, document: document, cont: cont}
}

// Resolve removes the entry for id and then invokes its continuation.
// It returns false if nobody was waiting for id.
func (t *PendingRequestTable) Resolve(id RequestID, result json.RawMessage, err error) bool {
	req, ok := t.requests[id]
	if !ok {
		return false
	}
	delete(t.requests, id)
	if req.cont != nil {
		req.cont(result, err)
	}
	return true
}

// Cancel removes the entry for id without invoking it.
func (t *PendingRequestTable) Cancel(id RequestID) bool {
	if _, ok := t.requests[id]; !ok {
		return false
	}
	delete(t.requests, id)
	return true
}

// CancelDocument removes, without invoking them, all the requests bound to
// document and returns their ids.
func (t *PendingRequestTable) CancelDocument(document string) []RequestID {
	res := []RequestID{}
	for id, req := range t.requests {
		if document != "" && req.document == document {
			res = append(res, id)
		}
	}
	for _, id := range res {
		delete(t.requests, id)
	}
	return res
}

// CancelAll discards every pending continuation and returns how many were dropped.
func (t *PendingRequestTable) CancelAll() int {
	n := len(t.requests)
	t.requests = map[RequestID]*pendingRequest{}
	return n
}

// Method returns the method of the pending request id.
func (t *PendingRequestTable) Method(id RequestID) (string, bool) {
	if req, ok := t.requests[id]; ok {
		return req.method, true
	}
	return "", false
}

// Len returns the number of pending requests.
func (t *PendingRequestTable) Len() int {
	return len(t.requests)
}

// CountDocument returns the number of pending requests bound to document.
func (t *PendingRequestTable) CountDocument(document string) int {
	n := 0
	for _, req := range t.requests {
		if req.document == document {
			n++
		}
	}
	return n
}
