package transport

import (
	stdjson "encoding/json"

	"github.com/sourcegraph/jsonrpc2"
	"go.bug.st/json"
	"go.bug.st/lsp/jsonrpc"
)

// NewRequest builds a request envelope. Params are encoded with go.bug.st/json
// so that LSP structures keep their wire representation.
func NewRequest(id jsonrpc2.ID, method string, params interface{}) (*jsonrpc2.Request, error) {
	req := &jsonrpc2.Request{ID: id, Method: method}
	if err := setParams(req, params); err != nil {
		return nil, err
	}
	return req, nil
}

// NewNotification builds a notification envelope.
func NewNotification(method string, params interface{}) (*jsonrpc2.Request, error) {
	req := &jsonrpc2.Request{Method: method, Notif: true}
	if err := setParams(req, params); err != nil {
		return nil, err
	}
	return req, nil
}

// NewResultResponse builds a successful response. A nil result is sent as JSON null.
func NewResultResponse(id jsonrpc2.ID, result interface{}) (*jsonrpc2.Response, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	raw := stdjson.RawMessage(data)
	return &jsonrpc2.Response{ID: id, Result: &raw}, nil
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id jsonrpc2.ID, respErr *jsonrpc.ResponseError) *jsonrpc2.Response {
	return &jsonrpc2.Response{
		ID: id,
		Error: &jsonrpc2.Error{
			Code:    int64(respErr.Code),
			Message: respErr.Message,
		},
	}
}

// NumericID returns the JSON-RPC id for a numeric request id.
func NumericID(id int64) jsonrpc2.ID {
	return jsonrpc2.ID{Num: uint64(id)}
}

func setParams(req *jsonrpc2.Request, params interface{}) error {
	if params == nil {
		return nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	raw := stdjson.RawMessage(data)
	req.Params = &raw
	return nil
}
