package mapper

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uber/cdpmux/src/cdpmux/entity"
	"github.com/uber/cdpmux/src/cdpmux/internal/errors"
	"go.lsp.dev/jsonrpc2"
)

// RequestToLocalID returns the caller-local id of a JSON-RPC request. Notifications have none.
func RequestToLocalID(req jsonrpc2.Request) string {
	call, ok := req.(*jsonrpc2.Call)
	if !ok {
		return ""
	}
	return fmt.Sprint(call.ID())
}

// RequestToForward builds a call that forwards a JSON-RPC request to the browser as-is.
func RequestToForward(callerID entity.CallerID, req jsonrpc2.Request) entity.Request {
	var params json.RawMessage
	if p := req.Params(); len(p) > 0 && string(p) != "null" {
		params = json.RawMessage(p)
	}
	return entity.Request{
		CallerID: callerID,
		LocalID:  RequestToLocalID(req),
		Method:   req.Method(),
		Params:   params,
	}
}

// RequestToCallParams decodes explicit call parameters from a JSON-RPC request.
func RequestToCallParams(req jsonrpc2.Request) (entity.CallParams, error) {
	var params entity.CallParams
	if err := unmarshalParams(req.Params(), &params); err != nil {
		return entity.CallParams{}, err
	}
	if params.Method == "" {
		return entity.CallParams{}, errors.NoMethodError
	}
	return params, nil
}

// RequestToSubscribeParams decodes subscription parameters from a JSON-RPC request.
func RequestToSubscribeParams(req jsonrpc2.Request) (entity.SubscribeParams, error) {
	var params entity.SubscribeParams
	if err := unmarshalParams(req.Params(), &params); err != nil {
		return entity.SubscribeParams{}, err
	}
	return params, nil
}

// CallParamsToRequest builds the multiplexer request for explicit call parameters.
func CallParamsToRequest(callerID entity.CallerID, localID string, p entity.CallParams) entity.Request {
	return entity.Request{
		CallerID: callerID,
		LocalID:  localID,
		Method:   p.Method,
		Params:   p.Params,
		Timeout:  time.Duration(p.TimeoutMs) * time.Millisecond,
	}
}

func unmarshalParams(raw []byte, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", errors.InvalidParamsError, err)
	}
	return nil
}
