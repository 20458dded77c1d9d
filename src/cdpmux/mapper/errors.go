package mapper

import (
	"context"
	stderr "errors"
	"net/http"

	"github.com/uber/cdpmux/src/cdpmux/internal/errors"
	"go.lsp.dev/jsonrpc2"
)

// JSON-RPC codes reported for failures that did not originate in the browser.
const (
	CodeTimeout        jsonrpc2.Code = -32001
	CodeConnectionLost jsonrpc2.Code = -32002
	CodeCanceled       jsonrpc2.Code = -32800
)

// ToJSONRPCError converts a call outcome into a wire error for a JSON-RPC caller.
// Browser errors keep the code and data the browser reported.
func ToJSONRPCError(err error) error {
	if err == nil {
		return nil
	}

	if re, ok := errors.AsRemote(err); ok {
		rpcErr := jsonrpc2.NewError(jsonrpc2.Code(re.Code), re.Message)
		if len(re.Data) > 0 {
			data := re.Data
			rpcErr.Data = &data
		}
		return rpcErr
	}

	_, notFound := errors.NotFoundCaller(err)
	switch {
	case errors.IsTimeout(err):
		return jsonrpc2.NewError(CodeTimeout, err.Error())
	case errors.IsConnectionLost(err):
		return jsonrpc2.NewError(CodeConnectionLost, err.Error())
	case stderr.Is(err, context.Canceled):
		return jsonrpc2.NewError(CodeCanceled, err.Error())
	case errors.IsBadRequest(err), notFound:
		return jsonrpc2.NewError(jsonrpc2.InvalidParams, err.Error())
	}
	return jsonrpc2.NewError(jsonrpc2.InternalError, err.Error())
}

// ToHTTPStatus selects the response status for a call outcome.
func ToHTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}

	_, notFound := errors.NotFoundCaller(err)
	switch {
	case errors.IsBadRequest(err):
		return http.StatusBadRequest
	case notFound:
		return http.StatusNotFound
	case errors.IsTimeout(err):
		return http.StatusGatewayTimeout
	case errors.IsConnectionLost(err):
		return http.StatusServiceUnavailable
	case stderr.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	}
	if _, ok := errors.AsRemote(err); ok {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
