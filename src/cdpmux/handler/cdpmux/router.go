package cdpmux

import (
	"context"
	"strings"

	"github.com/gofrs/uuid"
	tally "github.com/uber-go/tally/v4"
	"github.com/uber/cdpmux/src/cdpmux/controller/multiplexer"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/zap"
)

// Methods served by the daemon itself. Any other method is forwarded to the browser.
const (
	MethodCall      = "cdpmux/call"
	MethodSubscribe = "cdpmux/subscribe"
	MethodStatus    = "cdpmux/status"
	MethodSession   = "cdpmux/session"

	_namespace = "cdpmux/"
)

type jsonRPCRouter struct {
	ctrl   multiplexer.Controller
	conn   *connection
	uuid   uuid.UUID
	logger *zap.SugaredLogger
	stats  tally.Scope
}

// HandleReq handles routing for a single request.
// It runs on the connection's read loop, so browser calls are answered from their own goroutines.
func (r *jsonRPCRouter) HandleReq(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	switch method := req.Method(); method {
	case MethodStatus:
		return r.Status(r.conn.ctx, reply, req)

	case MethodSession:
		return r.Session(r.conn.ctx, reply, req)

	case MethodSubscribe:
		return r.Subscribe(r.conn.ctx, reply, req)

	case MethodCall:
		return r.Call(r.conn.ctx, reply, req)

	default:
		if strings.HasPrefix(method, _namespace) {
			return jsonrpc2.MethodNotFoundHandler(ctx, reply, req)
		}
		return r.Forward(r.conn.ctx, reply, req)
	}
}

func (r *jsonRPCRouter) UUID() uuid.UUID {
	return r.uuid
}
