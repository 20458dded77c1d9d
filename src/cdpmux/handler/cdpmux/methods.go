package cdpmux

import (
	"context"

	"github.com/uber/cdpmux/src/cdpmux/entity"
	"github.com/uber/cdpmux/src/cdpmux/internal/errors"
	"github.com/uber/cdpmux/src/cdpmux/mapper"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/zap"
)

// Forward sends the request to the browser unchanged, with the default timeout.
// Every method resolves its caller from the connection context.
func (r *jsonRPCRouter) Forward(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	caller, err := mapper.ContextToCallerID(ctx)
	if err != nil {
		return reply(ctx, nil, mapper.ToJSONRPCError(err))
	}

	r.stats.Counter("forwards").Inc(1)
	r.submit(ctx, reply, mapper.RequestToForward(caller, req))
	return nil
}

// Call sends an explicitly described call to the browser.
func (r *jsonRPCRouter) Call(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	caller, err := mapper.ContextToCallerID(ctx)
	if err != nil {
		return reply(ctx, nil, mapper.ToJSONRPCError(err))
	}
	params, err := mapper.RequestToCallParams(req)
	if err != nil {
		return reply(ctx, nil, mapper.ToJSONRPCError(err))
	}

	r.stats.Counter("calls").Inc(1)
	r.submit(ctx, reply, mapper.CallParamsToRequest(caller, mapper.RequestToLocalID(req), params))
	return nil
}

// Subscribe replaces the caller's event filter.
func (r *jsonRPCRouter) Subscribe(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	caller, err := mapper.ContextToCallerID(ctx)
	if err != nil {
		return reply(ctx, nil, mapper.ToJSONRPCError(err))
	}
	params, err := mapper.RequestToSubscribeParams(req)
	if err != nil {
		return reply(ctx, nil, mapper.ToJSONRPCError(err))
	}

	err = r.ctrl.Subscribe(ctx, caller, params.Patterns)
	return reply(ctx, nil, mapper.ToJSONRPCError(err))
}

// Status returns the aggregate multiplexer status.
func (r *jsonRPCRouter) Status(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	return reply(ctx, r.ctrl.Status(ctx), nil)
}

// Session returns the statistics of the calling connection's own session.
func (r *jsonRPCRouter) Session(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	caller, err := mapper.ContextToCallerID(ctx)
	if err != nil {
		return reply(ctx, nil, mapper.ToJSONRPCError(err))
	}
	stats, err := r.ctrl.SessionStats(ctx, caller)
	if err != nil {
		return reply(ctx, nil, mapper.ToJSONRPCError(err))
	}
	return reply(ctx, stats, nil)
}

// submit runs the call on its own goroutine and replies when it completes.
// Notifications are executed but never answered.
func (r *jsonRPCRouter) submit(ctx context.Context, reply jsonrpc2.Replier, req entity.Request) {
	r.conn.wg.Add(1)
	go func() {
		defer r.conn.wg.Done()

		sw := r.stats.Timer("call_latency").Start()
		resp, err := r.ctrl.Submit(ctx, req)
		sw.Stop()

		if err != nil {
			r.stats.Tagged(map[string]string{"kind": errors.Kind(err)}).Counter("call_failures").Inc(1)
			r.logger.Debugw("call failed", "caller", req.CallerID, "id", req.LocalID, "method", req.Method, zap.Error(err))
		}
		if replyErr := reply(ctx, resp.Result, mapper.ToJSONRPCError(err)); replyErr != nil {
			r.logger.Debugw("reply not delivered", "caller", req.CallerID, "id", req.LocalID, zap.Error(replyErr))
		}
	}()
}
