// Package cdpmux implements the JSON-RPC inbound: every stream connection is one caller of the multiplexer.
package cdpmux

import (
	"context"
	"fmt"
	"sync"

	"github.com/gofrs/uuid"
	tally "github.com/uber-go/tally/v4"
	"github.com/uber/cdpmux/src/cdpmux/controller/multiplexer"
	"github.com/uber/cdpmux/src/cdpmux/entity"
	"github.com/uber/cdpmux/src/cdpmux/internal/errors"
	"github.com/uber/cdpmux/src/cdpmux/internal/jsonrpcfx"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Handler tracks the caller connections served over JSON-RPC.
type Handler interface {
	jsonrpcfx.ConnectionManager

	// Connections returns the number of open caller connections.
	Connections() int
}

// Params define values to be used by the Handler.
type Params struct {
	fx.In

	Controller multiplexer.Controller
	JSONRPC    jsonrpcfx.JSONRPCModule
	Logger     *zap.SugaredLogger
	Stats      tally.Scope
}

type handler struct {
	ctrl   multiplexer.Controller
	logger *zap.SugaredLogger
	stats  tally.Scope

	mu    sync.Mutex
	conns map[uuid.UUID]*connection
}

// connection is the state of one caller's stream.
type connection struct {
	caller entity.CallerID
	conn   jsonrpc2.Conn
	ctx    context.Context
	cancel context.CancelFunc
	// wg covers the event pump and any calls still running for this connection.
	wg sync.WaitGroup
}

// New constructs the JSON-RPC handler and registers it with the inbound.
func New(p Params) (Handler, error) {
	h := &handler{
		ctrl:   p.Controller,
		logger: p.Logger,
		stats:  p.Stats.SubScope("json_rpc"),
		conns:  make(map[uuid.UUID]*connection),
	}
	if err := p.JSONRPC.RegisterConnectionManager(h); err != nil {
		return nil, err
	}
	return h, nil
}

// NewConnection opens an explicit session for the stream and starts delivering its events.
func (h *handler) NewConnection(ctx context.Context, conn jsonrpc2.Conn) (jsonrpcfx.Router, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("generating caller id: %w", err)
	}
	caller := entity.CallerID(id.String())

	if err := h.ctrl.Open(ctx, caller); err != nil {
		return nil, fmt.Errorf("error while creating new connection: %w", err)
	}
	events, err := h.ctrl.Events(ctx, caller)
	if err != nil {
		h.ctrl.Close(ctx, caller)
		return nil, fmt.Errorf("error while creating new connection: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.WithValue(ctx, entity.CallerContextKey, caller))
	c := &connection{
		caller: caller,
		conn:   conn,
		ctx:    connCtx,
		cancel: cancel,
	}

	h.mu.Lock()
	h.conns[id] = c
	h.stats.Gauge("connections").Update(float64(len(h.conns)))
	h.mu.Unlock()

	c.wg.Add(1)
	go h.pump(c, events)

	return &jsonRPCRouter{
		ctrl:   h.ctrl,
		conn:   c,
		uuid:   id,
		logger: h.logger,
		stats:  h.stats,
	}, nil
}

// RemoveConnection ends the caller's session. Calls still running are canceled.
func (h *handler) RemoveConnection(ctx context.Context, id uuid.UUID) {
	h.mu.Lock()
	c, ok := h.conns[id]
	delete(h.conns, id)
	h.stats.Gauge("connections").Update(float64(len(h.conns)))
	h.mu.Unlock()
	if !ok {
		return
	}

	c.cancel()
	if err := h.ctrl.Close(context.Background(), c.caller); err != nil && !errors.IsNotFound(err) {
		h.logger.Warnw("closing caller session", "caller", c.caller, zap.Error(err))
	}
	c.wg.Wait()
}

func (h *handler) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// pump forwards the caller's events as notifications until the session or the stream ends.
func (h *handler) pump(c *connection, events <-chan entity.Event) {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := c.conn.Notify(c.ctx, ev.Method, ev.Params); err != nil {
				h.stats.Counter("notify_failures").Inc(1)
				h.logger.Debugw("event notification failed", "caller", c.caller, "method", ev.Method, zap.Error(err))
				continue
			}
			h.stats.Counter("notifications").Inc(1)
		}
	}
}
