package browser

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	tally "github.com/uber-go/tally/v4"
	"github.com/uber/cdpmux/src/cdpmux/entity"
	"github.com/uber/cdpmux/src/cdpmux/internal/errors"
	"github.com/uber/cdpmux/src/cdpmux/internal/protocol"
	"go.uber.org/zap"
)

// EventSink receives every event read from a Connection. It must not block.
type EventSink func(entity.Event)

type outcome struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	id        int64
	method    string
	submitted time.Time
	// done is buffered so that whoever removes the call from the table can resolve it without blocking.
	done chan outcome
}

// Connection is one live websocket to the browser.
// Writes are serialized; reads happen on a single goroutine that runs for the lifetime of the socket.
type Connection struct {
	ws           *websocket.Conn
	generation   uint64
	writeTimeout time.Duration
	sink         EventSink

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]*pendingCall
	closed  bool
	cause   error
	failed  int

	done chan struct{}

	clock  clock.Clock
	logger *zap.SugaredLogger
	stats  tally.Scope
}

type connectionOptions struct {
	generation   uint64
	writeTimeout time.Duration
	sink         EventSink
	clock        clock.Clock
	logger       *zap.SugaredLogger
	stats        tally.Scope
}

func newConnection(ws *websocket.Conn, opts connectionOptions) *Connection {
	c := &Connection{
		ws:           ws,
		generation:   opts.generation,
		writeTimeout: opts.writeTimeout,
		sink:         opts.sink,
		pending:      make(map[int64]*pendingCall),
		done:         make(chan struct{}),
		clock:        opts.clock,
		logger:       opts.logger.With("generation", opts.generation),
		stats:        opts.stats,
	}
	go c.readLoop()
	return c
}

// Generation identifies this connection instance among all connections made by the process.
func (c *Connection) Generation() uint64 {
	return c.generation
}

// Done is closed once the connection is closed and its reader has exited.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection was closed, or nil while it is open.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// Pending returns the number of outstanding calls.
func (c *Connection) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// FailedOnClose returns the number of outstanding calls that were failed when the connection closed.
func (c *Connection) FailedOnClose() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

// Do sends one command with the given internal id and waits for its reply.
// It returns ctx.Err() if ctx ends first. Nothing is sent to the browser in that case.
func (c *Connection) Do(ctx context.Context, id int64, method string, params json.RawMessage) (json.RawMessage, error) {
	frame, err := protocol.Encode(method, params, id)
	if err != nil {
		return nil, err
	}

	call := &pendingCall{
		id:        id,
		method:    method,
		submitted: c.clock.Now(),
		done:      make(chan outcome, 1),
	}
	if err := c.register(call); err != nil {
		return nil, err
	}

	if err := c.write(frame); err != nil {
		// The connection is unusable. Closing it resolves every pending call, including this one.
		c.stats.Counter("write_failures").Inc(1)
		c.Close(err)
	}

	select {
	case out := <-call.done:
		return out.result, out.err
	case <-ctx.Done():
		if c.remove(id) != nil {
			return nil, ctx.Err()
		}
		// Resolved concurrently. The outcome is already buffered.
		out := <-call.done
		return out.result, out.err
	}
}

// Close fails every outstanding call with a ConnectionLostError and closes the socket.
// Only the first call has an effect.
func (c *Connection) Close(cause error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if cause == nil {
		cause = errors.ErrClosed
	}
	c.cause = cause
	c.failed = len(c.pending)
	pending := c.pending
	c.pending = make(map[int64]*pendingCall)
	c.mu.Unlock()

	for _, call := range pending {
		call.done <- outcome{err: &errors.ConnectionLostError{Method: call.method, Cause: cause}}
	}
	if len(pending) > 0 {
		c.logger.Infow("failed outstanding calls", "count", len(pending), "cause", cause)
	}
	return c.ws.Close()
}

func (c *Connection) register(call *pendingCall) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return &errors.ConnectionLostError{Method: call.method, Cause: c.cause}
	}
	if _, ok := c.pending[call.id]; ok {
		return &errors.DuplicateIDError{ID: call.id}
	}
	c.pending[call.id] = call
	return nil
}

// remove takes a call out of the table. Only the remover may resolve it.
func (c *Connection) remove(id int64) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()

	call, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return call
}

func (c *Connection) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *Connection) readLoop() {
	defer close(c.done)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !isNormalClose(err) {
				c.logger.Debugw("read failed", "error", err)
			}
			c.Close(err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Connection) dispatch(data []byte) {
	msg := protocol.Decode(data)
	switch msg.Kind {
	case protocol.KindResponse:
		call := c.remove(msg.ID)
		if call == nil {
			c.stats.Counter("late_replies").Inc(1)
			c.logger.Debugw("discarding reply with no outstanding call", "id", msg.ID)
			return
		}
		c.stats.Timer("call_latency").Record(c.clock.Since(call.submitted))
		if msg.Error != nil {
			call.done <- outcome{err: &errors.RemoteError{
				Method:  call.method,
				Code:    msg.Error.Code,
				Message: msg.Error.Message,
				Data:    msg.Error.Data,
			}}
			return
		}
		call.done <- outcome{result: msg.Result}
	case protocol.KindEvent:
		c.stats.Counter("events").Inc(1)
		if c.sink != nil {
			c.sink(entity.Event{
				Method:    msg.Method,
				Params:    msg.Params,
				SessionID: msg.SessionID,
				Received:  c.clock.Now(),
			})
		}
	default:
		c.stats.Counter("malformed_messages").Inc(1)
		c.logger.Warnw("dropping malformed message", "error", &errors.MalformedMessageError{Reason: msg.Reason}, "size", len(data))
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.IsNetClosed(err)
}
