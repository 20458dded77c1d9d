// Package cdptest provides an in-process browser that speaks the remote debugging protocol for tests.
package cdptest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/uber/cdpmux/src/cdpmux/internal/protocol"
	"go.uber.org/multierr"
)

const (
	// Product is reported by /json/version and Browser.getVersion.
	Product = "HeadlessChrome/120.0.0.0"

	_wsPath = "/devtools/browser/cdptest"
)

// HandlerFunc produces the result or error for one command.
type HandlerFunc func(params json.RawMessage) (json.RawMessage, *protocol.Error)

// ErrorHandler always answers with the given error.
func ErrorHandler(code int64, message string) HandlerFunc {
	return func(json.RawMessage) (json.RawMessage, *protocol.Error) {
		return nil, &protocol.Error{Code: code, Message: message}
	}
}

// Browser is a fake browser served over httptest.
// Commands without a registered handler echo their params back as {"method":..., "params":...}.
type Browser struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    map[*peer]struct{}
	handlers map[string]HandlerFunc
	stalls   map[string]time.Duration
	silent   map[string]bool
	closed   bool

	versionDown atomic.Bool
	received    atomic.Int64
	dials       atomic.Int64

	closing chan struct{}
	wg      sync.WaitGroup
}

type peer struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (p *peer) write(frame []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.ws.WriteMessage(websocket.TextMessage, frame)
}

// NewBrowser starts a fake browser. Call Close when done.
func NewBrowser() *Browser {
	b := &Browser{
		conns:    make(map[*peer]struct{}),
		handlers: make(map[string]HandlerFunc),
		stalls:   make(map[string]time.Duration),
		silent:   make(map[string]bool),
		closing:  make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", b.serveVersion)
	mux.HandleFunc(_wsPath, b.serveWebsocket)
	b.server = httptest.NewServer(mux)
	return b
}

// Endpoint returns the HTTP address of the remote debugging endpoint.
func (b *Browser) Endpoint() string {
	return b.server.URL
}

// WebsocketURL returns the address advertised by /json/version.
func (b *Browser) WebsocketURL() string {
	return "ws://" + strings.TrimPrefix(b.server.URL, "http://") + _wsPath
}

// Handle registers the handler for a method.
func (b *Browser) Handle(method string, fn HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[method] = fn
}

// Stall delays every reply to method by d.
func (b *Browser) Stall(method string, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stalls[method] = d
}

// Ignore makes the browser never reply to method.
func (b *Browser) Ignore(method string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.silent[method] = true
}

// SetVersionAvailable makes /json/version succeed or fail.
func (b *Browser) SetVersionAvailable(ok bool) {
	b.versionDown.Store(!ok)
}

// Received returns the number of commands read from all connections.
func (b *Browser) Received() int64 {
	return b.received.Load()
}

// Dials returns the number of websocket connections accepted.
func (b *Browser) Dials() int64 {
	return b.dials.Load()
}

// Connections returns the number of open websocket connections.
func (b *Browser) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Emit sends an event to every connected client.
func (b *Browser) Emit(method string, params interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(map[string]interface{}{"method": method, "params": json.RawMessage(raw)})
	if err != nil {
		return err
	}
	return b.SendRaw(frame)
}

// SendRaw writes frame verbatim to every connected client.
func (b *Browser) SendRaw(frame []byte) error {
	var err error
	for _, p := range b.peers() {
		err = multierr.Append(err, p.write(frame))
	}
	return err
}

// DropConnections closes every websocket without a close handshake.
func (b *Browser) DropConnections() {
	for _, p := range b.peers() {
		p.ws.UnderlyingConn().Close()
	}
}

// Close shuts the browser down and waits for every handler to return.
func (b *Browser) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	close(b.closing)
	b.DropConnections()
	b.server.Close()
	b.wg.Wait()
}

// track registers a goroutine that Close must wait for. It fails once the browser is closing.
func (b *Browser) track() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.wg.Add(1)
	return true
}

func (b *Browser) peers() []*peer {
	b.mu.Lock()
	defer b.mu.Unlock()
	peers := make([]*peer, 0, len(b.conns))
	for p := range b.conns {
		peers = append(peers, p)
	}
	return peers
}

func (b *Browser) serveVersion(w http.ResponseWriter, r *http.Request) {
	if b.versionDown.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"Browser":              Product,
		"Protocol-Version":     "1.3",
		"User-Agent":           "Mozilla/5.0 " + Product,
		"webSocketDebuggerUrl": b.WebsocketURL(),
	})
}

func (b *Browser) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	if !b.track() {
		http.Error(w, "closing", http.StatusServiceUnavailable)
		return
	}
	defer b.wg.Done()

	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.dials.Add(1)

	p := &peer{ws: ws}
	b.mu.Lock()
	b.conns[p] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.conns, p)
		b.mu.Unlock()
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var req protocol.Request
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		b.received.Add(1)

		if !b.track() {
			return
		}
		go func() {
			defer b.wg.Done()
			b.reply(p, req)
		}()
	}
}

func (b *Browser) reply(p *peer, req protocol.Request) {
	b.mu.Lock()
	handler := b.handlers[req.Method]
	stall := b.stalls[req.Method]
	silent := b.silent[req.Method]
	b.mu.Unlock()

	if silent {
		return
	}
	if stall > 0 {
		select {
		case <-time.After(stall):
		case <-b.closing:
			return
		}
	}

	var (
		result json.RawMessage
		rpcErr *protocol.Error
	)
	switch {
	case handler != nil:
		result, rpcErr = handler(req.Params)
	case req.Method == "Browser.getVersion":
		result = json.RawMessage(fmt.Sprintf(`{"protocolVersion":"1.3","product":%q}`, Product))
	default:
		params := req.Params
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		result = json.RawMessage(fmt.Sprintf(`{"method":%q,"params":%s}`, req.Method, params))
	}

	resp := map[string]interface{}{"id": req.ID}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		if len(result) == 0 {
			result = json.RawMessage(`{}`)
		}
		resp["result"] = result
	}
	frame, err := json.Marshal(resp)
	if err != nil {
		return
	}
	p.write(frame)
}
