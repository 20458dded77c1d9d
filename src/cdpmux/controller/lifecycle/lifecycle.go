// Package lifecycle owns the browser connection: it connects on demand, watches the live connection, and reconnects
// with exponential backoff when it fails.
package lifecycle

//go:generate mockgen -source=lifecycle.go -destination=lifecyclemock/lifecycle_mock.go -package=lifecyclemock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	tally "github.com/uber-go/tally/v4"
	"github.com/uber/cdpmux/src/cdpmux/entity"
	"github.com/uber/cdpmux/src/cdpmux/gateway/browser"
	"github.com/uber/cdpmux/src/cdpmux/internal/errors"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const _probeMethod = "Browser.getVersion"

// Module provides the connection lifecycle manager into an Fx application.
var Module = fx.Provide(
	New,
	func(m Manager) browser.ConnectionSource { return m },
)

// StateChange describes one transition of the connection state machine.
type StateChange struct {
	From  entity.ConnectionState
	To    entity.ConnectionState
	Info  entity.ConnectionInfo
	Cause error
	// Lost is the number of outstanding calls failed because the connection left Ready.
	Lost int
}

// StateListener is notified synchronously of every transition. It must not block.
type StateListener func(StateChange)

// Manager supplies the live browser connection and keeps it alive.
type Manager interface {
	browser.ConnectionSource

	// Current returns the Ready connection, or nil.
	Current() *browser.Connection
	// Info describes the connection for status reporting.
	Info() entity.ConnectionInfo
	// SetEventSink registers the receiver of browser events. Only one sink may be registered.
	SetEventSink(sink browser.EventSink) error
	// AddStateListener registers a listener for state transitions.
	AddStateListener(l StateListener)

	OnStart(ctx context.Context) error
	OnStop(ctx context.Context) error
}

// Params define values to be used by the Manager.
type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Dialer    browser.Dialer
	IDs       *browser.IDGenerator
	Clock     clock.Clock
	Logger    *zap.SugaredLogger
	Stats     tally.Scope
}

type manager struct {
	cfg    browser.Config
	dialer browser.Dialer
	ids    *browser.IDGenerator
	clock  clock.Clock
	logger *zap.SugaredLogger
	stats  tally.Scope

	mu        sync.Mutex
	state     entity.ConnectionState
	conn      *browser.Connection
	info      entity.ConnectionInfo
	readyCh   chan struct{}
	listeners []StateListener

	sinkMu sync.RWMutex
	sink   browser.EventSink

	demand   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a Manager and registers it with the Fx lifecycle.
func New(p Params) (Manager, error) {
	if p.Dialer == nil || p.IDs == nil {
		return nil, errors.New("required parameters are missing")
	}

	m := newManager(p.Dialer, p.IDs, p.Clock, p.Logger, p.Stats.SubScope("lifecycle"))
	if p.Lifecycle != nil {
		p.Lifecycle.Append(fx.Hook{
			OnStart: m.OnStart,
			OnStop:  m.OnStop,
		})
	}
	return m, nil
}

func newManager(d browser.Dialer, ids *browser.IDGenerator, clk clock.Clock, logger *zap.SugaredLogger, stats tally.Scope) *manager {
	cfg := d.Config()
	return &manager{
		cfg:     cfg,
		dialer:  d,
		ids:     ids,
		clock:   clk,
		logger:  logger,
		stats:   stats,
		state:   entity.StateDisconnected,
		info:    entity.ConnectionInfo{Endpoint: cfg.Endpoint, State: entity.StateDisconnected},
		readyCh: make(chan struct{}),
		demand:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// OnStart launches the supervisor. With connectOnStart the first connection attempt begins immediately.
func (m *manager) OnStart(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go m.run(runCtx)

	if m.cfg.ConnectOnStart {
		m.requestConnect()
	}
	m.logger.Infow("browser connection manager started", "endpoint", m.cfg.Endpoint, "connectOnStart", m.cfg.ConnectOnStart)
	return nil
}

// OnStop stops the supervisor and closes the live connection.
func (m *manager) OnStop(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	if m.cancel == nil {
		return nil
	}
	m.cancel()

	var err error
	select {
	case <-m.done:
	case <-ctx.Done():
		err = multierr.Append(err, fmt.Errorf("waiting for connection supervisor: %w", ctx.Err()))
	}

	// The supervisor closes the connection on exit. This covers a supervisor that did not finish in time.
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn != nil {
		err = multierr.Append(err, conn.Close(errors.ErrClosed))
	}
	return err
}

func (m *manager) Acquire(ctx context.Context) (*browser.Connection, error) {
	for {
		m.mu.Lock()
		if m.state == entity.StateReady && m.conn != nil {
			conn := m.conn
			m.mu.Unlock()
			return conn, nil
		}
		ready := m.readyCh
		m.mu.Unlock()

		m.requestConnect()
		select {
		case <-ready:
		case <-m.stopCh:
			return nil, errors.ErrClosed
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", errors.ErrNotReady, ctx.Err())
		}
	}
}

func (m *manager) Current() *browser.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != entity.StateReady {
		return nil
	}
	return m.conn
}

func (m *manager) Info() entity.ConnectionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

func (m *manager) SetEventSink(sink browser.EventSink) error {
	m.sinkMu.Lock()
	defer m.sinkMu.Unlock()
	if m.sink != nil {
		return errors.New("cannot register a duplicate event sink")
	}
	m.sink = sink
	return nil
}

func (m *manager) AddStateListener(l StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// requestConnect records demand for a connection without blocking.
func (m *manager) requestConnect() {
	select {
	case m.demand <- struct{}{}:
	default:
	}
}

func (m *manager) dispatch(ev entity.Event) {
	m.sinkMu.RLock()
	sink := m.sink
	m.sinkMu.RUnlock()
	if sink != nil {
		sink(ev)
	}
}

// run is the supervisor loop. It is the only writer of the connection state.
func (m *manager) run(ctx context.Context) {
	defer close(m.done)

	backoff := m.cfg.MinBackoff
	retry := false
	for {
		if !retry {
			select {
			case <-m.demand:
			case <-ctx.Done():
				return
			}
		}

		m.notify(m.transition(entity.StateConnecting, nil))
		conn, product, err := m.connect(ctx)
		if err != nil {
			change := m.transition(entity.StateDisconnected, err)
			m.notify(change)
			if ctx.Err() != nil {
				return
			}
			m.stats.Counter("connect_failures").Inc(1)
			m.logger.Warnw("connecting to browser failed",
				"endpoint", m.cfg.Endpoint,
				"attempt", change.Info.ReconnectAttempts,
				"backoff", backoff,
				"error", err,
			)
			if !m.sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, m.cfg.MaxBackoff)
			retry = true
			continue
		}

		backoff = m.cfg.MinBackoff
		m.stats.Counter("connects").Inc(1)
		m.notify(m.becomeReady(conn, product))

		cause := m.monitor(ctx, conn)
		if ctx.Err() != nil {
			m.leaveReady(conn, entity.StateDisconnected, errors.ErrClosed)
			return
		}
		m.stats.Counter("disconnects").Inc(1)
		m.logger.Warnw("browser connection lost", "generation", conn.Generation(), "cause", cause)
		m.leaveReady(conn, entity.StateDegraded, cause)
		retry = true
	}
}

// connect dials the browser and runs the capability probe.
func (m *manager) connect(ctx context.Context) (*browser.Connection, string, error) {
	hctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	m.mu.Lock()
	generation := m.info.Generation + 1
	m.mu.Unlock()

	conn, err := m.dialer.Dial(hctx, generation, m.dispatch)
	if err != nil {
		return nil, "", err
	}

	res, err := conn.Do(hctx, m.ids.Next(), _probeMethod, nil)
	if err == nil {
		var v struct {
			Product string `json:"product"`
		}
		if err = json.Unmarshal(res, &v); err == nil {
			return conn, v.Product, nil
		}
	}

	conn.Close(err)
	<-conn.Done()
	return nil, "", fmt.Errorf("capability probe %s: %w", _probeMethod, err)
}

// monitor blocks while conn is healthy and returns the reason it is not.
func (m *manager) monitor(ctx context.Context, conn *browser.Connection) error {
	var tick <-chan time.Time
	if m.cfg.ProbeInterval > 0 {
		ticker := m.clock.Ticker(m.cfg.ProbeInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return errors.ErrClosed
		case <-conn.Done():
			return conn.Err()
		case <-tick:
			if err := m.probe(ctx); err != nil {
				m.stats.Counter("probe_failures").Inc(1)
				return fmt.Errorf("liveness probe: %w", err)
			}
		}
	}
}

func (m *manager) probe(ctx context.Context) error {
	if m.cfg.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		defer cancel()
	}
	_, err := m.dialer.Version(ctx)
	return err
}

func (m *manager) sleep(ctx context.Context, d time.Duration) bool {
	t := m.clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *manager) becomeReady(conn *browser.Connection, product string) StateChange {
	m.mu.Lock()
	m.conn = conn
	m.info.Generation = conn.Generation()
	m.info.LastReady = m.clock.Now()
	m.info.Browser = product
	m.info.ReconnectAttempts = 0
	m.mu.Unlock()

	m.logger.Infow("browser connection ready", "generation", conn.Generation(), "browser", product)
	return m.transition(entity.StateReady, nil)
}

// leaveReady retires conn. Every call still outstanding on it fails with ConnectionLost.
func (m *manager) leaveReady(conn *browser.Connection, to entity.ConnectionState, cause error) {
	change := m.transition(to, cause)
	if err := conn.Close(cause); err != nil && !errors.IsNetClosed(err) {
		m.logger.Debugw("closing browser connection", "error", err)
	}
	<-conn.Done()
	change.Lost = conn.FailedOnClose()
	m.notify(change)
}

// transition moves the state machine and returns the change for notify.
func (m *manager) transition(to entity.ConnectionState, cause error) StateChange {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	m.state = to
	m.info.State = to

	switch {
	case to == entity.StateReady:
		close(m.readyCh)
	case from == entity.StateReady:
		m.readyCh = make(chan struct{})
		m.conn = nil
	}
	if to == entity.StateDisconnected && from == entity.StateConnecting && cause != nil {
		m.info.ReconnectAttempts++
	}

	m.stats.Gauge("state").Update(float64(to))
	return StateChange{From: from, To: to, Info: m.info, Cause: cause}
}

func (m *manager) notify(change StateChange) {
	m.mu.Lock()
	listeners := append([]StateListener(nil), m.listeners...)
	m.mu.Unlock()

	m.logger.Debugw("browser connection state changed", "from", change.From, "to", change.To, "cause", change.Cause)
	for _, l := range listeners {
		l(change)
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next <= 0 {
		next = time.Millisecond
	}
	if next > max {
		next = max
	}
	return next
}
