// Package multiplexer gives each caller the illusion of a dedicated browser connection over the shared one.
package multiplexer

//go:generate mockgen -source=multiplexer.go -destination=multiplexermock/multiplexer_mock.go -package=multiplexermock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	tally "github.com/uber-go/tally/v4"
	"github.com/uber/cdpmux/src/cdpmux/controller/lifecycle"
	"github.com/uber/cdpmux/src/cdpmux/entity"
	"github.com/uber/cdpmux/src/cdpmux/gateway/browser"
	"github.com/uber/cdpmux/src/cdpmux/internal/errors"
	"github.com/uber/cdpmux/src/cdpmux/mapper"
	"github.com/uber/cdpmux/src/cdpmux/repository/session"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the multiplexer into an Fx application.
var Module = fx.Provide(New)

// Controller is the caller-facing API of the multiplexer.
type Controller interface {
	// Submit issues one call on behalf of a caller and returns the result tagged with the caller's own id.
	Submit(ctx context.Context, req entity.Request) (entity.Response, error)
	// Open creates an explicit session for a stream transport. Explicit sessions are never evicted for idleness.
	Open(ctx context.Context, callerID entity.CallerID) error
	// Subscribe replaces the caller's event filter. An empty list selects every event.
	Subscribe(ctx context.Context, callerID entity.CallerID, patterns []string) error
	// Events returns the caller's event queue. It is closed when the session ends.
	Events(ctx context.Context, callerID entity.CallerID) (<-chan entity.Event, error)
	// Close ends the caller's session and discards its queued events.
	Close(ctx context.Context, callerID entity.CallerID) error

	Status(ctx context.Context) entity.Status
	SessionStats(ctx context.Context, callerID entity.CallerID) (entity.SessionStats, error)
	Sessions(ctx context.Context) ([]entity.SessionStats, error)
}

// Params are inbound parameters to initialize a new controller.
type Params struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Config     config.Provider
	Sessions   session.Repository
	Executor   browser.Executor
	Connection lifecycle.Manager
	Clock      clock.Clock
	Logger     *zap.SugaredLogger
	Stats      tally.Scope
}

// route maps an internal id back to the caller that issued it.
type route struct {
	caller    entity.CallerID
	localID   string
	method    string
	submitted time.Time
}

type aggregate struct {
	totalCallers uint64
	requests     uint64
	successes    uint64
	failures     uint64
	byKind       map[string]uint64
	dropped      uint64
	evicted      uint64
}

type controller struct {
	cfg        Config
	sessions   session.Repository
	executor   browser.Executor
	connection lifecycle.Manager
	clock      clock.Clock
	logger     *zap.SugaredLogger
	stats      tally.Scope

	routesMu sync.Mutex
	routes   map[int64]route

	aggMu sync.Mutex
	agg   aggregate

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs the multiplexer and registers it as the receiver of browser events.
func New(p Params) (Controller, error) {
	cfg, err := LoadConfig(p.Config)
	if err != nil {
		return nil, err
	}

	c := &controller{
		cfg:        cfg,
		sessions:   p.Sessions,
		executor:   p.Executor,
		connection: p.Connection,
		clock:      p.Clock,
		logger:     p.Logger,
		stats:      p.Stats.SubScope("multiplexer"),
		routes:     make(map[int64]route),
		agg:        aggregate{byKind: make(map[string]uint64)},
		stop:       make(chan struct{}),
	}

	if err := p.Connection.SetEventSink(c.publish); err != nil {
		return nil, fmt.Errorf("registering event sink: %w", err)
	}
	p.Connection.AddStateListener(c.onStateChange)

	if p.Lifecycle != nil {
		p.Lifecycle.Append(fx.Hook{
			OnStart: c.onStart,
			OnStop:  c.onStop,
		})
	}
	return c, nil
}

func (c *controller) Submit(ctx context.Context, req entity.Request) (entity.Response, error) {
	if req.CallerID == "" {
		return entity.Response{LocalID: req.LocalID}, errors.NoCallerError
	}
	if req.Method == "" {
		return entity.Response{LocalID: req.LocalID}, errors.NoMethodError
	}

	now := c.clock.Now()
	_, created, err := c.sessions.Upsert(ctx, req.CallerID, c.newSession(now, false), func(s *entity.Session) {
		s.LastActivity = now
		s.Requests++
	})
	if err != nil {
		return entity.Response{LocalID: req.LocalID}, err
	}
	c.countRequest(req.CallerID, created)

	id := c.executor.NextID()
	c.addRoute(id, route{caller: req.CallerID, localID: req.LocalID, method: req.Method, submitted: now})

	timeout := c.cfg.Timeout(req.Timeout)
	result, callErr := c.executor.Call(ctx, id, req.Method, req.Params, timeout)

	rt := c.removeRoute(id)
	c.stats.Timer("submit_latency").Record(c.clock.Since(rt.submitted))
	c.countOutcome(rt, callErr)

	if callErr != nil {
		return entity.Response{LocalID: rt.localID}, callErr
	}
	return entity.Response{LocalID: rt.localID, Result: result}, nil
}

func (c *controller) Open(ctx context.Context, callerID entity.CallerID) error {
	if callerID == "" {
		return errors.NoCallerError
	}
	now := c.clock.Now()
	_, created, err := c.sessions.Upsert(ctx, callerID, c.newSession(now, true), func(s *entity.Session) {
		s.Explicit = true
		s.LastActivity = now
		if s.Events == nil {
			s.Events = entity.NewEventQueue(c.cfg.EventQueueSize)
		}
	})
	if err != nil {
		return err
	}
	if created {
		c.countCaller(callerID)
	}
	return nil
}

func (c *controller) Subscribe(ctx context.Context, callerID entity.CallerID, patterns []string) error {
	filter, err := entity.NewEventFilter(patterns)
	if err != nil {
		return fmt.Errorf("%w: %v", errors.InvalidFilterError, err)
	}
	_, err = c.sessions.Update(ctx, callerID, func(s *entity.Session) {
		s.Filter = filter
		s.LastActivity = c.clock.Now()
	})
	if err != nil {
		return err
	}
	c.logger.Debugw("subscription updated", "caller", callerID, "patterns", filter.Patterns())
	return nil
}

func (c *controller) Events(ctx context.Context, callerID entity.CallerID) (<-chan entity.Event, error) {
	s, err := c.sessions.Get(ctx, callerID)
	if err != nil {
		return nil, err
	}
	if s.Events == nil {
		return nil, errors.ErrNoEventStream
	}
	return s.Events.C(), nil
}

func (c *controller) Close(ctx context.Context, callerID entity.CallerID) error {
	s, err := c.sessions.Delete(ctx, callerID)
	if err != nil {
		return err
	}
	discarded := c.retire(s)
	c.logger.Infow("session closed", "caller", callerID, "requests", s.Requests, "discardedEvents", discarded)
	return nil
}

func (c *controller) Status(ctx context.Context) entity.Status {
	active, _ := c.sessions.SessionCount(ctx)

	c.routesMu.Lock()
	inFlight := len(c.routes)
	c.routesMu.Unlock()

	c.aggMu.Lock()
	defer c.aggMu.Unlock()

	byKind := make(map[string]uint64, len(c.agg.byKind))
	for k, v := range c.agg.byKind {
		byKind[k] = v
	}
	return entity.Status{
		Connection:        c.connection.Info(),
		TotalCallers:      c.agg.totalCallers,
		ActiveCallers:     active,
		TotalRequests:     c.agg.requests,
		SucceededRequests: c.agg.successes,
		FailedRequests:    c.agg.failures,
		FailuresByKind:    byKind,
		InFlight:          inFlight,
		DroppedEvents:     c.agg.dropped,
		EvictedSessions:   c.agg.evicted,
		SuccessRate:       entity.SuccessRate(c.agg.successes, c.agg.requests),
	}
}

func (c *controller) SessionStats(ctx context.Context, callerID entity.CallerID) (entity.SessionStats, error) {
	s, err := c.sessions.Get(ctx, callerID)
	if err != nil {
		return entity.SessionStats{}, err
	}
	return mapper.SessionToStats(s), nil
}

func (c *controller) Sessions(ctx context.Context) ([]entity.SessionStats, error) {
	all, err := c.sessions.List(ctx)
	if err != nil {
		return nil, err
	}
	stats := make([]entity.SessionStats, 0, len(all))
	for _, s := range all {
		stats = append(stats, mapper.SessionToStats(s))
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].ID < stats[j].ID })
	return stats, nil
}

// newSession builds a session on first contact. Only explicit sessions get an event queue,
// so sessions created by single calls never buffer or drop events.
func (c *controller) newSession(now time.Time, explicit bool) func() *entity.Session {
	return func() *entity.Session {
		s := &entity.Session{
			Created:      now,
			LastActivity: now,
			Explicit:     explicit,
		}
		if explicit {
			s.Events = entity.NewEventQueue(c.cfg.EventQueueSize)
		}
		return s
	}
}

func (c *controller) addRoute(id int64, r route) {
	c.routesMu.Lock()
	defer c.routesMu.Unlock()
	c.routes[id] = r
	c.stats.Gauge("inflight_calls").Update(float64(len(c.routes)))
}

func (c *controller) removeRoute(id int64) route {
	c.routesMu.Lock()
	defer c.routesMu.Unlock()
	r := c.routes[id]
	delete(c.routes, id)
	c.stats.Gauge("inflight_calls").Update(float64(len(c.routes)))
	return r
}

func (c *controller) countCaller(callerID entity.CallerID) {
	c.aggMu.Lock()
	c.agg.totalCallers++
	c.aggMu.Unlock()
	c.stats.Counter("sessions_created").Inc(1)
	c.logger.Infow("session created", "caller", callerID)
}

func (c *controller) countRequest(callerID entity.CallerID, created bool) {
	if created {
		c.countCaller(callerID)
	}
	c.aggMu.Lock()
	c.agg.requests++
	c.aggMu.Unlock()
	c.stats.Counter("requests").Inc(1)
}

// countOutcome records the result of one call exactly once, in the aggregate and in the caller's session if it still exists.
func (c *controller) countOutcome(rt route, callErr error) {
	kind := errors.Kind(callErr)

	c.aggMu.Lock()
	if callErr == nil {
		c.agg.successes++
	} else {
		c.agg.failures++
		c.agg.byKind[kind]++
	}
	c.aggMu.Unlock()

	if callErr == nil {
		c.stats.Counter("successes").Inc(1)
	} else {
		c.stats.Tagged(map[string]string{"kind": kind}).Counter("failures").Inc(1)
	}

	now := c.clock.Now()
	_, err := c.sessions.Update(context.Background(), rt.caller, func(s *entity.Session) {
		s.LastActivity = now
		if callErr == nil {
			s.Successes++
		} else {
			s.Failures++
		}
	})
	if err != nil {
		c.stats.Counter("orphaned_results").Inc(1)
		c.logger.Debugw("session ended before its call completed", "caller", rt.caller, "method", rt.method, "outcome", kind)
	}
}

// publish fans an event out to every interested session. It runs on the connection's reader and never blocks.
func (c *controller) publish(ev entity.Event) {
	all, err := c.sessions.List(context.Background())
	if err != nil {
		return
	}

	var dropped int
	for _, s := range all {
		if s.Events == nil || !s.Filter.Match(ev.Method) {
			continue
		}
		dropped += s.Events.Push(ev)
	}
	if dropped > 0 {
		c.aggMu.Lock()
		c.agg.dropped += uint64(dropped)
		c.aggMu.Unlock()
		c.stats.Counter("events_dropped").Inc(int64(dropped))
	}
}

// retire closes a removed session's queue and counts what it discarded.
func (c *controller) retire(s *entity.Session) int {
	if s.Events == nil {
		return 0
	}
	discarded := s.Events.Close()
	if discarded > 0 {
		c.aggMu.Lock()
		c.agg.dropped += uint64(discarded)
		c.aggMu.Unlock()
		c.stats.Counter("events_dropped").Inc(int64(discarded))
	}
	return discarded
}

func (c *controller) onStateChange(change lifecycle.StateChange) {
	if change.From != entity.StateReady || change.To == entity.StateReady {
		return
	}
	c.routesMu.Lock()
	inFlight := len(c.routes)
	c.routesMu.Unlock()

	c.stats.Counter("lost_calls").Inc(int64(change.Lost))
	c.logger.Warnw("browser connection left ready",
		"state", change.To,
		"lostCalls", change.Lost,
		"inFlight", inFlight,
		"cause", change.Cause,
	)
}

func (c *controller) onStart(ctx context.Context) error {
	if c.cfg.SweepInterval <= 0 || c.cfg.IdleTimeout <= 0 {
		c.logger.Infow("idle session eviction disabled")
		return nil
	}
	ticker := c.clock.Ticker(c.cfg.SweepInterval)
	c.wg.Add(1)
	go c.sweepLoop(ticker)
	return nil
}

func (c *controller) onStop(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()

	all, err := c.sessions.List(ctx)
	if err != nil {
		return err
	}
	for _, s := range all {
		if removed, err := c.sessions.Delete(ctx, s.ID); err == nil {
			c.retire(removed)
		}
	}
	return nil
}

func (c *controller) sweepLoop(ticker *clock.Ticker) {
	defer c.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep evicts implicit sessions idle for longer than the idle timeout. Calls they issued keep running.
func (c *controller) sweep() {
	cutoff := c.clock.Now().Add(-c.cfg.IdleTimeout)
	removed, err := c.sessions.DeleteIdle(context.Background(), cutoff)
	if err != nil {
		c.logger.Warnw("idle sweep failed", "error", err)
	}
	for _, s := range removed {
		discarded := c.retire(s)
		c.logger.Infow("session evicted", "caller", s.ID, "lastActivity", s.LastActivity, "discardedEvents", discarded)
	}
	if len(removed) > 0 {
		c.aggMu.Lock()
		c.agg.evicted += uint64(len(removed))
		c.aggMu.Unlock()
		c.stats.Counter("sessions_evicted").Inc(int64(len(removed)))
	}
}
