package browser

//go:generate mockgen -source=executor.go -destination=browsermock/executor_mock.go -package=browsermock

import (
	"context"
	"encoding/json"
	stderr "errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	tally "github.com/uber-go/tally/v4"
	"github.com/uber/cdpmux/src/cdpmux/internal/errors"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the browser gateway into an Fx application.
var Module = fx.Provide(
	NewDialer,
	NewIDGenerator,
	New,
)

// IDGenerator hands out internal call ids. Ids are never reused within a process.
type IDGenerator struct {
	last atomic.Int64
}

// NewIDGenerator returns a generator whose first id is 1.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{}
}

// Next returns a fresh id.
func (g *IDGenerator) Next() int64 {
	return g.last.Add(1)
}

// ConnectionSource supplies the live Connection.
type ConnectionSource interface {
	// Acquire returns the Ready connection, waiting for one until ctx ends.
	Acquire(ctx context.Context) (*Connection, error)
}

// Executor issues calls against the shared browser connection.
type Executor interface {
	// NextID reserves an internal id for a call.
	NextID() int64
	// Call sends method with the given internal id and waits at most timeout for its outcome.
	// The timeout also covers waiting for a Ready connection.
	Call(ctx context.Context, id int64, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error)
}

// Params define values to be used by the Executor.
type Params struct {
	fx.In

	Source ConnectionSource
	IDs    *IDGenerator
	Clock  clock.Clock
	Logger *zap.SugaredLogger
	Stats  tally.Scope
}

type executor struct {
	source ConnectionSource
	ids    *IDGenerator
	clock  clock.Clock
	logger *zap.SugaredLogger
	stats  tally.Scope
}

// New creates an Executor on top of a ConnectionSource.
func New(p Params) Executor {
	return &executor{
		source: p.Source,
		ids:    p.IDs,
		clock:  p.Clock,
		logger: p.Logger,
		stats:  p.Stats.SubScope("executor"),
	}
}

func (e *executor) NextID() int64 {
	return e.ids.Next()
}

func (e *executor) Call(ctx context.Context, id int64, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if method == "" {
		return nil, errors.NoMethodError
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("call %d %q: timeout must be positive", id, method)
	}

	callCtx, cancel := e.clock.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := e.source.Acquire(callCtx)
	if err != nil {
		if stderr.Is(err, context.Canceled) {
			return nil, fmt.Errorf("call %d %q: %w", id, method, context.Canceled)
		}
		return nil, &errors.ConnectionLostError{Method: method, Cause: err}
	}

	result, err := conn.Do(callCtx, id, method, params)
	switch {
	case err == nil:
		return result, nil
	case stderr.Is(err, context.DeadlineExceeded):
		e.stats.Counter("timeouts").Inc(1)
		e.logger.Debugw("call timed out", "id", id, "method", method, "timeout", timeout)
		return nil, &errors.TimeoutError{Method: method, Timeout: timeout}
	case stderr.Is(err, context.Canceled):
		return nil, fmt.Errorf("call %d %q: %w", id, method, err)
	}
	var dup *errors.DuplicateIDError
	if stderr.As(err, &dup) {
		e.logger.Errorw("internal id reused while outstanding", "id", id, "method", method)
	}
	return nil, err
}
