// Package clock provides the process clock so that timers and tickers can be replaced in tests.
package clock

import (
	"github.com/benbjohnson/clock"
	"go.uber.org/fx"
)

// Module provides the wall clock into an Fx application.
var Module = fx.Provide(New)

// New returns the wall clock.
func New() clock.Clock {
	return clock.New()
}
