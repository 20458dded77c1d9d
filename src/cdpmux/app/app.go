package app

import (
	"context"
	"time"

	tally "github.com/uber-go/tally/v4"
	"github.com/uber/cdpmux/src/cdpmux/gateway/browser"
	"github.com/uber/cdpmux/src/cdpmux/handler"
	"github.com/uber/cdpmux/src/cdpmux/internal/clock"
	"github.com/uber/cdpmux/src/cdpmux/internal/core"
	"github.com/uber/cdpmux/src/cdpmux/internal/jsonrpcfx"
	"github.com/uber/cdpmux/src/cdpmux/internal/serverinfofile"
	"go.uber.org/fx"
)

// Module defines the cdpmux application module.
var Module = fx.Options(
	browser.Module, // outbound
	handler.Module, // inbounds
	jsonrpcfx.Module,
	serverinfofile.Module,
	clock.Module,
	core.ConfigModule,
	core.LoggerModule,
	fx.Provide(newRootScope),
	fx.Decorate(decorateEnvContext),
	fx.Decorate(decorateConfigProvider),
	fx.Provide(func() Context {
		return Context{
			Environment:        EnvLocal,
			RuntimeEnvironment: EnvLocal,
		}
	}),
)

func newRootScope(lc fx.Lifecycle) tally.Scope {
	rs, closer := tally.NewRootScope(tally.ScopeOptions{
		Tags: map[string]string{
			"service": "cdpmux",
		},
	}, 1*time.Second)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return closer.Close()
		},
	})

	return rs
}
