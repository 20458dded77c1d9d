// Package handler wires the caller-facing inbounds and the controllers behind them.
package handler

import (
	"github.com/uber/cdpmux/src/cdpmux/controller/lifecycle"
	"github.com/uber/cdpmux/src/cdpmux/controller/multiplexer"
	"github.com/uber/cdpmux/src/cdpmux/handler/cdpmux"
	"github.com/uber/cdpmux/src/cdpmux/handler/httpapi"
	"github.com/uber/cdpmux/src/cdpmux/repository/session"
	"go.uber.org/fx"
)

// Module provides the cdpmux inbounds into an Fx application.
var Module = fx.Options(
	lifecycle.Module,
	multiplexer.Module,
	httpapi.Module,
	fx.Provide(session.New),
	fx.Provide(cdpmux.New),
	fx.Invoke(func(h cdpmux.Handler) {}),
	fx.Invoke(func(s httpapi.Server) {}),
)
