// Package httpapi serves the multiplexer to stateless HTTP callers and health checkers.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	tally "github.com/uber-go/tally/v4"
	"github.com/uber/cdpmux/src/cdpmux/controller/multiplexer"
	"github.com/uber/cdpmux/src/cdpmux/internal/serverinfofile"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	_configKey         = "http"
	_outputKey         = "http-address"
	_readHeaderTimeout = 10 * time.Second
)

// Module is an fx module for the HTTP inbound.
var Module = fx.Provide(New)

// Server is the HTTP inbound.
type Server interface {
	OnStart(ctx context.Context) error
	OnStop(ctx context.Context) error
	// Handler returns the routed handler, independent of any listener.
	Handler() http.Handler
	// Addr returns the bound listener address once started.
	Addr() net.Addr
}

// Config holds the HTTP inbound settings. An empty address disables the listener.
type Config struct {
	Address string `yaml:"address"`
}

// Params define values to be used by the HTTP inbound.
type Params struct {
	fx.In

	Config         config.Provider
	Lifecycle      fx.Lifecycle
	Controller     multiplexer.Controller
	Logger         *zap.SugaredLogger
	Stats          tally.Scope
	ServerInfoFile serverinfofile.ServerInfoFile
}

type server struct {
	cfg            Config
	ctrl           multiplexer.Controller
	logger         *zap.SugaredLogger
	stats          tally.Scope
	serverInfoFile serverinfofile.ServerInfoFile
	router         chi.Router

	srv *http.Server
	ln  net.Listener
	wg  sync.WaitGroup
}

// New creates the HTTP inbound and registers its lifecycle hooks.
func New(p Params) (Server, error) {
	if p.Config == nil || p.Controller == nil {
		return nil, errors.New("required parameters are missing")
	}

	s := &server{
		ctrl:           p.Controller,
		logger:         p.Logger,
		stats:          p.Stats.SubScope("http"),
		serverInfoFile: p.ServerInfoFile,
	}
	if err := p.Config.Get(_configKey).Populate(&s.cfg); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKey, err)
	}
	s.router = s.routes()

	if p.Lifecycle != nil {
		p.Lifecycle.Append(fx.Hook{
			OnStart: s.OnStart,
			OnStop:  s.OnStop,
		})
	}
	return s, nil
}

func (s *server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", s.healthz)
	r.Get("/status", s.status)
	r.Route("/callers", func(r chi.Router) {
		r.Get("/", s.listCallers)
		r.Route("/{callerID}", func(r chi.Router) {
			r.Get("/", s.getCaller)
			r.Delete("/", s.deleteCaller)
			r.Post("/calls", s.call)
		})
	})
	return r
}

func (s *server) Handler() http.Handler {
	return s.router
}

// OnStart binds the listener and starts serving. It does nothing when no address is configured.
func (s *server) OnStart(ctx context.Context) error {
	if s.cfg.Address == "" {
		s.logger.Infow("HTTP inbound disabled")
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listening on %q: %w", s.cfg.Address, err)
	}
	if s.serverInfoFile != nil {
		if err := s.serverInfoFile.UpdateField(_outputKey, ln.Addr().String()); err != nil {
			ln.Close()
			return err
		}
	}

	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: _readHeaderTimeout,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Infow("started HTTP inbound", zap.Stringer("address", ln.Addr()))
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorw("HTTP inbound stopped", zap.Error(err))
		}
	}()
	return nil
}

// OnStop stops accepting requests and waits for in-flight ones, bounded by ctx.
func (s *server) OnStop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	s.wg.Wait()
	return err
}

func (s *server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// instrument counts and times every request by its route pattern.
func (s *server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		scope := s.stats.Tagged(map[string]string{
			"route":  route,
			"status": fmt.Sprintf("%dxx", ww.Status()/100),
		})
		scope.Counter("requests").Inc(1)
		scope.Timer("latency").Record(time.Since(start))
	})
}
