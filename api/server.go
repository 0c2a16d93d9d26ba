package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vinayprograms/taskfeed/fanout"
	"github.com/vinayprograms/taskfeed/logging"
	"github.com/vinayprograms/taskfeed/transport"
)

// Config holds HTTP server settings.
type Config struct {
	// Listen is the address the server binds to.
	// Default: ":8090"
	Listen string

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 10 seconds
	ShutdownTimeout time.Duration
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Listen:          ":8090",
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server exposes the coordinator over HTTP.
type Server struct {
	cfg      Config
	coord    *fanout.Coordinator
	echo     *echo.Echo
	logger   *logging.Logger
	gatherer prometheus.Gatherer
	upgrader *websocket.Upgrader
	wsConfig transport.Config
}

// Option configures a Server.
type Option func(*Server)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(s *Server) {
		s.cfg = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithGatherer serves /metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// New creates a server for coord and registers its routes.
func New(coord *fanout.Coordinator, opts ...Option) *Server {
	s := &Server{
		cfg:      DefaultConfig(),
		coord:    coord,
		echo:     echo.New(),
		gatherer: prometheus.DefaultGatherer,
		upgrader: transport.NewWebSocketUpgrader(),
		wsConfig: transport.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.Nop()
	}
	s.logger = s.logger.WithComponent("api")

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("request", map[string]interface{}{
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency_ms": v.Latency.Milliseconds(),
			})
			return nil
		},
	}))

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	e := s.echo
	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	g := e.Group("/operations")
	g.POST("", s.handleSubmit)
	g.GET("", s.handleList)
	g.GET("/:id", s.handleGet)
	g.POST("/:id/cancel", s.handleCancel)
	g.DELETE("/:id", s.handleRelease)
	g.GET("/:id/stream", s.handleStream)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on the configured address and blocks until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("api_listening", map[string]interface{}{"listen": s.cfg.Listen})
	if err := s.echo.Start(s.cfg.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server, waiting at most ShutdownTimeout for requests
// to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.echo.Shutdown(ctx)
}
