// Package server wraps echo with the middleware and metrics endpoint shared by
// the watcher health probe and the webhook sink.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Handler registers routes on the echo instance.
type Handler interface {
	RegisterRoutes(e *echo.Echo)
}

// Option configures a Server.
type Option func(*Config)

// Config holds server settings.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Gatherer        prometheus.Gatherer
}

// Server is an echo HTTP server.
type Server struct {
	echo   *echo.Echo
	config Config
	logger zerolog.Logger
}

// New builds a server with recovery, request logging and /metrics.
func New(handler Handler, logger zerolog.Logger, opts ...Option) *Server {
	cfg := Config{
		Addr:            ":8080",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		Gatherer:        prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	log := logger.With().Str("component", "http").Logger()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = cfg.ReadTimeout
	e.Server.WriteTimeout = cfg.WriteTimeout

	e.Use(Recover(log))
	e.Use(RequestLogging(log))

	if handler != nil {
		handler.RegisterRoutes(e)
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))

	return &Server{echo: e, config: cfg, logger: log}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.config.Addr).Msg("http server listening")
		if err := s.echo.Start(s.config.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	s.logger.Info().Msg("http server stopped gracefully")
	return nil
}

// Echo returns the underlying echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(c *Config) {
		if addr != "" {
			c.Addr = addr
		}
	}
}

// WithTimeouts sets read/write/shutdown timeouts. Non-positive values keep
// the defaults.
func WithTimeouts(read, write, shutdown time.Duration) Option {
	return func(c *Config) {
		if read > 0 {
			c.ReadTimeout = read
		}
		if write > 0 {
			c.WriteTimeout = write
		}
		if shutdown > 0 {
			c.ShutdownTimeout = shutdown
		}
	}
}

// WithGatherer sets the registry exposed on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(c *Config) {
		if g != nil {
			c.Gatherer = g
		}
	}
}

// Recover turns handler panics into a 500 response.
func Recover(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			defer func() {
				if r := recover(); r != nil {
					err, ok := r.(error)
					if !ok {
						err = fmt.Errorf("%v", r)
					}
					logger.Error().Err(err).Bytes("stack", debug.Stack()).Msg("panic recovered")
					_ = c.JSON(http.StatusInternalServerError, map[string]any{
						"ok":    false,
						"error": "internal server error",
					})
				}
			}()
			return next(c)
		}
	}
}

// RequestLogging logs every request at debug, and failures at warn.
func RequestLogging(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			start := time.Now()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			status := c.Response().Status
			event := logger.Debug()
			if status >= http.StatusBadRequest {
				event = logger.Warn()
			}
			event.Str("method", req.Method).
				Str("path", c.Path()).
				Str("remote", c.RealIP()).
				Int("status", status).
				Dur("latency", time.Since(start)).
				Msg("http request")
			return nil
		}
	}
}
