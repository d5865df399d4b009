// Package serving exposes forecasts over HTTP.
package serving

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/keilynrp/Trading-Observer/internal/inference"
	"github.com/keilynrp/Trading-Observer/internal/metrics"
)

// Forecaster produces a forecast for one symbol.
type Forecaster interface {
	Predict(ctx context.Context, symbol string) (inference.Forecast, error)
}

// ModelLister reports which symbols have published artifacts.
type ModelLister interface {
	Symbols() ([]string, error)
}

var _ Forecaster = (*inference.Predictor)(nil)

// Options configure the listener. Zero timeouts fall back to sane values.
type Options struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MetricsPath     string
	// Gatherer backs the metrics endpoint. Nil disables it.
	Gatherer prometheus.Gatherer
}

// Server is the prediction API.
type Server struct {
	echo       *echo.Echo
	forecaster Forecaster
	models     ModelLister
	opts       Options
	metrics    *metrics.Recorder
	logger     zerolog.Logger
}

// NewServer registers routes and middleware. models and rec may be nil.
func NewServer(forecaster Forecaster, models ModelLister, opts Options, rec *metrics.Recorder, logger zerolog.Logger) (*Server, error) {
	if forecaster == nil {
		return nil, errors.New("serving: forecaster is required")
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = opts.ReadTimeout
	e.Server.WriteTimeout = opts.WriteTimeout

	s := &Server{
		echo:       e,
		forecaster: forecaster,
		models:     models,
		opts:       opts,
		metrics:    rec,
		logger:     logger.With().Str("component", "serving").Logger(),
	}

	e.Use(middleware.Recover())
	e.Use(s.requestLogging())
	e.Use(s.observe())

	e.GET("/", s.handleRoot)
	e.GET("/health", s.handleHealth)
	e.POST("/predict", s.handlePredict)
	if opts.Gatherer != nil {
		e.GET(opts.MetricsPath, echo.WrapHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Addr is the listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.Addr()).Msg("prediction api listening")
		if err := s.echo.Start(s.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()
	s.logger.Info().Msg("shutting down prediction api")
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) requestLogging() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			s.logger.Debug().
				Str("method", req.Method).
				Str("uri", req.RequestURI).
				Str("remote", c.RealIP()).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Msg("request served")
			return nil
		}
	}
}

func (s *Server) observe() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			status := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			s.metrics.ObserveHTTP(route, c.Request().Method, status, time.Since(start))
			return err
		}
	}
}
