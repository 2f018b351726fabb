// Package server is the HTTP boundary: the thin checkout proxy routes the buyer
// page calls directly, server-side orchestrated sessions, and operator routes.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	sentryecho "github.com/getsentry/sentry-go/echo"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/fabriqs/go-checkout/checkout"
	"github.com/fabriqs/go-checkout/payment"
	"github.com/fabriqs/go-checkout/tracelog"
)

// TraceHeader carries "<label>:<traceId>" on every response that made a provider call.
const TraceHeader = "X-Checkout-Trace"

// TraceStore is the read side of the trace ledger.
type TraceStore interface {
	ForIntent(ctx context.Context, intentID string) ([]tracelog.Record, error)
	ByTraceID(ctx context.Context, traceID string) ([]tracelog.Record, error)
	Recent(ctx context.Context, limit int) ([]tracelog.Record, error)
}

type Deps struct {
	Provider payment.Provider
	Sessions *checkout.Registry
	// Traces is optional; the admin routes are not mounted without it.
	Traces TraceStore
	Log    logrus.FieldLogger
}

type Options struct {
	// AdminJWTSecret protects /admin with HS256 bearer tokens when set.
	AdminJWTSecret string
	Sentry         bool
}

type Server struct {
	echo     *echo.Echo
	api      payment.Provider
	sessions *checkout.Registry
	traces   TraceStore
	i18n     *translator
	log      logrus.FieldLogger

	// steps run session operations past the request that started them.
	steps  sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func New(deps Deps, opts Options) (*Server, error) {
	tr, err := newTranslator()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		echo:     echo.New(),
		api:      deps.Provider,
		sessions: deps.Sessions,
		traces:   deps.Traces,
		i18n:     tr,
		log:      deps.Log.WithField("component", "server"),
		ctx:      ctx,
		cancel:   cancel,
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.log.WithFields(logrus.Fields{
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency":    v.Latency.String(),
				"request_id": v.RequestID,
				"trace":      c.Response().Header().Get(TraceHeader),
			}).Info("request")
			return nil
		},
	}))
	if opts.Sentry {
		e.Use(sentryecho.New(sentryecho.Options{Repanic: true, Timeout: 2 * time.Second}))
	}

	api := e.Group("/api")
	api.POST("/checkout", s.postCheckout)
	api.GET("/checkout", s.getCheckout)

	if s.sessions != nil {
		api.POST("/sessions", s.openSession)
		api.GET("/sessions/:id", s.getSession)
		api.POST("/sessions/:id/confirm", s.confirmSession)
		api.POST("/sessions/:id/retry", s.retrySession)
		api.DELETE("/sessions/:id", s.cancelSession)
	}

	if s.traces != nil {
		admin := e.Group("/admin")
		if opts.AdminJWTSecret != "" {
			admin.Use(echojwt.WithConfig(echojwt.Config{SigningKey: []byte(opts.AdminJWTSecret)}))
		} else {
			s.log.Warn("admin routes are not authenticated: no admin secret configured")
		}
		admin.GET("/traces", s.listTraces)
	}

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

func (s *Server) Start(addr string) error {
	s.log.WithField("addr", addr).Info("listening")
	return s.echo.Start(addr)
}

// Shutdown stops accepting requests, then cancels and waits for running
// session steps.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.steps.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}
