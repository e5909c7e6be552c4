// Package api exposes node requests over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/metal-toolbox/provisioner/internal/events"
	"github.com/metal-toolbox/provisioner/internal/requests"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const (
	// DefaultListenAddress is the API listen address when none is configured.
	DefaultListenAddress = "0.0.0.0:8080"

	// AdminHeader carries the name recorded as the submitter of a node request.
	AdminHeader = "X-Provisioner-Admin"

	defaultAdmin    = "anonymous"
	shutdownTimeout = 10 * time.Second
	readTimeout     = 30 * time.Second
)

var (
	ErrServer = errors.New("api server error")
)

// Server serves the node request API.
//
// nolint:govet // fieldalignment - struct is better readable in its current form.
type Server struct {
	service  *requests.Service
	pubsub   events.PubSub
	eventLog *events.Log
	logger   *logrus.Logger
	limiter  *rate.Limiter
	upgrader websocket.Upgrader
	router   *gin.Engine

	// canceled on server shutdown, hijacked websocket connections are not
	// tracked by http.Server.Shutdown
	streamCtx    context.Context
	closeStreams context.CancelFunc
}

// Option sets optional Server parameters.
type Option func(*Server)

// WithRateLimit limits API requests to rps requests per second with the given burst,
// a zero rps disables the limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps <= 0 {
			return
		}

		if burst <= 0 {
			burst = 1
		}

		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithEventLog enables the event log routes.
func WithEventLog(l *events.Log) Option {
	return func(s *Server) {
		s.eventLog = l
	}
}

func New(service *requests.Service, pubsub events.PubSub, logger *logrus.Logger, opts ...Option) *Server {
	s := &Server{
		service: service,
		pubsub:  pubsub,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	s.streamCtx, s.closeStreams = context.WithCancel(context.Background())

	for _, opt := range opts {
		opt(s)
	}

	if logger.Level < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery(), s.logRequest())

	if s.limiter != nil {
		s.router.Use(s.rateLimit())
	}

	s.routes()

	return s
}

func (s *Server) routes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/nodes", s.listNodes)
		v1.POST("/nodes", s.addNodes)
		v1.DELETE("/nodes/:nodespec", s.deleteNodes)
		v1.PUT("/nodes/:nodespec/status", s.updateNodeStatus)

		v1.GET("/noderequests", s.listNodeRequests)
		v1.GET("/noderequests/:session", s.getNodeRequest)
		v1.DELETE("/noderequests/:session", s.cancelNodeRequest)
		v1.POST("/noderequests/:session/retry", s.retryNodeRequest)

		v1.GET("/sessions/:session/status", s.sessionStatus)

		v1.GET("/events", s.streamEvents)

		if s.eventLog != nil {
			v1.GET("/eventlog", s.listEvents)
			v1.GET("/eventlog/:id", s.getEvent)
		}
	}
}

// Handler returns the instrumented API handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "provisioner-api")
}

// ListenAndServe serves the API on addr until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultListenAddress
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readTimeout,
	}

	srv.RegisterOnShutdown(s.closeStreams)

	errCh := make(chan error, 1)

	go func() {
		s.logger.WithField("address", addr).Info("api server listening")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- errors.Wrap(ErrServer, err.Error())
		}

		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(ErrServer, err.Error())
	}

	return nil
}

func (s *Server) logRequest() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()

		c.Next()

		s.logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"elapsed": time.Since(started).String(),
		}).Debug("api request")
	}
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}

		c.Next()
	}
}
