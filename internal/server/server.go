// Package server exposes the control API: health, version, metrics and the
// session endpoints.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/zsiec/reel/internal/codec"
	"github.com/zsiec/reel/internal/config"
	"github.com/zsiec/reel/internal/errors"
	"github.com/zsiec/reel/internal/health"
	"github.com/zsiec/reel/internal/logger"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/session"
)

const healthInterval = 30 * time.Second

// Deps are the collaborators of the control API.
type Deps struct {
	Sessions *session.Manager
	// Redis adds a connectivity check when the registry lives there.
	Redis    *redis.Client
	Decoders *codec.Registry
	Clock    clockwork.Clock
}

// Server serves the control API over HTTP/1.1 and, when enabled, HTTP/3.
type Server struct {
	config       *config.ServerConfig
	router       *mux.Router
	handler      http.Handler
	httpServer   *http.Server
	http3Server  *http3.Server
	logger       logger.Logger
	healthMgr    *health.Manager
	errorHandler *errors.ErrorHandler
	sessions     *session.Manager
	clock        clockwork.Clock
}

// New builds the server and its routes.
func New(cfg *config.Config, log *logrus.Logger, deps Deps) *Server {
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	l := logger.WithComponent(logger.Wrap(log), "server")

	s := &Server{
		config:       &cfg.Server,
		router:       mux.NewRouter(),
		logger:       l,
		healthMgr:    health.NewManager(l, clock),
		errorHandler: errors.NewErrorHandler(log),
		sessions:     deps.Sessions,
		clock:        clock,
	}
	s.registerHealthCheckers(cfg, deps)
	s.setupRoutes(cfg.Metrics)
	return s
}

func (s *Server) registerHealthCheckers(cfg *config.Config, deps Deps) {
	if deps.Redis != nil {
		s.healthMgr.Register(health.NewRedisChecker(deps.Redis))
	}
	if s.sessions != nil {
		// three missed heartbeats mark a player stalled
		stale := 3 * cfg.Session.HeartbeatInterval
		s.healthMgr.Register(health.NewPlayerChecker(s.sessions.Registry(), stale, s.clock))
	}
	decoders := deps.Decoders
	if decoders == nil {
		decoders = codec.DefaultRegistry()
	}
	s.healthMgr.Register(health.NewDecoderChecker(decoders, media.CodecH264, media.CodecAAC))
}

func (s *Server) setupRoutes(metricsCfg config.MetricsConfig) {
	s.router.Use(logger.RequestLoggerMiddleware(s.logger))
	s.router.Use(s.errorHandler.Middleware)
	s.router.Use(s.metricsMiddleware)
	// preflights never match a route, so CORS wraps the router itself
	s.handler = s.corsMiddleware(s.router)

	healthHandler := health.NewHandler(s.healthMgr)
	s.router.HandleFunc("/health", healthHandler.HandleHealth).Methods("GET")
	s.router.HandleFunc("/ready", healthHandler.HandleReady).Methods("GET")
	s.router.HandleFunc("/live", healthHandler.HandleLive).Methods("GET")
	s.router.HandleFunc("/version", healthHandler.HandleVersion).Methods("GET")

	if metricsCfg.Enabled {
		path := metricsCfg.Path
		if path == "" {
			path = "/metrics"
		}
		s.router.Handle(path, promhttp.Handler()).Methods("GET")
	}

	if s.sessions != nil {
		s.registerSessionRoutes(s.router.PathPrefix("/api/v1").Subrouter())
	}

	s.router.NotFoundHandler = http.HandlerFunc(s.errorHandler.HandleNotFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.errorHandler.HandleMethodNotAllowed)
}

// Start serves until ctx ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	go s.healthMgr.StartPeriodicChecks(ctx, healthInterval)

	errCh := make(chan error, 2)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.HTTPPort),
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	tlsEnabled := s.config.TLSCertFile != "" && s.config.TLSKeyFile != ""
	go func() {
		s.logger.WithFields(logger.Fields{
			"port": s.config.HTTPPort,
			"tls":  tlsEnabled,
		}).Info("Starting control API")

		var err error
		if tlsEnabled {
			err = s.httpServer.ListenAndServeTLS(s.config.TLSCertFile, s.config.TLSKeyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	if s.config.EnableHTTP3 {
		if err := s.startHTTP3(errCh); err != nil {
			_ = s.httpServer.Close()
			return err
		}
	}

	select {
	case err := <-errCh:
		_ = s.Shutdown()
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		return s.Shutdown()
	}
}

func (s *Server) startHTTP3(errCh chan<- error) error {
	cert, err := tls.LoadX509KeyPair(s.config.TLSCertFile, s.config.TLSKeyFile)
	if err != nil {
		return fmt.Errorf("failed to load TLS certificates: %w", err)
	}

	s.http3Server = &http3.Server{
		Addr:    fmt.Sprintf(":%d", s.config.HTTP3Port),
		Handler: s.handler,
		TLSConfig: &tls.Config{
			MinVersion:   tls.VersionTLS13,
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"h3"},
		},
		QUICConfig: &quic.Config{
			MaxIdleTimeout: s.config.MaxIdleTimeout,
		},
	}

	go func() {
		s.logger.WithField("port", s.config.HTTP3Port).Info("Starting HTTP/3 control API")
		if err := s.http3Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return nil
}

// Shutdown stops the listeners, waiting up to the configured timeout for
// in-flight requests.
func (s *Server) Shutdown() error {
	s.logger.Info("Shutting down control API")

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			firstErr = fmt.Errorf("failed to shutdown server: %w", err)
		}
	}
	if s.http3Server != nil {
		// http3.Server has no graceful shutdown
		if err := s.http3Server.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to shutdown HTTP/3 server: %w", err)
		}
	}
	s.logger.Info("Control API shutdown complete")
	return firstErr
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}
