package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/advbet/stepstream"
)

// shutdownTimeout bounds graceful shutdown. Open streams are dropped as soon
// as shutdown starts, so this is only waiting for the last writes.
const shutdownTimeout = 10 * time.Second

// Options configures the HTTP server wiring.
type Options struct {
	Log     logrus.FieldLogger
	Tracker *stepstream.Tracker

	// AllowOrigin enables CORS for the given browser origin. Empty disables
	// CORS headers.
	AllowOrigin string
}

// Server wraps the Gin engine and the stream handlers registered on it.
type Server struct {
	engine  *gin.Engine
	log     logrus.FieldLogger
	tracker *stepstream.Tracker
	streams []*stepstream.Handler
}

// NewServer constructs a Server with the operational routes configured.
// Stream routes are added with Stream.
func NewServer(opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)

	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	tracker := opts.Tracker
	if tracker == nil {
		tracker = stepstream.NewTracker(stepstream.DefaultRetention, time.Minute)
	}

	engine := gin.New()
	engine.HandleMethodNotAllowed = true
	engine.Use(gin.Recovery(), requestIDMiddleware(), metricsMiddleware(), requestLogger(log))
	if opts.AllowOrigin != "" {
		engine.Use(corsMiddleware(opts.AllowOrigin))
	}

	s := &Server{
		engine:  engine,
		log:     log,
		tracker: tracker,
	}

	engine.GET("/healthz", s.health)
	engine.GET("/streams", s.listStreams)
	engine.GET("/streams/:id", s.getStream)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return s
}

// Stream registers a GET route serving src. Every request gets its own
// stream.
func (s *Server) Stream(path string, src stepstream.Source, cfg stepstream.Config) *stepstream.Handler {
	h := stepstream.NewHandler(path, src, cfg, s.tracker, s.log)
	s.streams = append(s.streams, h)
	s.engine.GET(path, gin.WrapH(h))
	return h
}

// Engine exposes the underlying Gin engine for advanced use (testing, etc.).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Tracker returns the tracker shared by all stream routes.
func (s *Server) Tracker() *stepstream.Tracker {
	return s.tracker
}

// ListenAndServe binds addr and serves until ctx is cancelled, then shuts
// down gracefully. Open streams are dropped when shutdown starts. It returns
// bind and serve errors; a clean shutdown returns nil.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve is like ListenAndServe but uses an already bound listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	for _, h := range s.streams {
		srv.RegisterOnShutdown(h.DropSubscribers)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()
	s.log.WithField("addr", listener.Addr().String()).Info("http server started")

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	s.log.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	s.log.Info("http server shut down")
	return nil
}
