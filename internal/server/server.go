// Package server exposes the pipeline over HTTP: health, metrics, the latest cycle and the overlay stream
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MrCodeEU/facegate/internal/embedding"
	"github.com/MrCodeEU/facegate/internal/pipeline"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ReportSource returns the most recent cycle report, or nil before the first cycle
type ReportSource interface {
	Report() *pipeline.CycleReport
}

// Options wires the handlers to the running pipeline. Nil fields disable their routes.
type Options struct {
	Latest    ReportSource
	Templates *embedding.Templates
	Metrics   http.Handler
	Overlay   http.Handler
	Logger    *logrus.Logger
}

// Server is the HTTP surface
type Server struct {
	opts    Options
	logger  *logrus.Logger
	engine  *gin.Engine
	started time.Time
	srv     *http.Server
}

// New builds the router
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(opts.Logger))

	s := &Server{
		opts:    opts,
		logger:  opts.Logger,
		engine:  engine,
		started: time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.health)

	if s.opts.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.opts.Metrics))
	}
	if s.opts.Overlay != nil {
		s.engine.GET("/ws", gin.WrapH(s.opts.Overlay))
	}

	v1 := s.engine.Group("/api/v1")
	{
		v1.GET("/results/latest", s.latest)
		v1.GET("/enrollment", s.enrollment)
	}

	s.engine.NoRoute(func(ctx *gin.Context) {
		ctx.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("%s %s does not exist", ctx.Request.Method, ctx.Request.URL.Path)})
	})
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) health(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"uptime":     time.Since(s.started).Round(time.Second).String(),
		"identities": s.opts.Templates.Len(),
	})
}

func (s *Server) latest(ctx *gin.Context) {
	if s.opts.Latest == nil {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "results are not published"})
		return
	}

	report := s.opts.Latest.Report()
	if report == nil {
		ctx.Status(http.StatusNoContent)
		return
	}
	ctx.JSON(http.StatusOK, report)
}

func (s *Server) enrollment(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{
		"dimension":  s.opts.Templates.Dimension(),
		"identities": s.opts.Templates.Summaries(),
	})
}

// ListenAndServe serves on addr until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("address", addr).Info("HTTP server listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()

		// The websocket stream stays open for the whole session
		if ctx.FullPath() == "/ws" {
			return
		}

		logger.WithFields(logrus.Fields{
			"method":   ctx.Request.Method,
			"path":     ctx.Request.URL.Path,
			"status":   ctx.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("HTTP request")
	}
}
