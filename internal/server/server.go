// Package server exposes the session service over HTTP: a JSON API for
// votes, messages and proposals, and a server-sent event stream per session.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/converge/internal/session"
)

// DefaultHeartbeat is the SSE keep-alive interval.
const DefaultHeartbeat = 15 * time.Second

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Service   *session.Service
	Port      int
	Heartbeat time.Duration
	Out       io.Writer
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Service == nil {
		return fmt.Errorf("server: service is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           NewRouter(opts.Service, opts.Heartbeat),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// NewRouter returns the gin engine serving the API.
func NewRouter(svc *session.Service, heartbeat time.Duration) *gin.Engine {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, svc, heartbeat)
	return router
}
