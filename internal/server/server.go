// Package server exposes the run pipeline over HTTP: a public API for
// clients submitting and streaming runs, and an internal API for workers
// reporting progress and requesting sandboxes.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/turntable/internal/admission"
	"github.com/zulandar/turntable/internal/config"
	"github.com/zulandar/turntable/internal/coord"
	"github.com/zulandar/turntable/internal/runlog"
	"github.com/zulandar/turntable/internal/sandbox"
	"gorm.io/gorm"
)

// FailureReporter receives best-effort notifications about failed runs.
type FailureReporter interface {
	RunFailed(runID, userID, reason string)
}

// StartOpts holds configuration for the API server.
type StartOpts struct {
	DB        *gorm.DB
	Admission *admission.Controller
	RunLog    *runlog.Log
	Broker    *coord.Broker
	Sandboxes *sandbox.Manager
	Sweeper   *sandbox.Sweeper
	Stream    config.StreamConfig
	Port      int
	// Reporter may be nil.
	Reporter FailureReporter
	Out      io.Writer
}

// Start launches the HTTP server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Turntable API listening on :%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// NewRouter builds the Gin router with all routes registered. Exposed
// separately so tests can drive it with httptest.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("server: db is required")
	}
	if opts.Admission == nil {
		return nil, fmt.Errorf("server: admission controller is required")
	}
	if opts.RunLog == nil {
		return nil, fmt.Errorf("server: run log is required")
	}
	if opts.Broker == nil {
		return nil, fmt.Errorf("server: broker is required")
	}
	if opts.Sandboxes == nil {
		return nil, fmt.Errorf("server: sandbox manager is required")
	}
	if opts.Sweeper == nil {
		return nil, fmt.Errorf("server: sweeper is required")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts)
	return router, nil
}
