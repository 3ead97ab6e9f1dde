// Package dashboard serves the operator HTTP surface: health, account and
// connection status, the verification callback and Prometheus metrics.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/zulandar/mjgate/internal/fleet"
	"github.com/zulandar/mjgate/internal/verify"
)

// Fleet is what the dashboard reads and drives.
type Fleet interface {
	Statuses(ctx context.Context) ([]fleet.Status, error)
	ResolveVerification(ctx context.Context, o verify.Outcome) error
}

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Fleet  Fleet
	Listen string
	Out    io.Writer
	Logger zerolog.Logger

	// StatusInterval paces the /api/events stream.
	StatusInterval time.Duration
}

// Start launches the dashboard HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Fleet == nil {
		return fmt.Errorf("dashboard: fleet is required")
	}
	if opts.Listen == "" {
		opts.Listen = ":8080"
	}

	srv := &http.Server{
		Addr:              opts.Listen,
		Handler:           newRouter(opts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dashboard listening on %s\n", opts.Listen)
	}

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

func newRouter(opts StartOpts) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts)
	return router
}
