package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/NikhilSetiya/agentctx/internal/core"
	"github.com/NikhilSetiya/agentctx/internal/middleware"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the core with its recovery loop and ops endpoints until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, err := opts.openCore(ctx)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = c.Config.Metrics.Addr
			}
			return serve(ctx, c, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "ops listen address (default metrics.addr)")
	return cmd
}

// serve runs c and its ops server until ctx is done, then shuts both down
func serve(ctx context.Context, c *core.Core, addr string) error {
	c.Start(ctx)

	server := &http.Server{
		Addr:              addr,
		Handler:           newOpsRouter(c),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		c.Logger.Info("Ops server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		c.Logger.Info("Shutting down")
	case runErr = <-serverErr:
		c.Logger.Error("Ops server failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		c.Logger.Warn("Ops server shutdown failed", "error", err)
	}
	if err := c.Close(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// newOpsRouter exposes health probes, the status snapshot and Prometheus
// metrics
func newOpsRouter(c *core.Core) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(c.Logger, c.Metrics),
		middleware.LoggingMiddleware(c.Logger),
		middleware.ErrorLoggingMiddleware(c.Logger),
		middleware.MetricsMiddleware(c.Metrics),
	)

	router.GET("/healthz", c.Health.Handler())
	router.GET("/livez", c.Health.LivenessHandler())
	router.GET("/readyz", c.Health.ReadinessHandler())
	router.GET("/metrics", gin.WrapH(c.Metrics.Handler()))
	router.GET("/status", func(ctx *gin.Context) {
		status, err := c.Status(ctx.Request.Context())
		if err != nil {
			_ = ctx.Error(err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		ctx.JSON(http.StatusOK, status)
	})
	return router
}
