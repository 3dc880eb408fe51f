// Package api exposes the orchestrator over HTTP.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/chunkyard/internal/logging"
	"github.com/zulandar/chunkyard/internal/orchestrator"
	"go.uber.org/zap"
)

// Service is the orchestrator surface the HTTP handlers use.
type Service interface {
	Submit(ctx context.Context, filename string, body io.Reader, chunks int) (*orchestrator.Submission, error)
	Status(ctx context.Context, id string) (*orchestrator.View, error)
	List(ctx context.Context, limit int) ([]*orchestrator.View, error)
	Download(ctx context.Context, id string) (*orchestrator.DownloadRef, error)
	Redeem(ctx context.Context, token string) (*orchestrator.Artifact, error)
	OpenArtifact(ctx context.Context, art *orchestrator.Artifact) (io.ReadCloser, error)
	RecordStats(ctx context.Context, id string, counters map[string]int64) error
	Ping(ctx context.Context) error
}

var _ Service = (*orchestrator.Orchestrator)(nil)

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Service       Service
	Port          int
	MaxUpload     int64
	DefaultChunks int
	Logger        *zap.Logger
	Out           io.Writer
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(opts StartOpts) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logging.OrNop(opts.Logger)))
	registerRoutes(router, opts)
	return router
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Service == nil {
		return fmt.Errorf("api: service is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           NewRouter(opts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			log.Error("request failed", append(fields, zap.String("error", c.Errors.String()))...)
			return
		}
		log.Info("request", fields...)
	}
}
