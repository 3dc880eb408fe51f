package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/chunkyard/internal/orchestrator"
)

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	svc := opts.Service
	router.POST("/upload", handleUpload(svc, opts.DefaultChunks, opts.MaxUpload))
	router.GET("/status/:id", handleStatus(svc))
	router.GET("/jobs", handleJobs(svc))
	router.POST("/jobs/:id/stats", handleStats(svc))
	router.GET("/download/:id", handleDownload(svc))
	router.GET("/files/:token", handleFile(svc))
	router.GET("/healthz", handleHealth(svc))
}

func handleUpload(svc Service, defaultChunks int, maxUpload int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		chunks := defaultChunks
		if raw := c.Query("chunks"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "chunks must be an integer"})
				return
			}
			chunks = n
		}
		if maxUpload > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUpload)
		}
		fh, err := c.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field \"file\" is required"})
			return
		}
		f, err := fh.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		defer f.Close()

		sub, err := svc.Submit(c.Request.Context(), fh.Filename, f, chunks)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"job_id":     sub.JobID,
			"message":    "File uploaded, processing started",
			"input_file": sub.InputFile,
		})
	}
}

func handleStatus(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, err := svc.Status(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, v)
	}
}

func handleJobs(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		views, err := svc.List(c.Request.Context(), limit)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"jobs": views})
	}
}

func handleStats(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var counters map[string]int64
		if err := c.ShouldBindJSON(&counters); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a JSON object of integer counters"})
			return
		}
		id := c.Param("id")
		if err := svc.RecordStats(c.Request.Context(), id, counters); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"job_id": id, "recorded": len(counters)})
	}
}

func handleDownload(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ref, err := svc.Download(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, ref)
	}
}

func handleFile(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		art, err := svc.Redeem(ctx, c.Param("token"))
		if err != nil {
			writeError(c, err)
			return
		}
		if art.URL != "" {
			c.Redirect(http.StatusFound, art.URL)
			return
		}
		rc, err := svc.OpenArtifact(ctx, art)
		if err != nil {
			writeError(c, err)
			return
		}
		defer rc.Close()
		c.DataFromReader(http.StatusOK, -1, "text/csv", rc, map[string]string{
			"Content-Disposition": fmt.Sprintf("attachment; filename=%q", art.Name),
		})
	}
}

func handleHealth(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// writeError maps orchestrator errors to HTTP responses.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, orchestrator.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, orchestrator.ErrTokenInvalid):
		c.JSON(http.StatusNotFound, gin.H{"error": "download link invalid or expired"})
	case errors.Is(err, orchestrator.ErrNotReady):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
