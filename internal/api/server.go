// Package api serves pipeline status and run history over HTTP.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lossprevention/lp-vlm/internal/models"
	"github.com/lossprevention/lp-vlm/internal/processor"
	"github.com/lossprevention/lp-vlm/internal/storage"
)

const maxListLimit = 200

// StatusSource exposes the live run and counters
type StatusSource interface {
	Snapshot() *models.RunResult
	GetStats() processor.Stats
}

// RunReader reads persisted runs
type RunReader interface {
	GetRun(ctx context.Context, runID string) (*models.RunResult, error)
	ListRuns(ctx context.Context, limit int) ([]*models.RunResult, error)
}

// Server is the status HTTP server
type Server struct {
	engine  *gin.Engine
	status  StatusSource
	runs    RunReader
	started time.Time
	logger  *zap.Logger
	httpSrv *http.Server
}

// NewServer builds the routes. runs may be nil when no database is configured.
func NewServer(status StatusSource, runs RunReader, logger *zap.Logger) *Server {
	s := &Server{
		engine:  gin.New(),
		status:  status,
		runs:    runs,
		started: time.Now(),
		logger:  logger.Named("api"),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.setupRoutes()
	s.httpSrv = &http.Server{Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.healthHandler)
	s.engine.GET("/status", s.statusHandler)
	s.engine.GET("/runs", s.listRunsHandler)
	s.engine.GET("/runs/:id", s.getRunHandler)
}

// Handler returns the gin engine
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe blocks until Shutdown is called or the listener fails
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown. After Shutdown it returns
// nil at once and closes ln.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("status server listening", zap.String("addr", ln.Addr().String()))
	if err := s.httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones. It may be
// called before or while Serve runs.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	st := s.status.GetStats()
	resp := gin.H{
		"status":  "ok",
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"storage": s.runs != nil,
		"stats": gin.H{
			"runs":              st.Runs,
			"detections":        st.Detections,
			"inventory_hits":    st.InventoryHits,
			"frames_selected":   st.FramesSelected,
			"selection_errors":  st.SelectionErrors,
			"vlm_calls":         st.VLMCalls,
			"vlm_failures":      st.VLMFailures,
			"average_vlm_ms":    st.AverageVLMMs,
			"inventory_reloads": st.InventoryReloads,
		},
	}
	if !st.LastRunAt.IsZero() {
		resp["last_run_at"] = st.LastRunAt.UTC()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) statusHandler(c *gin.Context) {
	run := s.status.Snapshot()
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no run has started yet"})
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) listRunsHandler(c *gin.Context) {
	if s.runs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "run storage not configured"})
		return
	}
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxListLimit)
	}

	runs, err := s.runs.ListRuns(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list runs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
		return
	}
	if runs == nil {
		runs = []*models.RunResult{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

func (s *Server) getRunHandler(c *gin.Context) {
	if s.runs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "run storage not configured"})
		return
	}
	run, err := s.runs.GetRun(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrRunNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	if err != nil {
		s.logger.Error("failed to load run", zap.String("run_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load run"})
		return
	}
	c.JSON(http.StatusOK, run)
}
