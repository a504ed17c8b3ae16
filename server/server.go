package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/jupark12/recipe-ingest/gateway"
	"github.com/jupark12/recipe-ingest/notify"
	"github.com/jupark12/recipe-ingest/store"
)

// Server handles HTTP requests for recipe imports and job status.
type Server struct {
	gateway  *gateway.Gateway
	hub      *notify.Hub
	httpAddr string
	engine   *gin.Engine
	httpSrv  *http.Server
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// importRequest is the body of POST /recipes/import.
type importRequest struct {
	RequesterID string `json:"requester_id"`
	SourceURL   string `json:"source_url"`
}

// NewServer builds the HTTP boundary. limiter, when non-nil, is applied to
// the import route only.
func NewServer(gw *gateway.Gateway, hub *notify.Hub, httpAddr string, limiter gin.HandlerFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		gateway:  gw,
		hub:      hub,
		httpAddr: httpAddr,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger(), corsMiddleware())

	imports := []gin.HandlerFunc{s.handleImport}
	if limiter != nil {
		imports = append([]gin.HandlerFunc{limiter}, imports...)
	}
	r.POST("/recipes/import", imports...)
	r.GET("/jobs/:job_id", s.handleJobStatus)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if hub != nil {
		r.GET("/ws", s.handleWebSocket)
	}

	s.engine = r
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves HTTP in the background. Listener errors other than a clean
// shutdown are sent on the returned channel.
func (s *Server) Start() <-chan error {
	s.httpSrv = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.httpAddr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	return errc
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// handleImport accepts a recipe import and returns its job id.
func (s *Server) handleImport(c *gin.Context) {
	var req importRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body must be JSON with source_url"})
		return
	}

	jobID, err := s.gateway.Submit(c.Request.Context(), gateway.SubmitRequest{
		RequesterID: req.RequesterID,
		SourceURL:   req.SourceURL,
	})
	if err != nil {
		var verr *gateway.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
			return
		}
		s.logger.Error("import failed", "source_url", req.SourceURL, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to queue import"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "ACCEPTED", "job_id": jobID})
}

// handleJobStatus returns the status view of one job.
func (s *Server) handleJobStatus(c *gin.Context) {
	view, err := s.gateway.Status(c.Request.Context(), c.Param("job_id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		s.logger.Error("status lookup failed", "job_id", c.Param("job_id"), "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
		return
	}
	c.JSON(http.StatusOK, view)
}

// handleWebSocket subscribes the client to job updates.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	s.hub.RegisterClient(conn)

	// Clients never send anything useful; reading detects disconnects.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.UnregisterClient(conn)
				return
			}
		}
	}()
}
