package supervisor

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rapidaai/bridge/pkg/commons"
)

// HealthResponse is the JSON body of GET /health (spec.md §6).
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// Server exposes the Bridge's HTTP surface: GET /health and GET /stats.
type Server struct {
	serviceName string
	stats       *Aggregator
	logger      commons.Logger
	httpServer  *http.Server

	shuttingDown atomic.Bool
}

// NewServer builds a gin engine with the two routes and wraps it in an
// *http.Server bound to addr, mirroring the teacher's HealthCheckRoutes
// registration shape (api/assistant-api/router/healthcheck.go) generalized
// from readiness/healthz to health/stats.
func NewServer(addr, serviceName string, stats *Aggregator, logger commons.Logger) *Server {
	s := &Server{serviceName: serviceName, stats: stats, logger: logger}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", s.handleHealth)
	engine.GET("/stats", s.handleStats)

	s.httpServer = &http.Server{Addr: addr, Handler: engine}
	return s
}

// Run serves until ctx is cancelled, then shuts down the HTTP server
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// BeginShutdown marks the Supervisor as shutting down, so /health starts
// returning 503 immediately on SIGTERM receipt (spec.md S6 scenario),
// ahead of the rest of the drain sequence completing.
func (s *Server) BeginShutdown() {
	s.shuttingDown.Store(true)
}

func (s *Server) handleHealth(c *gin.Context) {
	if !s.stats.Healthy(s.shuttingDown.Load()) {
		c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Service: s.serviceName})
		return
	}
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Service: s.serviceName})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.stats.Snapshot())
}
