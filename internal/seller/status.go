package seller

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"claw/internal/observability"
	"claw/internal/shared/logging"
)

// StatusServer exposes a small local HTTP surface for health checks and
// Prometheus scraping. It reads runtime state; it never mutates it.
type StatusServer struct {
	runtime *Runtime
	metrics *observability.Metrics
	logger  logging.Logger
	srv     *http.Server
}

// NewStatusServer builds the server for addr.
func NewStatusServer(addr string, runtime *Runtime, metrics *observability.Metrics, logger logging.Logger) *StatusServer {
	s := &StatusServer{
		runtime: runtime,
		metrics: metrics,
		logger:  logging.OrNop(logger),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", s.handleHealth)
	engine.GET("/status", s.handleStatus)
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves in the background. Listen failures are logged, not fatal:
// a seller without a status page still sells.
func (s *StatusServer) Start() {
	go func() {
		s.logger.Info("status server listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server: %v", err)
		}
	}()
}

// Shutdown stops the server, bounded by ctx.
func (s *StatusServer) Shutdown(ctx context.Context) {
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("status server shutdown: %v", err)
	}
}

func (s *StatusServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *StatusServer) handleStatus(c *gin.Context) {
	agent := s.runtime.Agent()
	c.JSON(http.StatusOK, gin.H{
		"agent":      agent.Name,
		"wallet":     agent.WalletAddress,
		"offerings":  s.runtime.Offerings(),
		"connected":  s.runtime.Connected(),
		"reconnects": s.runtime.Reconnects(),
	})
}
