package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"polyflow/config"
	"polyflow/internal/metrics"
	"polyflow/internal/ratelimit"
	"polyflow/internal/stream"
	"polyflow/logger"
)

// StreamStatus is what the server needs from the background pump.
type StreamStatus interface {
	Status() stream.Status
}

// LimiterStatus is what the server needs from the rate governor.
type LimiterStatus interface {
	Status() []ratelimit.CategoryStatus
}

// Server hosts the Gin-powered operational HTTP surface: stream and rate
// limit status, recent logs and metrics, resource samples, and the
// Prometheus scrape endpoint.
type Server struct {
	cfg    config.DashboardConfig
	log    *logger.Log
	pump   StreamStatus
	limits LimiterStatus

	metricStore   *metricStore
	logStore      *logStore
	metricHandler metrics.MetricHandlerID
	sampler       *resourceSampler
	httpServer    *http.Server
}

// NewServer returns nil when the dashboard feature is disabled.
func NewServer(cfg config.DashboardConfig, pump StreamStatus, limits LimiterStatus, log *logger.Log) *Server {
	if !cfg.Enabled {
		return nil
	}
	if log == nil {
		log = logger.GetLogger()
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.Refresh <= 0 {
		cfg.Refresh = 5 * time.Second
	}
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}

	store := newMetricStore(cfg.LogHistory)
	handlerID := metrics.RegisterMetricHandler(store.handle)

	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	return &Server{
		cfg:           cfg,
		log:           log,
		pump:          pump,
		limits:        limits,
		metricStore:   store,
		logStore:      logStore,
		metricHandler: handlerID,
		sampler:       newResourceSampler(cfg.LogHistory, cfg.Refresh, log.WithComponent("dashboard")),
	}
}

// Run serves until the context is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}
	s.sampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	s.log.WithComponent("dashboard").WithField("address", s.cfg.Address).Info("dashboard listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	s.logStore.close()
	s.sampler.stop()
}

// Address reports the listen address.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/api/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.pump.Status())
	})

	router.GET("/api/ratelimits", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"categories": s.limits.Status()})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		logs := s.logStore.snapshot()
		payload := make([]gin.H, 0, len(logs))
		for _, l := range logs {
			payload = append(payload, gin.H{
				"timestamp": l.Timestamp.Format(time.RFC3339Nano),
				"level":     l.Level,
				"component": l.Component,
				"message":   l.Message,
				"fields":    l.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"logs": payload})
	})

	router.GET("/api/metrics", func(c *gin.Context) {
		snapshot := s.metricStore.snapshot()
		payload := make([]gin.H, 0, len(snapshot))
		for _, m := range snapshot {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	})

	router.GET("/api/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.sampler.snapshot()})
	})

	return router, nil
}

func normalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	if address == "" {
		return ":8080"
	}
	if !strings.Contains(address, ":") {
		return net.JoinHostPort(address, "8080")
	}
	return address
}
