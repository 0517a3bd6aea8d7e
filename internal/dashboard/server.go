package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	appconfig "priceflow/config"
	"priceflow/internal/collector"
	"priceflow/logger"
)

// Server exposes the collector's live view over a small JSON API: current
// prices, tier assignments and health statistics. It is read-only; nothing it
// serves can mutate the pipeline.
type Server struct {
	cfg        appconfig.DashboardConfig
	log        *logger.Log
	collector  *collector.Collector
	store      *statsStore
	httpServer *http.Server
}

// NewServer constructs the status server when the feature is enabled. When it
// is disabled the returned server is nil and safe to Run.
func NewServer(cfg appconfig.DashboardConfig, col *collector.Collector) *Server {
	if !cfg.Enabled {
		return nil
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}

	return &Server{
		cfg:       cfg,
		log:       logger.GetLogger(),
		collector: col,
		store:     newStatsStore(cfg.HistorySize),
	}
}

// Run samples statistics on the refresh interval and serves the API until the
// context is cancelled or the HTTP server fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	log := s.log.WithComponent("dashboard")
	log.WithFields(logger.Fields{"address": s.cfg.Address}).Info("starting status server")

	sampleCtx, stopSampling := context.WithCancel(ctx)
	defer stopSampling()
	go s.sampleLoop(sampleCtx)

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

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
		log.Info("status server stopped")
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

// Address reports the network address the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) sampleLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.store.add(statsSample{
				Timestamp: time.Now().UTC(),
				Stats:     s.collector.Statistics(),
			})
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", func(c *gin.Context) {
		stats := s.collector.Statistics()
		status := http.StatusOK
		if stats.StreamingState == "failed" && stats.UpdatesPerMinute == 0 {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"status":          http.StatusText(status),
			"streaming_state": stats.StreamingState,
			"uptime":          stats.Uptime.String(),
		})
	})

	router.GET("/api/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.collector.Statistics())
	})

	router.GET("/api/stats/history", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"samples": s.store.snapshot()})
	})

	router.GET("/api/prices", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"prices": s.collector.LatestPrices()})
	})

	router.GET("/api/prices/:symbol", func(c *gin.Context) {
		sym := strings.ToUpper(c.Param("symbol"))
		u, ok := s.collector.LatestPrice(sym)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown symbol", "symbol": sym})
			return
		}
		c.JSON(http.StatusOK, u)
	})

	router.GET("/api/tiers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"streaming": s.collector.StreamingTier(),
			"polling":   s.collector.PollingTier(),
			"universe":  s.collector.Universe(),
		})
	})

	router.GET("/api/resources", func(c *gin.Context) {
		payload := gin.H{"timestamp": time.Now().UTC().Format(time.RFC3339Nano)}
		if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
			payload["cpu_percent"] = percents[0]
		}
		if vm, err := mem.VirtualMemory(); err == nil {
			payload["memory_used"] = vm.Used
			payload["memory_total"] = vm.Total
			payload["memory_percent"] = vm.UsedPercent
		}
		c.JSON(http.StatusOK, payload)
	})

	return router, nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8077"
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8077"
		}
		return net.JoinHostPort(host, port)
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8077")
	}
	return addr
}
