package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"syncmesh/internal/core/domain"
	"syncmesh/internal/core/ports"
	"syncmesh/internal/core/services"
	httphandlers "syncmesh/internal/handlers/http"
	"syncmesh/internal/infrastructure/compression"
	"syncmesh/internal/infrastructure/loadbalancer"
	"syncmesh/internal/infrastructure/middleware"
	"syncmesh/internal/infrastructure/monitoring"
	"syncmesh/internal/infrastructure/repositories"
	"syncmesh/internal/infrastructure/repositories/memory"
	"syncmesh/internal/infrastructure/scheduler"
	"syncmesh/pkg/config"
	"syncmesh/pkg/logger"
	"syncmesh/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// nodeIdentity resolves this edge node's id and region. Deployments set
// SYNCMESH_EDGE_ID and SYNCMESH_EDGE_REGION; the fallbacks keep a bare
// binary usable for local work.
func nodeIdentity() (string, string) {
	id := os.Getenv("SYNCMESH_EDGE_ID")
	if id == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			id = host
		} else {
			id = "edge-local"
		}
	}
	region := os.Getenv("SYNCMESH_EDGE_REGION")
	if region == "" {
		region = "local"
	}
	return id, region
}

func main() {
	startTime := time.Now()

	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/root/configs/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}

	if err != nil {
		// Fallback to defaults if config cannot be loaded
		cfg = config.DefaultConfig()
	}

	// Initialize logger
	log := logger.New(cfg.Logging.Level)
	defer log.Sync()

	if !cfg.Caching.Enabled {
		log.Fatal("edge node requires caching enabled in config")
	}

	nodeID, region := nodeIdentity()
	log.Infow("starting SyncMesh edge node", "node_id", nodeID, "region", region)

	// Initialize monitoring
	collector := monitoring.NewPrometheusCollector()

	sched := scheduler.NewTickerScheduler(log)
	defer sched.Stop()

	// Origin fallback for cache misses
	var origin ports.OriginFetcher
	if cfg.Caching.OriginURL != "" {
		origin, err = repositories.NewHTTPOriginFetcher(cfg.Caching.OriginURL, cfg.Caching.OriginTimeout, log)
		if err != nil {
			log.Fatalw("failed to create origin fetcher", "error", err)
		}
	} else {
		log.Warn("no origin configured, cache misses will fail")
	}

	// Initialize cache service over this node's local store
	nodes := []services.EdgeNodeHandle{
		{
			Node: &domain.EdgeNode{
				ID:       nodeID,
				Region:   region,
				Capacity: cfg.Caching.MaxSize,
				Online:   true,
			},
			Store: memory.NewMemoryCacheStore(),
		},
	}
	cacheService := services.NewCacheService(services.CacheServiceConfig{
		TTL:               cfg.Caching.TTL,
		Replicas:          1, // single local node
		AnalyticsInterval: cfg.Caching.AnalyticsInterval,
	}, nodes, loadbalancer.NewNodeRing(), origin, compression.NewDefaultGzipCodec(), sched, log, collector)

	// Initialize HTTP handlers
	cacheHandler := httphandlers.NewCacheHandler(cacheService)

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))

	// Global HTTP rate limiting (if enabled)
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	// Content routes
	cacheHandler.SetupRoutes(router)

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    utils.FormatDuration(time.Since(startTime)),
			"node_id":   nodeID,
			"region":    region,
		})
	})

	// Readiness endpoint
	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if _, err := cacheService.Stats(ctx); err != nil {
			c.JSON(503, gin.H{
				"status":    "not_ready",
				"timestamp": time.Now(),
				"error":     err.Error(),
			})
			return
		}

		c.JSON(200, gin.H{
			"status":    "ready",
			"timestamp": time.Now(),
		})
	})

	// Prometheus metrics endpoint
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting SyncMesh edge node on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for shutdown signals or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down SyncMesh edge node...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Shutdown HTTP server gracefully
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		// Force close if graceful shutdown fails
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}

	log.Info("SyncMesh edge node stopped")
}
