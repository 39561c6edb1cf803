package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"syncmesh/internal/core/domain"
	"syncmesh/internal/core/ports"
	"syncmesh/internal/core/services"
	httphandlers "syncmesh/internal/handlers/http"
	"syncmesh/internal/infrastructure/a2a"
	backupinfra "syncmesh/internal/infrastructure/backup"
	"syncmesh/internal/infrastructure/compression"
	"syncmesh/internal/infrastructure/distributed"
	"syncmesh/internal/infrastructure/loadbalancer"
	"syncmesh/internal/infrastructure/middleware"
	"syncmesh/internal/infrastructure/monitoring"
	"syncmesh/internal/infrastructure/prediction"
	repositories "syncmesh/internal/infrastructure/repositories"
	redisrepo "syncmesh/internal/infrastructure/repositories/redis"
	"syncmesh/internal/infrastructure/reliability"
	"syncmesh/internal/infrastructure/scheduler"
	"syncmesh/internal/infrastructure/streaming"
	"syncmesh/internal/infrastructure/transport"
	"syncmesh/pkg/backup"
	"syncmesh/pkg/circuitbreaker"
	"syncmesh/pkg/config"
	locks "syncmesh/pkg/distributed"
	"syncmesh/pkg/logger"
	"syncmesh/pkg/retry"
	"syncmesh/pkg/tracing"
	"syncmesh/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// instanceID names this coordinator on the cluster bus and in the shared
// agent registry. Hostname keeps it readable in container deployments,
// the suffix keeps two processes on one host apart.
func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "coordinator"
	}
	b := make([]byte, 3)
	rand.Read(b)
	return fmt.Sprintf("%s-%s", host, hex.EncodeToString(b))
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

	instance := instanceID()
	log.Infow("starting SyncMesh coordinator",
		"instance", instance,
		"api", cfg.Server.Address,
		"a2a", cfg.A2A.Address,
		"jwt_secret", utils.MaskSensitive(cfg.Auth.JWTSecret, 4),
	)

	// Background context for everything that outlives a single request
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Initialize tracing
	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "syncmesh-coordinator",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Errorw("error shutting down tracer provider", "error", err)
		}
	}()

	// Initialize repository factory
	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer repoFactory.Close()

	redisClient := repoFactory.RedisClient()
	if redisClient != nil {
		if err := redisrepo.Migrate(appCtx, redisClient, log); err != nil {
			log.Fatalw("failed to run schema migrations", "error", err)
		}
	}

	// Initialize repositories
	sessionRepo := repoFactory.CreateSessionRepository()
	agentRepo := repoFactory.CreateAgentRepository()

	// Snapshot backups and optional restore of the previous state
	var backupScheduler *backupinfra.Scheduler
	if cfg.Backup.Enabled {
		storage, err := backup.NewFileStorage(cfg.Backup.Dir)
		if err != nil {
			log.Fatalw("failed to open backup directory", "error", err)
		}
		snapshots := backup.NewService(storage, "1")

		if os.Getenv("SYNCMESH_RESTORE_ON_BOOT") == "1" {
			restore := backupinfra.NewRestoreService(snapshots, sessionRepo, agentRepo, log)
			if err := restore.RestoreLatest(appCtx, backupinfra.DefaultRestoreOptions()); err != nil {
				log.Warnw("failed to restore latest snapshot", "error", err)
			}
		}

		// On a cluster only one instance should write snapshots at a time
		var backupLock *locks.Lock
		if redisClient != nil {
			backupLock = locks.NewLock(redisClient, "syncmesh:lock:backup", 5*time.Minute)
		}

		backupScheduler = backupinfra.NewScheduler(snapshots, sessionRepo, agentRepo, backupLock, backupinfra.Config{
			Interval: cfg.Backup.Interval,
			Keep:     cfg.Backup.Keep,
		}, log)
		go backupScheduler.Start(appCtx)
	}

	// Initialize monitoring
	collector := monitoring.NewPrometheusCollector()

	// Shared periodic task runner for the services
	sched := scheduler.NewTickerScheduler(log)
	defer sched.Stop()

	// Agent-to-agent bus: websocket hub for directly connected agents,
	// bridged over Redis when clustering is enabled
	wsBusCfg := a2a.WebSocketBusConfig{
		PingInterval:   cfg.A2A.PingInterval,
		PongTimeout:    cfg.A2A.PongTimeout,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		wsBusCfg.MessagesPerSecond = cfg.RateLimiting.A2A.MessagesPerSecond
		wsBusCfg.MessageBurst = cfg.RateLimiting.A2A.Burst
		wsBusCfg.MaxMessageBytes = cfg.RateLimiting.A2A.MaxMessageSize
	}
	wsBus := a2a.NewWebSocketBus(wsBusCfg, log)

	var bus ports.MessageBus = wsBus
	if redisClient != nil {
		bus = a2a.NewBridgedBus(wsBus, a2a.NewRedisBus(redisClient, instance, log), log)
	}

	bus.Subscribe(func(ctx context.Context, env *domain.Envelope) {
		collector.RecordEnvelope(string(env.Type))
	})

	// Shared agent registry keeps cluster instances aware of each other's
	// agents; the mirror feeds it from coordination lifecycle events
	var registry *distributed.SharedAgentRegistry
	var registryMirror *distributed.RegistryMirror
	if redisClient != nil {
		registry = distributed.NewSharedAgentRegistry(redisClient, instance, log)
		registryMirror = distributed.NewRegistryMirror(registry, log)

		bus.Subscribe(func(ctx context.Context, env *domain.Envelope) {
			if env.Type == domain.MsgHeartbeat {
				if err := registry.RefreshAgent(ctx, env.From); err != nil {
					log.Debugw("failed to refresh agent in shared registry",
						"agent_id", env.From, "error", err)
				}
			}
		})
	}

	// Initialize WebRTC transport. Per-connection codec preferences come
	// from the session service, so only ICE servers are set here.
	rtcTransport, err := transport.NewWebRTCTransport(transport.Config{
		ICEServers: cfg.ICEServerURLs(),
	}, log)
	if err != nil {
		log.Fatalw("failed to create WebRTC transport", "error", err)
	}
	defer rtcTransport.Close()

	// Initialize services
	bufferService := services.NewBufferService(services.BufferConfig{
		Tolerance:     cfg.Synchronization.Tolerance,
		TargetLatency: cfg.Quality.TargetLatency,
	}, log, collector)

	var model ports.PredictionModel
	if cfg.Quality.MLPrediction {
		model = prediction.NewEMAModel()
	}
	qualityService := services.NewQualityService(model, log, collector)

	var cacheService ports.CacheService
	if cfg.Caching.Enabled {
		var origin ports.OriginFetcher
		if cfg.Caching.OriginURL != "" {
			origin, err = repositories.NewHTTPOriginFetcher(cfg.Caching.OriginURL, cfg.Caching.OriginTimeout, log)
			if err != nil {
				log.Fatalw("failed to create origin fetcher", "error", err)
			}
		}

		nodes := []services.EdgeNodeHandle{
			{
				Node: &domain.EdgeNode{
					ID:       instance,
					Capacity: cfg.Caching.MaxSize,
					Online:   true,
				},
				Store: repoFactory.CreateCacheStore(),
			},
		}
		cacheService = services.NewCacheService(services.CacheServiceConfig{
			TTL:               cfg.Caching.TTL,
			Replicas:          cfg.Caching.Replicas,
			AnalyticsInterval: cfg.Caching.AnalyticsInterval,
		}, nodes, loadbalancer.NewNodeRing(), origin, compression.NewDefaultGzipCodec(), sched, log, collector)
	}

	var coordinationService ports.CoordinationService
	if cfg.A2A.EnableCoordination {
		coordinationObservers := []ports.CoordinationObserver{collector}
		if registryMirror != nil {
			coordinationObservers = append(coordinationObservers, registryMirror)
		}
		base := services.NewCoordinationService(services.CoordinationConfig{
			VotingWindow:      cfg.A2A.VotingWindow,
			VotingTimeout:     cfg.A2A.VotingTimeout,
			HeartbeatInterval: cfg.A2A.HeartbeatInterval,
			FailoverTimeout:   cfg.A2A.FailoverTimeout,
		}, agentRepo, bus, sched, log, coordinationObservers...)
		coordinationService = reliability.NewCoordinationServiceWrapper(base, retry.DefaultConfig(), circuitbreaker.DefaultConfig(), log)
	}

	metricsService := services.NewMetricsService()
	batchedMetrics := services.NewBatchedMetricsService(metricsService, 50, time.Second, log)
	defer batchedMetrics.Stop()

	sessionService := services.NewSessionService(services.SessionConfig{
		SyncInterval:        cfg.Synchronization.SyncInterval,
		SyncTolerance:       cfg.Synchronization.Tolerance,
		QualityEvalInterval: cfg.Quality.EvalInterval,
		HealthSweepInterval: cfg.Performance.HealthSweepInterval,
		PauseAfterIdle:      cfg.Performance.PauseAfterIdle,
		EndAfterIdle:        cfg.Performance.EndAfterIdle,
		PredictiveBuffering: cfg.Quality.MLPrediction,
		ConnectionOptions: domain.ConnectionOptions{
			ICEServers:           cfg.ICEServerURLs(),
			PreferredVideoCodec:  cfg.WebRTC.PreferredVideoCodec,
			PreferredAudioCodec:  cfg.WebRTC.PreferredAudioCodec,
			HardwareAcceleration: cfg.WebRTC.HardwareAccel,
		},
	}, sessionRepo, rtcTransport, bufferService, qualityService, cacheService, coordinationService, batchedMetrics, bus, sched, log, collector)

	// Inbound media flows transport -> chunker -> buffer pools. The binder
	// keeps chunker routes in step with stream lifecycle.
	chunker := streaming.NewChunker(streaming.Config{}, bufferService, log)
	rtcTransport.SetMediaSink(func(sample transport.MediaSample) {
		chunker.Ingest(appCtx, sample)
	})
	boundSessions := streaming.NewMediaBinder(sessionService, chunker)

	// Read-mostly lookups go through a short-lived cache
	cachedSessions := services.NewCachedSessionService(boundSessions, 10*time.Second)

	authService := services.NewAuthService(
		cfg.Auth.JWTSecret,
		cfg.Auth.AccessTokenTTL,
		cfg.Auth.RefreshTokenTTL,
		cachedSessions,
	)

	// Initialize HTTP handlers
	authHandler := httphandlers.NewAuthHandler(authService, cfg.Auth.AccessTokenTTL)
	sessionHandler := httphandlers.NewSessionHandler(cachedSessions, qualityService, cacheService, batchedMetrics, authService)
	agentHandler := httphandlers.NewAgentHandler(coordinationService, agentRepo)

	// Health checks
	healthChecker := monitoring.NewHealthChecker(log)
	healthChecker.AddSessionStoreCheck(sessionRepo, 15*time.Second, 2*time.Second)
	if redisClient != nil {
		healthChecker.AddRedisCheck(redisClient, 15*time.Second, 2*time.Second)
	}
	if backupScheduler != nil {
		healthChecker.AddStalenessCheck("backup_snapshots", backupScheduler.LastRun, 3*cfg.Backup.Interval, time.Minute, 2*time.Second)
	}
	healthChecker.StartBackgroundChecks(appCtx)

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	// Global HTTP rate limiting (if enabled)
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	// Setup auth routes (public)
	authHandler.SetupRoutes(router)

	// Setup session and agent routes with authentication
	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(authService))
	{
		api.POST("/sessions", sessionHandler.CreateSession)
		api.GET("/sessions", sessionHandler.ListSessions)
		api.GET("/sessions/:id", middleware.SessionPermissionMiddleware(authService, domain.RoleViewer), sessionHandler.GetSession)
		api.DELETE("/sessions/:id", middleware.SessionPermissionMiddleware(authService, domain.RoleOwner), sessionHandler.EndSession)
		api.GET("/sessions/:id/metrics", middleware.SessionPermissionMiddleware(authService, domain.RoleViewer), sessionHandler.GetSessionMetrics)
		api.POST("/sessions/:id/degrade", middleware.SessionPermissionMiddleware(authService, domain.RoleOwner), sessionHandler.EmergencyDegrade)

		api.POST("/sessions/:id/streams", middleware.SessionPermissionMiddleware(authService, domain.RoleModerator), sessionHandler.StartStream)
		api.DELETE("/sessions/:id/streams/:stream_id", middleware.SessionPermissionMiddleware(authService, domain.RoleModerator), sessionHandler.StopStream)
		api.POST("/sessions/:id/streams/:stream_id/adapt", sessionHandler.AdaptQuality)
		api.PUT("/sessions/:id/streams/:stream_id/quality", middleware.SessionPermissionMiddleware(authService, domain.RoleOwner), sessionHandler.ForceQuality)

		if cfg.Caching.Enabled {
			api.POST("/cache/invalidate", sessionHandler.InvalidateCache)
		}

		if cfg.A2A.EnableCoordination {
			api.POST("/agents", agentHandler.RegisterAgent)
			api.GET("/agents", agentHandler.ListAgents)
			api.POST("/agents/:id/heartbeat", agentHandler.AgentHeartbeat)
			api.DELETE("/agents/:id", agentHandler.UnregisterAgent)
		}
	}

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		status := healthChecker.CheckAll(c.Request.Context())
		code := 200
		if status.Status != "healthy" {
			code = 503
		}
		c.JSON(code, gin.H{
			"status":    status.Status,
			"timestamp": status.Timestamp,
			"uptime":    utils.FormatDuration(time.Since(startTime)),
			"checks":    status.Checks,
		})
	})

	// Readiness endpoint
	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := repoFactory.HealthCheck(ctx); err != nil {
			c.JSON(503, gin.H{
				"status":       "not_ready",
				"timestamp":    time.Now(),
				"dependencies": "unhealthy",
				"error":        err.Error(),
			})
			return
		}

		c.JSON(200, gin.H{
			"status":       "ready",
			"timestamp":    time.Now(),
			"dependencies": "ok",
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

	// Separate listener for agent websocket links. Agents hold their
	// connections open, so the control-plane write timeout cannot apply.
	a2aMux := http.NewServeMux()
	a2aMux.HandleFunc("/ws", wsBus.HandleAgentSocket)
	a2aSrv := &http.Server{
		Addr:        cfg.A2A.Address,
		Handler:     a2aMux,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	// Start servers in goroutines
	serverErr := make(chan error, 2)
	go func() {
		log.Infof("Starting SyncMesh coordinator API on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()
	go func() {
		log.Infof("Starting SyncMesh A2A bus on %s", cfg.A2A.Address)
		if err := a2aSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

	log.Info("Shutting down SyncMesh coordinator...")
	appCancel()

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Shutdown HTTP servers gracefully
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		// Force close if graceful shutdown fails
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}
	if err := a2aSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during A2A server shutdown", "error", err)
		if closeErr := a2aSrv.Close(); closeErr != nil {
			log.Errorw("Error force closing A2A server", "error", closeErr)
		}
	}

	// Drop this instance's agents from the shared registry so peers stop
	// routing to them
	if registry != nil {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := registry.CleanupInstanceAgents(cleanupCtx, instance); err != nil {
			log.Errorw("Error cleaning up shared registry", "error", err)
		}
		cancel()
	}

	if err := bus.Close(); err != nil {
		log.Errorw("Error closing A2A bus", "error", err)
	}

	log.Info("SyncMesh coordinator stopped")
}
