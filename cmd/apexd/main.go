// Command apexd is the autonomous development daemon: it wires the Task
// Store, Scheduler, Workflow Executor, Capacity Monitor, and Orchestrator
// Façade behind a single process, exposes them over MCP for tool-driven
// task management, and streams task events over WebSocket for observers.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/JoshuaAFerguson/apex/internal/capacity"
	"github.com/JoshuaAFerguson/apex/internal/common/config"
	"github.com/JoshuaAFerguson/apex/internal/common/logger"
	"github.com/JoshuaAFerguson/apex/internal/db"
	"github.com/JoshuaAFerguson/apex/internal/events"
	"github.com/JoshuaAFerguson/apex/internal/executor"
	"github.com/JoshuaAFerguson/apex/internal/health"
	"github.com/JoshuaAFerguson/apex/internal/mcpserver"
	"github.com/JoshuaAFerguson/apex/internal/orchestrator"
	"github.com/JoshuaAFerguson/apex/internal/scheduler"
	"github.com/JoshuaAFerguson/apex/internal/store/sqlstore"
	"github.com/JoshuaAFerguson/apex/internal/streaming"
	"github.com/JoshuaAFerguson/apex/internal/taskevents"
	"github.com/JoshuaAFerguson/apex/internal/transport"
	"github.com/JoshuaAFerguson/apex/internal/vcs"
	"github.com/JoshuaAFerguson/apex/internal/workspace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig(cfg.Logging))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting apex daemon")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer pool.Close()

	st, err := sqlstore.New(pool, log)
	if err != nil {
		log.Fatal("failed to initialize task store", zap.Error(err))
	}
	log.Info("task store initialized", zap.String("driver", cfg.Database.Driver))

	emitter := taskevents.NewEmitter(log)

	eventBus, closeEventBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer closeEventBus()
	stopRelay := events.Relay(emitter, eventBus.Bus, log)
	defer stopRelay()

	usage := capacity.NewStoreUsage(st, cfg.Limits)
	capMon := capacity.New(cfg.Daemon.TimeBasedUsage, usage, log, nil)

	workspaceDir := os.Getenv("APEX_WORKSPACE_DIR")
	if workspaceDir == "" {
		workspaceDir = "./workspaces"
	}
	workspaceImage := os.Getenv("APEX_WORKSPACE_IMAGE")
	workspaceMgr := workspace.NewManager(workspaceDir, workspaceImage, log)

	vcsRunner := vcs.New(log)
	transportRouter := transport.New(log)

	exec := executor.New(st, workspaceMgr, capMon, transportRouter, emitter, cfg.Limits, cfg.Daemon.SessionRecovery, log)

	sched := scheduler.New(st, exec, capMon, emitter, cfg.Limits, cfg.Daemon.SessionRecovery, cfg.Daemon, log)

	var healthMon *health.Monitor
	if cfg.Daemon.Watchdog.Enabled {
		interval := time.Duration(cfg.Daemon.Watchdog.IntervalSeconds) * time.Second
		healthMon = health.New(interval, log,
			func(ctx context.Context) error {
				return pool.Writer().PingContext(ctx)
			},
			func(ctx context.Context) error {
				if !sched.IsTaskRunnerActive() {
					return fmt.Errorf("scheduler task runner inactive")
				}
				return nil
			},
		)
	}

	orch := orchestrator.New(cfg, st, sched, exec, capMon, workspaceMgr, vcsRunner, healthMon, emitter, log)
	if err := orch.Initialize(ctx); err != nil {
		log.Fatal("failed to initialize orchestrator", zap.Error(err))
	}
	log.Info("orchestrator initialized")

	hub := streaming.NewHub(emitter, log)
	go hub.Run(ctx)
	streamHandler := streaming.NewHandler(hub, log)

	mcpSrv := mcpserver.NewWithLogger(mcpserver.DefaultConfig(), orch, log)
	go func() {
		if err := mcpSrv.Start(ctx); err != nil {
			log.Error("mcp server stopped", zap.Error(err))
		}
	}()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	streamHandler.RegisterRoutes(router)
	router.GET("/health", func(c *gin.Context) {
		body := gin.H{"status": "ok", "service": "apexd"}
		if healthMon != nil {
			body["watchdog"] = healthMon.GetStatus()
		}
		c.JSON(http.StatusOK, body)
	})

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("task event stream listening", zap.Int("port", port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start http server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down apex daemon")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	if err := mcpSrv.Stop(shutdownCtx); err != nil {
		log.Error("mcp server shutdown error", zap.Error(err))
	}
	orch.Shutdown()

	log.Info("apex daemon stopped")
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
