package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dbtune/backend/internal/config"
	"github.com/dbtune/backend/internal/handler"
	"github.com/dbtune/backend/internal/lifecycle"
	"github.com/dbtune/backend/internal/logx"
	"github.com/dbtune/backend/internal/security"
	"github.com/dbtune/backend/internal/service"
	"github.com/dbtune/backend/internal/store"
	"github.com/dbtune/backend/internal/targetdb"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	// Missing .env is fine; container deployments use real env vars.
	_ = godotenv.Load()

	logger, closeLogger, err := logx.Init("dbtune-server")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() {
		if err := closeLogger(); err != nil {
			slog.Error("failed to close logger", "error", err)
		}
	}()

	stdLog := slog.NewLogLogger(logger.Handler(), slog.LevelInfo)
	log.SetFlags(0)
	log.SetOutput(stdLog.Writer())

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "dbtune.db")
	slog.Info("initializing database", "component", "store", "db_path", dbPath)
	if err := store.InitDB(dbPath); err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.CloseDB()
	slog.Info("database initialized", "component", "store")

	cipher, err := security.NewCredentialCipherFromEnv()
	if err != nil {
		log.Fatalf("Failed to initialize credential cipher: %v", err)
	}

	connStore := store.NewConnectionStore()
	ksStore := store.NewKillSwitchStore()
	recStore := store.NewRecommendationStore()
	execStore := store.NewExecutionStore()

	pool := targetdb.NewPool(connStore, cipher, cfg.TargetMaxOpenConns)
	defer pool.Close()

	ctx := context.Background()

	// A crash mid-statement leaves step rows in_progress; fail them so the
	// operator can skip past.
	if n, err := recStore.RecoverStaleSteps(ctx); err != nil {
		log.Fatalf("Failed to recover interrupted steps: %v", err)
	} else if n > 0 {
		slog.Warn("marked interrupted steps as failed", "component", "store", "count", n)
	}

	killSwitchSvc, err := service.NewKillSwitchService(ctx, ksStore, connStore)
	if err != nil {
		log.Fatalf("Failed to restore kill-switch state: %v", err)
	}

	drainState := lifecycle.NewDrainManager()

	connSvc := service.NewConnectionService(connStore, cipher, pool)
	recSvc := service.NewRecommendationService(recStore, connStore)
	executorSvc := service.NewExecutorService(pool, recStore, cfg.TargetConnTimeout)
	orchestratorSvc := service.NewOrchestratorService(killSwitchSvc, recSvc, executorSvc, execStore, drainState, cfg.InterItemDelay)

	killSwitchHandler := handler.NewKillSwitchHandler(killSwitchSvc)
	connectionHandler := handler.NewConnectionHandler(connSvc)
	recommendationHandler := handler.NewRecommendationHandler(recSvc, executorSvc)
	executionHandler := handler.NewExecutionHandler(orchestratorSvc, drainState)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logx.RequestIDMiddleware())
	r.Use(logx.ActorMiddleware())
	r.Use(logx.AccessLogMiddleware("api_http"))

	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-Request-ID", "X-Actor", "Upgrade", "Connection", "Sec-WebSocket-Key", "Sec-WebSocket-Version", "Sec-WebSocket-Extensions", "Sec-WebSocket-Protocol"},
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	r.Use(func(c *gin.Context) {
		if drainState.IsDraining() && c.Request.URL.Path != "/health" && c.Request.URL.Path != "/readyz" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service is draining"})
			return
		}
		c.Next()
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if drainState.IsDraining() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "draining"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1")
	killSwitchHandler.RegisterRoutes(api)
	connectionHandler.RegisterRoutes(api)
	recommendationHandler.RegisterRoutes(api)
	executionHandler.RegisterRoutes(api)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("api server starting", "component", "http_server", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down API server...")

	drainState.StartDraining()
	time.Sleep(2 * time.Second)

	ctxShutdown, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctxShutdown); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	// In-flight batch runs and websocket streams get the same grace period.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer drainCancel()
	if err := drainState.Wait(drainCtx); err != nil {
		log.Printf("Drained with timeout, remaining in-flight work: %d", drainState.Active())
	}

	log.Println("API server stopped")
}
