package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/collab-docs/coderoom/internal/api"
	"github.com/collab-docs/coderoom/internal/auth"
	"github.com/collab-docs/coderoom/internal/config"
	"github.com/collab-docs/coderoom/internal/db"
	"github.com/collab-docs/coderoom/internal/logger"
	"github.com/collab-docs/coderoom/internal/metrics"
	"github.com/collab-docs/coderoom/internal/redis"
	"github.com/collab-docs/coderoom/internal/rooms"
)

func main() {
	cfg := config.Load("8080")
	logger.Configure(cfg.LogLevel, cfg.LogFormat)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Redis; it carries every broadcast
	redisClient, err := redis.Connect(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	pubsub := redis.New(ctx, redisClient)
	defer pubsub.Close()

	// Select room storage
	var (
		registry rooms.Registry
		state    rooms.StateStore
		locker   rooms.Locker
	)
	switch cfg.StoreBackend {
	case config.BackendRedis:
		store := redis.NewStore(redisClient, cfg.RedisKeyPrefix, cfg.DefaultLanguage)
		registry, state, locker = store, store.StateStore(), redis.NewLocker(store, cfg.LockTimeout)
	case config.BackendPostgres:
		database, err := db.New(ctx, cfg.DatabaseURL, cfg.DefaultLanguage)
		if err != nil {
			logger.Fatal("Failed to connect to database: %v", err)
		}
		defer database.Close()
		if err := database.Migrate(ctx); err != nil {
			logger.Fatal("Failed to prepare database: %v", err)
		}
		registry, state, locker = database, database.StateStore(), db.NewLocker(database, cfg.LockTimeout)
	default:
		registry, state, locker = rooms.NewMemoryRegistry(), rooms.NewMemoryStateStore(cfg.DefaultLanguage), rooms.NewKeyedLocker()
	}
	logger.Info("Using %s room store", cfg.StoreBackend)

	coordinator := rooms.NewCoordinator(registry, state, locker, pubsub, rooms.Options{
		PresenceTTL:    cfg.PresenceTTL,
		PublishTimeout: cfg.PublishTimeout,
	})
	go rooms.NewSweeper(coordinator, cfg.SweepInterval).Run(ctx)

	// Create Gin router
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery(), metrics.GinMiddleware())

	// CORS configuration - allow all origins for development
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is *
		MaxAge:           12 * time.Hour,
	}))

	// Register API routes
	handler := api.NewHandler(coordinator, auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL))
	handler.RegisterRoutes(r)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("API Server starting on port %s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed: %v", err)
	}

	cancel()
	logger.Info("Server stopped")
}
