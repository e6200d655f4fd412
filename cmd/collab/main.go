package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/collab-docs/coderoom/internal/auth"
	"github.com/collab-docs/coderoom/internal/collab"
	"github.com/collab-docs/coderoom/internal/config"
	"github.com/collab-docs/coderoom/internal/logger"
	"github.com/collab-docs/coderoom/internal/redis"
)

func main() {
	cfg := config.Load("8081")
	logger.Configure(cfg.LogLevel, cfg.LogFormat)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Redis
	redisClient, err := redis.Connect(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	pubsub := redis.New(ctx, redisClient)
	defer pubsub.Close()

	// Create channel manager
	manager := collab.NewChannelManager(pubsub)
	defer manager.CloseAll()

	// Create gateway server
	server := collab.NewServer(manager, auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL), cfg.RequireChannelToken)

	mux := http.NewServeMux()
	server.RegisterRoutes(mux)

	// CORS middleware
	handler := corsMiddleware(mux)

	// WriteTimeout stays zero: subscriptions are long-lived
	httpServer := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Gateway starting on port %s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed: %v", err)
	}

	cancel()
	logger.Info("Server stopped")
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
