package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/flowboard/flowboard/api"
	"github.com/flowboard/flowboard/internal/config"
	"github.com/flowboard/flowboard/internal/db"
	"github.com/flowboard/flowboard/internal/slogging"
)

func main() {
	cfg := config.LoadConfig()

	if err := slogging.Initialize(slogging.Config{
		Level:            cfg.Logging.Level,
		IsDev:            cfg.Logging.IsDev,
		LogDir:           cfg.Logging.LogDir,
		MaxAgeDays:       cfg.Logging.MaxAgeDays,
		MaxSizeMB:        cfg.Logging.MaxSizeMB,
		MaxBackups:       cfg.Logging.MaxBackups,
		AlsoLogToConsole: cfg.Logging.AlsoLogToConsole,
	}); err != nil {
		panic(err)
	}
	logger := slogging.Get()
	defer func() { _ = logger.Close() }()

	gormDB, err := db.NewGormDB(cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database: %v", err)
		os.Exit(1)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		logger.Error("Failed to migrate schema: %v", err)
		os.Exit(1)
	}

	diagrams := api.NewGormDiagramStore(gormDB)
	sessions := api.NewGormSessionStore(gormDB)
	hub := api.NewWebSocketHub(diagrams, sessions)

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		broadcaster, err := api.NewRedisBroadcaster(hub, client)
		if err != nil {
			logger.Error("Failed to start redis broadcaster: %v", err)
			os.Exit(1)
		}
		defer func() { _ = broadcaster.Close() }()
		hub.SetBroadcaster(broadcaster)
		logger.Info("Redis broadcaster enabled: addr=%s", cfg.Redis.Addr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.StartCleanupTimer(ctx)

	if !cfg.Logging.IsDev {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	api.RegisterRoutes(r, api.NewDiagramHandler(diagrams, sessions), hub, cfg.Auth.JWTSecret)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting server on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down")

	hub.Shutdown()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Forced shutdown: %v", err)
	}
}
