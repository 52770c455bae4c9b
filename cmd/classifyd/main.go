// Package main wires together the classification API service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nexa-labs/classifyd/internal/api"
	redisbroker "github.com/nexa-labs/classifyd/internal/broker/redis"
	"github.com/nexa-labs/classifyd/internal/clock/system"
	"github.com/nexa-labs/classifyd/internal/config"
	"github.com/nexa-labs/classifyd/internal/dispatcher"
	"github.com/nexa-labs/classifyd/internal/engine"
	"github.com/nexa-labs/classifyd/internal/gateway/ws"
	"github.com/nexa-labs/classifyd/internal/id/uuid"
	"github.com/nexa-labs/classifyd/internal/logging"
	"github.com/nexa-labs/classifyd/internal/metrics"
	"github.com/nexa-labs/classifyd/internal/relay"
	"github.com/nexa-labs/classifyd/internal/storage/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: cfg.ConnLifetime(),
	})
	if err != nil {
		logger.Fatal("postgres init failed", zap.Error(err))
	}
	defer pool.Close()

	taskStore, err := postgres.NewTaskStore(pool)
	if err != nil {
		logger.Fatal("task store init failed", zap.Error(err))
	}
	catalogStore, err := postgres.NewCatalogStore(pool)
	if err != nil {
		logger.Fatal("catalog store init failed", zap.Error(err))
	}

	broker, err := redisbroker.New(ctx, redisbroker.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logger.Fatal("redis init failed", zap.Error(err))
	}
	defer broker.Close()

	hub := ws.NewHub(logger.Named("ws"))
	engineClient := engine.New(engine.Config{
		BaseURL: cfg.Engine.BaseURL,
		Timeout: cfg.EngineTimeout(),
	})

	dispatch := dispatcher.New(
		taskStore,
		catalogStore,
		broker,
		hub,
		engineClient,
		system.New(),
		uuid.New(),
		dispatcher.Config{
			ListenTimeout:      cfg.ListenTimeout(),
			TerminateOnFailure: cfg.Dispatcher.TerminateOnFailure,
		},
		logger.Named("dispatcher"),
	)

	apiServer := api.NewServer(dispatch, taskStore, catalogStore, hub.JoinHandler(), cfg, logger.Named("api"))

	resultRelay := relay.New(broker, hub, logger.Named("relay"))
	go func() {
		if err := resultRelay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("relay stopped", zap.Error(err))
			stop()
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	// Let in-flight task listeners publish their final state.
	dispatch.Wait()
	logger.Info("shutdown complete")
}
