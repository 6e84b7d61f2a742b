package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"pong-server/internal/config"
	"pong-server/internal/gateway"
	"pong-server/internal/logging"
	"pong-server/internal/server"
)

// gracefulShutdown waits for SIGINT or SIGTERM, closes every session and
// then the HTTP server, and signals done
func gracefulShutdown(logger *zap.Logger, customServer *server.Server, httpServer *http.Server, done chan bool) {
	// Create context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	logger.Info("shutdown signal received, press Ctrl+C again to force")
	stop()

	// The context is used to inform the server it has 30 seconds to finish
	// the request it is currently handling
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Close rooms first so players get a close frame and outcome writes finish
	if err := customServer.Shutdown(ctx); err != nil {
		logger.Error("error during session shutdown", zap.Error(err))
	}

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http server forced to shutdown", zap.Error(err))
	}

	// Notify the main goroutine that the shutdown is complete
	done <- true
}

// openGateway picks the metadata backend: PostgreSQL when DATABASE_URL is
// set, optionally fronted by Redis, otherwise an in-memory store.
func openGateway(ctx context.Context, cfg config.Config, logger *zap.Logger) (gateway.Gateway, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory room metadata")
		return gateway.NewMemory(), func() {}, nil
	}

	pool, err := gateway.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}

	version, err := gateway.Migrate(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Info("database migrations applied", zap.Int64("version", version))
	closers := []func(){pool.Close}
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var gw gateway.Gateway = gateway.NewPostgres(pool)

	// Redis only fronts point target reads; outcomes always go to PostgreSQL

	if cfg.RedisURL != "" {
		client, err := gateway.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		closers = append(closers, func() { client.Close() })
		gw = gateway.NewCache(gw, client, cfg.PointCacheTTL, logger.Named("cache"))
		logger.Info("point target cache enabled", zap.Duration("ttl", cfg.PointCacheTTL))
	}

	return gw, cleanup, nil
}

// run loads configuration, opens the gateway and serves until shutdown
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return err
	}
	defer logger.Sync()

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	gw, closeGateway, err := openGateway(startCtx, cfg, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to open room metadata gateway: %w", err)
	}
	defer closeGateway()

	customServer, httpServer := server.NewServer(cfg, logger, gw)

	// Create a done channel to signal when the shutdown is complete
	done := make(chan bool, 1)
	go gracefulShutdown(logger, customServer, httpServer, done)

	logger.Info("listening", zap.String("addr", httpServer.Addr))
	err = httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server error: %w", err)
	}

	<-done
	logger.Info("graceful shutdown complete")
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
