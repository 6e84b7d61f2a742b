package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"pong-server/internal/config"
	"pong-server/internal/gateway"
)

// Server owns the session registry and the per-connection bookkeeping
// shared by every WebSocket handler.
type Server struct {
	cfg     config.Config
	logger  *zap.Logger
	gateway gateway.Gateway

	registry          *Registry
	connectionManager *ConnectionManager
	rateLimiter       *RateLimiter
	connectionHealth  *ConnectionHealth

	stop     chan struct{}
	stopOnce sync.Once
	tasks    sync.WaitGroup
}

// NewServer wires the session registry to gw and starts the background
// connection sweep. The returned http.Server is not yet listening.
func NewServer(cfg config.Config, logger *zap.Logger, gw gateway.Gateway) (*Server, *http.Server) {
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		gateway: gw,
		registry: NewRegistry(gw, RegistryOptions{
			DefaultPointTarget: cfg.DefaultPointTarget,
			IdleTimeout:        cfg.RoomIdleTimeout,
			ReapInterval:       cfg.ReapInterval,
			GatewayTimeout:     cfg.GatewayTimeout,
		}, logger),
		connectionManager: NewConnectionManager(),
		rateLimiter:       NewRateLimiter(cfg.RateLimit, cfg.RateWindow),
		connectionHealth:  NewConnectionHealth(),
		stop:              make(chan struct{}),
	}

	s.tasks.Add(1)
	go s.sweepTask(cfg.ReapInterval)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.RegisterRoutes(),
		IdleTimeout:       time.Minute,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, httpServer
}

// sweepTask closes connections that stopped sending frames and trims the
// rate limiter.
func (s *Server) sweepTask(interval time.Duration) {
	defer s.tasks.Done()

	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

// sweep runs one pass of the connection sweep.
func (s *Server) sweep() {
	timeout := s.cfg.ConnectionTimeout
	closed := 0
	for _, connID := range s.connectionHealth.GetInactiveConnections(timeout) {
		// A frame may have arrived since the batch was collected
		if !s.connectionHealth.IsInactive(connID, timeout) {
			continue
		}

		// Closing the client ends its write pump, which closes the socket;
		// the read loop then removes it from its room
		if client := s.connectionManager.CloseConnection(connID, "connection timeout"); client != nil {
			s.logger.Info("closing inactive connection",
				zap.String("connection", connID),
				zap.String("room", client.Key().String()))
			closed++
		}
		s.connectionHealth.RemoveConnection(connID)
	}

	// Forget rate limit windows of connections that went quiet
	s.rateLimiter.Cleanup()

	if closed > 0 {
		s.logger.Info("closed inactive connections", zap.Int("count", closed))
	}
}

// Shutdown stops background work, closes every room and its players, and
// waits for pending outcome writes.
func (s *Server) Shutdown(ctx context.Context) error {
	// Stop the sweep first so it does not race the shutdown closes
	s.stopOnce.Do(func() { close(s.stop) })
	s.tasks.Wait()

	s.logger.Info("closing rooms", zap.Int("rooms", s.registry.Len()),
		zap.Int("connections", s.connectionManager.Count()))

	// Refuse new admissions, close every room's players with GoingAway and
	// wait for outcome writes still in flight
	err := s.registry.Close(ctx)

	// connections still mid-handshake have no room yet
	s.connectionManager.CloseAll("server shutting down")

	if err != nil {
		return fmt.Errorf("failed to close rooms: %w", err)
	}
	return nil
}
