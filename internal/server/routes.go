package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"pong-server/internal/gateway"
	"pong-server/internal/pong"
)

// RegisterRoutes builds the HTTP handler: a health check plus one WebSocket
// route per session variant, all behind CORS.
func (s *Server) RegisterRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)

	// Room keys: "5", "5_2" and "legacy_5" never collide
	mux.HandleFunc("GET /ws/pong/{room_id}", s.sessionHandler(pong.VariantHeadToHead))
	mux.HandleFunc("GET /ws/tournament/{room_id}/{split_id}", s.sessionHandler(pong.VariantTournament))
	mux.HandleFunc("GET /ws/legacy/{room_id}", s.sessionHandler(pong.VariantLegacy))

	return s.corsMiddleware(mux)
}

// corsMiddleware answers preflight requests and echoes allowed origins
// WebSocket origin checks happen separately in websocket.Accept
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowAll := slices.Contains(s.cfg.AllowedOrigins, "*")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case allowAll:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && slices.Contains(s.cfg.AllowedOrigins, origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// healthResponse is the body of GET /health
type healthResponse struct {
	Status      string `json:"status"`
	Rooms       int    `json:"rooms"`
	Connections int    `json:"connections"`
	Gateway     string `json:"gateway"`
}

// healthHandler reports room and connection counts. It answers 503 when a
// pingable metadata gateway does not respond
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		Rooms:       s.registry.Len(),
		Connections: s.connectionManager.Count(),
		Gateway:     "ok",
	}
	code := http.StatusOK

	if pinger, ok := s.gateway.(gateway.Pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pinger.Ping(ctx); err != nil {
			s.logger.Warn("gateway health check failed", zap.Error(err))
			resp.Status = "degraded"
			resp.Gateway = "unavailable"
			code = http.StatusServiceUnavailable
		}
	}

	data, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, "Failed to marshal health check response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("failed to write health response", zap.Error(err))
	}
}

// sessionHandler parses the room key for variant from the path
func (s *Server) sessionHandler(variant pong.Variant) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := pong.ParseRoomKey(variant, r.PathValue("room_id"), r.PathValue("split_id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.serveSession(w, r, key)
	}
}

// serveSession seats the player before upgrading, so a full room is refused
// with a plain HTTP error and no socket is ever opened.
func (s *Server) serveSession(w http.ResponseWriter, r *http.Request, key pong.RoomKey) {
	connectionID := uuid.New().String()
	logger := s.logger.With(zap.String("room", key.String()), zap.String("connection", connectionID))
	client := NewClient(connectionID, key, s.cfg.SendBuffer, logger)

	// Step 1: take a slot in the room
	ordinal, err := s.registry.Admit(r.Context(), key, client)
	switch {
	case errors.Is(err, ErrRoomFull):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, ErrShuttingDown):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		logger.Warn("admission failed", zap.Error(err))
		http.Error(w, "Failed to join room", http.StatusInternalServerError)
		return
	}

	// Step 2: upgrade; a failed upgrade gives the slot back
	socket, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		s.registry.Remove(context.Background(), key, client)
		return
	}

	logger = logger.With(zap.Int("ordinal", ordinal))
	logger.Info("player connected")

	// Step 3: track the connection and start the only writer
	s.connectionManager.AddConnection(client)
	s.connectionHealth.UpdateActivity(connectionID)
	go client.writePump(socket)

	// Leaving the room never ends the match; see Registry.Remove
	defer func() {
		s.registry.Remove(context.Background(), key, client)
		s.connectionManager.RemoveConnection(connectionID)
		s.rateLimiter.RemoveConnection(connectionID)
		s.connectionHealth.RemoveConnection(connectionID)
		client.Close("")
		logger.Info("player disconnected")
	}()

	// Step 4: read loop. Ends when the peer goes away or the write pump
	// closes the socket after the room or the sweep closed the client
	ctx := r.Context()
	for {
		msgType, data, err := socket.Read(ctx)
		if err != nil {
			logger.Debug("read ended", zap.Error(err))
			return
		}
		s.connectionHealth.UpdateActivity(connectionID)

		// Only text frames carry events
		if msgType != websocket.MessageText {
			continue
		}
		if !s.rateLimiter.Allow(connectionID) {
			logger.Debug("rate limited, dropping frame")
			continue
		}

		// Malformed frames are dropped; the connection stays open
		ev, err := pong.DecodeEvent(data)
		if err != nil {
			logger.Debug("dropping malformed event", zap.Error(err))
			continue
		}

		// Blocks until the room has applied the event and queued its broadcast
		if err := s.registry.Receive(ctx, key, client, ev); err != nil {
			logger.Debug("event not delivered", zap.Error(err))
			return
		}
	}
}
