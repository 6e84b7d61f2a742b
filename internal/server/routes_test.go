package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pong-server/internal/config"
	"pong-server/internal/gateway"
	"pong-server/internal/pong"
)

func testConfig() config.Config {
	return config.Config{
		DefaultPointTarget: 11,
		RoomIdleTimeout:    time.Hour,
		ReapInterval:       time.Hour,
		GatewayTimeout:     time.Second,
		SendBuffer:         16,
		RateLimit:          1000,
		RateWindow:         time.Second,
		ConnectionTimeout:  time.Hour,
		AllowedOrigins:     []string{"*"},
		LogLevel:           "debug",
	}
}

// setupTestServer serves the full route table over httptest and returns
// the server plus its ws:// base URL
func setupTestServer(t *testing.T, cfg config.Config, gw gateway.Gateway) (*Server, string) {
	t.Helper()

	s, httpServer := NewServer(cfg, zap.NewNop(), gw)
	ts := httptest.NewServer(httpServer.Handler)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
		ts.Close()
	})

	return s, "ws" + strings.TrimPrefix(ts.URL, "http")
}

// testConn reads frames on its own goroutine. A timed-out Read closes a
// coder/websocket connection, so tests wait on frames instead.
type testConn struct {
	*websocket.Conn
	frames  chan []byte
	readErr error
}

func dial(t *testing.T, url string) *testConn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })

	c := &testConn{Conn: conn, frames: make(chan []byte, 64)}
	go func() {
		defer close(c.frames)
		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				// published to readers by the close of frames
				c.readErr = err
				return
			}
			c.frames <- data
		}
	}()
	return c
}

func writeJSON(t *testing.T, c *testConn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, websocket.MessageText, data))
}

func readMessage(t *testing.T, c *testConn) map[string]any {
	t.Helper()

	select {
	case data, ok := <-c.frames:
		if !ok {
			t.Fatalf("connection closed while waiting for a message: %v", c.readErr)
		}
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

// expectSilence fails if c receives a frame within d or the connection
// ends. The connection stays usable afterwards.
func expectSilence(t *testing.T, c *testConn, d time.Duration) {
	t.Helper()

	select {
	case data, ok := <-c.frames:
		if !ok {
			t.Fatalf("connection closed while expecting silence: %v", c.readErr)
		}
		t.Fatalf("expected no message, got %s", data)
	case <-time.After(d):
	}
}

// closeStatus drains c until the server closes it and returns the close code.
func closeStatus(t *testing.T, c *testConn) websocket.StatusCode {
	t.Helper()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.frames:
			if !ok {
				return websocket.CloseStatus(c.readErr)
			}
		case <-timeout:
			t.Fatal("timed out waiting for the connection to close")
			return -1
		}
	}
}

func TestHealthHandler(t *testing.T) {
	assert := assert.New(t)

	s, _ := setupTestServer(t, testConfig(), gateway.NewMemory())
	server := httptest.NewServer(s.RegisterRoutes())
	defer server.Close()

	resp, err := http.Get(server.URL + "/health")
	if err != nil {
		t.Fatalf("error making request to server. Err: %v", err)
	}
	defer resp.Body.Close()

	assert.Equal(http.StatusOK, resp.StatusCode)
	assert.Equal("*", resp.Header.Get("Access-Control-Allow-Origin"))

	body, err := io.ReadAll(resp.Body)
	assert.NoError(err)
	assert.JSONEq(`{"status":"ok","rooms":0,"connections":0,"gateway":"ok"}`, string(body))
}

type downGateway struct {
	*gateway.Memory
}

func (downGateway) Ping(ctx context.Context) error {
	return errors.New("dial tcp: connection refused")
}

func TestHealthHandler_GatewayDown(t *testing.T) {
	s, _ := setupTestServer(t, testConfig(), downGateway{gateway.NewMemory()})
	server := httptest.NewServer(s.RegisterRoutes())
	defer server.Close()

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "unavailable", health.Gateway)
}

func TestCORSPreflight(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://pong.example"}
	s, _ := setupTestServer(t, cfg, gateway.NewMemory())
	server := httptest.NewServer(s.RegisterRoutes())
	defer server.Close()

	req, err := http.NewRequest(http.MethodOptions, server.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://pong.example")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://pong.example", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestWebSocket_InvalidRoomKey(t *testing.T) {
	_, url := setupTestServer(t, testConfig(), gateway.NewMemory())

	for _, path := range []string{"/ws/pong/abc", "/ws/pong/0", "/ws/tournament/5/x", "/ws/legacy/-1"} {
		t.Run(path, func(t *testing.T) {
			_, resp, err := websocket.Dial(context.Background(), url+path, nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

// Why: both players must see the start together, and nobody sees it early
func TestWebSocket_TournamentSplitInitialState(t *testing.T) {
	s, url := setupTestServer(t, testConfig(), gateway.NewMemory())

	p1 := dial(t, url+"/ws/tournament/5/2")
	expectSilence(t, p1, 100*time.Millisecond)

	snap, err := s.registry.Snapshot(context.Background(), pong.TournamentKey(5, 2))
	require.NoError(t, err)
	assert.Equal(t, pong.StatusWaiting, snap.Status)
	assert.Equal(t, 1, snap.Players)

	p2 := dial(t, url+"/ws/tournament/5/2")

	zeroed := map[string]any{
		"paddle1": map[string]any{"y": 0.0},
		"paddle2": map[string]any{"y": 0.0},
		"ball":    map[string]any{"x": 0.0, "y": 0.0},
		"score":   map[string]any{"player1": 0.0, "player2": 0.0},
	}
	for _, conn := range []*testConn{p1, p2} {
		msg := readMessage(t, conn)
		assert.Equal(t, pong.TypeStateUpdate, msg["type"])
		assert.Equal(t, zeroed, msg["game_state"])
	}
}

func TestWebSocket_ThirdPlayerRejected(t *testing.T) {
	s, url := setupTestServer(t, testConfig(), gateway.NewMemory())

	dial(t, url+"/ws/pong/3")
	dial(t, url+"/ws/pong/3")

	_, resp, err := websocket.Dial(context.Background(), url+"/ws/pong/3", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	snap, err := s.registry.Snapshot(context.Background(), pong.HeadToHeadKey(3))
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Players)

	// same room id, different variant, is a different session
	dial(t, url+"/ws/legacy/3")
}

func TestWebSocket_MatchToGameOver(t *testing.T) {
	mem := gateway.NewMemory()
	mem.PutRoom(1, 2)
	_, url := setupTestServer(t, testConfig(), mem)

	p1 := dial(t, url+"/ws/pong/1")
	p2 := dial(t, url+"/ws/pong/1")
	readMessage(t, p1)
	readMessage(t, p2)

	writeJSON(t, p1, map[string]string{"reset": "player1"})
	writeJSON(t, p2, map[string]string{"reset": "player1"})

	for _, conn := range []*testConn{p1, p2} {
		first := readMessage(t, conn)
		assert.Equal(t, pong.TypeScoreUpdate, first["type"])
		assert.EqualValues(t, 1, first["player1_score"])

		second := readMessage(t, conn)
		assert.Equal(t, pong.TypeScoreUpdate, second["type"])
		assert.EqualValues(t, 2, second["player1_score"])

		over := readMessage(t, conn)
		assert.Equal(t, pong.TypeGameOver, over["type"])
		assert.Equal(t, "player1", over["winner"])
		assert.EqualValues(t, 2, over["player1_score"])
		assert.EqualValues(t, 0, over["player2_score"])
	}

	assert.Eventually(t, func() bool { return len(mem.Outcomes()) == 1 }, 2*time.Second, 10*time.Millisecond)

	// finished sessions stay silent
	writeJSON(t, p2, map[string]any{"type": "move_paddle", "player_id": 2, "position": 1})
	expectSilence(t, p1, 100*time.Millisecond)
}

func TestWebSocket_MalformedFramesDropped(t *testing.T) {
	_, url := setupTestServer(t, testConfig(), gateway.NewMemory())

	p1 := dial(t, url+"/ws/pong/4")
	p2 := dial(t, url+"/ws/pong/4")
	readMessage(t, p1)
	readMessage(t, p2)

	ctx := context.Background()
	require.NoError(t, p1.Write(ctx, websocket.MessageText, []byte("not json")))
	writeJSON(t, p1, map[string]any{"type": "move_paddle", "position": 1})
	writeJSON(t, p1, map[string]any{"type": "teleport"})
	writeJSON(t, p1, map[string]any{"reset": "player3"})
	writeJSON(t, p1, map[string]any{"type": "move_paddle", "player_id": 1, "position": 0.5})

	// the session survived and only the valid move was broadcast
	for _, conn := range []*testConn{p1, p2} {
		msg := readMessage(t, conn)
		assert.Equal(t, pong.TypeStateUpdate, msg["type"])
		paddle := msg["game_state"].(map[string]any)["paddle1"].(map[string]any)
		assert.EqualValues(t, 0.5, paddle["y"])
	}
}

func TestWebSocket_LegacyBallReset(t *testing.T) {
	_, url := setupTestServer(t, testConfig(), gateway.NewMemory())

	p1 := dial(t, url+"/ws/legacy/6")
	p2 := dial(t, url+"/ws/legacy/6")
	start := readMessage(t, p1)
	readMessage(t, p2)

	state := start["game_state"].(map[string]any)
	assert.EqualValues(t, 0.1, state["ball_speed"])
	assert.EqualValues(t, 180, state["ball_angle"])

	writeJSON(t, p2, map[string]any{"type": "update_ball", "ball": map[string]any{"x": 3.0, "y": 1.0}})

	msg := readMessage(t, p1)
	ball := msg["game_state"].(map[string]any)["ball"].(map[string]any)
	assert.EqualValues(t, 0, ball["x"])
	assert.EqualValues(t, 0, ball["y"])
}

func TestWebSocket_DisconnectReleasesRoom(t *testing.T) {
	s, url := setupTestServer(t, testConfig(), gateway.NewMemory())

	p1 := dial(t, url+"/ws/pong/7")
	p2 := dial(t, url+"/ws/pong/7")
	readMessage(t, p1)
	readMessage(t, p2)
	assert.Equal(t, 1, s.registry.Len())

	p1.Close(websocket.StatusNormalClosure, "")
	assert.Eventually(t, func() bool {
		snap, err := s.registry.Snapshot(context.Background(), pong.HeadToHeadKey(7))
		return err == nil && snap.Players == 1 && snap.Status == pong.StatusActive
	}, 2*time.Second, 10*time.Millisecond)

	p2.Close(websocket.StatusNormalClosure, "")
	assert.Eventually(t, func() bool {
		return s.registry.Len() == 0 && s.connectionManager.Count() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_RateLimiting(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 3
	cfg.RateWindow = time.Minute
	cfg.DefaultPointTarget = 100
	s, url := setupTestServer(t, cfg, gateway.NewMemory())

	p1 := dial(t, url+"/ws/pong/8")
	p2 := dial(t, url+"/ws/pong/8")
	readMessage(t, p1)
	readMessage(t, p2)

	for i := 0; i < 6; i++ {
		writeJSON(t, p1, map[string]string{"reset": "player1"})
	}
	for i := 0; i < 3; i++ {
		msg := readMessage(t, p2)
		assert.Equal(t, pong.TypeScoreUpdate, msg["type"])
	}
	expectSilence(t, p2, 150*time.Millisecond)

	snap, err := s.registry.Snapshot(context.Background(), pong.HeadToHeadKey(8))
	require.NoError(t, err)
	assert.Equal(t, [2]int{3, 0}, snap.Scores)
}

func TestServer_SweepClosesInactiveConnections(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectionTimeout = 20 * time.Millisecond
	s, url := setupTestServer(t, cfg, gateway.NewMemory())

	p1 := dial(t, url+"/ws/pong/9")
	require.Eventually(t, func() bool { return s.connectionManager.Count() == 1 }, time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	s.sweep()

	assert.Equal(t, websocket.StatusGoingAway, closeStatus(t, p1))
}

func TestServer_Shutdown(t *testing.T) {
	s, url := setupTestServer(t, testConfig(), gateway.NewMemory())

	p1 := dial(t, url+"/ws/pong/10")
	p2 := dial(t, url+"/ws/pong/10")
	readMessage(t, p1)
	readMessage(t, p2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	for _, conn := range []*testConn{p1, p2} {
		assert.Equal(t, websocket.StatusGoingAway, closeStatus(t, conn))
	}

	_, resp, err := websocket.Dial(context.Background(), url+"/ws/pong/11", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
