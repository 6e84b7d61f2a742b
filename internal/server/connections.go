package server

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"pong-server/internal/pong"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Client is the Handle for one WebSocket connection. Rooms queue frames
// with Send; writePump is the only goroutine that writes to the socket.
type Client struct {
	id     string
	key    pong.RoomKey
	logger *zap.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	reason    string
}

func NewClient(id string, key pong.RoomKey, buffer int, logger *zap.Logger) *Client {
	if buffer < 1 {
		buffer = 1
	}
	return &Client{
		id:     id,
		key:    key,
		logger: logger,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) Key() pong.RoomKey {
	return c.key
}

// Send queues data without blocking. It reports false when the client is
// closed or its queue is full.
func (c *Client) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close marks the client closed; writePump then closes the socket with
// reason. Only the first reason is kept.
func (c *Client) Close(reason string) {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.done)
	})
}

// writePump drains the send queue to conn and pings it until the client is
// closed.
func (c *Client) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(conn, msg); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				c.Close("write failed")
				conn.CloseNow()
				return
			}

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := conn.Ping(ctx)
			cancel()
			if err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				c.Close("ping failed")
				conn.CloseNow()
				return
			}

		case <-c.done:
			c.flush(conn)
			if err := conn.Close(websocket.StatusGoingAway, c.reason); err != nil {
				c.logger.Debug("close failed", zap.Error(err))
			}
			return
		}
	}
}

// flush writes whatever is still queued, so a final game_over is not lost
// when the room closes right after sending it.
func (c *Client) flush(conn *websocket.Conn) {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(conn, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(conn *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, msg)
}

type ConnectionManager struct {
	connections map[string]*Client // connectionID → client
	mu          sync.RWMutex
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[string]*Client),
	}
}

func (cm *ConnectionManager) AddConnection(client *Client) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.connections[client.ID()] = client
}

func (cm *ConnectionManager) RemoveConnection(id string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	delete(cm.connections, id)
}

// GetConnection returns the client for connectionID, or nil
func (cm *ConnectionManager) GetConnection(connectionID string) *Client {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.connections[connectionID]
}

// CloseConnection closes the client for connectionID and returns it, or
// nil when no such connection is tracked.
func (cm *ConnectionManager) CloseConnection(connectionID, reason string) *Client {
	client := cm.GetConnection(connectionID)
	if client == nil {
		return nil
	}
	client.Close(reason)
	return client
}

func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.connections)
}

// CloseAll closes every tracked client
func (cm *ConnectionManager) CloseAll(reason string) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	for _, client := range cm.connections {
		client.Close(reason)
	}
}
