// Package gateway is the room metadata collaborator of the session
// coordinator: it supplies a room's point target when a session starts and
// stores the outcome when the session finishes.
package gateway

import (
	"context"
	"errors"

	"pong-server/internal/pong"
)

var ErrRoomNotFound = errors.New("ROOM_NOT_FOUND: Room not found")

// Gateway is implemented by every metadata backend. PersistOutcome is
// best-effort from the caller's point of view: a failure is reported but
// never changes the in-memory result.
type Gateway interface {
	PointTarget(ctx context.Context, roomID int64) (int, error)
	PersistOutcome(ctx context.Context, outcome pong.Outcome) error
}

// Pinger is implemented by gateways backed by a network service.
type Pinger interface {
	Ping(ctx context.Context) error
}
