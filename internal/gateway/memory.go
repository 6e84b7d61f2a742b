package gateway

import (
	"context"
	"sync"

	"pong-server/internal/pong"
)

// MemoryRoom is the metadata kept for one room by Memory.
type MemoryRoom struct {
	PointTarget int
	Expired     bool
	WonBySlot   int
}

// Memory is a map-backed gateway used when no database is configured and in
// tests. Unknown rooms are reported as ErrRoomNotFound.
type Memory struct {
	mu       sync.RWMutex
	rooms    map[int64]*MemoryRoom
	outcomes []pong.Outcome
}

func NewMemory() *Memory {
	return &Memory{
		rooms: make(map[int64]*MemoryRoom),
	}
}

// PutRoom creates or replaces a room.
func (m *Memory) PutRoom(roomID int64, pointTarget int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[roomID] = &MemoryRoom{PointTarget: pointTarget}
}

func (m *Memory) Room(roomID int64) (MemoryRoom, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return MemoryRoom{}, false
	}
	return *room, true
}

func (m *Memory) PointTarget(ctx context.Context, roomID int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return 0, ErrRoomNotFound
	}
	return room.PointTarget, nil
}

func (m *Memory) PersistOutcome(ctx context.Context, outcome pong.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[outcome.Key.RoomID]
	if !ok {
		return ErrRoomNotFound
	}
	room.Expired = true
	room.WonBySlot = outcome.Winner
	m.outcomes = append(m.outcomes, outcome)
	return nil
}

// Outcomes returns every outcome persisted so far, oldest first.
func (m *Memory) Outcomes() []pong.Outcome {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]pong.Outcome, len(m.outcomes))
	copy(out, m.outcomes)
	return out
}
