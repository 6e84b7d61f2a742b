package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"pong-server/internal/gateway"
	"pong-server/internal/pong"
)

var (
	ErrRoomFull     = errors.New("ROOM_FULL: Room already has two players")
	ErrNoSession    = errors.New("SESSION_NOT_FOUND: No session for room")
	ErrShuttingDown = errors.New("SERVER_SHUTTING_DOWN: Server is not accepting players")
	errRoomClosed   = errors.New("room closed")
)

// Handle is one connected player as seen by a room. Send must not block.
type Handle interface {
	ID() string
	Send(data []byte) bool
	Close(reason string)
}

type RegistryOptions struct {
	DefaultPointTarget int
	IdleTimeout        time.Duration
	ReapInterval       time.Duration
	GatewayTimeout     time.Duration
}

// Registry maps room keys to live rooms. Each room is owned by its own
// goroutine; the registry only creates, finds and forgets them.
type Registry struct {
	gateway gateway.Gateway
	opts    RegistryOptions
	logger  *zap.Logger

	rooms  map[pong.RoomKey]*Room
	closed bool
	mu     sync.Mutex

	// room goroutines and in-flight outcome writes
	wg sync.WaitGroup
}

func NewRegistry(gw gateway.Gateway, opts RegistryOptions, logger *zap.Logger) *Registry {
	if opts.DefaultPointTarget < 1 {
		opts.DefaultPointTarget = 11
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = time.Minute
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Minute
	}
	if opts.GatewayTimeout <= 0 {
		opts.GatewayTimeout = 5 * time.Second
	}
	return &Registry{
		gateway: gw,
		opts:    opts,
		logger:  logger,
		rooms:   make(map[pong.RoomKey]*Room),
	}
}

// Admit seats h in the room for key, creating the room on first use, and
// returns the player ordinal (1 or 2). A third player gets ErrRoomFull and
// leaves no trace in the room.
func (reg *Registry) Admit(ctx context.Context, key pong.RoomKey, h Handle) (int, error) {
	for {
		room, err := reg.getOrCreate(key)
		if err != nil {
			return 0, err
		}

		ordinal, err := room.admit(ctx, h)
		if errors.Is(err, errRoomClosed) {
			// released between lookup and send; the next lookup creates a fresh room
			continue
		}
		return ordinal, err
	}
}

// Remove takes h out of its room. Removing an unknown handle is a no-op.
func (reg *Registry) Remove(ctx context.Context, key pong.RoomKey, h Handle) {
	room, ok := reg.get(key)
	if !ok {
		return
	}
	if err := room.remove(ctx, h); err != nil && !errors.Is(err, errRoomClosed) {
		reg.logger.Debug("remove abandoned", zap.String("room", key.String()), zap.Error(err))
	}
}

// Receive hands an inbound event from h to the room. Events from handles
// that are not seated in the room are ignored.
func (reg *Registry) Receive(ctx context.Context, key pong.RoomKey, h Handle, ev pong.Event) error {
	room, ok := reg.get(key)
	if !ok {
		return nil
	}
	err := room.receive(ctx, h, ev)
	if errors.Is(err, errRoomClosed) {
		return nil
	}
	return err
}

// Broadcast delivers msg to every handle seated in the room for key, in
// the room's processing order.
func (reg *Registry) Broadcast(ctx context.Context, key pong.RoomKey, msg any) error {
	room, ok := reg.get(key)
	if !ok {
		return ErrNoSession
	}
	err := room.publish(ctx, msg)
	if errors.Is(err, errRoomClosed) {
		return ErrNoSession
	}
	return err
}

func (reg *Registry) Snapshot(ctx context.Context, key pong.RoomKey) (RoomSnapshot, error) {
	room, ok := reg.get(key)
	if !ok {
		return RoomSnapshot{}, ErrNoSession
	}
	snap, err := room.snapshot(ctx)
	if errors.Is(err, errRoomClosed) {
		return RoomSnapshot{}, ErrNoSession
	}
	return snap, err
}

// Len returns the number of live rooms.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

// Close stops every room, closing their handles, and waits for room
// goroutines and pending outcome writes to finish.
func (reg *Registry) Close(ctx context.Context) error {
	reg.mu.Lock()
	reg.closed = true
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}
	reg.mu.Unlock()

	for _, room := range rooms {
		room.shutdown()
	}

	done := make(chan struct{})
	go func() {
		reg.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (reg *Registry) get(key pong.RoomKey) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	room, ok := reg.rooms[key]
	return room, ok
}

func (reg *Registry) getOrCreate(key pong.RoomKey) (*Room, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if reg.closed {
		return nil, ErrShuttingDown
	}
	if room, ok := reg.rooms[key]; ok {
		return room, nil
	}

	room := newRoom(key, reg)
	reg.rooms[key] = room
	reg.wg.Add(1)
	go room.run()

	reg.logger.Debug("room created", zap.String("room", key.String()))
	return room, nil
}

// release forgets room if it is still the live room for its key.
func (reg *Registry) release(room *Room) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if current, ok := reg.rooms[room.key]; ok && current == room {
		delete(reg.rooms, room.key)
	}
}
