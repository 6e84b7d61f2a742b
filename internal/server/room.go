package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"pong-server/internal/pong"
)

// RoomSnapshot is a read-only copy of a room's state.
type RoomSnapshot struct {
	Key         pong.RoomKey
	Status      pong.Status
	Players     int
	PointTarget int
	Scores      [2]int
	Winner      int
}

type admitRequest struct {
	handle Handle
	reply  chan admitResult
}

type admitResult struct {
	ordinal int
	err     error
}

type removeRequest struct {
	handle Handle
	reply  chan struct{}
}

type inboundEvent struct {
	handle Handle
	event  pong.Event
}

type publishRequest struct {
	msg   any
	reply chan struct{}
}

// Room owns one match and its two player slots. Every field below the
// channels is touched only by run.
type Room struct {
	key      pong.RoomKey
	registry *Registry
	logger   *zap.Logger

	admitCh    chan admitRequest
	removeCh   chan removeRequest
	eventCh    chan inboundEvent
	publishCh  chan publishRequest
	snapshotCh chan chan RoomSnapshot
	stop       chan struct{}
	stopOnce   sync.Once
	done       chan struct{}

	match        *pong.Match
	slots        [2]Handle
	dropped      map[string]struct{} // seated handles closed as slow consumers
	lastActivity time.Time
}

func newRoom(key pong.RoomKey, reg *Registry) *Room {
	return &Room{
		key:        key,
		registry:   reg,
		logger:     reg.logger.With(zap.String("room", key.String())),
		admitCh:    make(chan admitRequest),
		removeCh:   make(chan removeRequest),
		eventCh:    make(chan inboundEvent),
		publishCh:  make(chan publishRequest),
		snapshotCh: make(chan chan RoomSnapshot),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		dropped:    make(map[string]struct{}),
	}
}

func (r *Room) run() {
	defer r.registry.wg.Done()
	defer close(r.done)

	match, err := pong.NewMatch(r.key, r.loadPointTarget())
	if err != nil {
		// loadPointTarget never returns less than 1
		r.logger.Error("failed to create match", zap.Error(err))
		r.registry.release(r)
		return
	}
	r.match = match
	r.lastActivity = time.Now()

	ticker := time.NewTicker(r.registry.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case req := <-r.admitCh:
			ordinal, err := r.handleAdmit(req.handle)
			req.reply <- admitResult{ordinal: ordinal, err: err}

		case req := <-r.removeCh:
			r.handleRemove(req.handle)
			close(req.reply)
			if r.players() == 0 {
				r.logger.Debug("room empty, releasing")
				r.registry.release(r)
				return
			}

		case in := <-r.eventCh:
			r.handleEvent(in)

		case req := <-r.publishCh:
			r.broadcast(req.msg)
			close(req.reply)

		case reply := <-r.snapshotCh:
			reply <- r.snapshotLocked()

		case <-ticker.C:
			if idle := time.Since(r.lastActivity); idle >= r.registry.opts.IdleTimeout {
				r.logger.Info("reaping idle room", zap.Duration("idle", idle), zap.Int("players", r.players()))
				r.registry.release(r)
				r.closeAll("room idle")
				return
			}

		case <-r.stop:
			r.registry.release(r)
			r.closeAll("server shutting down")
			return
		}
	}
}

// loadPointTarget asks the gateway for the room's target, falling back to
// the configured default when the gateway fails or returns nonsense.
func (r *Room) loadPointTarget() int {
	opts := r.registry.opts

	ctx, cancel := context.WithTimeout(context.Background(), opts.GatewayTimeout)
	defer cancel()

	points, err := r.registry.gateway.PointTarget(ctx, r.key.RoomID)
	if err != nil {
		r.logger.Warn("using default point target",
			zap.Int("point_target", opts.DefaultPointTarget), zap.Error(err))
		return opts.DefaultPointTarget
	}
	if points < 1 {
		r.logger.Warn("ignoring invalid stored point target",
			zap.Int("stored", points), zap.Int("point_target", opts.DefaultPointTarget))
		return opts.DefaultPointTarget
	}
	return points
}

func (r *Room) handleAdmit(h Handle) (int, error) {
	if ordinal := r.ordinalOf(h); ordinal != 0 {
		return ordinal, nil
	}

	slot := -1
	for i, seated := range r.slots {
		if seated == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		r.logger.Info("room full, rejecting player", zap.String("connection", h.ID()))
		return 0, ErrRoomFull
	}

	r.slots[slot] = h
	r.lastActivity = time.Now()
	ordinal := slot + 1

	r.logger.Info("player admitted",
		zap.String("connection", h.ID()),
		zap.Int("ordinal", ordinal),
		zap.String("status", string(r.match.Status)))

	switch r.match.Status {
	case pong.StatusWaiting:
		if r.players() == 2 {
			update, err := r.match.Start()
			if err != nil {
				r.logger.Error("failed to start match", zap.Error(err))
				break
			}
			r.logger.Info("match started", zap.Int("point_target", r.match.PointTarget))
			r.broadcast(update)
		}
	case pong.StatusActive:
		r.sendTo(h, r.match.StateUpdate())
	case pong.StatusFinished:
		r.sendTo(h, r.match.GameOver())
	}

	return ordinal, nil
}

func (r *Room) handleRemove(h Handle) {
	delete(r.dropped, h.ID())

	ordinal := r.ordinalOf(h)
	if ordinal == 0 {
		return
	}
	r.slots[ordinal-1] = nil
	r.lastActivity = time.Now()

	r.logger.Info("player removed",
		zap.String("connection", h.ID()),
		zap.Int("ordinal", ordinal),
		zap.String("status", string(r.match.Status)))
}

func (r *Room) handleEvent(in inboundEvent) {
	if r.ordinalOf(in.handle) == 0 {
		r.logger.Debug("ignoring event from unseated handle", zap.String("connection", in.handle.ID()))
		return
	}
	r.lastActivity = time.Now()

	res := r.match.Apply(in.event)
	for _, msg := range res.Messages {
		r.broadcast(msg)
	}

	if res.Outcome != nil {
		r.logger.Info("match finished",
			zap.String("winner", pong.PlayerName(res.Outcome.Winner)),
			zap.Int("player1_score", res.Outcome.Player1Score),
			zap.Int("player2_score", res.Outcome.Player2Score))
		r.persist(*res.Outcome)
	}
}

// persist writes the outcome without holding up the room.
func (r *Room) persist(outcome pong.Outcome) {
	reg := r.registry
	reg.wg.Add(1)

	go func() {
		defer reg.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), reg.opts.GatewayTimeout)
		defer cancel()

		if err := reg.gateway.PersistOutcome(ctx, outcome); err != nil {
			r.logger.Error("failed to persist match outcome",
				zap.Int("winner", outcome.Winner), zap.Error(err))
			return
		}
		r.logger.Debug("match outcome persisted", zap.Int("winner", outcome.Winner))
	}()
}

// broadcast serializes msg once and queues it on every seated handle in
// slot order. A handle whose queue is full is closed.
func (r *Room) broadcast(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("failed to marshal broadcast", zap.Error(err))
		return
	}
	for _, h := range r.slots {
		if h == nil {
			continue
		}
		r.deliver(h, data)
	}
}

func (r *Room) sendTo(h Handle, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("failed to marshal message", zap.Error(err))
		return
	}
	r.deliver(h, data)
}

// deliver queues data for h. A handle whose queue is full is closed and
// stays seated until its read loop removes it; frames for it are skipped
// until then.
func (r *Room) deliver(h Handle, data []byte) {
	if _, ok := r.dropped[h.ID()]; ok {
		return
	}
	if !h.Send(data) {
		r.dropped[h.ID()] = struct{}{}
		r.logger.Warn("dropping slow player", zap.String("connection", h.ID()))
		h.Close("send buffer full")
	}
}

func (r *Room) closeAll(reason string) {
	for i, h := range r.slots {
		if h == nil {
			continue
		}
		h.Close(reason)
		r.slots[i] = nil
	}
}

func (r *Room) ordinalOf(h Handle) int {
	for i, seated := range r.slots {
		if seated != nil && seated.ID() == h.ID() {
			return i + 1
		}
	}
	return 0
}

func (r *Room) players() int {
	n := 0
	for _, h := range r.slots {
		if h != nil {
			n++
		}
	}
	return n
}

func (r *Room) snapshotLocked() RoomSnapshot {
	return RoomSnapshot{
		Key:         r.key,
		Status:      r.match.Status,
		Players:     r.players(),
		PointTarget: r.match.PointTarget,
		Scores:      r.match.Scores,
		Winner:      r.match.Winner,
	}
}

func (r *Room) shutdown() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// The methods below are called from other goroutines. Each one gives up
// with errRoomClosed once run has returned.

func (r *Room) admit(ctx context.Context, h Handle) (int, error) {
	req := admitRequest{handle: h, reply: make(chan admitResult, 1)}
	select {
	case r.admitCh <- req:
	case <-r.done:
		return 0, errRoomClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	res := <-req.reply
	return res.ordinal, res.err
}

func (r *Room) remove(ctx context.Context, h Handle) error {
	req := removeRequest{handle: h, reply: make(chan struct{})}
	select {
	case r.removeCh <- req:
	case <-r.done:
		return errRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-req.reply
	return nil
}

func (r *Room) receive(ctx context.Context, h Handle, ev pong.Event) error {
	select {
	case r.eventCh <- inboundEvent{handle: h, event: ev}:
		return nil
	case <-r.done:
		return errRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) publish(ctx context.Context, msg any) error {
	req := publishRequest{msg: msg, reply: make(chan struct{})}
	select {
	case r.publishCh <- req:
	case <-r.done:
		return errRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-req.reply
	return nil
}

func (r *Room) snapshot(ctx context.Context) (RoomSnapshot, error) {
	reply := make(chan RoomSnapshot, 1)
	select {
	case r.snapshotCh <- reply:
	case <-r.done:
		return RoomSnapshot{}, errRoomClosed
	case <-ctx.Done():
		return RoomSnapshot{}, ctx.Err()
	}
	return <-reply, nil
}
