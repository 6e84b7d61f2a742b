package pong

import (
	"errors"
	"math"
)

type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusActive   Status = "active"
	StatusFinished Status = "finished"
)

const (
	// LegacyResetLine is the |x| past which the legacy relay puts the ball
	// back at the origin.
	LegacyResetLine = 2.45

	legacyBallSpeed = 0.1
	legacyBallAngle = 180
)

var (
	ErrInvalidPointTarget = errors.New("INVALID_POINT_TARGET: Point target must be at least 1")
	ErrNotWaiting         = errors.New("INVALID_STATUS: Match already started")
)

// Match is the mutable state of one session. It is not safe for concurrent
// use; the room goroutine that owns it serializes every call.
type Match struct {
	Key         RoomKey
	PointTarget int
	Status      Status

	Paddles [2]float64
	Ball    Vec2
	Scores  [2]int
	Winner  int // 0 until Finished

	// Legacy relay variant only.
	BallSpeed float64
	BallAngle float64
}

// Result is what applying one event produced: messages to broadcast in
// order, and the outcome if the event finished the match.
type Result struct {
	Messages []any
	Outcome  *Outcome
}

func NewMatch(key RoomKey, pointTarget int) (*Match, error) {
	if pointTarget < 1 {
		return nil, ErrInvalidPointTarget
	}
	m := &Match{
		Key:         key,
		PointTarget: pointTarget,
		Status:      StatusWaiting,
	}
	if key.Variant == VariantLegacy {
		m.BallSpeed = legacyBallSpeed
		m.BallAngle = legacyBallAngle
	}
	return m, nil
}

// Start moves Waiting to Active and returns the initial state_update.
func (m *Match) Start() (StateUpdate, error) {
	if m.Status != StatusWaiting {
		return StateUpdate{}, ErrNotWaiting
	}
	m.Status = StatusActive
	return m.StateUpdate(), nil
}

// Apply validates ev against the lifecycle and mutates the match. Events
// outside Active produce an empty Result.
func (m *Match) Apply(ev Event) Result {
	if m.Status != StatusActive {
		return Result{}
	}

	switch e := ev.(type) {
	case MovePaddle:
		if e.PlayerID != 1 && e.PlayerID != 2 {
			return Result{}
		}
		m.Paddles[e.PlayerID-1] = e.Position
		return Result{Messages: []any{m.StateUpdate()}}

	case UpdateBall:
		m.Ball = e.Ball
		if m.Key.Variant == VariantLegacy && math.Abs(m.Ball.X) > LegacyResetLine {
			m.Ball = Vec2{}
		}
		return Result{Messages: []any{m.StateUpdate()}}

	case Reset:
		if e.Player != 1 && e.Player != 2 {
			return Result{}
		}
		m.Scores[e.Player-1]++
		res := Result{Messages: []any{m.ScoreUpdate()}}
		if winner := m.winner(); winner != 0 {
			m.Status = StatusFinished
			m.Winner = winner
			res.Messages = append(res.Messages, m.GameOver())
			res.Outcome = &Outcome{
				Key:          m.Key,
				Winner:       winner,
				Player1Score: m.Scores[0],
				Player2Score: m.Scores[1],
			}
		}
		return res

	case Unknown:
		return Result{}
	}
	return Result{}
}

// winner returns the ordinal that reached the point target, player 1 first.
func (m *Match) winner() int {
	switch {
	case m.Scores[0] >= m.PointTarget:
		return 1
	case m.Scores[1] >= m.PointTarget:
		return 2
	}
	return 0
}

func (m *Match) StateUpdate() StateUpdate {
	view := GameStateView{
		Paddle1: PaddleView{Y: m.Paddles[0]},
		Paddle2: PaddleView{Y: m.Paddles[1]},
		Ball:    m.Ball,
		Score:   ScoreView{Player1: m.Scores[0], Player2: m.Scores[1]},
	}
	if m.Key.Variant == VariantLegacy {
		speed, angle := m.BallSpeed, m.BallAngle
		view.BallSpeed = &speed
		view.BallAngle = &angle
	}
	return StateUpdate{Type: TypeStateUpdate, GameState: view}
}

func (m *Match) ScoreUpdate() ScoreUpdate {
	return ScoreUpdate{
		Type:         TypeScoreUpdate,
		Player1Score: m.Scores[0],
		Player2Score: m.Scores[1],
	}
}

// GameOver summarises a finished match. It is only meaningful once Winner
// is set.
func (m *Match) GameOver() GameOver {
	return GameOver{
		Type:         TypeGameOver,
		Winner:       PlayerName(m.Winner),
		Player1Score: m.Scores[0],
		Player2Score: m.Scores[1],
	}
}
