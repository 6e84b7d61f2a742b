package pong

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformedEvent = errors.New("MALFORMED_EVENT: Event could not be decoded")

const (
	TypeMovePaddle = "move_paddle"
	TypeUpdateBall = "update_ball"
)

// Event is the closed set of inbound player events. The unexported marker
// keeps other packages from adding variants; Match.Apply switches over all
// of them.
type Event interface {
	event()
}

// MovePaddle sets the paddle of the given ordinal to Position.
type MovePaddle struct {
	PlayerID int
	Position float64
}

// UpdateBall carries the client-reported ball position.
type UpdateBall struct {
	Ball Vec2
}

// Reset awards one point to Player (1 or 2).
type Reset struct {
	Player int
}

// Unknown is a frame whose tag is not recognised.
type Unknown struct {
	Tag string
}

func (MovePaddle) event() {}
func (UpdateBall) event() {}
func (Reset) event()      {}
func (Unknown) event()    {}

// inboundFrame mirrors every field a client may send. Pointers let the
// decoder tell a missing field from a zero value.
type inboundFrame struct {
	Type     *string  `json:"type"`
	PlayerID *int     `json:"player_id"`
	Position *float64 `json:"position"`
	Ball     *struct {
		X *float64 `json:"x"`
		Y *float64 `json:"y"`
	} `json:"ball"`
	Reset *string `json:"reset"`
}

// DecodeEvent parses one client frame. Any error wraps ErrMalformedEvent;
// an unrecognised tag also returns the Unknown variant so callers can log it.
func DecodeEvent(data []byte) (Event, error) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	if frame.Type == nil {
		if frame.Reset == nil {
			return Unknown{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
		}
		player, ok := ParsePlayerName(*frame.Reset)
		if !ok {
			return nil, fmt.Errorf("%w: unknown player %q", ErrMalformedEvent, *frame.Reset)
		}
		return Reset{Player: player}, nil
	}

	switch *frame.Type {
	case TypeMovePaddle:
		if frame.PlayerID == nil || frame.Position == nil {
			return nil, fmt.Errorf("%w: move_paddle needs player_id and position", ErrMalformedEvent)
		}
		if *frame.PlayerID != 1 && *frame.PlayerID != 2 {
			return nil, fmt.Errorf("%w: player_id %d", ErrMalformedEvent, *frame.PlayerID)
		}
		return MovePaddle{PlayerID: *frame.PlayerID, Position: *frame.Position}, nil

	case TypeUpdateBall:
		if frame.Ball == nil || frame.Ball.X == nil || frame.Ball.Y == nil {
			return nil, fmt.Errorf("%w: update_ball needs ball.x and ball.y", ErrMalformedEvent)
		}
		return UpdateBall{Ball: Vec2{X: *frame.Ball.X, Y: *frame.Ball.Y}}, nil

	default:
		return Unknown{Tag: *frame.Type}, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, *frame.Type)
	}
}

// PlayerName is the wire name of an ordinal: "player1" or "player2".
func PlayerName(ordinal int) string {
	return fmt.Sprintf("player%d", ordinal)
}

func ParsePlayerName(name string) (int, bool) {
	switch name {
	case "player1":
		return 1, true
	case "player2":
		return 2, true
	}
	return 0, false
}
