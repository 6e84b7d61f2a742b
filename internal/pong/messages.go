package pong

// Outbound message types.
const (
	TypeStateUpdate = "state_update"
	TypeScoreUpdate = "score_update"
	TypeGameOver    = "game_over"
)

type Vec2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type PaddleView struct {
	Y float64 `json:"y"`
}

type ScoreView struct {
	Player1 int `json:"player1"`
	Player2 int `json:"player2"`
}

// GameStateView is the game_state payload of a state_update.
type GameStateView struct {
	Paddle1 PaddleView `json:"paddle1"`
	Paddle2 PaddleView `json:"paddle2"`
	Ball    Vec2       `json:"ball"`
	Score   ScoreView  `json:"score"`

	// Legacy relay variant only.
	BallSpeed *float64 `json:"ball_speed,omitempty"`
	BallAngle *float64 `json:"ball_angle,omitempty"`
}

type StateUpdate struct {
	Type      string        `json:"type"`
	GameState GameStateView `json:"game_state"`
}

type ScoreUpdate struct {
	Type         string `json:"type"`
	Player1Score int    `json:"player1_score"`
	Player2Score int    `json:"player2_score"`
}

type GameOver struct {
	Type         string `json:"type"`
	Winner       string `json:"winner"`
	Player1Score int    `json:"player1_score"`
	Player2Score int    `json:"player2_score"`
}

// Outcome is the terminal result handed to the metadata gateway.
type Outcome struct {
	Key          RoomKey
	Winner       int
	Player1Score int
	Player2Score int
}
