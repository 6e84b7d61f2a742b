package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pong-server/internal/pong"
)

// Postgres reads room metadata from and writes match results to PostgreSQL
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{
		pool: pool,
	}
}

// Connect opens a pool for databaseURL and verifies it with a ping
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// CreateRoom inserts a room and returns its id
func (p *Postgres) CreateRoom(ctx context.Context, name string, pointTarget int) (int64, error) {
	query := `
		INSERT INTO rooms (name, points)
		VALUES ($1, $2)
		RETURNING id
	`

	var id int64
	if err := p.pool.QueryRow(ctx, query, name, pointTarget).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to create room %q: %w", name, err)
	}
	return id, nil
}

// PointTarget returns the points needed to win in roomID
func (p *Postgres) PointTarget(ctx context.Context, roomID int64) (int, error) {
	query := `SELECT points FROM rooms WHERE id = $1`

	var points int
	err := p.pool.QueryRow(ctx, query, roomID).Scan(&points)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrRoomNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load point target for room %d: %w", roomID, err)
	}

	return points, nil
}

// PersistOutcome marks the room expired with the winning slot and records
// the match result, in one transaction
func (p *Postgres) PersistOutcome(ctx context.Context, outcome pong.Outcome) error {
	var splitID *int
	if outcome.Key.IsTournament() {
		split := outcome.Key.SplitID
		splitID = &split
	}

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE rooms
			SET is_expired = TRUE, won_by_slot = $2, updated_at = now()
			WHERE id = $1
		`, outcome.Key.RoomID, outcome.Winner)
		if err != nil {
			return fmt.Errorf("failed to expire room: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrRoomNotFound
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO match_results (room_id, split_id, variant, winner_slot, player1_score, player2_score)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, outcome.Key.RoomID, splitID, string(outcome.Key.Variant), outcome.Winner,
			outcome.Player1Score, outcome.Player2Score)
		if err != nil {
			return fmt.Errorf("failed to insert match result: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to persist outcome for %s: %w", outcome.Key, err)
	}

	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}
