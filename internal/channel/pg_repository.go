package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func scanChannel(row pgx.Row) (*Channel, error) {
	var c Channel

	err := row.Scan(
		&c.ID,
		&c.ExternalInstanceID,
		&c.HealthScore,
		&c.DailyMessageCount,
		&c.DailySentResetAt,
		&c.ConnectionState,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChannelNotFound
		}
		return nil, err
	}

	return &c, nil
}

const channelColumns = `id, external_instance_id, health_score, daily_message_count,
		daily_sent_reset_at, connection_state, created_at, updated_at`

func (s *PgStore) GetByID(ctx context.Context, id uuid.UUID) (*Channel, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+channelColumns+`
		FROM channels
		WHERE id = $1
	`, id)
	return scanChannel(row)
}

func (s *PgStore) ListConnected(ctx context.Context) ([]Channel, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+channelColumns+`
		FROM channels
		WHERE connection_state = 'connected'
		ORDER BY health_score DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *c)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *PgStore) RecordSend(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE channels
		SET daily_message_count = daily_message_count + 1,
		    updated_at = $2
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("record send: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrChannelNotFound
	}
	return nil
}

func (s *PgStore) UpdateHealth(ctx context.Context, id uuid.UUID, score float64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE channels
		SET health_score = $2,
		    updated_at = now()
		WHERE id = $1
	`, id, score)
	if err != nil {
		return fmt.Errorf("update health: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrChannelNotFound
	}
	return nil
}

func (s *PgStore) UpdateConnectionState(ctx context.Context, id uuid.UUID, state ConnectionState) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE channels
		SET connection_state = $2,
		    updated_at = now()
		WHERE id = $1
	`, id, state)
	if err != nil {
		return fmt.Errorf("update connection state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrChannelNotFound
	}
	return nil
}

func (s *PgStore) ResetDailyCounts(ctx context.Context, resetAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE channels
		SET daily_message_count = 0,
		    daily_sent_reset_at = $1,
		    updated_at = now()
	`, resetAt)
	if err != nil {
		return fmt.Errorf("reset daily counts: %w", err)
	}
	return nil
}
