package reminder

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RunSummary records one trigger execution for the operator dashboard.
type RunSummary struct {
	ID         uuid.UUID `json:"id"`
	Trigger    string    `json:"trigger"`
	DaysBefore int       `json:"days_before"`
	Hour       int       `json:"hour"`
	Candidates int       `json:"candidates"`
	Sent       int       `json:"sent"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// RunStats aggregates run history for the dashboard stats endpoint.
type RunStats struct {
	Runs       int `json:"runs"`
	Candidates int `json:"candidates"`
	Sent       int `json:"sent"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

type RunStore interface {
	Insert(ctx context.Context, run RunSummary) error
	ListRecent(ctx context.Context, limit int) ([]RunSummary, error)
	Stats(ctx context.Context, since time.Time) (*RunStats, error)
}

type PgRunStore struct {
	pool *pgxpool.Pool
}

func NewPgRunStore(pool *pgxpool.Pool) *PgRunStore {
	return &PgRunStore{pool: pool}
}

func (s *PgRunStore) Insert(ctx context.Context, run RunSummary) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reminder_runs (id, trigger_label, days_before, hour, candidates,
			sent, skipped, failed, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, run.ID, run.Trigger, run.DaysBefore, run.Hour, run.Candidates,
		run.Sent, run.Skipped, run.Failed, run.StartedAt, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("insert reminder run: %w", err)
	}
	return nil
}

func (s *PgRunStore) ListRecent(ctx context.Context, limit int) ([]RunSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, trigger_label, days_before, hour, candidates, sent, skipped, failed,
			started_at, finished_at
		FROM reminder_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.ID, &r.Trigger, &r.DaysBefore, &r.Hour, &r.Candidates,
			&r.Sent, &r.Skipped, &r.Failed, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		result = append(result, r)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *PgRunStore) Stats(ctx context.Context, since time.Time) (*RunStats, error) {
	var st RunStats
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(candidates), 0),
			COALESCE(SUM(sent), 0),
			COALESCE(SUM(skipped), 0),
			COALESCE(SUM(failed), 0)
		FROM reminder_runs
		WHERE started_at >= $1
	`, since).Scan(&st.Runs, &st.Candidates, &st.Sent, &st.Skipped, &st.Failed)
	if err != nil {
		return nil, fmt.Errorf("aggregate reminder runs: %w", err)
	}
	return &st, nil
}
