package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrEntryNotFound = errors.New("message log entry not found")

// Log is the append-only message audit trail. Entries are never deleted;
// only their delivery status moves forward.
type Log interface {
	Append(ctx context.Context, entry MessageLogEntry) (*MessageLogEntry, error)
	UpdateStatusByExternalID(ctx context.Context, externalID string, status MessageStatus) error
	ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]MessageLogEntry, error)
}

type PgLog struct {
	pool *pgxpool.Pool
}

func NewPgLog(pool *pgxpool.Pool) *PgLog {
	return &PgLog{pool: pool}
}

func scanEntry(row pgx.Row) (*MessageLogEntry, error) {
	var e MessageLogEntry
	var channelID, appointmentID *uuid.UUID

	err := row.Scan(
		&e.ID,
		&channelID,
		&appointmentID,
		&e.Direction,
		&e.Content,
		&e.Status,
		&e.ExternalMessageID,
		&e.ErrorDetail,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}

	e.ChannelID = channelID
	e.AppointmentID = appointmentID
	return &e, nil
}

const entryColumns = `id, channel_id, appointment_id, direction, content, status,
		external_message_id, error_detail, created_at, updated_at`

func (l *PgLog) Append(ctx context.Context, entry MessageLogEntry) (*MessageLogEntry, error) {
	id := uuid.New()
	now := time.Now().UTC()

	row := l.pool.QueryRow(ctx, `
		INSERT INTO message_log (id, channel_id, appointment_id, direction, content, status,
			external_message_id, error_detail, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		RETURNING `+entryColumns+`
	`, id, entry.ChannelID, entry.AppointmentID, entry.Direction, entry.Content,
		entry.Status, entry.ExternalMessageID, entry.ErrorDetail, now)

	created, err := scanEntry(row)
	if err != nil {
		return nil, fmt.Errorf("append message log: %w", err)
	}
	return created, nil
}

func (l *PgLog) UpdateStatusByExternalID(ctx context.Context, externalID string, status MessageStatus) error {
	tag, err := l.pool.Exec(ctx, `
		UPDATE message_log
		SET status = $2,
		    updated_at = now()
		WHERE external_message_id = $1
	`, externalID, status)
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (l *PgLog) ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]MessageLogEntry, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM message_log
		WHERE appointment_id = $1
		ORDER BY created_at
	`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []MessageLogEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}
