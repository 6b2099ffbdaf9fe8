package appointment

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

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var channelID *uuid.UUID
	var lastReminderAt, confirmedAt *time.Time

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&channelID,
		&a.ScheduledAt,
		&a.DurationMinutes,
		&a.Status,
		&a.ReminderAttempts,
		&lastReminderAt,
		&confirmedAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.ChannelID = channelID
	a.LastReminderAt = lastReminderAt
	a.ConfirmedAt = confirmedAt
	return &a, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Phone,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	return &p, nil
}

const appointmentColumns = `id, patient_id, channel_id, scheduled_at, duration_minutes,
		status, reminder_attempts, last_reminder_at, confirmed_at, created_at, updated_at`

// Interface methods

func (s *PgStore) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (s *PgStore) FindDue(ctx context.Context, from, to time.Time) ([]Appointment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE scheduled_at >= $1
		  AND scheduled_at < $2
		  AND status NOT IN ('completed', 'cancelled', 'no_show')
		ORDER BY scheduled_at
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *PgStore) FindNextActive(ctx context.Context, patientID uuid.UUID, after time.Time) (*Appointment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		  AND scheduled_at >= $2
		  AND status NOT IN ('completed', 'cancelled', 'no_show')
		ORDER BY scheduled_at
		LIMIT 1
	`, patientID, after)
	return scanAppointment(row)
}

func (s *PgStore) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, confirmedAt *time.Time) (*Appointment, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    confirmed_at = COALESCE($4, confirmed_at),
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns+`
	`, id, to, from, confirmedAt)

	appt, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			// Row exists but the CAS guard failed, or the row is gone.
			// Either way the caller's view of the status is stale.
			if _, getErr := s.GetByID(ctx, id); getErr == nil {
				return nil, ErrStatusConflict
			}
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	return appt, nil
}

func (s *PgStore) IncrementReminderAttempts(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE appointments
		SET reminder_attempts = reminder_attempts + 1,
		    last_reminder_at = $2,
		    updated_at = now()
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("increment reminder attempts: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (s *PgStore) RecordTransition(ctx context.Context, rec TransitionRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO appointment_transitions (appointment_id, from_status, to_status, event, created_at)
		VALUES ($1, $2, $3, $4, now())
	`, rec.AppointmentID, rec.FromStatus, rec.ToStatus, rec.Event)
	if err != nil {
		return fmt.Errorf("insert transition record: %w", err)
	}
	return nil
}

// PgPatientStore implements PatientStore on the same pool.
type PgPatientStore struct {
	pool *pgxpool.Pool
}

func NewPgPatientStore(pool *pgxpool.Pool) *PgPatientStore {
	return &PgPatientStore{pool: pool}
}

func (s *PgPatientStore) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, phone, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (s *PgPatientStore) FindByPhone(ctx context.Context, phone string) (*Patient, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, phone, created_at, updated_at
		FROM patients
		WHERE phone = $1
	`, phone)
	return scanPatient(row)
}
