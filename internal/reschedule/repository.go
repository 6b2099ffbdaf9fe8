package reschedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrAlertNotFound = errors.New("reschedule alert not found")
	ErrAlertResolved = errors.New("reschedule alert already resolved")
)

type AlertStore interface {
	// CreateIfAbsent creates an alert unless an open one already exists for
	// the appointment; repeated reschedule texts must not pile up alerts.
	// The second return reports whether a new alert was created.
	CreateIfAbsent(ctx context.Context, alert Alert) (*Alert, bool, error)

	GetByID(ctx context.Context, id uuid.UUID) (*Alert, error)
	List(ctx context.Context, onlyUnresolved bool) ([]Alert, error)

	MarkRead(ctx context.Context, id uuid.UUID) error
	// MarkResolved closes the alert. Only a human calls this; the workflow
	// has no automatic resolution path.
	MarkResolved(ctx context.Context, id uuid.UUID, resolvedBy string) error
}

type PgAlertStore struct {
	pool *pgxpool.Pool
}

func NewPgAlertStore(pool *pgxpool.Pool) *PgAlertStore {
	return &PgAlertStore{pool: pool}
}

func scanAlert(row pgx.Row) (*Alert, error) {
	var a Alert
	var resolvedBy *string
	var resolvedAt *time.Time

	err := row.Scan(
		&a.ID,
		&a.AppointmentID,
		&a.PatientID,
		&a.DetectedMessage,
		&a.WhatsAppLink,
		&a.IsRead,
		&a.IsResolved,
		&resolvedBy,
		&a.CreatedAt,
		&resolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAlertNotFound
		}
		return nil, err
	}

	if resolvedBy != nil {
		a.ResolvedBy = *resolvedBy
	}
	a.ResolvedAt = resolvedAt
	return &a, nil
}

const alertColumns = `id, appointment_id, patient_id, detected_message, whatsapp_link,
		is_read, is_resolved, resolved_by, created_at, resolved_at`

func (s *PgAlertStore) CreateIfAbsent(ctx context.Context, alert Alert) (*Alert, bool, error) {
	existing, err := scanAlert(s.pool.QueryRow(ctx, `
		SELECT `+alertColumns+`
		FROM reschedule_alerts
		WHERE appointment_id = $1
		  AND is_resolved = false
		ORDER BY created_at DESC
		LIMIT 1
	`, alert.AppointmentID))
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrAlertNotFound) {
		return nil, false, fmt.Errorf("check open alert: %w", err)
	}

	id := uuid.New()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO reschedule_alerts (id, appointment_id, patient_id, detected_message,
			whatsapp_link, is_read, is_resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, false, false, now())
		RETURNING `+alertColumns+`
	`, id, alert.AppointmentID, alert.PatientID, alert.DetectedMessage, alert.WhatsAppLink)

	created, err := scanAlert(row)
	if err != nil {
		return nil, false, fmt.Errorf("insert alert: %w", err)
	}
	return created, true, nil
}

func (s *PgAlertStore) GetByID(ctx context.Context, id uuid.UUID) (*Alert, error) {
	return scanAlert(s.pool.QueryRow(ctx, `
		SELECT `+alertColumns+`
		FROM reschedule_alerts
		WHERE id = $1
	`, id))
}

func (s *PgAlertStore) List(ctx context.Context, onlyUnresolved bool) ([]Alert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM reschedule_alerts
		ORDER BY created_at DESC`
	if onlyUnresolved {
		query = `
		SELECT ` + alertColumns + `
		FROM reschedule_alerts
		WHERE is_resolved = false
		ORDER BY created_at DESC`
	}

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Alert
	for rows.Next() {
		a, err := scanAlert(rows)
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

func (s *PgAlertStore) MarkRead(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE reschedule_alerts
		SET is_read = true
		WHERE id = $1
		  AND is_resolved = false
	`, id)
	if err != nil {
		return fmt.Errorf("mark alert read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetByID(ctx, id); getErr == nil {
			return ErrAlertResolved
		}
		return ErrAlertNotFound
	}
	return nil
}

func (s *PgAlertStore) MarkResolved(ctx context.Context, id uuid.UUID, resolvedBy string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE reschedule_alerts
		SET is_resolved = true,
		    is_read = true,
		    resolved_by = $2,
		    resolved_at = now()
		WHERE id = $1
		  AND is_resolved = false
	`, id, resolvedBy)
	if err != nil {
		return fmt.Errorf("mark alert resolved: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetByID(ctx, id); getErr == nil {
			return ErrAlertResolved
		}
		return ErrAlertNotFound
	}
	return nil
}
