package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound     = errors.New("patient not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrStatusConflict      = errors.New("appointment status changed concurrently")
)

// Store contains all appointment persistence used by the reminder engine.
// The booking flow that creates appointments lives elsewhere; this engine
// only reads candidates and moves statuses.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// FindDue returns non-terminal appointments scheduled inside [from, to).
	FindDue(ctx context.Context, from, to time.Time) ([]Appointment, error)

	// FindNextActive returns the patient's earliest upcoming appointment that
	// is still in play (not terminal), for tying inbound texts to a booking.
	FindNextActive(ctx context.Context, patientID uuid.UUID, after time.Time) (*Appointment, error)

	// UpdateStatus is a compare-and-swap: it only succeeds while the stored
	// status still equals from. confirmedAt is set when non-nil.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, confirmedAt *time.Time) (*Appointment, error)

	IncrementReminderAttempts(ctx context.Context, id uuid.UUID, at time.Time) error

	RecordTransition(ctx context.Context, rec TransitionRecord) error
}

type PatientStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	FindByPhone(ctx context.Context, phone string) (*Patient, error)
}
