package appointment

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusScheduled           Status = "scheduled"
	StatusConfirmed           Status = "confirmed"
	StatusNotConfirmed        Status = "not_confirmed"
	StatusReschedulingPending Status = "rescheduling_pending"
	StatusCompleted           Status = "completed"
	StatusCancelled           Status = "cancelled"
	StatusNoShow              Status = "no_show"
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// Reminded reports whether s still qualifies for reminder sends at all.
// Confirmed appointments are handled separately: they only receive the
// single reinforcement message.
func (s Status) Reminded() bool {
	switch s {
	case StatusScheduled, StatusNotConfirmed:
		return true
	}
	return false
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Phone     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Appointment struct {
	ID               uuid.UUID
	PatientID        uuid.UUID
	ChannelID        *uuid.UUID // preferred outbound channel, nil means governor picks
	ScheduledAt      time.Time
	DurationMinutes  int
	Status           Status
	ReminderAttempts int
	LastReminderAt   *time.Time
	ConfirmedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TransitionRecord is the audit entry appended for every state change.
type TransitionRecord struct {
	ID            int64
	AppointmentID uuid.UUID
	FromStatus    Status
	ToStatus      Status
	Event         Event
	CreatedAt     time.Time
}
