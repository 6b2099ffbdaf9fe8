package appointment_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicdesk/reminder-engine/internal/appointment"
)

func TestNext(t *testing.T) {
	tests := []struct {
		name    string
		current appointment.Status
		event   appointment.Event
		want    appointment.Status
		wantErr bool
	}{
		{"scheduled confirm", appointment.StatusScheduled, appointment.EventConfirm, appointment.StatusConfirmed, false},
		{"scheduled mark not confirmed", appointment.StatusScheduled, appointment.EventMarkNotConfirmed, appointment.StatusNotConfirmed, false},
		{"scheduled reschedule", appointment.StatusScheduled, appointment.EventRescheduleRequest, appointment.StatusReschedulingPending, false},
		{"scheduled cancel", appointment.StatusScheduled, appointment.EventCancel, appointment.StatusCancelled, false},
		{"not confirmed confirms late", appointment.StatusNotConfirmed, appointment.EventConfirm, appointment.StatusConfirmed, false},
		{"confirmed completes", appointment.StatusConfirmed, appointment.EventComplete, appointment.StatusCompleted, false},
		{"confirmed no-shows", appointment.StatusConfirmed, appointment.EventNoShow, appointment.StatusNoShow, false},
		{"confirmed can still reschedule", appointment.StatusConfirmed, appointment.EventRescheduleRequest, appointment.StatusReschedulingPending, false},
		{"rescheduling rebooks", appointment.StatusReschedulingPending, appointment.EventRebook, appointment.StatusScheduled, false},
		{"rescheduling cancels", appointment.StatusReschedulingPending, appointment.EventCancel, appointment.StatusCancelled, false},

		// Idempotent re-application
		{"confirm twice no-ops", appointment.StatusConfirmed, appointment.EventConfirm, appointment.StatusConfirmed, false},
		{"cancel twice no-ops", appointment.StatusCancelled, appointment.EventCancel, appointment.StatusCancelled, false},

		// Terminal statuses reject everything else
		{"completed rejects confirm", appointment.StatusCompleted, appointment.EventConfirm, "", true},
		{"cancelled rejects reschedule", appointment.StatusCancelled, appointment.EventRescheduleRequest, "", true},
		{"no-show rejects rebook", appointment.StatusNoShow, appointment.EventRebook, "", true},

		// Monotonic: confirmed never goes back to unconfirmed
		{"confirmed rejects mark not confirmed", appointment.StatusConfirmed, appointment.EventMarkNotConfirmed, "", true},
		{"scheduled rejects complete", appointment.StatusScheduled, appointment.EventComplete, "", true},
		{"unknown event", appointment.StatusScheduled, appointment.Event("teleport"), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := appointment.Next(tt.current, tt.event)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, appointment.ErrInvalidTransition)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKnownEvent(t *testing.T) {
	assert.True(t, appointment.KnownEvent(appointment.EventConfirm))
	assert.True(t, appointment.KnownEvent(appointment.EventRebook))
	assert.False(t, appointment.KnownEvent(appointment.Event("teleport")))
}

// fakeStore implements appointment.Store in memory for machine tests.
type fakeStore struct {
	appts       map[uuid.UUID]*appointment.Appointment
	transitions []appointment.TransitionRecord
	updateCalls int
}

func newFakeStore(appts ...*appointment.Appointment) *fakeStore {
	s := &fakeStore{appts: make(map[uuid.UUID]*appointment.Appointment)}
	for _, a := range appts {
		s.appts[a.ID] = a
	}
	return s
}

func (s *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	a, ok := s.appts[id]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *fakeStore) FindDue(_ context.Context, _, _ time.Time) ([]appointment.Appointment, error) {
	return nil, nil
}

func (s *fakeStore) FindNextActive(_ context.Context, _ uuid.UUID, _ time.Time) (*appointment.Appointment, error) {
	return nil, appointment.ErrAppointmentNotFound
}

func (s *fakeStore) UpdateStatus(_ context.Context, id uuid.UUID, from, to appointment.Status, confirmedAt *time.Time) (*appointment.Appointment, error) {
	s.updateCalls++
	a, ok := s.appts[id]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	if a.Status != from {
		return nil, appointment.ErrStatusConflict
	}
	a.Status = to
	if confirmedAt != nil {
		a.ConfirmedAt = confirmedAt
	}
	cp := *a
	return &cp, nil
}

func (s *fakeStore) IncrementReminderAttempts(_ context.Context, id uuid.UUID, at time.Time) error {
	if a, ok := s.appts[id]; ok {
		a.ReminderAttempts++
		a.LastReminderAt = &at
	}
	return nil
}

func (s *fakeStore) RecordTransition(_ context.Context, rec appointment.TransitionRecord) error {
	s.transitions = append(s.transitions, rec)
	return nil
}

func TestMachine_Apply(t *testing.T) {
	appt := &appointment.Appointment{
		ID:          uuid.New(),
		PatientID:   uuid.New(),
		ScheduledAt: time.Now().Add(24 * time.Hour),
		Status:      appointment.StatusScheduled,
	}
	store := newFakeStore(appt)
	machine := appointment.NewMachine(store, zerolog.Nop())

	updated, err := machine.Apply(context.Background(), appt.ID, appointment.EventConfirm)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusConfirmed, updated.Status)
	require.NotNil(t, updated.ConfirmedAt, "confirm must stamp the confirmation time")

	require.Len(t, store.transitions, 1)
	rec := store.transitions[0]
	assert.Equal(t, appt.ID, rec.AppointmentID)
	assert.Equal(t, appointment.StatusScheduled, rec.FromStatus)
	assert.Equal(t, appointment.StatusConfirmed, rec.ToStatus)
	assert.Equal(t, appointment.EventConfirm, rec.Event)
}

func TestMachine_ApplyIdempotent(t *testing.T) {
	appt := &appointment.Appointment{
		ID:     uuid.New(),
		Status: appointment.StatusConfirmed,
	}
	store := newFakeStore(appt)
	machine := appointment.NewMachine(store, zerolog.Nop())

	updated, err := machine.Apply(context.Background(), appt.ID, appointment.EventConfirm)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusConfirmed, updated.Status)
	assert.Zero(t, store.updateCalls, "no-op transition must not touch the store")
	assert.Empty(t, store.transitions, "no-op transition must not leave an audit row")
}

func TestMachine_ApplyRejectsInvalid(t *testing.T) {
	appt := &appointment.Appointment{
		ID:     uuid.New(),
		Status: appointment.StatusCompleted,
	}
	store := newFakeStore(appt)
	machine := appointment.NewMachine(store, zerolog.Nop())

	_, err := machine.Apply(context.Background(), appt.ID, appointment.EventRescheduleRequest)
	assert.ErrorIs(t, err, appointment.ErrInvalidTransition)
	assert.Zero(t, store.updateCalls)
}

func TestMachine_ApplyUnknownAppointment(t *testing.T) {
	machine := appointment.NewMachine(newFakeStore(), zerolog.Nop())

	_, err := machine.Apply(context.Background(), uuid.New(), appointment.EventConfirm)
	assert.ErrorIs(t, err, appointment.ErrAppointmentNotFound)
}
