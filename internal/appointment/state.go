package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Event string

const (
	EventConfirm           Event = "confirm"
	EventMarkNotConfirmed  Event = "mark_not_confirmed"
	EventRescheduleRequest Event = "reschedule_request"
	EventCancel            Event = "cancel"
	EventComplete          Event = "complete"
	EventNoShow            Event = "no_show"
	EventRebook            Event = "rebook"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// KnownEvent reports whether ev is one of the defined appointment events.
func KnownEvent(ev Event) bool {
	_, ok := targets[ev]
	return ok
}

// targets maps each event to the status it produces.
var targets = map[Event]Status{
	EventConfirm:           StatusConfirmed,
	EventMarkNotConfirmed:  StatusNotConfirmed,
	EventRescheduleRequest: StatusReschedulingPending,
	EventCancel:            StatusCancelled,
	EventComplete:          StatusCompleted,
	EventNoShow:            StatusNoShow,
	EventRebook:            StatusScheduled,
}

// allowed lists the events each status accepts.
var allowed = map[Status][]Event{
	StatusScheduled:           {EventConfirm, EventMarkNotConfirmed, EventRescheduleRequest, EventCancel},
	StatusNotConfirmed:        {EventConfirm, EventRescheduleRequest, EventCancel},
	StatusReschedulingPending: {EventRebook, EventCancel},
	StatusConfirmed:           {EventComplete, EventNoShow, EventRescheduleRequest},
}

// Next computes the status an event produces from current. Re-applying an
// event whose target already holds is an idempotent no-op rather than an
// error, so a second "CONFIRMO" text never fails the webhook path.
func Next(current Status, event Event) (Status, error) {
	target, ok := targets[event]
	if !ok {
		return "", fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, event)
	}
	if current == target {
		return current, nil
	}
	for _, ev := range allowed[current] {
		if ev == event {
			return target, nil
		}
	}
	return "", fmt.Errorf("%w: %s does not accept %s", ErrInvalidTransition, current, event)
}

// Machine applies events to stored appointments. Every applied transition is
// written through a compare-and-swap status update and recorded on the audit
// trail, so concurrent appliers cannot double-transition.
type Machine struct {
	store Store
	log   zerolog.Logger
}

func NewMachine(store Store, log zerolog.Logger) *Machine {
	return &Machine{
		store: store,
		log:   log.With().Str("component", "state_machine").Logger(),
	}
}

// Apply loads the appointment, computes the transition, and persists it.
// The returned appointment reflects the post-transition state.
func (m *Machine) Apply(ctx context.Context, id uuid.UUID, event Event) (*Appointment, error) {
	appt, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	next, err := Next(appt.Status, event)
	if err != nil {
		m.log.Warn().
			Str("appointment_id", id.String()).
			Str("status", string(appt.Status)).
			Str("event", string(event)).
			Msg("transition rejected")
		return nil, err
	}

	if next == appt.Status {
		return appt, nil
	}

	var confirmedAt *time.Time
	if next == StatusConfirmed {
		now := time.Now().UTC()
		confirmedAt = &now
	}

	updated, err := m.store.UpdateStatus(ctx, id, appt.Status, next, confirmedAt)
	if err != nil {
		return nil, fmt.Errorf("persist transition %s -> %s: %w", appt.Status, next, err)
	}

	if err := m.store.RecordTransition(ctx, TransitionRecord{
		AppointmentID: id,
		FromStatus:    appt.Status,
		ToStatus:      next,
		Event:         event,
	}); err != nil {
		// The transition itself stuck; a lost audit row is logged, not fatal.
		m.log.Error().Err(err).
			Str("appointment_id", id.String()).
			Msg("audit record failed")
	}

	m.log.Info().
		Str("appointment_id", id.String()).
		Str("from", string(appt.Status)).
		Str("to", string(next)).
		Str("event", string(event)).
		Msg("appointment transitioned")

	return updated, nil
}
