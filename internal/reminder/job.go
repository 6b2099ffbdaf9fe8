package reminder

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinicdesk/reminder-engine/internal/template"
)

// Trigger is one registered cadence slot. Hour is a clinic-local wall-clock
// hour, or template.HourBeforeGap for the sliding "hours before the
// appointment" tick that runs every hour.
type Trigger struct {
	DaysBefore int
	Hour       int
}

func (t Trigger) Label() string {
	if t.Hour == template.HourBeforeGap {
		return fmt.Sprintf("d%d/gap", t.DaysBefore)
	}
	return fmt.Sprintf("d%d/h%02d", t.DaysBefore, t.Hour)
}

// defaultTriggers builds the canonical trigger registry. One entry per
// cadence table slot plus the hourly gap tick.
func defaultTriggers() []Trigger {
	var out []Trigger
	for _, h := range []int{10, 15, 19} {
		out = append(out, Trigger{DaysBefore: 2, Hour: h})
	}
	for _, h := range []int{7, 8, 10, 12, 14, 16, 18} {
		out = append(out, Trigger{DaysBefore: 1, Hour: h})
	}
	out = append(out, Trigger{DaysBefore: 0, Hour: 7})
	out = append(out, Trigger{DaysBefore: 0, Hour: template.HourBeforeGap})
	return out
}

// Job is the ephemeral unit of work a trigger produces per appointment. It
// lives only for the duration of the send; the audit trail is the message
// log entry it leaves behind.
type Job struct {
	AppointmentID uuid.UUID
	PatientID     uuid.UUID
	ChannelID     uuid.UUID
	TriggerTime   time.Time
	DaysBefore    int
	HourBucket    int
	Text          string
	Phone         string
	InstanceID    string
}
