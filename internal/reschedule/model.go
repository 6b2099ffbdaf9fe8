package reschedule

import (
	"time"

	"github.com/google/uuid"
)

// Alert is the secretary-facing record created when a patient asks for a
// new time. Alerts are never deleted; a resolved alert is terminal.
type Alert struct {
	ID              uuid.UUID  `json:"id"`
	AppointmentID   uuid.UUID  `json:"appointment_id"`
	PatientID       uuid.UUID  `json:"patient_id"`
	DetectedMessage string     `json:"detected_message"`
	WhatsAppLink    string     `json:"whatsapp_link"`
	IsRead          bool       `json:"is_read"`
	IsResolved      bool       `json:"is_resolved"`
	ResolvedBy      string     `json:"resolved_by,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}
