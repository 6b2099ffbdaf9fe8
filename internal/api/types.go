package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type ResolveAlertRequest struct {
	ResolvedBy string `json:"resolved_by"`
}

type BroadcastRequest struct {
	Phones []string `json:"phones"`
	Text   string   `json:"text"`
}

type BroadcastResponse struct {
	Accepted int `json:"accepted"`
}

type ApplyEventRequest struct {
	Event string `json:"event"`
}

type AppointmentResponse struct {
	ID               uuid.UUID  `json:"id"`
	PatientID        uuid.UUID  `json:"patient_id"`
	ScheduledAt      time.Time  `json:"scheduled_at"`
	Status           string     `json:"status"`
	ReminderAttempts int        `json:"reminder_attempts"`
	LastReminderAt   *time.Time `json:"last_reminder_at,omitempty"`
	ConfirmedAt      *time.Time `json:"confirmed_at,omitempty"`
}

type MessageResponse struct {
	ID                uuid.UUID  `json:"id"`
	ChannelID         *uuid.UUID `json:"channel_id,omitempty"`
	Direction         string     `json:"direction"`
	Content           string     `json:"content"`
	Status            string     `json:"status"`
	ExternalMessageID string     `json:"external_message_id,omitempty"`
	ErrorDetail       string     `json:"error_detail,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
