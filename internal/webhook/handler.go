package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinicdesk/reminder-engine/internal/appointment"
	"github.com/clinicdesk/reminder-engine/internal/intent"
	"github.com/clinicdesk/reminder-engine/internal/messaging"
	"github.com/clinicdesk/reminder-engine/internal/reschedule"
)

// InboundMessage is the provider's webhook payload for one patient text.
type InboundMessage struct {
	Phone     string    `json:"phone"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler is the inbound boundary. The one hard rule here: the provider
// always gets a 200 back, no matter what breaks internally, or it will
// retry and we will classify the same text twice.
type Handler struct {
	classifier   *intent.Classifier
	patients     appointment.PatientStore
	appointments appointment.Store
	machine      *appointment.Machine
	workflow     *reschedule.Workflow
	msgLog       messaging.Log
	verifyToken  string
	log          zerolog.Logger
}

func NewHandler(
	classifier *intent.Classifier,
	patients appointment.PatientStore,
	appointments appointment.Store,
	machine *appointment.Machine,
	workflow *reschedule.Workflow,
	msgLog messaging.Log,
	verifyToken string,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		classifier:   classifier,
		patients:     patients,
		appointments: appointments,
		machine:      machine,
		workflow:     workflow,
		msgLog:       msgLog,
		verifyToken:  verifyToken,
		log:          log.With().Str("component", "webhook").Logger(),
	}
}

// Verify answers the provider's subscription handshake.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && token != "" && token == h.verifyToken {
		h.log.Info().Msg("webhook verified")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(challenge))
		return
	}

	w.WriteHeader(http.StatusForbidden)
}

// Receive handles one inbound text.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	var msg InboundMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		// Even garbage gets acknowledged; there is nothing to retry.
		h.log.Warn().Err(err).Msg("undecodable webhook payload")
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.process(r.Context(), msg); err != nil {
		h.log.Error().Err(err).Str("phone", msg.Phone).Msg("inbound processing failed")
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) process(ctx context.Context, msg InboundMessage) error {
	if _, err := h.msgLog.Append(ctx, messaging.MessageLogEntry{
		Direction: messaging.DirectionInbound,
		Content:   msg.Text,
		Status:    messaging.StatusDelivered,
	}); err != nil {
		h.log.Error().Err(err).Msg("inbound log append failed")
	}

	patient, err := h.patients.FindByPhone(ctx, msg.Phone)
	if err != nil {
		if errors.Is(err, appointment.ErrPatientNotFound) {
			h.log.Info().Str("phone", msg.Phone).Msg("inbound from unknown phone")
			return nil
		}
		return err
	}

	appt, err := h.appointments.FindNextActive(ctx, patient.ID, time.Now())
	if err != nil {
		if errors.Is(err, appointment.ErrAppointmentNotFound) {
			h.log.Info().
				Str("patient_id", patient.ID.String()).
				Msg("inbound with no active appointment")
			return nil
		}
		return err
	}

	result := h.classifier.Classify(msg.Text)
	h.log.Info().
		Str("patient_id", patient.ID.String()).
		Str("appointment_id", appt.ID.String()).
		Str("intent", string(result.Intent)).
		Str("keyword", result.MatchedKeyword).
		Msg("inbound classified")

	switch result.Intent {
	case intent.IntentConfirmed:
		if _, err := h.machine.Apply(ctx, appt.ID, appointment.EventConfirm); err != nil {
			return err
		}
	case intent.IntentRescheduleRequested:
		report := h.workflow.Handle(ctx, patient, appt, msg.Text)
		if report.AlertErr != nil {
			return report.AlertErr
		}
	case intent.IntentUnrecognized:
		// Logged above; a human can read it in the message log.
	}

	return nil
}
