package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicdesk/reminder-engine/internal/appointment"
	"github.com/clinicdesk/reminder-engine/internal/channel"
	"github.com/clinicdesk/reminder-engine/internal/messaging"
	"github.com/clinicdesk/reminder-engine/internal/reminder"
	"github.com/clinicdesk/reminder-engine/internal/reschedule"
)

func listAlertsHandler(alerts reschedule.AlertStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		onlyUnresolved := r.URL.Query().Get("unresolved") == "1"

		list, err := alerts.List(r.Context(), onlyUnresolved)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		writeJSON(w, http.StatusOK, list)
	}
}

func markAlertReadHandler(alerts reschedule.AlertStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_alert_id", "id must be a valid UUID")
			return
		}

		if err := alerts.MarkRead(r.Context(), id); err != nil {
			handleAlertError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func resolveAlertHandler(alerts reschedule.AlertStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_alert_id", "id must be a valid UUID")
			return
		}

		var req ResolveAlertRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if strings.TrimSpace(req.ResolvedBy) == "" {
			writeError(w, http.StatusBadRequest, "missing_resolved_by", "resolved_by is required")
			return
		}

		if err := alerts.MarkResolved(r.Context(), id, req.ResolvedBy); err != nil {
			handleAlertError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func handleAlertError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, reschedule.ErrAlertNotFound):
		writeError(w, http.StatusNotFound, "alert_not_found", err.Error())
	case errors.Is(err, reschedule.ErrAlertResolved):
		writeError(w, http.StatusConflict, "alert_already_resolved", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func getAppointmentHandler(store appointment.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		appt, err := store.GetByID(r.Context(), id)
		if err != nil {
			handleAppointmentError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

// applyEventHandler lets the front desk drive the state machine by hand:
// completing, cancelling or no-showing an appointment.
func applyEventHandler(machine *appointment.Machine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		var req ApplyEventRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		event := appointment.Event(req.Event)
		if !appointment.KnownEvent(event) {
			writeError(w, http.StatusBadRequest, "unknown_event", "event must be one of the appointment events")
			return
		}

		appt, err := machine.Apply(r.Context(), id, event)
		if err != nil {
			handleAppointmentError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func listAppointmentMessagesHandler(msgLog messaging.Log) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		entries, err := msgLog.ListByAppointment(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		out := make([]MessageResponse, 0, len(entries))
		for _, e := range entries {
			out = append(out, toMessageResponse(e))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleAppointmentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, appointment.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, appointment.ErrStatusConflict):
		writeError(w, http.StatusConflict, "status_conflict", "appointment changed concurrently, retry")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func listChannelsHandler(governor *channel.Governor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, governor.Snapshot())
	}
}

func listRunsHandler(runs reminder.RunStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 20
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > 200 {
				writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 200")
				return
			}
			limit = n
		}

		list, err := runs.ListRecent(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		writeJSON(w, http.StatusOK, list)
	}
}

func runStatsHandler(runs reminder.RunStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		since := time.Now().AddDate(0, 0, -7)
		if raw := r.URL.Query().Get("since"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_since", "since must be RFC3339")
				return
			}
			since = t
		}

		stats, err := runs.Stats(r.Context(), since)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		writeJSON(w, http.StatusOK, stats)
	}
}

// broadcaster holds what a manual bulk send needs. Sends run detached
// from the request because manual pacing gaps are tens of seconds per
// message.
type broadcaster struct {
	governor    *channel.Governor
	channels    channel.Store
	provider    messaging.Provider
	msgLog      messaging.Log
	sendTimeout time.Duration
	log         zerolog.Logger
}

func broadcastHandler(b *broadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BroadcastRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			writeError(w, http.StatusBadRequest, "missing_text", "text is required")
			return
		}
		if len(req.Phones) == 0 {
			writeError(w, http.StatusBadRequest, "missing_phones", "phones is required")
			return
		}

		go b.run(context.Background(), req.Phones, req.Text)

		writeJSON(w, http.StatusAccepted, BroadcastResponse{Accepted: len(req.Phones)})
	}
}

func (b *broadcaster) run(ctx context.Context, phones []string, text string) {
	log := b.log.With().Str("component", "broadcast").Int("recipients", len(phones)).Logger()

	chID, err := b.governor.SelectChannel(ctx, nil)
	if err != nil {
		log.Error().Err(err).Msg("broadcast aborted, no channel")
		return
	}

	ch, err := b.channels.GetByID(ctx, chID)
	if err != nil {
		log.Error().Err(err).Msg("broadcast aborted, channel lookup failed")
		return
	}

	var sent, failed int
	for _, phone := range phones {
		if err := b.governor.AcquireSendSlot(ctx, chID, channel.PaceManual); err != nil {
			log.Warn().Err(err).Str("phone", phone).Msg("broadcast send refused")
			failed++
			continue
		}

		sendCtx, cancel := context.WithTimeout(ctx, b.sendTimeout)
		externalID, sendErr := b.provider.Send(sendCtx, ch.ExternalInstanceID, phone, text)
		cancel()

		entry := messaging.MessageLogEntry{
			ChannelID:         &chID,
			Direction:         messaging.DirectionOutbound,
			Content:           text,
			Status:            messaging.StatusSent,
			ExternalMessageID: externalID,
		}
		if sendErr != nil {
			entry.Status = messaging.StatusFailed
			entry.ErrorDetail = sendErr.Error()
			failed++
		} else {
			sent++
		}
		if _, err := b.msgLog.Append(ctx, entry); err != nil {
			log.Error().Err(err).Msg("broadcast log append failed")
		}

		b.governor.ReportResult(ctx, chID, channel.SendOutcome{Delivered: sendErr == nil})
	}

	log.Info().Int("sent", sent).Int("failed", failed).Msg("broadcast finished")
}

func toAppointmentResponse(appt *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:               appt.ID,
		PatientID:        appt.PatientID,
		ScheduledAt:      appt.ScheduledAt,
		Status:           string(appt.Status),
		ReminderAttempts: appt.ReminderAttempts,
		LastReminderAt:   appt.LastReminderAt,
		ConfirmedAt:      appt.ConfirmedAt,
	}
}

func toMessageResponse(e messaging.MessageLogEntry) MessageResponse {
	return MessageResponse{
		ID:                e.ID,
		ChannelID:         e.ChannelID,
		Direction:         string(e.Direction),
		Content:           e.Content,
		Status:            string(e.Status),
		ExternalMessageID: e.ExternalMessageID,
		ErrorDetail:       e.ErrorDetail,
		CreatedAt:         e.CreatedAt,
	}
}
