package reschedule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicdesk/reminder-engine/internal/appointment"
	"github.com/clinicdesk/reminder-engine/internal/channel"
	"github.com/clinicdesk/reminder-engine/internal/messaging"
	"github.com/clinicdesk/reminder-engine/pkg/retry"
)

type WorkflowConfig struct {
	ClinicName     string
	CorporatePhone string // where secretary notifications go
	Location       *time.Location
	SendTimeout    time.Duration
}

// StepReport carries per-step outcomes so the caller can log exactly what
// happened. The workflow itself never aborts on a notification failure:
// the secretary must see the alert even when outbound messaging is down.
type StepReport struct {
	TransitionErr error
	AckErr        error
	NotifyErr     error
	AlertErr      error
	Alert         *Alert
	AlertCreated  bool
}

// Workflow reacts to a detected reschedule request: state transition,
// patient acknowledgement, corporate notification, secretary alert.
type Workflow struct {
	machine  *appointment.Machine
	governor *channel.Governor
	channels channel.Store
	provider messaging.Provider
	msgLog   messaging.Log
	alerts   AlertStore
	cfg      WorkflowConfig
	retryCfg retry.Config
	log      zerolog.Logger
}

func NewWorkflow(
	machine *appointment.Machine,
	governor *channel.Governor,
	channels channel.Store,
	provider messaging.Provider,
	msgLog messaging.Log,
	alerts AlertStore,
	cfg WorkflowConfig,
	log zerolog.Logger,
) *Workflow {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	return &Workflow{
		machine:  machine,
		governor: governor,
		channels: channels,
		provider: provider,
		msgLog:   msgLog,
		alerts:   alerts,
		cfg:      cfg,
		retryCfg: retry.DefaultConfig(),
		log:      log.With().Str("component", "reschedule_workflow").Logger(),
	}
}

// Handle runs the four workflow steps. Steps 2 and 3 are best-effort and
// retried a few times; steps 1 and 4 always run. Handle is idempotent for
// repeated reschedule texts about the same appointment: the transition
// no-ops and the open alert is reused.
func (w *Workflow) Handle(ctx context.Context, patient *appointment.Patient, appt *appointment.Appointment, detectedText string) StepReport {
	var report StepReport
	log := w.log.With().
		Str("appointment_id", appt.ID.String()).
		Str("patient_id", patient.ID.String()).
		Logger()

	// Step 1: move the appointment out of the reminder cadence.
	if _, err := w.machine.Apply(ctx, appt.ID, appointment.EventRescheduleRequest); err != nil {
		report.TransitionErr = err
		log.Error().Err(err).Msg("reschedule transition failed")
	}

	// Step 2: tell the patient a human will take over.
	ack := fmt.Sprintf(
		"Hola %s, entendido. La secretaria de %s se pondrá en contacto con usted para coordinar un nuevo horario. ¡Gracias por avisar!",
		patient.Name, w.cfg.ClinicName,
	)
	if err := w.sendVia(ctx, &appt.ID, patient.Phone, ack); err != nil {
		report.AckErr = err
		log.Warn().Err(err).Msg("patient acknowledgement failed")
	}

	waLink := WhatsAppLink(patient.Phone)

	// Step 3: notify the corporate channel with everything the secretary
	// needs to act without opening the CRM.
	if w.cfg.CorporatePhone != "" {
		localAt := appt.ScheduledAt.In(w.cfg.Location)
		notify := fmt.Sprintf(
			"Solicitud de reagendamiento\nPaciente: %s\nTeléfono: %s\nChat: %s\nCita original: %s a las %s\nMensaje: %q",
			patient.Name, patient.Phone, waLink,
			localAt.Format("02/01/2006"), localAt.Format("15:04"),
			detectedText,
		)
		if err := w.sendVia(ctx, &appt.ID, w.cfg.CorporatePhone, notify); err != nil {
			report.NotifyErr = err
			log.Warn().Err(err).Msg("corporate notification failed")
		}
	}

	// Step 4: the alert. This is the one step whose failure actually
	// hurts, because alert visibility must never depend on messaging.
	alert, created, err := w.alerts.CreateIfAbsent(ctx, Alert{
		AppointmentID:   appt.ID,
		PatientID:       patient.ID,
		DetectedMessage: detectedText,
		WhatsAppLink:    waLink,
	})
	if err != nil {
		report.AlertErr = err
		log.Error().Err(err).Msg("alert creation failed")
	} else {
		report.Alert = alert
		report.AlertCreated = created
		log.Info().
			Str("alert_id", alert.ID.String()).
			Bool("created", created).
			Msg("reschedule alert in place")
	}

	return report
}

// sendVia picks a channel, passes the governor's pacing gate, and sends
// with a bounded timeout and a small retry budget.
func (w *Workflow) sendVia(ctx context.Context, appointmentID *uuid.UUID, phone, text string) error {
	chID, err := w.governor.SelectChannel(ctx, nil)
	if err != nil {
		return err
	}

	ch, err := w.channels.GetByID(ctx, chID)
	if err != nil {
		return err
	}

	if err := w.governor.AcquireSendSlot(ctx, chID, channel.PaceBulk); err != nil {
		return err
	}

	var externalID string
	sendErr := retry.Do(ctx, w.retryCfg, func() error {
		sendCtx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout)
		defer cancel()
		id, err := w.provider.Send(sendCtx, ch.ExternalInstanceID, phone, text)
		if err != nil {
			return err
		}
		externalID = id
		return nil
	})

	entry := messaging.MessageLogEntry{
		ChannelID:         &chID,
		AppointmentID:     appointmentID,
		Direction:         messaging.DirectionOutbound,
		Content:           text,
		Status:            messaging.StatusSent,
		ExternalMessageID: externalID,
	}
	if sendErr != nil {
		entry.Status = messaging.StatusFailed
		entry.ErrorDetail = sendErr.Error()
	}
	if _, err := w.msgLog.Append(ctx, entry); err != nil {
		w.log.Error().Err(err).Msg("message log append failed")
	}

	w.governor.ReportResult(ctx, chID, channel.SendOutcome{Delivered: sendErr == nil})

	return sendErr
}

// WhatsAppLink builds the wa.me deep link for a phone number.
func WhatsAppLink(phone string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	return "https://wa.me/" + digits
}
