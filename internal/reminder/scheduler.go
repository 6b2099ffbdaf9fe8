package reminder

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicdesk/reminder-engine/internal/appointment"
	"github.com/clinicdesk/reminder-engine/internal/channel"
	"github.com/clinicdesk/reminder-engine/internal/messaging"
	redisclient "github.com/clinicdesk/reminder-engine/internal/redis"
	"github.com/clinicdesk/reminder-engine/internal/template"
)

type Config struct {
	Location     *time.Location
	ClinicName   string
	CutoffHour   int // no outbound send at or after this local hour
	MaxAttempts  int // hard per-appointment ceiling
	GapLeadHours int // the sliding "N hours before" window
	SendTimeout  time.Duration
}

// Scheduler owns the cadence trigger registry and drives reminder sends.
// It is constructed once at process start; nothing here relies on package
// globals or ambient timers.
type Scheduler struct {
	appointments appointment.Store
	patients     appointment.PatientStore
	channels     channel.Store
	governor     *channel.Governor
	resolver     *template.Resolver
	provider     messaging.Provider
	msgLog       messaging.Log
	dedup        redisclient.TriggerDedup
	runs         RunStore
	cfg          Config
	log          zerolog.Logger

	triggers []Trigger
}

func NewScheduler(
	appointments appointment.Store,
	patients appointment.PatientStore,
	channels channel.Store,
	governor *channel.Governor,
	resolver *template.Resolver,
	provider messaging.Provider,
	msgLog messaging.Log,
	dedup redisclient.TriggerDedup,
	runs RunStore,
	cfg Config,
	log zerolog.Logger,
) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	return &Scheduler{
		appointments: appointments,
		patients:     patients,
		channels:     channels,
		governor:     governor,
		resolver:     resolver,
		provider:     provider,
		msgLog:       msgLog,
		dedup:        dedup,
		runs:         runs,
		cfg:          cfg,
		log:          log.With().Str("component", "cadence_scheduler").Logger(),
		triggers:     defaultTriggers(),
	}
}

// Triggers exposes the registry, mainly for the dashboard and tests.
func (s *Scheduler) Triggers() []Trigger {
	out := make([]Trigger, len(s.triggers))
	copy(out, s.triggers)
	return out
}

// Run drives the wall-clock loop until the context is cancelled. Each hour
// of clinic-local time fires the triggers registered for that hour, each in
// its own goroutine so one trigger's pacing never stalls another. Midnight
// additionally runs channel maintenance.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info().
		Str("timezone", s.cfg.Location.String()).
		Int("cutoff_hour", s.cfg.CutoffHour).
		Int("triggers", len(s.triggers)).
		Msg("cadence scheduler started")

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	lastHour := ""

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("cadence scheduler stopped")
			return
		case <-ticker.C:
			now := time.Now().In(s.cfg.Location)
			hourKey := now.Format("2006-01-02T15")
			if hourKey == lastHour {
				continue
			}
			lastHour = hourKey
			s.fireHour(ctx, now)
		}
	}
}

func (s *Scheduler) fireHour(ctx context.Context, now time.Time) {
	if err := s.governor.Sync(ctx); err != nil {
		s.log.Error().Err(err).Msg("governor sync failed")
	}

	if now.Hour() == 0 {
		s.governor.ResetDailyCounters(ctx)
	}

	for _, trig := range s.triggers {
		if trig.Hour != template.HourBeforeGap && trig.Hour != now.Hour() {
			continue
		}
		go func(t Trigger) {
			s.RunTrigger(ctx, t)
		}(trig)
	}
}

// RunTrigger executes one cadence trigger end to end and records a run
// summary. Exported so operators (and tests) can fire a slot by hand.
// Per-appointment failures are isolated: one bad candidate never aborts
// the rest of the batch.
func (s *Scheduler) RunTrigger(ctx context.Context, trig Trigger) RunSummary {
	now := time.Now().In(s.cfg.Location)
	run := RunSummary{
		ID:         uuid.New(),
		Trigger:    trig.Label(),
		DaysBefore: trig.DaysBefore,
		Hour:       trig.Hour,
		StartedAt:  now,
	}
	log := s.log.With().Str("trigger", trig.Label()).Str("run_id", run.ID.String()).Logger()

	// The cutoff is a business rule, not an optimization: nothing goes out
	// at or after the cutoff hour no matter which cadence slots are pending.
	if now.Hour() >= s.cfg.CutoffHour {
		log.Info().Int("hour", now.Hour()).Msg("trigger suppressed by send cutoff")
		run.FinishedAt = time.Now().In(s.cfg.Location)
		s.persistRun(ctx, run, log)
		return run
	}

	from, to := s.window(trig, now)

	candidates, err := s.appointments.FindDue(ctx, from, to)
	if err != nil {
		log.Error().Err(err).Msg("candidate query failed")
		run.FinishedAt = time.Now().In(s.cfg.Location)
		s.persistRun(ctx, run, log)
		return run
	}
	run.Candidates = len(candidates)

	var mu sync.Mutex
	perChannel := make(map[uuid.UUID][]Job)
	instanceIDs := make(map[uuid.UUID]string)

	for i := range candidates {
		appt := candidates[i]
		job, skip := s.prepareJob(ctx, trig, now, &appt, instanceIDs, log)
		if skip != "" {
			mu.Lock()
			if skip == skipFailed {
				run.Failed++
			} else {
				run.Skipped++
			}
			mu.Unlock()
			continue
		}
		perChannel[job.ChannelID] = append(perChannel[job.ChannelID], *job)
	}

	// Sends are strictly sequential within one channel to honor anti-block
	// pacing; distinct channels proceed in parallel.
	var wg sync.WaitGroup
	for chID, jobs := range perChannel {
		wg.Add(1)
		go func(chID uuid.UUID, jobs []Job) {
			defer wg.Done()
			sent, skipped, failed := s.sendSequential(ctx, chID, jobs, log)
			mu.Lock()
			run.Sent += sent
			run.Skipped += skipped
			run.Failed += failed
			mu.Unlock()
		}(chID, jobs)
	}
	wg.Wait()

	run.FinishedAt = time.Now().In(s.cfg.Location)
	log.Info().
		Int("candidates", run.Candidates).
		Int("sent", run.Sent).
		Int("skipped", run.Skipped).
		Int("failed", run.Failed).
		Dur("took", run.FinishedAt.Sub(run.StartedAt)).
		Msg("trigger run complete")

	s.persistRun(ctx, run, log)
	return run
}

// window computes the appointment-date range a trigger targets.
func (s *Scheduler) window(trig Trigger, now time.Time) (time.Time, time.Time) {
	if trig.Hour == template.HourBeforeGap {
		from := now.Add(time.Duration(s.cfg.GapLeadHours) * time.Hour)
		return from, from.Add(time.Hour)
	}

	day := now.AddDate(0, 0, trig.DaysBefore)
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, s.cfg.Location)
	return from, from.AddDate(0, 0, 1)
}

const skipFailed = "failed"

// prepareJob turns a candidate appointment into a dispatchable job, or
// returns a non-empty skip reason. It claims the dedup slot last, so a
// skipped candidate never burns its idempotency key.
func (s *Scheduler) prepareJob(ctx context.Context, trig Trigger, now time.Time, appt *appointment.Appointment, instanceIDs map[uuid.UUID]string, log zerolog.Logger) (*Job, string) {
	confirmed := appt.Status == appointment.StatusConfirmed
	if !confirmed && !appt.Status.Reminded() {
		return nil, "status"
	}

	tpl, ok := s.resolver.Resolve(trig.DaysBefore, trig.Hour, confirmed)
	if !ok {
		// Not in the cadence table for this confirmation state: no send.
		return nil, "no_slot"
	}

	if appt.ReminderAttempts >= s.cfg.MaxAttempts {
		log.Info().
			Str("appointment_id", appt.ID.String()).
			Int("attempts", appt.ReminderAttempts).
			Msg("attempt ceiling reached, no further reminders")
		return nil, "ceiling"
	}

	patient, err := s.patients.GetByID(ctx, appt.PatientID)
	if err != nil {
		log.Error().Err(err).Str("appointment_id", appt.ID.String()).Msg("patient lookup failed")
		return nil, skipFailed
	}

	localAt := appt.ScheduledAt.In(s.cfg.Location)
	text, err := tpl.Render(map[string]string{
		"patientName":     patient.Name,
		"appointmentDate": localAt.Format("02/01/2006"),
		"appointmentTime": localAt.Format("15:04"),
		"clinicName":      s.cfg.ClinicName,
	})
	if err != nil {
		// Template misconfiguration fails this send only.
		log.Error().Err(err).Str("appointment_id", appt.ID.String()).Msg("template render failed")
		s.appendLog(ctx, messaging.MessageLogEntry{
			AppointmentID: &appt.ID,
			Direction:     messaging.DirectionOutbound,
			Status:        messaging.StatusFailed,
			ErrorDetail:   err.Error(),
		}, log)
		return nil, skipFailed
	}

	var candidates []uuid.UUID
	if appt.ChannelID != nil {
		candidates = []uuid.UUID{*appt.ChannelID}
	}
	chID, err := s.governor.SelectChannel(ctx, candidates)
	if err != nil {
		if errors.Is(err, channel.ErrNoChannelAvailable) && appt.ChannelID != nil {
			// Preferred channel is down; fall back to any connected one.
			chID, err = s.governor.SelectChannel(ctx, nil)
		}
		if err != nil {
			log.Warn().Err(err).Str("appointment_id", appt.ID.String()).Msg("no channel, retried next tick")
			return nil, "no_channel"
		}
	}

	instanceID, ok := instanceIDs[chID]
	if !ok {
		ch, err := s.channels.GetByID(ctx, chID)
		if err != nil {
			log.Error().Err(err).Str("channel_id", chID.String()).Msg("channel lookup failed")
			return nil, skipFailed
		}
		instanceID = ch.ExternalInstanceID
		instanceIDs[chID] = instanceID
	}

	claimed, err := s.dedup.MarkSent(ctx, appt.ID, trig.DaysBefore, trig.Hour)
	if err != nil {
		log.Error().Err(err).Str("appointment_id", appt.ID.String()).Msg("dedup claim failed")
		return nil, skipFailed
	}
	if !claimed {
		return nil, "already_sent"
	}

	return &Job{
		AppointmentID: appt.ID,
		PatientID:     appt.PatientID,
		ChannelID:     chID,
		TriggerTime:   now,
		DaysBefore:    trig.DaysBefore,
		HourBucket:    trig.Hour,
		Text:          text,
		Phone:         patient.Phone,
		InstanceID:    instanceID,
	}, ""
}

// sendSequential pushes one channel's jobs through the governor's pacing
// gate, one at a time.
func (s *Scheduler) sendSequential(ctx context.Context, chID uuid.UUID, jobs []Job, log zerolog.Logger) (sent, skipped, failed int) {
	for i := range jobs {
		job := jobs[i]

		if err := s.governor.AcquireSendSlot(ctx, chID, channel.PaceBulk); err != nil {
			// Governor refusal is transient: give the idempotency key back
			// so the next eligible window can try again.
			s.releaseClaim(ctx, job, log)
			if ctx.Err() != nil {
				skipped += len(jobs) - i
				return
			}
			log.Warn().Err(err).Str("appointment_id", job.AppointmentID.String()).Msg("send refused by governor")
			skipped++
			continue
		}

		if s.deliver(ctx, job, log) {
			sent++
		} else {
			failed++
		}
	}
	return
}

// deliver performs one provider send with a mandatory timeout and records
// the outcome everywhere it needs to go. Returns true on success.
func (s *Scheduler) deliver(ctx context.Context, job Job, log zerolog.Logger) bool {
	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	externalID, sendErr := s.provider.Send(sendCtx, job.InstanceID, job.Phone, job.Text)
	cancel()

	entry := messaging.MessageLogEntry{
		ChannelID:         &job.ChannelID,
		AppointmentID:     &job.AppointmentID,
		Direction:         messaging.DirectionOutbound,
		Content:           job.Text,
		Status:            messaging.StatusSent,
		ExternalMessageID: externalID,
	}
	if sendErr != nil {
		entry.Status = messaging.StatusFailed
		entry.ErrorDetail = sendErr.Error()
	}
	s.appendLog(ctx, entry, log)

	s.governor.ReportResult(ctx, job.ChannelID, channel.SendOutcome{Delivered: sendErr == nil})

	// A transport failure still consumed an attempt against the ceiling.
	if err := s.appointments.IncrementReminderAttempts(ctx, job.AppointmentID, time.Now().UTC()); err != nil {
		log.Error().Err(err).Str("appointment_id", job.AppointmentID.String()).Msg("attempt increment failed")
	}

	if sendErr != nil {
		log.Error().Err(sendErr).
			Str("appointment_id", job.AppointmentID.String()).
			Str("channel_id", job.ChannelID.String()).
			Msg("reminder send failed")
		return false
	}

	log.Info().
		Str("appointment_id", job.AppointmentID.String()).
		Str("channel_id", job.ChannelID.String()).
		Str("external_id", externalID).
		Msg("reminder sent")
	return true
}

func (s *Scheduler) releaseClaim(ctx context.Context, job Job, log zerolog.Logger) {
	if err := s.dedup.Release(ctx, job.AppointmentID, job.DaysBefore, job.HourBucket); err != nil {
		log.Error().Err(err).Str("appointment_id", job.AppointmentID.String()).Msg("dedup release failed")
	}
}

func (s *Scheduler) appendLog(ctx context.Context, entry messaging.MessageLogEntry, log zerolog.Logger) {
	if _, err := s.msgLog.Append(ctx, entry); err != nil {
		log.Error().Err(err).Msg("message log append failed")
	}
}

func (s *Scheduler) persistRun(ctx context.Context, run RunSummary, log zerolog.Logger) {
	if s.runs == nil {
		return
	}
	if err := s.runs.Insert(ctx, run); err != nil {
		log.Error().Err(err).Msg("run summary insert failed")
	}
}
