package reminder_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicdesk/reminder-engine/internal/appointment"
	"github.com/clinicdesk/reminder-engine/internal/channel"
	"github.com/clinicdesk/reminder-engine/internal/messaging"
	"github.com/clinicdesk/reminder-engine/internal/reminder"
	"github.com/clinicdesk/reminder-engine/internal/template"
)

// In-memory fakes. Everything the scheduler touches sits behind an
// interface, so a full trigger run works without Postgres or Redis.

type fakeApptStore struct {
	mu         sync.Mutex
	due        []appointment.Appointment
	patients   map[uuid.UUID]*appointment.Patient
	increments map[uuid.UUID]int
}

func newFakeApptStore() *fakeApptStore {
	return &fakeApptStore{
		patients:   make(map[uuid.UUID]*appointment.Patient),
		increments: make(map[uuid.UUID]int),
	}
}

func (s *fakeApptStore) add(status appointment.Status, attempts int) appointment.Appointment {
	p := &appointment.Patient{ID: uuid.New(), Name: "Ana Torres", Phone: "5215550001111"}
	s.patients[p.ID] = p
	appt := appointment.Appointment{
		ID:               uuid.New(),
		PatientID:        p.ID,
		ScheduledAt:      time.Now().Add(24 * time.Hour),
		Status:           status,
		ReminderAttempts: attempts,
	}
	s.due = append(s.due, appt)
	return appt
}

func (s *fakeApptStore) GetByID(_ context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	for i := range s.due {
		if s.due[i].ID == id {
			cp := s.due[i]
			return &cp, nil
		}
	}
	return nil, appointment.ErrAppointmentNotFound
}

func (s *fakeApptStore) FindDue(_ context.Context, _, _ time.Time) ([]appointment.Appointment, error) {
	out := make([]appointment.Appointment, len(s.due))
	copy(out, s.due)
	return out, nil
}

func (s *fakeApptStore) FindNextActive(_ context.Context, _ uuid.UUID, _ time.Time) (*appointment.Appointment, error) {
	return nil, appointment.ErrAppointmentNotFound
}

func (s *fakeApptStore) UpdateStatus(_ context.Context, _ uuid.UUID, _, _ appointment.Status, _ *time.Time) (*appointment.Appointment, error) {
	return nil, errors.New("not used")
}

func (s *fakeApptStore) IncrementReminderAttempts(_ context.Context, id uuid.UUID, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.increments[id]++
	return nil
}

func (s *fakeApptStore) RecordTransition(_ context.Context, _ appointment.TransitionRecord) error {
	return nil
}

func (s *fakeApptStore) GetPatient(_ context.Context, id uuid.UUID) (*appointment.Patient, error) {
	p, ok := s.patients[id]
	if !ok {
		return nil, appointment.ErrPatientNotFound
	}
	return p, nil
}

// patientStore adapts fakeApptStore to appointment.PatientStore.
type patientStore struct{ s *fakeApptStore }

func (p patientStore) GetByID(ctx context.Context, id uuid.UUID) (*appointment.Patient, error) {
	return p.s.GetPatient(ctx, id)
}

func (p patientStore) FindByPhone(_ context.Context, _ string) (*appointment.Patient, error) {
	return nil, appointment.ErrPatientNotFound
}

type fakeChannelStore struct {
	mu  sync.Mutex
	chs map[uuid.UUID]*channel.Channel
}

func newFakeChannelStore(chs ...*channel.Channel) *fakeChannelStore {
	s := &fakeChannelStore{chs: make(map[uuid.UUID]*channel.Channel)}
	for _, ch := range chs {
		s.chs[ch.ID] = ch
	}
	return s
}

func (s *fakeChannelStore) GetByID(_ context.Context, id uuid.UUID) (*channel.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.chs[id]
	if !ok {
		return nil, channel.ErrChannelNotFound
	}
	cp := *ch
	return &cp, nil
}

func (s *fakeChannelStore) ListConnected(_ context.Context) ([]channel.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []channel.Channel
	for _, ch := range s.chs {
		out = append(out, *ch)
	}
	return out, nil
}

func (s *fakeChannelStore) RecordSend(_ context.Context, _ uuid.UUID, _ time.Time) error { return nil }
func (s *fakeChannelStore) UpdateHealth(_ context.Context, _ uuid.UUID, _ float64) error { return nil }
func (s *fakeChannelStore) UpdateConnectionState(_ context.Context, _ uuid.UUID, _ channel.ConnectionState) error {
	return nil
}
func (s *fakeChannelStore) ResetDailyCounts(_ context.Context, _ time.Time) error { return nil }

// fakeDedup mimics the Redis SETNX claim semantics in memory.
type fakeDedup struct {
	mu     sync.Mutex
	claims map[string]bool
}

func newFakeDedup() *fakeDedup {
	return &fakeDedup{claims: make(map[string]bool)}
}

func (d *fakeDedup) key(id uuid.UUID, daysBefore, hour int) string {
	return fmt.Sprintf("%s:%d:%d", id, daysBefore, hour)
}

func (d *fakeDedup) MarkSent(_ context.Context, id uuid.UUID, daysBefore, hour int) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := d.key(id, daysBefore, hour)
	if d.claims[k] {
		return false, nil
	}
	d.claims[k] = true
	return true, nil
}

func (d *fakeDedup) Release(_ context.Context, id uuid.UUID, daysBefore, hour int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.claims, d.key(id, daysBefore, hour))
	return nil
}

func (d *fakeDedup) claimed(id uuid.UUID, daysBefore, hour int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.claims[d.key(id, daysBefore, hour)]
}

type fakeProvider struct {
	mu    sync.Mutex
	sends []string // texts, in order
	fail  bool
}

func (p *fakeProvider) Send(_ context.Context, _, _ string, text string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return "", fmt.Errorf("%w: connection reset", messaging.ErrTransport)
	}
	p.sends = append(p.sends, text)
	return fmt.Sprintf("wamid.%d", len(p.sends)), nil
}

func (p *fakeProvider) sendCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sends)
}

type fakeMsgLog struct {
	mu      sync.Mutex
	entries []messaging.MessageLogEntry
}

func (l *fakeMsgLog) Append(_ context.Context, e messaging.MessageLogEntry) (*messaging.MessageLogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.ID = uuid.New()
	l.entries = append(l.entries, e)
	return &e, nil
}

func (l *fakeMsgLog) UpdateStatusByExternalID(_ context.Context, _ string, _ messaging.MessageStatus) error {
	return nil
}

func (l *fakeMsgLog) ListByAppointment(_ context.Context, _ uuid.UUID) ([]messaging.MessageLogEntry, error) {
	return nil, nil
}

type fakeRunStore struct {
	mu   sync.Mutex
	runs []reminder.RunSummary
}

func (r *fakeRunStore) Insert(_ context.Context, run reminder.RunSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

func (r *fakeRunStore) ListRecent(_ context.Context, _ int) ([]reminder.RunSummary, error) {
	return nil, nil
}

func (r *fakeRunStore) Stats(_ context.Context, _ time.Time) (*reminder.RunStats, error) {
	return nil, nil
}

type fixture struct {
	store     *fakeApptStore
	chStore   *fakeChannelStore
	channelID uuid.UUID
	governor  *channel.Governor
	dedup     *fakeDedup
	provider  *fakeProvider
	msgLog    *fakeMsgLog
	runs      *fakeRunStore
	scheduler *reminder.Scheduler
}

func newFixture(t *testing.T, cfg reminder.Config) *fixture {
	t.Helper()

	ch := &channel.Channel{
		ID:                 uuid.New(),
		ExternalInstanceID: "100000000000001",
		HealthScore:        100,
		ConnectionState:    channel.StateConnected,
	}

	f := &fixture{
		store:     newFakeApptStore(),
		chStore:   newFakeChannelStore(ch),
		channelID: ch.ID,
		dedup:     newFakeDedup(),
		provider:  &fakeProvider{},
		msgLog:    &fakeMsgLog{},
		runs:      &fakeRunStore{},
	}

	f.governor = channel.NewGovernor(f.chStore, nil, channel.GovernorConfig{
		DailyLimit:      100,
		PauseThreshold:  40,
		ResumeThreshold: 60,
		WindowSize:      10,
		BulkPacingMin:   time.Millisecond,
		BulkPacingMax:   2 * time.Millisecond,
	}, zerolog.Nop())
	require.NoError(t, f.governor.Sync(context.Background()))

	if cfg.ClinicName == "" {
		cfg.ClinicName = "Clínica Sonrisa"
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.CutoffHour == 0 {
		// A cutoff past any wall-clock hour keeps these runs deterministic.
		cfg.CutoffHour = 24
	}
	if cfg.GapLeadHours == 0 {
		cfg.GapLeadHours = 2
	}

	f.scheduler = reminder.NewScheduler(
		f.store, patientStore{f.store}, f.chStore, f.governor,
		template.NewResolver(10), f.provider, f.msgLog, f.dedup, f.runs,
		cfg, zerolog.Nop(),
	)
	return f
}

func TestRunTrigger_SendsAndRecords(t *testing.T) {
	f := newFixture(t, reminder.Config{})
	appt := f.store.add(appointment.StatusScheduled, 0)

	run := f.scheduler.RunTrigger(context.Background(), reminder.Trigger{DaysBefore: 1, Hour: 12})

	assert.Equal(t, 1, run.Candidates)
	assert.Equal(t, 1, run.Sent)
	assert.Zero(t, run.Failed)
	assert.Equal(t, 1, f.provider.sendCount())
	assert.Contains(t, f.provider.sends[0], "Ana Torres")

	// Attempt counted and message logged
	assert.Equal(t, 1, f.store.increments[appt.ID])
	require.Len(t, f.msgLog.entries, 1)
	assert.Equal(t, messaging.StatusSent, f.msgLog.entries[0].Status)

	// Run summary persisted
	require.Len(t, f.runs.runs, 1)
	assert.Equal(t, "d1/h12", f.runs.runs[0].Trigger)
}

func TestRunTrigger_IdempotentAcrossReruns(t *testing.T) {
	f := newFixture(t, reminder.Config{})
	f.store.add(appointment.StatusScheduled, 0)

	trig := reminder.Trigger{DaysBefore: 1, Hour: 12}
	first := f.scheduler.RunTrigger(context.Background(), trig)
	second := f.scheduler.RunTrigger(context.Background(), trig)

	assert.Equal(t, 1, first.Sent)
	assert.Zero(t, second.Sent)
	assert.Equal(t, 1, second.Skipped, "second run must skip the already-claimed slot")
	assert.Equal(t, 1, f.provider.sendCount(), "exactly one message per appointment per slot")
}

func TestRunTrigger_ConfirmedOnlyGetsReinforcement(t *testing.T) {
	f := newFixture(t, reminder.Config{})
	f.store.add(appointment.StatusConfirmed, 0)

	// An ordinary day-before slot: nothing for confirmed appointments.
	run := f.scheduler.RunTrigger(context.Background(), reminder.Trigger{DaysBefore: 1, Hour: 12})
	assert.Zero(t, run.Sent)
	assert.Equal(t, 1, run.Skipped)
	assert.Zero(t, f.provider.sendCount())

	// The reinforcement slot does fire.
	run = f.scheduler.RunTrigger(context.Background(), reminder.Trigger{DaysBefore: 1, Hour: 10})
	assert.Equal(t, 1, run.Sent)
	assert.Equal(t, 1, f.provider.sendCount())
	assert.Contains(t, f.provider.sends[0], "Gracias por confirmar")
}

func TestRunTrigger_ConfirmedSkippedOnAppointmentDay(t *testing.T) {
	f := newFixture(t, reminder.Config{})
	f.store.add(appointment.StatusConfirmed, 0)

	run := f.scheduler.RunTrigger(context.Background(), reminder.Trigger{DaysBefore: 0, Hour: 7})
	assert.Zero(t, run.Sent)
	assert.Zero(t, f.provider.sendCount())
}

func TestRunTrigger_TerminalStatusSkipped(t *testing.T) {
	f := newFixture(t, reminder.Config{})
	f.store.add(appointment.StatusReschedulingPending, 0)

	run := f.scheduler.RunTrigger(context.Background(), reminder.Trigger{DaysBefore: 1, Hour: 12})
	assert.Zero(t, run.Sent)
	assert.Equal(t, 1, run.Skipped)
	assert.Zero(t, f.provider.sendCount())
}

func TestRunTrigger_CutoffSuppressesEverything(t *testing.T) {
	f := newFixture(t, reminder.Config{CutoffHour: -1}) // always past cutoff
	f.store.add(appointment.StatusScheduled, 0)

	run := f.scheduler.RunTrigger(context.Background(), reminder.Trigger{DaysBefore: 1, Hour: 12})

	assert.Zero(t, run.Candidates, "cutoff fires before the candidate query")
	assert.Zero(t, f.provider.sendCount())
	require.Len(t, f.runs.runs, 1, "a suppressed run still leaves a summary")
}

func TestRunTrigger_AttemptCeiling(t *testing.T) {
	f := newFixture(t, reminder.Config{MaxAttempts: 3})
	appt := f.store.add(appointment.StatusScheduled, 3)

	run := f.scheduler.RunTrigger(context.Background(), reminder.Trigger{DaysBefore: 1, Hour: 12})

	assert.Zero(t, run.Sent)
	assert.Equal(t, 1, run.Skipped)
	assert.Zero(t, f.provider.sendCount())
	assert.False(t, f.dedup.claimed(appt.ID, 1, 12), "a skipped candidate must not burn its idempotency key")
}

func TestRunTrigger_TransportFailureKeepsClaim(t *testing.T) {
	f := newFixture(t, reminder.Config{})
	f.provider.fail = true
	appt := f.store.add(appointment.StatusScheduled, 0)

	run := f.scheduler.RunTrigger(context.Background(), reminder.Trigger{DaysBefore: 1, Hour: 12})

	assert.Equal(t, 1, run.Failed)
	assert.Zero(t, run.Sent)

	// The attempt was consumed and the slot stays claimed: no double-send
	// risk from a flapping transport.
	assert.Equal(t, 1, f.store.increments[appt.ID])
	assert.True(t, f.dedup.claimed(appt.ID, 1, 12))

	require.Len(t, f.msgLog.entries, 1)
	assert.Equal(t, messaging.StatusFailed, f.msgLog.entries[0].Status)
	assert.NotEmpty(t, f.msgLog.entries[0].ErrorDetail)
}

func TestRunTrigger_GovernorRefusalReleasesClaim(t *testing.T) {
	f := newFixture(t, reminder.Config{})
	appt := f.store.add(appointment.StatusScheduled, 0)

	// Exhaust the daily limit so AcquireSendSlot refuses.
	for i := 0; i < 100; i++ {
		f.governor.ReportResult(context.Background(), f.channelID, channel.SendOutcome{Delivered: true, Read: true, Responded: true})
	}

	run := f.scheduler.RunTrigger(context.Background(), reminder.Trigger{DaysBefore: 1, Hour: 12})

	assert.Zero(t, run.Sent)
	assert.Equal(t, 1, run.Skipped)
	assert.Zero(t, f.provider.sendCount())
	assert.False(t, f.dedup.claimed(appt.ID, 1, 12), "refused send must release the claim for the next window")
}

func TestRunTrigger_BatchIsolation(t *testing.T) {
	f := newFixture(t, reminder.Config{})
	good := f.store.add(appointment.StatusScheduled, 0)
	// A candidate whose patient row is gone fails its own send only.
	broken := f.store.add(appointment.StatusScheduled, 0)
	delete(f.store.patients, broken.PatientID)

	run := f.scheduler.RunTrigger(context.Background(), reminder.Trigger{DaysBefore: 1, Hour: 12})

	assert.Equal(t, 2, run.Candidates)
	assert.Equal(t, 1, run.Sent)
	assert.Equal(t, 1, run.Failed)
	assert.Equal(t, 1, f.store.increments[good.ID])
}

func TestDefaultTriggers(t *testing.T) {
	f := newFixture(t, reminder.Config{})
	triggers := f.scheduler.Triggers()

	// 3 educational + 7 day-before + same-day early + the gap tick
	assert.Len(t, triggers, 12)

	labels := make(map[string]bool, len(triggers))
	for _, trig := range triggers {
		labels[trig.Label()] = true
	}
	assert.True(t, labels["d2/h10"])
	assert.True(t, labels["d1/h07"])
	assert.True(t, labels["d1/h18"])
	assert.True(t, labels["d0/h07"])
	assert.True(t, labels["d0/gap"])
}
