package webhook_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicdesk/reminder-engine/internal/appointment"
	"github.com/clinicdesk/reminder-engine/internal/channel"
	"github.com/clinicdesk/reminder-engine/internal/intent"
	"github.com/clinicdesk/reminder-engine/internal/messaging"
	"github.com/clinicdesk/reminder-engine/internal/reschedule"
	"github.com/clinicdesk/reminder-engine/internal/webhook"
)

type fakeStore struct {
	mu       sync.Mutex
	appts    map[uuid.UUID]*appointment.Appointment
	patients map[string]*appointment.Patient // keyed by phone
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		appts:    make(map[uuid.UUID]*appointment.Appointment),
		patients: make(map[string]*appointment.Patient),
	}
}

func (s *fakeStore) addPatientWithAppointment(phone string) *appointment.Appointment {
	p := &appointment.Patient{ID: uuid.New(), Name: "Lucía Mendez", Phone: phone}
	s.patients[phone] = p
	a := &appointment.Appointment{
		ID:          uuid.New(),
		PatientID:   p.ID,
		ScheduledAt: time.Now().Add(48 * time.Hour),
		Status:      appointment.StatusScheduled,
	}
	s.appts[a.ID] = a
	return a
}

func (s *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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

func (s *fakeStore) FindNextActive(_ context.Context, patientID uuid.UUID, after time.Time) (*appointment.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *appointment.Appointment
	for _, a := range s.appts {
		if a.PatientID != patientID || a.Status.Terminal() || a.ScheduledAt.Before(after) {
			continue
		}
		if best == nil || a.ScheduledAt.Before(best.ScheduledAt) {
			best = a
		}
	}
	if best == nil {
		return nil, appointment.ErrAppointmentNotFound
	}
	cp := *best
	return &cp, nil
}

func (s *fakeStore) UpdateStatus(_ context.Context, id uuid.UUID, from, to appointment.Status, confirmedAt *time.Time) (*appointment.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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

func (s *fakeStore) IncrementReminderAttempts(_ context.Context, _ uuid.UUID, _ time.Time) error {
	return nil
}

func (s *fakeStore) RecordTransition(_ context.Context, _ appointment.TransitionRecord) error {
	return nil
}

func (s *fakeStore) GetPatientByID(_ context.Context, id uuid.UUID) (*appointment.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.patients {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, appointment.ErrPatientNotFound
}

func (s *fakeStore) FindByPhone(_ context.Context, phone string) (*appointment.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patients[phone]
	if !ok {
		return nil, appointment.ErrPatientNotFound
	}
	return p, nil
}

type patientStore struct{ s *fakeStore }

func (p patientStore) GetByID(ctx context.Context, id uuid.UUID) (*appointment.Patient, error) {
	return p.s.GetPatientByID(ctx, id)
}

func (p patientStore) FindByPhone(ctx context.Context, phone string) (*appointment.Patient, error) {
	return p.s.FindByPhone(ctx, phone)
}

type fakeChannelStore struct{ ch *channel.Channel }

func (s *fakeChannelStore) GetByID(_ context.Context, id uuid.UUID) (*channel.Channel, error) {
	if s.ch == nil || s.ch.ID != id {
		return nil, channel.ErrChannelNotFound
	}
	cp := *s.ch
	return &cp, nil
}

func (s *fakeChannelStore) ListConnected(_ context.Context) ([]channel.Channel, error) {
	if s.ch == nil {
		return nil, nil
	}
	return []channel.Channel{*s.ch}, nil
}

func (s *fakeChannelStore) RecordSend(_ context.Context, _ uuid.UUID, _ time.Time) error { return nil }
func (s *fakeChannelStore) UpdateHealth(_ context.Context, _ uuid.UUID, _ float64) error { return nil }
func (s *fakeChannelStore) UpdateConnectionState(_ context.Context, _ uuid.UUID, _ channel.ConnectionState) error {
	return nil
}
func (s *fakeChannelStore) ResetDailyCounts(_ context.Context, _ time.Time) error { return nil }

type fakeProvider struct {
	mu    sync.Mutex
	sends int
}

func (p *fakeProvider) Send(_ context.Context, _, _, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sends++
	return fmt.Sprintf("wamid.%d", p.sends), nil
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

type fakeAlertStore struct {
	mu     sync.Mutex
	alerts []*reschedule.Alert
}

func (s *fakeAlertStore) CreateIfAbsent(_ context.Context, alert reschedule.Alert) (*reschedule.Alert, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.AppointmentID == alert.AppointmentID && !a.IsResolved {
			cp := *a
			return &cp, false, nil
		}
	}
	alert.ID = uuid.New()
	s.alerts = append(s.alerts, &alert)
	cp := alert
	return &cp, true, nil
}

func (s *fakeAlertStore) GetByID(_ context.Context, _ uuid.UUID) (*reschedule.Alert, error) {
	return nil, reschedule.ErrAlertNotFound
}

func (s *fakeAlertStore) List(_ context.Context, _ bool) ([]reschedule.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []reschedule.Alert
	for _, a := range s.alerts {
		out = append(out, *a)
	}
	return out, nil
}

func (s *fakeAlertStore) MarkRead(_ context.Context, _ uuid.UUID) error              { return nil }
func (s *fakeAlertStore) MarkResolved(_ context.Context, _ uuid.UUID, _ string) error { return nil }

type whFixture struct {
	store   *fakeStore
	alerts  *fakeAlertStore
	handler *webhook.Handler
}

func newWhFixture(t *testing.T) *whFixture {
	t.Helper()

	ch := &channel.Channel{
		ID:                 uuid.New(),
		ExternalInstanceID: "100000000000003",
		HealthScore:        100,
		ConnectionState:    channel.StateConnected,
	}
	chStore := &fakeChannelStore{ch: ch}

	governor := channel.NewGovernor(chStore, nil, channel.GovernorConfig{
		DailyLimit:      100,
		PauseThreshold:  40,
		ResumeThreshold: 60,
		WindowSize:      10,
		BulkPacingMin:   time.Millisecond,
		BulkPacingMax:   2 * time.Millisecond,
	}, zerolog.Nop())
	require.NoError(t, governor.Sync(context.Background()))

	store := newFakeStore()
	alerts := &fakeAlertStore{}
	msgLog := &fakeMsgLog{}
	machine := appointment.NewMachine(store, zerolog.Nop())

	workflow := reschedule.NewWorkflow(machine, governor, chStore, &fakeProvider{}, msgLog, alerts,
		reschedule.WorkflowConfig{ClinicName: "Clínica Sonrisa", SendTimeout: time.Second},
		zerolog.Nop())

	handler := webhook.NewHandler(intent.NewClassifier(), patientStore{store}, store,
		machine, workflow, msgLog, "secret-token", zerolog.Nop())

	return &whFixture{store: store, alerts: alerts, handler: handler}
}

func postInbound(f *whFixture, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.handler.Receive(w, req)
	return w
}

func TestHandler_ConfirmTransitionsAppointment(t *testing.T) {
	f := newWhFixture(t)
	appt := f.store.addPatientWithAppointment("5215551112222")

	w := postInbound(f, `{"phone":"5215551112222","text":"Sí, confirmo"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	stored, err := f.store.GetByID(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusConfirmed, stored.Status)
	assert.NotNil(t, stored.ConfirmedAt)
}

func TestHandler_RescheduleCreatesAlert(t *testing.T) {
	f := newWhFixture(t)
	appt := f.store.addPatientWithAppointment("5215551112222")

	w := postInbound(f, `{"phone":"5215551112222","text":"No puedo ese día"}`)

	assert.Equal(t, http.StatusOK, w.Code)

	stored, err := f.store.GetByID(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusReschedulingPending, stored.Status)

	alerts, err := f.alerts.List(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, appt.ID, alerts[0].AppointmentID)
	assert.Equal(t, "No puedo ese día", alerts[0].DetectedMessage)
}

func TestHandler_UnrecognizedLeavesStateAlone(t *testing.T) {
	f := newWhFixture(t)
	appt := f.store.addPatientWithAppointment("5215551112222")

	w := postInbound(f, `{"phone":"5215551112222","text":"Hola, gracias"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	stored, err := f.store.GetByID(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusScheduled, stored.Status)
}

func TestHandler_AlwaysAcks(t *testing.T) {
	f := newWhFixture(t)

	// Garbage payload
	w := postInbound(f, `{not json`)
	assert.Equal(t, http.StatusOK, w.Code)

	// Unknown phone
	w = postInbound(f, `{"phone":"0000000000","text":"Sí"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	// Known phone, no active appointment
	f.store.patients["5215553334444"] = &appointment.Patient{ID: uuid.New(), Phone: "5215553334444"}
	w = postInbound(f, `{"phone":"5215553334444","text":"Sí"}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_Verify(t *testing.T) {
	f := newWhFixture(t)

	req := httptest.NewRequest(http.MethodGet,
		"/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=secret-token&hub.challenge=12345", nil)
	w := httptest.NewRecorder()
	f.handler.Verify(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "12345", w.Body.String())

	req = httptest.NewRequest(http.MethodGet,
		"/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	w = httptest.NewRecorder()
	f.handler.Verify(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}
