package intake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smartagenda/notify/internal/core"
	"github.com/smartagenda/notify/internal/dispatch"
	"github.com/smartagenda/notify/internal/settings"
)

type fakeStore struct {
	upserts   []core.Reminder
	resets    []bool
	deletes   []string
	contacts  []core.Contact
	prior     *core.Reminder
	upsertErr error
}

func (s *fakeStore) GetReminder(ctx context.Context, id string) (*core.Reminder, error) {
	return s.prior, nil
}

func (s *fakeStore) UpsertReminder(ctx context.Context, r core.Reminder, resetWindows bool) error {
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.upserts = append(s.upserts, r)
	s.resets = append(s.resets, resetWindows)
	return nil
}

func (s *fakeStore) DeleteReminder(ctx context.Context, id string) error {
	s.deletes = append(s.deletes, id)
	return nil
}

func (s *fakeStore) UpsertContact(ctx context.Context, c core.Contact) error {
	s.contacts = append(s.contacts, c)
	return nil
}

type sendCall struct {
	template string
	payload  dispatch.Payload
	source   string
}

type fakeSender struct {
	calls []sendCall
	err   error
}

func (f *fakeSender) Send(ctx context.Context, tenantID, templateID string, p dispatch.Payload, source string) (*dispatch.Receipt, error) {
	f.calls = append(f.calls, sendCall{templateID, p, source})
	if f.err != nil {
		return nil, f.err
	}
	return &dispatch.Receipt{MessageID: "WAM1"}, nil
}

type staticSettings struct{ s *settings.Settings }

func (p staticSettings) Get(ctx context.Context, tenantID string) (*settings.Settings, error) {
	return p.s, nil
}

func tenantSettings() *settings.Settings {
	return &settings.Settings{
		TenantID:     "t1",
		TenantName:   "Clínica Bela",
		Address:      "Rua A, 123",
		ContactPhone: "(11) 4000-0000",
		Provider:     settings.ProviderSession,
	}
}

func createEvent() Event {
	return Event{
		AppointmentID: "appt1",
		Status:        StatusCreate,
		ScheduledAt:   time.Date(2026, time.March, 9, 14, 0, 0, 0, time.UTC),
		CustomerName:  "Maria Souza",
		CustomerPhone: "11987654321",
		ServiceName:   "Limpeza",
		StaffName:     "Dra. Ana",
		DurationSecs:  3600,
	}
}

func newService(store *fakeStore, sender *fakeSender) *Service {
	return New(store, sender, staticSettings{tenantSettings()}, nil)
}

func TestHandleEventCreate(t *testing.T) {
	store := &fakeStore{}
	sender := &fakeSender{}
	svc := newService(store, sender)

	require.NoError(t, svc.HandleEvent(context.Background(), "t1", createEvent()))

	require.Len(t, store.upserts, 1)
	r := store.upserts[0]
	require.Equal(t, "appt1", r.ID)
	require.Equal(t, "t1", r.TenantID)
	require.Equal(t, "Clínica Bela", r.TenantName)
	require.Equal(t, "Rua A, 123", r.Address)
	require.False(t, store.resets[0])

	require.Len(t, sender.calls, 1)
	require.Equal(t, dispatch.TemplateConfirm, sender.calls[0].template)
	require.Equal(t, core.SourceAutomatic, sender.calls[0].source)

	require.Len(t, store.contacts, 1)
	require.Equal(t, "5511987654321", store.contacts[0].ContactID)
	require.Equal(t, "Maria Souza", *store.contacts[0].Name)
}

func TestHandleEventUpdateResetsWindows(t *testing.T) {
	store := &fakeStore{}
	sender := &fakeSender{}
	svc := newService(store, sender)

	e := createEvent()
	e.Status = StatusUpdate
	require.NoError(t, svc.HandleEvent(context.Background(), "t1", e))

	require.True(t, store.resets[0])
	require.Equal(t, dispatch.TemplateUpdate, sender.calls[0].template)
}

func TestHandleEventDelete(t *testing.T) {
	store := &fakeStore{}
	sender := &fakeSender{}
	svc := newService(store, sender)

	e := createEvent()
	e.Status = StatusDelete
	require.NoError(t, svc.HandleEvent(context.Background(), "t1", e))

	require.Equal(t, []string{"appt1"}, store.deletes)
	require.Len(t, sender.calls, 1)
	require.Equal(t, dispatch.TemplateCancel, sender.calls[0].template)
}

func TestHandleEventDeleteBackfillsFromStoredRow(t *testing.T) {
	store := &fakeStore{prior: &core.Reminder{
		ID:             "appt1",
		RecipientPhone: "11987654321",
		CustomerName:   "Maria Souza",
		ServiceName:    "Limpeza",
		ScheduledAt:    time.Date(2026, time.March, 9, 14, 0, 0, 0, time.UTC),
	}}
	sender := &fakeSender{}
	svc := newService(store, sender)

	// bare delete event, no appointment data
	e := Event{AppointmentID: "appt1", Status: StatusDelete}
	require.NoError(t, svc.HandleEvent(context.Background(), "t1", e))

	require.Len(t, sender.calls, 1)
	p := sender.calls[0].payload
	require.Equal(t, "11987654321", p.RecipientPhone)
	require.Equal(t, "Maria Souza", p.CustomerName)
}

func TestHandleEventDeleteWithoutRecipientSkipsSend(t *testing.T) {
	store := &fakeStore{}
	sender := &fakeSender{}
	svc := newService(store, sender)

	e := Event{AppointmentID: "ghost", Status: StatusDelete}
	require.NoError(t, svc.HandleEvent(context.Background(), "t1", e))
	require.Equal(t, []string{"ghost"}, store.deletes)
	require.Empty(t, sender.calls)
}

func TestHandleEventNotifyFalseSuppressesSend(t *testing.T) {
	store := &fakeStore{}
	sender := &fakeSender{}
	svc := newService(store, sender)

	off := false
	e := createEvent()
	e.Notify = &off
	require.NoError(t, svc.HandleEvent(context.Background(), "t1", e))

	require.Len(t, store.upserts, 1, "reminder bookkeeping still happens")
	require.Empty(t, sender.calls)
}

func TestHandleEventSendFailureDoesNotFailEvent(t *testing.T) {
	store := &fakeStore{}
	sender := &fakeSender{err: errors.New("gateway down")}
	svc := newService(store, sender)

	require.NoError(t, svc.HandleEvent(context.Background(), "t1", createEvent()))
	require.Len(t, store.upserts, 1)
}

func TestHandleEventValidation(t *testing.T) {
	svc := newService(&fakeStore{}, &fakeSender{})

	err := svc.HandleEvent(context.Background(), "t1", Event{Status: StatusCreate})
	require.ErrorIs(t, err, ErrBadEvent)

	err = svc.HandleEvent(context.Background(), "t1", Event{AppointmentID: "a", Status: "merge"})
	require.ErrorIs(t, err, ErrBadEvent)

	e := createEvent()
	e.ScheduledAt = time.Time{}
	err = svc.HandleEvent(context.Background(), "t1", e)
	require.ErrorIs(t, err, ErrBadEvent)
}

func TestHandleEventUpsertFailureSurfaces(t *testing.T) {
	store := &fakeStore{upsertErr: errors.New("db down")}
	sender := &fakeSender{}
	svc := newService(store, sender)

	err := svc.HandleEvent(context.Background(), "t1", createEvent())
	require.Error(t, err)
	require.Empty(t, sender.calls, "no message without a stored reminder")
}
