package scheduler

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

type claimCall struct {
	id     string
	window core.Window
}

type fakeStore struct {
	reminders []core.Reminder
	listErr   error

	claimOK      bool
	claimErr     error
	completeDone bool

	claims    []claimCall
	completes []claimCall
	releases  map[string]string
	skips     map[string]string
	notified  []string
	deletes   []string
}

func newFakeStore(reminders ...core.Reminder) *fakeStore {
	return &fakeStore{
		reminders: reminders,
		claimOK:   true,
		releases:  map[string]string{},
		skips:     map[string]string{},
	}
}

func (s *fakeStore) ListDueReminders(ctx context.Context, from, to time.Time) ([]core.Reminder, error) {
	return s.reminders, s.listErr
}

func (s *fakeStore) ClaimWindow(ctx context.Context, id string, w core.Window) (bool, error) {
	s.claims = append(s.claims, claimCall{id, w})
	return s.claimOK, s.claimErr
}

func (s *fakeStore) CompleteWindow(ctx context.Context, id string, w core.Window, need24h, need1h bool) (bool, error) {
	s.completes = append(s.completes, claimCall{id, w})
	return s.completeDone, nil
}

func (s *fakeStore) ReleaseWindow(ctx context.Context, id string, sendErr string) error {
	s.releases[id] = sendErr
	return nil
}

func (s *fakeStore) MarkSkipped(ctx context.Context, id, reason string) error {
	s.skips[id] = reason
	return nil
}

func (s *fakeStore) MarkNotified(ctx context.Context, id string) error {
	s.notified = append(s.notified, id)
	return nil
}

func (s *fakeStore) DeleteReminder(ctx context.Context, id string) error {
	s.deletes = append(s.deletes, id)
	return nil
}

type sendCall struct {
	tenantID string
	template string
	payload  dispatch.Payload
	source   string
}

type fakeSender struct {
	calls   []sendCall
	err     error
	receipt dispatch.Receipt
}

func (f *fakeSender) Send(ctx context.Context, tenantID, templateID string, p dispatch.Payload, source string) (*dispatch.Receipt, error) {
	f.calls = append(f.calls, sendCall{tenantID, templateID, p, source})
	if f.err != nil {
		return nil, f.err
	}
	r := f.receipt
	return &r, nil
}

type countingSettings struct {
	s     *settings.Settings
	loads int
}

func (p *countingSettings) Get(ctx context.Context, tenantID string) (*settings.Settings, error) {
	p.loads++
	return p.s, nil
}

var now = time.Date(2026, time.March, 7, 12, 0, 0, 0, time.UTC)

func enabledSettings() *settings.Settings {
	return &settings.Settings{
		TenantID:           "t1",
		Provider:           settings.ProviderSession,
		Reminder24hEnabled: true,
		Reminder1hEnabled:  true,
	}
}

func reminder(id string, at time.Time) core.Reminder {
	return core.Reminder{
		ID:             id,
		TenantID:       "t1",
		ScheduledAt:    at,
		RecipientPhone: "11987654321",
		CustomerName:   "Maria Souza",
		ServiceName:    "Limpeza",
		StaffName:      "Dra. Ana",
		TenantName:     "Clínica Bela",
		DurationSecs:   3600,
	}
}

func newEngine(store *fakeStore, sender *fakeSender, cfg *settings.Settings, opt Options) (*Engine, *countingSettings) {
	sp := &countingSettings{s: cfg}
	return New(Deps{
		Store:    store,
		Sender:   sender,
		Settings: sp,
		Options:  opt,
		Clock:    func() time.Time { return now },
	}), sp
}

func TestRunOnceSends24hWindow(t *testing.T) {
	store := newFakeStore(reminder("r1", now.Add(24*time.Hour)))
	sender := &fakeSender{receipt: dispatch.Receipt{MessageID: "WAM1"}}
	e, _ := newEngine(store, sender, enabledSettings(), Options{})

	res, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Scanned)
	require.Equal(t, 1, res.Sent)

	require.Equal(t, []claimCall{{"r1", core.Window24h}}, store.claims)
	require.Equal(t, []claimCall{{"r1", core.Window24h}}, store.completes)
	require.Empty(t, store.deletes, "1h window still pending")

	require.Len(t, sender.calls, 1)
	call := sender.calls[0]
	require.Equal(t, dispatch.TemplateReminder, call.template)
	require.Equal(t, core.SourceAutomatic, call.source)
	require.Equal(t, "24 horas", call.payload.ReminderWindowText)
	require.Equal(t, "Maria Souza", call.payload.CustomerName)
}

func TestRunOnceSends1hWindowAndRetires(t *testing.T) {
	r := reminder("r1", now.Add(time.Hour))
	r.Reminder24hSent = true
	store := newFakeStore(r)
	store.completeDone = true
	sender := &fakeSender{}
	e, _ := newEngine(store, sender, enabledSettings(), Options{})

	res, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Sent)
	require.Equal(t, 1, res.Deleted)

	require.Equal(t, []claimCall{{"r1", core.Window1h}}, store.claims)
	require.Equal(t, []string{"r1"}, store.deletes)
	require.Equal(t, "1 hora", sender.calls[0].payload.ReminderWindowText)
}

func TestRunOnceDeletesPastReminders(t *testing.T) {
	store := newFakeStore(reminder("r1", now.Add(-5*time.Minute)))
	sender := &fakeSender{}
	e, _ := newEngine(store, sender, enabledSettings(), Options{})

	res, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Deleted)
	require.Empty(t, sender.calls)
	require.Equal(t, []string{"r1"}, store.deletes)
}

func TestRunOnceIgnoresOutOfWindow(t *testing.T) {
	store := newFakeStore(
		reminder("r1", now.Add(5*time.Hour)),
		reminder("r2", now.Add(26*time.Hour)),
		reminder("r3", now.Add(90*time.Minute)),
	)
	sender := &fakeSender{}
	e, _ := newEngine(store, sender, enabledSettings(), Options{})

	res, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, res.Scanned)
	require.Zero(t, res.Sent)
	require.Empty(t, store.claims)
	require.Empty(t, sender.calls)
}

func TestRunOnceSkipsWhenRemindersDisabled(t *testing.T) {
	cfg := enabledSettings()
	cfg.Reminder24hEnabled = false
	cfg.Reminder1hEnabled = false
	store := newFakeStore(reminder("r1", now.Add(24*time.Hour)))
	sender := &fakeSender{}
	e, _ := newEngine(store, sender, cfg, Options{})

	res, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, "reminders_disabled", store.skips["r1"])
	require.Empty(t, sender.calls)
	require.Empty(t, store.deletes, "settings may change before the appointment")
}

func TestRunOnceOnlyEnabledWindowsCount(t *testing.T) {
	// 24h disabled, 1h already sent: nothing left to do, retire the row.
	cfg := enabledSettings()
	cfg.Reminder24hEnabled = false
	r := reminder("r1", now.Add(24*time.Hour))
	r.Reminder1hSent = true
	store := newFakeStore(r)
	sender := &fakeSender{}
	e, _ := newEngine(store, sender, cfg, Options{})

	res, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Deleted)
	require.Equal(t, []string{"r1"}, store.notified)
	require.Equal(t, []string{"r1"}, store.deletes)
	require.Empty(t, sender.calls)
}

func TestRunOnceContendedClaimSkips(t *testing.T) {
	store := newFakeStore(reminder("r1", now.Add(24*time.Hour)))
	store.claimOK = false
	sender := &fakeSender{}
	e, _ := newEngine(store, sender, enabledSettings(), Options{})

	res, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Skipped)
	require.Empty(t, sender.calls)
	require.Empty(t, store.completes)
}

func TestRunOnceSendFailureReleasesWindow(t *testing.T) {
	store := newFakeStore(reminder("r1", now.Add(24*time.Hour)))
	sender := &fakeSender{err: errors.New("gateway down")}
	e, _ := newEngine(store, sender, enabledSettings(), Options{})

	res, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, "gateway down", store.releases["r1"])
	require.Empty(t, store.completes)
	require.Empty(t, store.deletes)
}

func TestRunOnceDisabledProviderStillCompletes(t *testing.T) {
	store := newFakeStore(reminder("r1", now.Add(24*time.Hour)))
	store.completeDone = true
	sender := &fakeSender{receipt: dispatch.Receipt{Skipped: true}}
	e, _ := newEngine(store, sender, enabledSettings(), Options{})

	res, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.Sent)
	require.Equal(t, 1, res.Deleted)
	require.Equal(t, []claimCall{{"r1", core.Window24h}}, store.completes)
}

func TestRunOnceAllowList(t *testing.T) {
	other := reminder("r2", now.Add(24*time.Hour))
	other.RecipientPhone = "21900001111"
	store := newFakeStore(reminder("r1", now.Add(24*time.Hour)), other)
	sender := &fakeSender{}
	e, _ := newEngine(store, sender, enabledSettings(), Options{
		AllowedRecipients: []string{"(11) 98765-4321"},
	})

	res, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Sent)
	require.Equal(t, 1, res.Skipped)
	require.Len(t, sender.calls, 1)
	require.Equal(t, "11987654321", sender.calls[0].payload.RecipientPhone)

	// The filtered reminder must stay pending: no skip marker, no claim,
	// nothing retired. It sends normally once the filter is lifted.
	require.Empty(t, store.skips)
	require.Equal(t, []claimCall{{"r1", core.Window24h}}, store.claims)
	require.Empty(t, store.notified)
	require.Empty(t, store.deletes)
}

func TestRunOnceLiftedAllowListResumesSends(t *testing.T) {
	r := reminder("r1", now.Add(24*time.Hour))
	r.RecipientPhone = "21900001111"
	store := newFakeStore(r)
	sender := &fakeSender{}
	e, _ := newEngine(store, sender, enabledSettings(), Options{
		AllowedRecipients: []string{"11987654321"},
	})

	_, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	require.Empty(t, sender.calls)
	require.Empty(t, store.skips)

	// Same store, filter removed: the untouched row goes out.
	e2, _ := newEngine(store, sender, enabledSettings(), Options{})
	res, err := e2.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Sent)
	require.Equal(t, []claimCall{{"r1", core.Window24h}}, store.claims)
}

func TestRunOnceMemoizesSettingsPerTenant(t *testing.T) {
	store := newFakeStore(
		reminder("r1", now.Add(24*time.Hour)),
		reminder("r2", now.Add(24*time.Hour)),
		reminder("r3", now.Add(24*time.Hour)),
	)
	sender := &fakeSender{}
	e, sp := newEngine(store, sender, enabledSettings(), Options{})

	_, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sp.loads)
}

func TestRunOnceScanErrorSurfaces(t *testing.T) {
	store := newFakeStore()
	store.listErr = errors.New("db down")
	e, _ := newEngine(store, &fakeSender{}, enabledSettings(), Options{})

	_, err := e.RunOnce(context.Background())
	require.Error(t, err)
}
