// Package scheduler scans upcoming reminders on a fixed cadence and pushes
// each one through its enabled send windows. Multiple replicas may run the
// same scan; the claim step in the store keeps a window single-send.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/smartagenda/notify/internal/core"
	"github.com/smartagenda/notify/internal/dispatch"
	"github.com/smartagenda/notify/internal/metrics"
	"github.com/smartagenda/notify/internal/phone"
	"github.com/smartagenda/notify/internal/settings"
	"github.com/smartagenda/notify/pkg/logging"
)

// Send windows relative to the appointment time. The 24h window is wide so
// a tick outage cannot silently miss it; the 1h window brackets the tick
// cadence the same way.
const (
	window24hMin = 23 * time.Hour
	window24hMax = 25 * time.Hour
	window1hMin  = 45 * time.Minute
	window1hMax  = 75 * time.Minute
)

const (
	windowText24h = "24 horas"
	windowText1h  = "1 hora"
)

// Store is the reminder persistence surface the engine drives.
type Store interface {
	ListDueReminders(ctx context.Context, from, to time.Time) ([]core.Reminder, error)
	ClaimWindow(ctx context.Context, id string, w core.Window) (bool, error)
	CompleteWindow(ctx context.Context, id string, w core.Window, need24h, need1h bool) (bool, error)
	ReleaseWindow(ctx context.Context, id string, sendErr string) error
	MarkSkipped(ctx context.Context, id, reason string) error
	MarkNotified(ctx context.Context, id string) error
	DeleteReminder(ctx context.Context, id string) error
}

// Sender dispatches one rendered reminder.
type Sender interface {
	Send(ctx context.Context, tenantID, templateID string, p dispatch.Payload, source string) (*dispatch.Receipt, error)
}

// SettingsProvider resolves tenant configuration.
type SettingsProvider interface {
	Get(ctx context.Context, tenantID string) (*settings.Settings, error)
}

type Options struct {
	Interval  time.Duration // tick cadence
	ScanBack  time.Duration // how far behind now to scan
	ScanAhead time.Duration // how far ahead of now to scan
	// AllowedRecipients restricts sends to these numbers when non-empty.
	// Staging safety valve; leave empty in production.
	AllowedRecipients []string
	SendTimeout       time.Duration
	DBBackoffMin      time.Duration
	DBBackoffMax      time.Duration
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 10 * time.Minute
	}
	if o.ScanBack <= 0 {
		o.ScanBack = 30 * time.Minute
	}
	if o.ScanAhead <= 0 {
		o.ScanAhead = 28 * time.Hour
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 30 * time.Second
	}
	if o.DBBackoffMin <= 0 {
		o.DBBackoffMin = 2 * time.Second
	}
	if o.DBBackoffMax <= 0 {
		o.DBBackoffMax = time.Minute
	}
}

// Result counts what one tick did.
type Result struct {
	Scanned int
	Sent    int
	Skipped int
	Deleted int
	Failed  int
}

type Engine struct {
	store    Store
	sender   Sender
	settings SettingsProvider
	opt      Options
	allowed  map[string]struct{}
	clock    func() time.Time
	logger   *logging.Logger
}

// Deps wires an Engine. Clock and Logger default when nil.
type Deps struct {
	Store    Store
	Sender   Sender
	Settings SettingsProvider
	Options  Options
	Clock    func() time.Time
	Logger   *logging.Logger
}

func New(d Deps) *Engine {
	d.Options.defaults()
	clock := d.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := d.Logger
	if logger == nil {
		logger = logging.Default()
	}
	var allowed map[string]struct{}
	if len(d.Options.AllowedRecipients) > 0 {
		allowed = make(map[string]struct{}, len(d.Options.AllowedRecipients))
		for _, n := range d.Options.AllowedRecipients {
			allowed[phone.Canonical(n)] = struct{}{}
		}
	}
	return &Engine{
		store:    d.Store,
		sender:   d.Sender,
		settings: d.Settings,
		opt:      d.Options,
		allowed:  allowed,
		clock:    clock,
		logger:   logger,
	}
}

// RunOnce performs a single scan. Per-reminder failures are contained: they
// count in Result.Failed and never abort the rest of the batch. The error
// return is reserved for the scan query itself.
func (e *Engine) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	now := e.clock()

	reminders, err := e.store.ListDueReminders(ctx, now.Add(-e.opt.ScanBack), now.Add(e.opt.ScanAhead))
	if err != nil {
		return res, fmt.Errorf("scheduler: scan: %w", err)
	}
	res.Scanned = len(reminders)
	metrics.ScanBatchSize.Observe(float64(len(reminders)))

	// Settings resolved once per tenant per tick.
	cfgs := make(map[string]*settings.Settings)

	for i := range reminders {
		r := &reminders[i]
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		e.processOne(ctx, r, now, cfgs, &res)
	}
	return res, nil
}

func (e *Engine) processOne(ctx context.Context, r *core.Reminder, now time.Time, cfgs map[string]*settings.Settings, res *Result) {
	until := r.ScheduledAt.Sub(now)

	// Past appointments are dropped regardless of what was or wasn't sent.
	if until < 0 {
		if err := e.store.DeleteReminder(ctx, r.ID); err != nil {
			e.logger.Warn("scheduler: delete past reminder failed", "reminder_id", r.ID, "error", err)
			res.Failed++
			return
		}
		metrics.RemindersDeleted.Inc()
		res.Deleted++
		return
	}

	if e.allowed != nil {
		if _, ok := e.allowed[phone.Canonical(r.RecipientPhone)]; !ok {
			// Filtered for this tick only. The row stays pending so sends
			// resume once the filter is lifted.
			res.Skipped++
			return
		}
	}

	cfg, ok := cfgs[r.TenantID]
	if !ok {
		var err error
		cfg, err = e.settings.Get(ctx, r.TenantID)
		if err != nil {
			e.logger.Warn("scheduler: settings lookup failed", "tenant_id", r.TenantID, "error", err)
			res.Failed++
			return
		}
		cfgs[r.TenantID] = cfg
	}

	need24, need1 := cfg.Reminder24hEnabled, cfg.Reminder1hEnabled
	if !need24 && !need1 {
		e.skip(ctx, r.ID, "reminders_disabled", res)
		return
	}

	// Every enabled window already sent: retire the row.
	if (!need24 || r.Reminder24hSent) && (!need1 || r.Reminder1hSent) {
		if err := e.store.MarkNotified(ctx, r.ID); err != nil {
			e.logger.Warn("scheduler: mark notified failed", "reminder_id", r.ID, "error", err)
			res.Failed++
			return
		}
		if err := e.store.DeleteReminder(ctx, r.ID); err != nil {
			e.logger.Warn("scheduler: delete completed reminder failed", "reminder_id", r.ID, "error", err)
			res.Failed++
			return
		}
		metrics.RemindersDeleted.Inc()
		res.Deleted++
		return
	}

	window, windowText, ok := pickWindow(r, until, need24, need1)
	if !ok {
		return
	}

	claimed, err := e.store.ClaimWindow(ctx, r.ID, window)
	if err != nil {
		metrics.ClaimTotal.WithLabelValues("error").Inc()
		e.logger.Warn("scheduler: claim failed", "reminder_id", r.ID, "window", window, "error", err)
		res.Failed++
		return
	}
	if !claimed {
		// Another replica holds it, or it was sent since the scan.
		metrics.ClaimTotal.WithLabelValues("contended").Inc()
		res.Skipped++
		return
	}
	metrics.ClaimTotal.WithLabelValues("ok").Inc()

	sctx, cancel := context.WithTimeout(ctx, e.opt.SendTimeout)
	receipt, err := e.sender.Send(sctx, r.TenantID, dispatch.TemplateReminder, dispatch.Payload{
		RecipientPhone:     r.RecipientPhone,
		CustomerName:       r.CustomerName,
		StaffName:          r.StaffName,
		ServiceName:        r.ServiceName,
		ScheduledAt:        r.ScheduledAt,
		DurationSecs:       r.DurationSecs,
		Address:            r.Address,
		ContactPhone:       r.ContactPhone,
		TenantName:         r.TenantName,
		ReminderWindowText: windowText,
	}, core.SourceAutomatic)
	cancel()
	if err != nil {
		if relErr := e.store.ReleaseWindow(ctx, r.ID, err.Error()); relErr != nil {
			e.logger.Error("scheduler: release after send failure failed",
				"reminder_id", r.ID, "window", window, "error", relErr)
		}
		e.logger.Warn("scheduler: send failed", "reminder_id", r.ID, "window", window, "error", err)
		res.Failed++
		return
	}

	if receipt.Skipped {
		// Provider disabled counts as delivered so the window retires and the
		// row does not churn every tick.
		metrics.RemindersSkipped.WithLabelValues("provider_disabled").Inc()
	} else {
		metrics.RemindersSent.WithLabelValues(string(window)).Inc()
		res.Sent++
	}

	done, err := e.store.CompleteWindow(ctx, r.ID, window, need24, need1)
	if err != nil {
		e.logger.Error("scheduler: complete after send failed",
			"reminder_id", r.ID, "window", window, "error", err)
		res.Failed++
		return
	}
	if done {
		if err := e.store.DeleteReminder(ctx, r.ID); err != nil {
			e.logger.Warn("scheduler: delete completed reminder failed", "reminder_id", r.ID, "error", err)
			return
		}
		metrics.RemindersDeleted.Inc()
		res.Deleted++
	}
}

func (e *Engine) skip(ctx context.Context, id, reason string, res *Result) {
	if err := e.store.MarkSkipped(ctx, id, reason); err != nil {
		e.logger.Warn("scheduler: mark skipped failed", "reminder_id", id, "reason", reason, "error", err)
	}
	metrics.RemindersSkipped.WithLabelValues(reason).Inc()
	res.Skipped++
}

// pickWindow chooses the window due now. When both are somehow due, 24h
// wins; the 1h window gets picked up on a later tick.
func pickWindow(r *core.Reminder, until time.Duration, need24, need1 bool) (core.Window, string, bool) {
	if need24 && !r.Reminder24hSent && until >= window24hMin && until <= window24hMax {
		return core.Window24h, windowText24h, true
	}
	if need1 && !r.Reminder1hSent && until >= window1hMin && until <= window1hMax {
		return core.Window1h, windowText1h, true
	}
	return "", "", false
}

// Run ticks RunOnce until the context ends. Scan failures back off
// exponentially with jitter and never kill the loop.
func (e *Engine) Run(ctx context.Context) error {
	backoff := e.opt.DBBackoffMin
	t := time.NewTicker(e.opt.Interval)
	defer t.Stop()

	for {
		res, err := e.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.SchedulerTicks.WithLabelValues("error").Inc()
			sleep := jitter(backoff, 0.20)
			e.logger.Error("scheduler: tick failed", "error", err, "backoff", sleep.String())
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}
			backoff = minDur(e.opt.DBBackoffMax, time.Duration(float64(backoff)*1.6))
			continue
		}
		backoff = e.opt.DBBackoffMin
		metrics.SchedulerTicks.WithLabelValues("ok").Inc()
		e.logger.Info("scheduler: tick complete",
			"scanned", res.Scanned, "sent", res.Sent,
			"skipped", res.Skipped, "deleted", res.Deleted, "failed", res.Failed)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := int64(float64(d) * frac)
	if delta <= 0 {
		return d
	}
	n := rand.Int63n(2*delta+1) - delta
	return d + time.Duration(n)
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
