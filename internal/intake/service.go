// Package intake folds appointment lifecycle events from the booking system
// into the reminder table and fires the matching transactional message
// (confirmation, update, or cancellation).
package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smartagenda/notify/internal/core"
	"github.com/smartagenda/notify/internal/dispatch"
	"github.com/smartagenda/notify/internal/phone"
	"github.com/smartagenda/notify/internal/settings"
	"github.com/smartagenda/notify/pkg/logging"
)

// Event statuses accepted from the booking system.
const (
	StatusCreate = "create"
	StatusUpdate = "update"
	StatusDelete = "delete"
)

var ErrBadEvent = errors.New("intake: malformed appointment event")

// Event is one appointment change. Notify nil means notify; the booking UI
// sends an explicit false when the operator opts out of messaging.
type Event struct {
	AppointmentID string    `json:"appointment_id"`
	Status        string    `json:"status"`
	Notify        *bool     `json:"notify,omitempty"`
	ScheduledAt   time.Time `json:"scheduled_at"`
	CustomerName  string    `json:"customer_name"`
	CustomerPhone string    `json:"customer_phone"`
	ServiceName   string    `json:"service_name"`
	StaffName     string    `json:"staff_name"`
	DurationSecs  int       `json:"duration_secs"`
}

// Store is the persistence surface intake writes through.
type Store interface {
	GetReminder(ctx context.Context, id string) (*core.Reminder, error)
	UpsertReminder(ctx context.Context, r core.Reminder, resetWindows bool) error
	DeleteReminder(ctx context.Context, id string) error
	UpsertContact(ctx context.Context, c core.Contact) error
}

// Sender dispatches the transactional message for an event.
type Sender interface {
	Send(ctx context.Context, tenantID, templateID string, p dispatch.Payload, source string) (*dispatch.Receipt, error)
}

// SettingsProvider resolves tenant configuration.
type SettingsProvider interface {
	Get(ctx context.Context, tenantID string) (*settings.Settings, error)
}

type Service struct {
	store    Store
	sender   Sender
	settings SettingsProvider
	logger   *logging.Logger
}

func New(store Store, sender Sender, sp SettingsProvider, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{store: store, sender: sender, settings: sp, logger: logger}
}

// HandleEvent applies one appointment change. Reminder bookkeeping must
// succeed; the transactional send is best effort because the booking
// already happened and must not be rolled back over a messaging hiccup.
func (s *Service) HandleEvent(ctx context.Context, tenantID string, e Event) error {
	if e.AppointmentID == "" {
		return fmt.Errorf("%w: missing appointment id", ErrBadEvent)
	}

	cfg, err := s.settings.Get(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("intake: settings for %s: %w", tenantID, err)
	}
	notify := e.Notify == nil || *e.Notify

	switch e.Status {
	case StatusCreate, StatusUpdate:
		if e.ScheduledAt.IsZero() {
			return fmt.Errorf("%w: missing scheduled time", ErrBadEvent)
		}
		r := core.Reminder{
			ID:             e.AppointmentID,
			TenantID:       tenantID,
			ScheduledAt:    e.ScheduledAt,
			RecipientPhone: e.CustomerPhone,
			CustomerName:   e.CustomerName,
			ServiceName:    e.ServiceName,
			StaffName:      e.StaffName,
			DurationSecs:   e.DurationSecs,
			Address:        cfg.Address,
			ContactPhone:   cfg.ContactPhone,
			TenantName:     cfg.TenantName,
		}
		// A reschedule re-arms both windows; the new time deserves fresh
		// reminders even if the old ones already went out.
		reset := e.Status == StatusUpdate
		if err := s.store.UpsertReminder(ctx, r, reset); err != nil {
			return fmt.Errorf("intake: upsert reminder %s: %w", e.AppointmentID, err)
		}
		s.saveContact(ctx, tenantID, e)
		if notify {
			template := dispatch.TemplateConfirm
			if e.Status == StatusUpdate {
				template = dispatch.TemplateUpdate
			}
			s.notify(ctx, tenantID, template, payloadFrom(&r))
		}
		return nil

	case StatusDelete:
		// The stored row usually has better data than a bare delete event.
		prior, err := s.store.GetReminder(ctx, e.AppointmentID)
		if err != nil {
			s.logger.Warn("intake: reminder lookup before delete failed",
				"appointment_id", e.AppointmentID, "error", err)
		}
		if err := s.store.DeleteReminder(ctx, e.AppointmentID); err != nil {
			return fmt.Errorf("intake: delete reminder %s: %w", e.AppointmentID, err)
		}
		if notify {
			p := s.cancelPayload(cfg, e, prior)
			if p.RecipientPhone != "" {
				s.notify(ctx, tenantID, dispatch.TemplateCancel, p)
			}
		}
		return nil

	default:
		return fmt.Errorf("%w: unknown status %q", ErrBadEvent, e.Status)
	}
}

func payloadFrom(r *core.Reminder) dispatch.Payload {
	return dispatch.Payload{
		RecipientPhone: r.RecipientPhone,
		CustomerName:   r.CustomerName,
		StaffName:      r.StaffName,
		ServiceName:    r.ServiceName,
		ScheduledAt:    r.ScheduledAt,
		DurationSecs:   r.DurationSecs,
		Address:        r.Address,
		ContactPhone:   r.ContactPhone,
		TenantName:     r.TenantName,
	}
}

func (s *Service) cancelPayload(cfg *settings.Settings, e Event, prior *core.Reminder) dispatch.Payload {
	p := dispatch.Payload{
		RecipientPhone: e.CustomerPhone,
		CustomerName:   e.CustomerName,
		ServiceName:    e.ServiceName,
		ScheduledAt:    e.ScheduledAt,
		Address:        cfg.Address,
		ContactPhone:   cfg.ContactPhone,
		TenantName:     cfg.TenantName,
	}
	if prior == nil {
		return p
	}
	if p.RecipientPhone == "" {
		p.RecipientPhone = prior.RecipientPhone
	}
	if p.CustomerName == "" {
		p.CustomerName = prior.CustomerName
	}
	if p.ServiceName == "" {
		p.ServiceName = prior.ServiceName
	}
	if p.ScheduledAt.IsZero() {
		p.ScheduledAt = prior.ScheduledAt
	}
	return p
}

func (s *Service) notify(ctx context.Context, tenantID, template string, p dispatch.Payload) {
	if _, err := s.sender.Send(ctx, tenantID, template, p, core.SourceAutomatic); err != nil {
		s.logger.Warn("intake: transactional send failed",
			"tenant_id", tenantID, "template", template, "error", err)
	}
}

// saveContact is best effort address-book upkeep.
func (s *Service) saveContact(ctx context.Context, tenantID string, e Event) {
	digits := phone.Digits(e.CustomerPhone)
	if digits == "" {
		return
	}
	c := core.Contact{TenantID: tenantID, ContactID: phone.Canonical(e.CustomerPhone)}
	if e.CustomerName != "" {
		c.Name = &e.CustomerName
	}
	if err := s.store.UpsertContact(ctx, c); err != nil {
		s.logger.Warn("intake: contact upsert failed", "tenant_id", tenantID, "error", err)
	}
}
