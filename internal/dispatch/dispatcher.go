// Package dispatch turns appointment events into outbound messages through
// whichever transport the tenant has configured: nothing, the self-hosted
// session gateway, or the official Business API.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/smartagenda/notify/internal/core"
	"github.com/smartagenda/notify/internal/gateway"
	"github.com/smartagenda/notify/internal/metrics"
	"github.com/smartagenda/notify/internal/phone"
	"github.com/smartagenda/notify/internal/settings"
	"github.com/smartagenda/notify/pkg/logging"
)

// Store is the persistence surface the dispatcher writes through.
type Store interface {
	UpsertSentMessage(ctx context.Context, m core.SentMessage) error
	UpsertContact(ctx context.Context, c core.Contact) error
}

// SettingsProvider resolves tenant configuration.
type SettingsProvider interface {
	Get(ctx context.Context, tenantID string) (*settings.Settings, error)
}

// SessionGateway is the subset of the session client the dispatcher needs.
type SessionGateway interface {
	InstanceName(tenantID string) string
	SendText(ctx context.Context, instanceName, to, body string) (string, error)
}

// OfficialGateway sends Business-API templates.
type OfficialGateway interface {
	SendTemplate(ctx context.Context, req gateway.TemplateRequest) (*gateway.TemplateResponse, error)
}

// Directory resolves a display name for a phone number from the patient
// records, trying every storage variant. Empty name means not found.
type Directory interface {
	FindDisplayName(ctx context.Context, tenantID string, variants []string) (string, error)
}

// Receipt reports a completed send. Skipped receipts mean the tenant has
// messaging disabled: nothing left the system and no audit row was written,
// but the caller may still mark its work done.
type Receipt struct {
	MessageID string
	Provider  string
	ContactID string
	Body      string
	Skipped   bool
}

// Deps wires a Dispatcher. Session, Official, and Directory may be nil when
// the deployment does not carry them; tenants configured for a missing
// transport get ErrConfig.
type Deps struct {
	Store     Store
	Settings  SettingsProvider
	Session   SessionGateway
	Official  OfficialGateway
	Directory Directory
	Limiter   *rate.Limiter
	Logger    *logging.Logger
}

type Dispatcher struct {
	store     Store
	settings  SettingsProvider
	session   SessionGateway
	official  OfficialGateway
	directory Directory
	limiter   *rate.Limiter
	logger    *logging.Logger
}

func New(d Deps) *Dispatcher {
	logger := d.Logger
	if logger == nil {
		logger = logging.Default()
	}
	limiter := d.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	return &Dispatcher{
		store:     d.Store,
		settings:  d.Settings,
		session:   d.Session,
		official:  d.Official,
		directory: d.Directory,
		limiter:   limiter,
		logger:    logger,
	}
}

// outbound is one resolved send about to hit a transport.
type outbound struct {
	tenantID   string
	to         string
	body       string
	templateID string
	params     []string
	header     []string
	creds      *settings.Settings
	source     string
}

// sender is the per-provider send capability, chosen once per call.
type sender interface {
	send(ctx context.Context, d *Dispatcher, msg outbound) (*Receipt, error)
}

// Send renders the template and dispatches it for the tenant. A disabled
// provider returns a Skipped receipt and no error; callers must not treat
// that as a failure.
func (d *Dispatcher) Send(ctx context.Context, tenantID, templateID string, p Payload, source string) (*Receipt, error) {
	cfg, err := d.settings.Get(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: settings for %s: %w", tenantID, err)
	}
	if cfg.Provider == settings.ProviderDisabled {
		metrics.DispatchTotal.WithLabelValues("disabled", "skipped").Inc()
		return &Receipt{Provider: settings.ProviderDisabled, Skipped: true}, nil
	}

	to := phone.Canonical(p.RecipientPhone)
	if phone.Digits(p.RecipientPhone) == "" {
		return nil, fmt.Errorf("dispatch: recipient %q: %w", p.RecipientPhone, ErrInvalidRecipient)
	}

	params, err := BuildParams(templateID, p)
	if err != nil {
		return nil, err
	}
	body, err := Render(templateID, params)
	if err != nil {
		return nil, err
	}

	snd, err := d.resolveSender(cfg)
	if err != nil {
		return nil, err
	}
	msg := outbound{
		tenantID:   tenantID,
		to:         to,
		body:       body,
		templateID: templateID,
		params:     params,
		header:     []string{p.TenantName},
		creds:      cfg,
		source:     source,
	}

	start := time.Now()
	receipt, err := snd.send(ctx, d, msg)
	metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DispatchTotal.WithLabelValues(cfg.Provider, "error").Inc()
		return nil, err
	}
	metrics.DispatchTotal.WithLabelValues(cfg.Provider, "ok").Inc()

	d.recordSend(ctx, msg, receipt)
	d.enrichContact(ctx, msg, p.CustomerName, receipt)
	return receipt, nil
}

// SendManualText pushes operator-typed text through the session transport.
// The manual source tag is hard-coded here; billing depends on it.
func (d *Dispatcher) SendManualText(ctx context.Context, tenantID, rawPhone, body string) (*Receipt, error) {
	cfg, err := d.settings.Get(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: settings for %s: %w", tenantID, err)
	}
	switch cfg.Provider {
	case settings.ProviderDisabled:
		return nil, fmt.Errorf("dispatch: tenant %s: %w", tenantID, ErrProviderDisabled)
	case settings.ProviderSession:
	default:
		return nil, fmt.Errorf("dispatch: manual send requires the session provider, tenant %s uses %q: %w",
			tenantID, cfg.Provider, ErrConfig)
	}

	if phone.Digits(rawPhone) == "" {
		return nil, fmt.Errorf("dispatch: recipient %q: %w", rawPhone, ErrInvalidRecipient)
	}

	msg := outbound{
		tenantID: tenantID,
		to:       phone.Canonical(rawPhone),
		body:     body,
		creds:    cfg,
		source:   core.SourceManual,
	}
	receipt, err := sessionSender{}.send(ctx, d, msg)
	if err != nil {
		metrics.DispatchTotal.WithLabelValues(cfg.Provider, "error").Inc()
		return nil, err
	}
	metrics.DispatchTotal.WithLabelValues(cfg.Provider, "ok").Inc()

	d.recordSend(ctx, msg, receipt)
	d.enrichContact(ctx, msg, "", receipt)
	return receipt, nil
}

func (d *Dispatcher) resolveSender(cfg *settings.Settings) (sender, error) {
	switch cfg.Provider {
	case settings.ProviderSession:
		if d.session == nil {
			return nil, fmt.Errorf("dispatch: session gateway not configured: %w", ErrConfig)
		}
		return sessionSender{}, nil
	case settings.ProviderOfficial:
		if d.official == nil {
			return nil, fmt.Errorf("dispatch: official gateway not configured: %w", ErrConfig)
		}
		if cfg.OfficialPhoneNumberID == "" || cfg.OfficialAccessToken == "" {
			return nil, fmt.Errorf("dispatch: tenant %s lacks official credentials: %w", cfg.TenantID, ErrConfig)
		}
		return officialSender{}, nil
	default:
		return nil, fmt.Errorf("dispatch: unknown provider %q: %w", cfg.Provider, ErrConfig)
	}
}

type sessionSender struct{}

func (sessionSender) send(ctx context.Context, d *Dispatcher, msg outbound) (*Receipt, error) {
	if d.session == nil {
		return nil, fmt.Errorf("dispatch: session gateway not configured: %w", ErrConfig)
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	instance := d.session.InstanceName(msg.tenantID)
	id, err := d.session.SendText(ctx, instance, msg.to, msg.body)
	if err != nil {
		return nil, fmt.Errorf("dispatch: session send: %v: %w", err, ErrDispatch)
	}
	return &Receipt{
		MessageID: id,
		Provider:  settings.ProviderSession,
		ContactID: msg.to,
		Body:      msg.body,
	}, nil
}

type officialSender struct{}

func (officialSender) send(ctx context.Context, d *Dispatcher, msg outbound) (*Receipt, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	res, err := d.official.SendTemplate(ctx, gateway.TemplateRequest{
		PhoneNumberID: msg.creds.OfficialPhoneNumberID,
		AccessToken:   msg.creds.OfficialAccessToken,
		To:            msg.to,
		Template:      msg.templateID,
		HeaderParams:  msg.header,
		BodyParams:    msg.params,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch: official send: %v: %w", err, ErrDispatch)
	}
	contactID := res.ContactID
	if contactID == "" {
		contactID = msg.to
	}
	return &Receipt{
		MessageID: res.MessageID,
		Provider:  settings.ProviderOfficial,
		ContactID: phone.Canonical(contactID),
		Body:      msg.body,
	}, nil
}

// recordSend writes the audit row. The message already left the system, so
// a write failure is logged rather than surfaced; failing here would make
// the caller retry and double-send.
func (d *Dispatcher) recordSend(ctx context.Context, msg outbound, r *Receipt) {
	row := core.SentMessage{
		TenantID:  msg.tenantID,
		MessageID: r.MessageID,
		Provider:  r.Provider,
		Direction: core.DirectionOutbound,
		Source:    msg.source,
		Body:      r.Body,
		Success:   true,
	}
	if msg.templateID != "" {
		t := msg.templateID
		row.TemplateName = &t
	}
	if r.ContactID != "" {
		c := r.ContactID
		row.ContactID = &c
	}
	if err := d.store.UpsertSentMessage(ctx, row); err != nil {
		d.logger.Error("dispatch: audit write failed",
			"tenant_id", msg.tenantID, "message_id", r.MessageID, "error", err)
	}
}

// enrichContact is best effort: the send already succeeded, contact
// bookkeeping never fails it.
func (d *Dispatcher) enrichContact(ctx context.Context, msg outbound, customerName string, r *Receipt) {
	if r.ContactID == "" {
		return
	}
	contact := core.Contact{TenantID: msg.tenantID, ContactID: r.ContactID}
	if customerName != "" {
		contact.Name = &customerName
	}

	if d.directory != nil {
		name, err := d.directory.FindDisplayName(ctx, msg.tenantID, phone.Variants(r.ContactID))
		if err != nil {
			d.logger.Warn("dispatch: directory lookup failed",
				"tenant_id", msg.tenantID, "contact_id", r.ContactID, "error", err)
		} else if name != "" {
			contact.PatientName = &name
		}
	}

	if err := d.store.UpsertContact(ctx, contact); err != nil {
		d.logger.Warn("dispatch: contact upsert failed",
			"tenant_id", msg.tenantID, "contact_id", r.ContactID, "error", err)
	}
}
