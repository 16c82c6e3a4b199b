// Package session drives the per-tenant messaging session lifecycle:
// pairing, webhook-driven status transitions, reconciliation, and teardown.
//
// The gateway delivers pairing codes asynchronously through webhooks, so
// pairing alternates short bounded waits with reads of the persisted status
// record, which a webhook may have updated meanwhile.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smartagenda/notify/internal/core"
	"github.com/smartagenda/notify/internal/gateway"
	"github.com/smartagenda/notify/internal/metrics"
	"github.com/smartagenda/notify/internal/phone"
	"github.com/smartagenda/notify/internal/settings"
	"github.com/smartagenda/notify/pkg/logging"
)

// QRMaxAge is how long a stored pairing payload stays presentable. The
// gateway rotates codes, so anything older is discarded on read.
const QRMaxAge = 10 * time.Minute

const purgeBatchSize = 500

// ErrInvalidNumber rejects pairing requests whose phone cannot identify an
// account.
var ErrInvalidNumber = errors.New("session: phone number must have at least 10 digits")

// ErrInvalidIntegration rejects unknown integration types.
var ErrInvalidIntegration = errors.New("session: integration type must be session_based or official_api")

// StatusStore is the persistence surface for session records and tenant
// data teardown.
type StatusStore interface {
	GetSessionStatus(ctx context.Context, tenantID string) (*core.SessionStatus, error)
	UpdateSessionStatus(ctx context.Context, tenantID string, p core.SessionPatch) error
	DeleteSessionStatus(ctx context.Context, tenantID string) error
	PurgeConversationContexts(ctx context.Context, tenantID string, limit int) (int64, error)
	PurgeMessages(ctx context.Context, tenantID string, limit int) (int64, error)
	PurgeContacts(ctx context.Context, tenantID string, limit int) (int64, error)
}

// Gateway is the subset of the session client the machine drives.
type Gateway interface {
	InstanceName(tenantID string) string
	EnsureInstance(ctx context.Context, tenantID, integration, number string) (string, error)
	ConnectionState(ctx context.Context, instanceName string) (string, error)
	FetchPairingCode(ctx context.Context, instanceName string) (string, error)
	Logout(ctx context.Context, instanceName string) error
	DeleteInstance(ctx context.Context, instanceName string) error
}

// SettingsProvider resolves tenant configuration for status checks.
type SettingsProvider interface {
	Get(ctx context.Context, tenantID string) (*settings.Settings, error)
}

// Waits are the bounded pauses in the pairing flow. The official API needs
// longer ones: its instances report a misleading "open" right after
// creation and take longer to emit a code.
type Waits struct {
	Verify             time.Duration
	AfterLogout        time.Duration
	LogoutStillOpen    time.Duration
	FirstPollSession   time.Duration
	FirstPollOfficial  time.Duration
	SecondPollSession  time.Duration
	SecondPollOfficial time.Duration
}

func DefaultWaits() Waits {
	return Waits{
		Verify:             2 * time.Second,
		AfterLogout:        5 * time.Second,
		LogoutStillOpen:    10 * time.Second,
		FirstPollSession:   3 * time.Second,
		FirstPollOfficial:  5 * time.Second,
		SecondPollSession:  5 * time.Second,
		SecondPollOfficial: 20 * time.Second,
	}
}

// Machine owns session lifecycle decisions. Sleep and clock are injectable
// so tests run without real waits.
type Machine struct {
	store    StatusStore
	gw       Gateway
	settings SettingsProvider
	waits    Waits
	sleep    func(ctx context.Context, d time.Duration) error
	clock    func() time.Time
	logger   *logging.Logger
}

// Deps wires a Machine. Waits, Sleep, Clock, and Logger default when zero.
type Deps struct {
	Store    StatusStore
	Gateway  Gateway
	Settings SettingsProvider
	Waits    *Waits
	Sleep    func(ctx context.Context, d time.Duration) error
	Clock    func() time.Time
	Logger   *logging.Logger
}

func New(d Deps) *Machine {
	waits := DefaultWaits()
	if d.Waits != nil {
		waits = *d.Waits
	}
	sleep := d.Sleep
	if sleep == nil {
		sleep = func(ctx context.Context, dur time.Duration) error {
			t := time.NewTimer(dur)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		}
	}
	clock := d.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := d.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Machine{
		store:    d.Store,
		gw:       d.Gateway,
		settings: d.Settings,
		waits:    waits,
		sleep:    sleep,
		clock:    clock,
		logger:   logger,
	}
}

// Result is the outcome of a pairing attempt or status check.
type Result struct {
	Status string `json:"status"`
	QRCode string `json:"qrCode,omitempty"`
	Error  string `json:"error,omitempty"`
}

func wireIntegration(integrationType string) (string, error) {
	switch integrationType {
	case settings.IntegrationSessionBased:
		return gateway.IntegrationSessionBased, nil
	case settings.IntegrationOfficialAPI:
		return gateway.IntegrationOfficialAPI, nil
	default:
		return "", ErrInvalidIntegration
	}
}

// StartPairing brings the tenant's instance up and works toward either a
// live connection or a presentable pairing code. Validation failures return
// an error; flow failures come back as a Result with status "error" after
// being persisted.
func (m *Machine) StartPairing(ctx context.Context, tenantID, integrationType, number string) (*Result, error) {
	if len(phone.Digits(number)) < 10 {
		return nil, ErrInvalidNumber
	}
	integration, err := wireIntegration(integrationType)
	if err != nil {
		return nil, err
	}
	official := integration == gateway.IntegrationOfficialAPI

	name, err := m.gw.EnsureInstance(ctx, tenantID, integration, phone.Canonical(number))
	if err != nil {
		return m.failPairing(ctx, tenantID, fmt.Sprintf("gateway instance unavailable: %v", err)), nil
	}

	if err := m.store.UpdateSessionStatus(ctx, tenantID, core.SessionPatch{
		Status:                strPtr(core.SessionInitializing),
		ClearQRCode:           true,
		ClearDisconnectReason: true,
		ClearError:            true,
	}); err != nil {
		m.logger.Warn("session: status update failed", "tenant_id", tenantID, "error", err)
	}

	state, err := m.gw.ConnectionState(ctx, name)
	if err != nil {
		m.logger.Warn("session: state lookup failed", "tenant_id", tenantID, "error", err)
		state = ""
	}

	// An official instance reporting "open" right after setup is not a real
	// pairing; force a logout so a fresh code is issued.
	if official && state == gateway.StateOpen {
		if err := m.gw.Logout(ctx, name); err != nil {
			m.logger.Warn("session: forced logout failed", "tenant_id", tenantID, "error", err)
		}
		if err := m.sleep(ctx, m.waits.AfterLogout); err != nil {
			return nil, err
		}
		state, _ = m.gw.ConnectionState(ctx, name)
		if state == gateway.StateOpen {
			if err := m.sleep(ctx, m.waits.LogoutStillOpen); err != nil {
				return nil, err
			}
			if qr := m.freshQR(ctx, tenantID); qr != "" {
				metrics.PairingTotal.WithLabelValues(core.SessionPendingQR).Inc()
				return &Result{Status: core.SessionPendingQR, QRCode: qr}, nil
			}
		}
	}

	if state == gateway.StateOpen && !official {
		// Confirm before declaring victory; a stale "open" flips quickly.
		if err := m.sleep(ctx, m.waits.Verify); err != nil {
			return nil, err
		}
		verify, _ := m.gw.ConnectionState(ctx, name)
		if verify == gateway.StateOpen {
			now := m.clock()
			if err := m.store.UpdateSessionStatus(ctx, tenantID, core.SessionPatch{
				Status:          strPtr(core.SessionConnected),
				ClearQRCode:     true,
				LastConnectedAt: &now,
			}); err != nil {
				m.logger.Warn("session: status update failed", "tenant_id", tenantID, "error", err)
			}
			metrics.PairingTotal.WithLabelValues(core.SessionConnected).Inc()
			return &Result{Status: core.SessionConnected}, nil
		}
		state = verify
	}

	if qr := m.freshQR(ctx, tenantID); qr != "" {
		metrics.PairingTotal.WithLabelValues(core.SessionPendingQR).Inc()
		return &Result{Status: core.SessionPendingQR, QRCode: qr}, nil
	}

	firstPoll, secondPoll := m.waits.FirstPollSession, m.waits.SecondPollSession
	if official {
		firstPoll, secondPoll = m.waits.FirstPollOfficial, m.waits.SecondPollOfficial
	}

	if err := m.sleep(ctx, firstPoll); err != nil {
		return nil, err
	}
	if qr := m.freshQR(ctx, tenantID); qr != "" {
		metrics.PairingTotal.WithLabelValues(core.SessionPendingQR).Inc()
		return &Result{Status: core.SessionPendingQR, QRCode: qr}, nil
	}

	code, err := m.gw.FetchPairingCode(ctx, name)
	if err != nil {
		m.logger.Warn("session: pairing code fetch failed", "tenant_id", tenantID, "error", err)
	}
	if code != "" {
		now := m.clock()
		if err := m.store.UpdateSessionStatus(ctx, tenantID, core.SessionPatch{
			Status:            strPtr(core.SessionPendingQR),
			QRCode:            &code,
			QRCodeGeneratedAt: &now,
		}); err != nil {
			m.logger.Warn("session: status update failed", "tenant_id", tenantID, "error", err)
		}
		metrics.PairingTotal.WithLabelValues(core.SessionPendingQR).Inc()
		return &Result{Status: core.SessionPendingQR, QRCode: code}, nil
	}

	if err := m.sleep(ctx, secondPoll); err != nil {
		return nil, err
	}
	if qr := m.freshQR(ctx, tenantID); qr != "" {
		metrics.PairingTotal.WithLabelValues(core.SessionPendingQR).Inc()
		return &Result{Status: core.SessionPendingQR, QRCode: qr}, nil
	}

	msg := "pairing code not issued in time; try again shortly"
	if official {
		msg = "pairing code not issued in time; the gateway may be reconnecting the official instance, try again shortly"
	}
	return m.failPairing(ctx, tenantID, msg), nil
}

func (m *Machine) failPairing(ctx context.Context, tenantID, msg string) *Result {
	if err := m.store.UpdateSessionStatus(ctx, tenantID, core.SessionPatch{
		Status:    strPtr(core.SessionError),
		LastError: &msg,
	}); err != nil {
		m.logger.Warn("session: status update failed", "tenant_id", tenantID, "error", err)
	}
	metrics.PairingTotal.WithLabelValues(core.SessionError).Inc()
	return &Result{Status: core.SessionError, Error: msg}
}

// freshQR returns a stored pairing payload that is still young enough to
// show, or "".
func (m *Machine) freshQR(ctx context.Context, tenantID string) string {
	st, err := m.store.GetSessionStatus(ctx, tenantID)
	if err != nil || st == nil || st.QRCode == nil || *st.QRCode == "" {
		return ""
	}
	if st.QRCodeGeneratedAt != nil && m.clock().Sub(*st.QRCodeGeneratedAt) > QRMaxAge {
		return ""
	}
	return *st.QRCode
}

// CheckStatus reconciles the persisted record with the gateway's live state
// and returns the current view.
func (m *Machine) CheckStatus(ctx context.Context, tenantID string) (*Result, error) {
	cfg, err := m.settings.Get(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("session: settings for %s: %w", tenantID, err)
	}
	integration, err := wireIntegration(cfg.IntegrationType)
	if err != nil {
		integration = gateway.IntegrationSessionBased
	}

	name, err := m.gw.EnsureInstance(ctx, tenantID, integration, phone.Canonical(cfg.PhoneNumber))
	if err != nil {
		return nil, fmt.Errorf("session: ensure instance: %w", err)
	}
	state, err := m.gw.ConnectionState(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("session: connection state: %w", err)
	}

	persisted, err := m.store.GetSessionStatus(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("session: load status: %w", err)
	}
	current := core.SessionUninitialized
	if persisted != nil {
		current = persisted.Status
	}

	switch {
	case state == gateway.StateOpen && current != core.SessionConnected:
		now := m.clock()
		if err := m.store.UpdateSessionStatus(ctx, tenantID, core.SessionPatch{
			Status:                strPtr(core.SessionConnected),
			ClearQRCode:           true,
			ClearError:            true,
			ClearDisconnectReason: true,
			LastConnectedAt:       &now,
		}); err != nil {
			return nil, fmt.Errorf("session: reconcile to connected: %w", err)
		}
		current = core.SessionConnected
	case state != gateway.StateOpen && current == core.SessionConnected:
		now := m.clock()
		reason := "gateway reports the session is no longer open"
		if err := m.store.UpdateSessionStatus(ctx, tenantID, core.SessionPatch{
			Status:               strPtr(core.SessionDisconnected),
			LastDisconnectAt:     &now,
			LastDisconnectReason: &reason,
			ClearQRCode:          true,
		}); err != nil {
			return nil, fmt.Errorf("session: reconcile to disconnected: %w", err)
		}
		current = core.SessionDisconnected
	}

	res := &Result{Status: current}
	if current == core.SessionPendingQR {
		res.QRCode = m.freshQR(ctx, tenantID)
	}
	return res, nil
}

// ApplyConnectionEvent folds a gateway connection.update into the record.
// Unknown states are ignored; events arrive at-least-once and out of order.
func (m *Machine) ApplyConnectionEvent(ctx context.Context, tenantID, state, reason string) error {
	metrics.WebhookEvents.WithLabelValues("connection.update").Inc()
	now := m.clock()
	switch state {
	case gateway.StateOpen:
		return m.store.UpdateSessionStatus(ctx, tenantID, core.SessionPatch{
			Status:                strPtr(core.SessionConnected),
			ClearQRCode:           true,
			ClearError:            true,
			ClearDisconnectReason: true,
			LastConnectedAt:       &now,
		})
	case gateway.StateClose:
		patch := core.SessionPatch{
			Status:           strPtr(core.SessionDisconnected),
			LastDisconnectAt: &now,
			ClearQRCode:      true,
		}
		if reason != "" {
			patch.LastDisconnectReason = &reason
		}
		return m.store.UpdateSessionStatus(ctx, tenantID, patch)
	case gateway.StateConnecting:
		// Keep any pending QR; the user may be mid-scan.
		return m.store.UpdateSessionStatus(ctx, tenantID, core.SessionPatch{
			Status: strPtr(core.SessionInitializing),
		})
	default:
		return nil
	}
}

// ApplyQRCodeEvent stores a webhook-delivered pairing payload.
func (m *Machine) ApplyQRCodeEvent(ctx context.Context, tenantID, qr string) error {
	metrics.WebhookEvents.WithLabelValues("qrcode.updated").Inc()
	if qr == "" {
		return nil
	}
	now := m.clock()
	return m.store.UpdateSessionStatus(ctx, tenantID, core.SessionPatch{
		Status:            strPtr(core.SessionPendingQR),
		QRCode:            &qr,
		QRCodeGeneratedAt: &now,
	})
}

// DisconnectAndPurge tears a tenant down: gateway session, status record,
// conversation contexts, message history, contacts. Phases are independent;
// a failure is logged and collected while the rest proceed, so repeated
// calls converge.
func (m *Machine) DisconnectAndPurge(ctx context.Context, tenantID string) error {
	var errs []error
	name := m.gw.InstanceName(tenantID)

	if err := m.gw.Logout(ctx, name); err != nil {
		m.logger.Warn("session: teardown logout failed", "tenant_id", tenantID, "error", err)
		errs = append(errs, err)
	}
	if err := m.gw.DeleteInstance(ctx, name); err != nil {
		m.logger.Warn("session: teardown instance delete failed", "tenant_id", tenantID, "error", err)
		errs = append(errs, err)
	}

	if err := m.store.DeleteSessionStatus(ctx, tenantID); err != nil {
		m.logger.Warn("session: teardown status delete failed", "tenant_id", tenantID, "error", err)
		errs = append(errs, err)
	}

	purges := []struct {
		what string
		fn   func(context.Context, string, int) (int64, error)
	}{
		{"conversation contexts", m.store.PurgeConversationContexts},
		{"messages", m.store.PurgeMessages},
		{"contacts", m.store.PurgeContacts},
	}
	for _, p := range purges {
		var total int64
		for {
			n, err := p.fn(ctx, tenantID, purgeBatchSize)
			if err != nil {
				m.logger.Warn("session: teardown purge failed",
					"tenant_id", tenantID, "what", p.what, "error", err)
				errs = append(errs, err)
				break
			}
			total += n
			if n == 0 {
				break
			}
		}
		m.logger.Info("session: purged tenant data",
			"tenant_id", tenantID, "what", p.what, "rows", total)
	}

	return errors.Join(errs...)
}

func strPtr(s string) *string { return &s }
