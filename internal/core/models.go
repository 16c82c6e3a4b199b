package core

import (
	"time"
)

// Window identifies a reminder send window.
type Window string

const (
	Window24h Window = "reminder_24h"
	Window1h  Window = "reminder_1h"
)

// Session status values. Transitions come from pairing attempts and gateway
// webhook events; "connected" is only ever set from a live open state.
const (
	SessionUninitialized = "uninitialized"
	SessionInitializing  = "initializing"
	SessionPendingQR     = "pending_qr"
	SessionConnected     = "connected"
	SessionDisconnected  = "disconnected"
	SessionError         = "error"
)

// Message source values for our own sends. Manual sends are billed
// differently, so the tag is set by the calling path and never inferred.
// Inbound rows carry no source at all.
const (
	SourceAutomatic = "automatic"
	SourceManual    = "manual"
)

// Message direction values.
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
)

// Reminder is one upcoming appointment awaiting its reminder sends. The row
// is keyed by the upstream appointment id and deleted once every enabled
// window has been sent or the appointment has passed.
type Reminder struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	ScheduledAt    time.Time `json:"scheduled_at"`
	RecipientPhone string    `json:"recipient_phone"`
	CustomerName   string    `json:"customer_name"`
	ServiceName    string    `json:"service_name"`
	StaffName      string    `json:"staff_name"`
	Address        string    `json:"address"`
	ContactPhone   string    `json:"contact_phone"`
	TenantName     string    `json:"tenant_name"`
	DurationSecs   int       `json:"duration_secs"`

	Reminder24hSent   bool       `json:"reminder_24h_sent"`
	Reminder24hSentAt *time.Time `json:"reminder_24h_sent_at,omitempty"`
	Reminder1hSent    bool       `json:"reminder_1h_sent"`
	Reminder1hSentAt  *time.Time `json:"reminder_1h_sent_at,omitempty"`

	Notified   bool       `json:"notified"`
	NotifiedAt *time.Time `json:"notified_at,omitempty"`

	LockedAt   *time.Time `json:"notification_locked_at,omitempty"`
	LockedType *string    `json:"notification_locked_type,omitempty"`
	RetryCount int        `json:"notification_retry_count"`
	LastError  *string    `json:"notification_error,omitempty"`

	SkippedReason *string    `json:"notification_skipped_reason,omitempty"`
	SkippedAt     *time.Time `json:"notification_skipped_at,omitempty"`
}

// WindowSent reports whether the given window has already been sent.
func (r *Reminder) WindowSent(w Window) bool {
	if w == Window24h {
		return r.Reminder24hSent
	}
	return r.Reminder1hSent
}

// SessionStatus is the per-tenant session record. Updates are always merges;
// a webhook event never blindly overwrites fields it does not carry.
type SessionStatus struct {
	TenantID             string     `json:"tenant_id"`
	Status               string     `json:"status"`
	QRCode               *string    `json:"qr_code,omitempty"`
	QRCodeGeneratedAt    *time.Time `json:"qr_code_generated_at,omitempty"`
	LastConnectedAt      *time.Time `json:"last_connected_at,omitempty"`
	LastDisconnectAt     *time.Time `json:"last_disconnect_at,omitempty"`
	LastDisconnectReason *string    `json:"last_disconnect_reason,omitempty"`
	LastError            *string    `json:"last_error,omitempty"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// SessionPatch is a partial session-status update. Nil pointer fields are
// left untouched; the Clear flags null fields out explicitly.
type SessionPatch struct {
	Status               *string
	QRCode               *string
	QRCodeGeneratedAt    *time.Time
	LastConnectedAt      *time.Time
	LastDisconnectAt     *time.Time
	LastDisconnectReason *string
	LastError            *string

	ClearQRCode           bool
	ClearDisconnectReason bool
	ClearError            bool
}

// SentMessage is one audit row per provider message id. Conflicting writes
// merge so a webhook echo cannot erase what the send path recorded.
type SentMessage struct {
	TenantID     string    `json:"tenant_id"`
	MessageID    string    `json:"message_id"`
	Provider     string    `json:"provider"`
	Direction    string    `json:"direction"`
	Source       string    `json:"source"`
	TemplateName *string   `json:"template_name,omitempty"`
	Body         string    `json:"body"`
	ContactID    *string   `json:"contact_id,omitempty"`
	Success      bool      `json:"success"`
	CreatedAt    time.Time `json:"created_at"`
}

// Contact is the per-tenant address-book row keyed by canonical phone digits.
type Contact struct {
	TenantID      string     `json:"tenant_id"`
	ContactID     string     `json:"contact_id"`
	Name          *string    `json:"name,omitempty"`
	ProfileName   *string    `json:"profile_name,omitempty"`
	PatientName   *string    `json:"patient_name,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}
