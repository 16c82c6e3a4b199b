package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/smartagenda/notify/internal/core"
	"github.com/smartagenda/notify/internal/metrics"
	"github.com/smartagenda/notify/internal/phone"
)

// InboundMessage is one customer message relayed by the session gateway.
type InboundMessage struct {
	MessageID string
	Phone     string
	PushName  string
	Body      string
}

// sessionEvent is the gateway webhook envelope. Only the fields we act on
// are decoded; the gateway sends much more.
type sessionEvent struct {
	Event string `json:"event"`
	Data  struct {
		State        string `json:"state"`
		StatusReason string `json:"statusReason"`
		QRCode       struct {
			Base64 string `json:"base64"`
			Code   string `json:"code"`
		} `json:"qrcode"`
		Key struct {
			RemoteJID string `json:"remoteJid"`
			FromMe    bool   `json:"fromMe"`
			ID        string `json:"id"`
		} `json:"key"`
		PushName string `json:"pushName"`
		Message  struct {
			Conversation        string `json:"conversation"`
			ExtendedTextMessage struct {
				Text string `json:"text"`
			} `json:"extendedTextMessage"`
		} `json:"message"`
	} `json:"data"`
}

// sessionWebhook absorbs gateway events. Processing failures still return
// 200: the gateway retries on non-2xx and a poison event would otherwise
// hammer us forever.
func (s *Server) sessionWebhook(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	var e sessionEvent
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}

	event := strings.ToLower(e.Event)
	switch event {
	case "connection.update":
		if err := s.Machine.ApplyConnectionEvent(r.Context(), tenantID, e.Data.State, e.Data.StatusReason); err != nil {
			s.logger().Warn("webhook: connection update failed", "tenant_id", tenantID, "error", err)
		}
	case "qrcode.updated":
		qr := e.Data.QRCode.Base64
		if qr == "" {
			qr = e.Data.QRCode.Code
		}
		if qr != "" && !strings.HasPrefix(qr, "data:") {
			qr = "data:image/png;base64," + qr
		}
		if err := s.Machine.ApplyQRCodeEvent(r.Context(), tenantID, qr); err != nil {
			s.logger().Warn("webhook: qr update failed", "tenant_id", tenantID, "error", err)
		}
	case "messages.upsert":
		metrics.WebhookEvents.WithLabelValues(event).Inc()
		s.handleInbound(r.Context(), tenantID, &e)
	default:
		metrics.WebhookEvents.WithLabelValues("other").Inc()
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleInbound(ctx context.Context, tenantID string, e *sessionEvent) {
	// Echoes of our own sends come back with fromMe set.
	if e.Data.Key.FromMe || s.Inbox == nil {
		return
	}
	jid := e.Data.Key.RemoteJID
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		jid = jid[:i]
	}
	if phone.Digits(jid) == "" {
		return
	}
	body := e.Data.Message.Conversation
	if body == "" {
		body = e.Data.Message.ExtendedTextMessage.Text
	}
	msg := InboundMessage{
		MessageID: e.Data.Key.ID,
		Phone:     phone.Canonical(jid),
		PushName:  e.Data.PushName,
		Body:      body,
	}
	if err := s.Inbox.RecordInbound(ctx, tenantID, msg); err != nil {
		s.logger().Warn("webhook: inbound record failed",
			"tenant_id", tenantID, "message_id", msg.MessageID, "error", err)
	}
}

// StoreInbox records inbound traffic against the audit and contact tables.
type StoreInbox struct {
	Store interface {
		UpsertSentMessage(ctx context.Context, m core.SentMessage) error
		UpsertContact(ctx context.Context, c core.Contact) error
	}
}

func (b StoreInbox) RecordInbound(ctx context.Context, tenantID string, e InboundMessage) error {
	contactID := e.Phone
	// Inbound traffic carries no source tag. Only our own sends are
	// classified automatic or manual for billing.
	msg := core.SentMessage{
		TenantID:  tenantID,
		MessageID: e.MessageID,
		Provider:  "session",
		Direction: core.DirectionInbound,
		Body:      e.Body,
		ContactID: &contactID,
		Success:   true,
	}
	if err := b.Store.UpsertSentMessage(ctx, msg); err != nil {
		return err
	}
	contact := core.Contact{TenantID: tenantID, ContactID: contactID}
	if e.PushName != "" {
		contact.ProfileName = &e.PushName
	}
	return b.Store.UpsertContact(ctx, contact)
}
