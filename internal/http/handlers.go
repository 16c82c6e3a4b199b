package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smartagenda/notify/internal/dispatch"
	"github.com/smartagenda/notify/internal/intake"
	"github.com/smartagenda/notify/internal/session"
	"github.com/smartagenda/notify/internal/settings"
	"github.com/smartagenda/notify/pkg/logging"
)

// Machine is the session lifecycle surface the API exposes.
type Machine interface {
	StartPairing(ctx context.Context, tenantID, integrationType, number string) (*session.Result, error)
	CheckStatus(ctx context.Context, tenantID string) (*session.Result, error)
	ApplyConnectionEvent(ctx context.Context, tenantID, state, reason string) error
	ApplyQRCodeEvent(ctx context.Context, tenantID, qr string) error
	DisconnectAndPurge(ctx context.Context, tenantID string) error
}

// ManualSender pushes operator-typed messages.
type ManualSender interface {
	SendManualText(ctx context.Context, tenantID, phone, body string) (*dispatch.Receipt, error)
}

// Intake applies appointment lifecycle events.
type Intake interface {
	HandleEvent(ctx context.Context, tenantID string, e intake.Event) error
}

// SettingsCache is the refresh surface for tenant configuration.
type SettingsCache interface {
	Refresh(ctx context.Context, tenantID string) (*settings.Settings, error)
}

// Inbox records webhook-delivered inbound messages.
type Inbox interface {
	RecordInbound(ctx context.Context, tenantID string, e InboundMessage) error
}

type Server struct {
	Machine  Machine
	Sender   ManualSender
	Intake   Intake
	Settings SettingsCache
	Inbox    Inbox
	// DB backs the readiness probe; nil skips the ping (tests, scheduler-only
	// deployments).
	DB     *pgxpool.Pool
	Logger *logging.Logger
}

func (s *Server) logger() *logging.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return logging.Default()
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(instrument)

	r.Route("/tenants/{tenantID}", func(r chi.Router) {
		r.Post("/session/pairing", s.startPairing)
		r.Get("/session/status", s.sessionStatus)
		r.Delete("/session", s.deleteSession)
		r.Post("/messages", s.sendManual)
		r.Post("/settings/refresh", s.refreshSettings)
	})
	r.Post("/webhooks/session/{tenantID}", s.sessionWebhook)
	r.Post("/webhooks/appointments/{tenantID}", s.appointmentWebhook)

	s.mountHealth(r)
	s.mountMetrics(r)
	s.mountDocs(r)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) startPairing(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	var in struct {
		IntegrationType string `json:"integration_type"`
		PhoneNumber     string `json:"phone_number"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	res, err := s.Machine.StartPairing(r.Context(), tenantID, in.IntegrationType, in.PhoneNumber)
	if err != nil {
		if errors.Is(err, session.ErrInvalidNumber) || errors.Is(err, session.ErrInvalidIntegration) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) sessionStatus(w http.ResponseWriter, r *http.Request) {
	res, err := s.Machine.CheckStatus(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if err := s.Machine.DisconnectAndPurge(r.Context(), tenantID); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) sendManual(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	var in struct {
		Phone string `json:"phone"`
		Body  string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Phone == "" || in.Body == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	receipt, err := s.Sender.SendManualText(r.Context(), tenantID, in.Phone, in.Body)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrInvalidRecipient):
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "invalid_recipient"})
		case errors.Is(err, dispatch.ErrProviderDisabled):
			writeJSON(w, http.StatusConflict, map[string]string{"error": "messaging_disabled"})
		case errors.Is(err, dispatch.ErrConfig):
			writeJSON(w, http.StatusConflict, map[string]string{"error": "provider_misconfigured"})
		case errors.Is(err, dispatch.ErrDispatch):
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "gateway_send_failed"})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message_id": receipt.MessageID})
}

func (s *Server) refreshSettings(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.Settings.Refresh(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) appointmentWebhook(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	var e intake.Event
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	if err := s.Intake.HandleEvent(r.Context(), tenantID, e); err != nil {
		if errors.Is(err, intake.ErrBadEvent) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}
