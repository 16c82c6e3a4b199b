// Package gateway holds the HTTP clients for the two outbound transports:
// the self-hosted session gateway (one instance per tenant, paired by QR)
// and the official Business API.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/smartagenda/notify/pkg/logging"
)

// Wire values the session gateway understands for instance integrations.
const (
	IntegrationSessionBased = "WHATSAPP-BAILEYS"
	IntegrationOfficialAPI  = "WHATSAPP-BUSINESS"
)

// Connection states reported by the gateway.
const (
	StateOpen       = "open"
	StateClose      = "close"
	StateConnecting = "connecting"
)

const defaultInstancePrefix = "smartagenda_"

// SessionConfig controls how the session gateway client behaves.
type SessionConfig struct {
	BaseURL string
	APIKey  string
	// WebhookBaseURL is this service's public base; the per-tenant webhook
	// path is appended when instances are registered.
	WebhookBaseURL string
	InstancePrefix string
	Timeout        time.Duration
	HTTPClient     *http.Client
	Logger         *logging.Logger
}

// SessionClient wraps the session gateway's REST endpoints.
type SessionClient struct {
	baseURL        string
	apiKey         string
	webhookBaseURL string
	instancePrefix string
	httpClient     *http.Client
	logger         *logging.Logger
}

// NewSessionClient creates a configured client with sane defaults.
func NewSessionClient(cfg SessionConfig) (*SessionClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("gateway: session base URL is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gateway: session API key is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	prefix := cfg.InstancePrefix
	if prefix == "" {
		prefix = defaultInstancePrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &SessionClient{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:         cfg.APIKey,
		webhookBaseURL: strings.TrimRight(cfg.WebhookBaseURL, "/"),
		instancePrefix: prefix,
		httpClient:     httpClient,
		logger:         logger,
	}, nil
}

// InstanceName derives the gateway instance name for a tenant.
func (c *SessionClient) InstanceName(tenantID string) string {
	return c.instancePrefix + tenantID
}

type instanceInfo struct {
	Name             string `json:"name"`
	InstanceName     string `json:"instanceName"`
	ConnectionStatus string `json:"connectionStatus"`
	Instance         *struct {
		InstanceName string `json:"instanceName"`
	} `json:"instance"`
}

// The gateway has answered with several shapes across versions.
func (i instanceInfo) name() string {
	if i.Name != "" {
		return i.Name
	}
	if i.Instance != nil && i.Instance.InstanceName != "" {
		return i.Instance.InstanceName
	}
	return i.InstanceName
}

// EnsureInstance makes sure the tenant's instance exists with our webhook
// registered, creating it when missing. Webhook registration failures are
// logged, not fatal; events just arrive once the gateway retries.
func (c *SessionClient) EnsureInstance(ctx context.Context, tenantID, integration, number string) (string, error) {
	name := c.InstanceName(tenantID)

	instances, err := c.fetchInstances(ctx)
	if err != nil {
		return "", err
	}
	for _, inst := range instances {
		if inst.name() == name {
			c.registerWebhook(ctx, tenantID, name)
			return name, nil
		}
	}

	createBody := map[string]any{
		"instanceName": name,
		"integration":  integration,
	}
	if integration == IntegrationSessionBased {
		createBody["qrcode"] = true
	}
	if number != "" {
		createBody["number"] = number
	}
	if err := c.doJSON(ctx, http.MethodPost, "/instance/create", createBody, nil); err != nil {
		return "", fmt.Errorf("gateway: create instance %s: %w", name, err)
	}

	// Token-based instances do not emit a QR on create; poke connect so the
	// gateway starts generating one.
	if integration == IntegrationOfficialAPI {
		if err := c.doJSON(ctx, http.MethodGet, "/instance/connect/"+name, nil, nil); err != nil {
			c.logger.Warn("gateway: connect after create failed", "instance", name, "error", err)
		}
	}

	c.registerWebhook(ctx, tenantID, name)
	return name, nil
}

func (c *SessionClient) registerWebhook(ctx context.Context, tenantID, instanceName string) {
	if c.webhookBaseURL == "" {
		return
	}
	body := map[string]any{
		"webhook": map[string]any{
			"enabled":           true,
			"url":               fmt.Sprintf("%s/webhooks/session/%s", c.webhookBaseURL, tenantID),
			"webhook_by_events": false,
			"webhook_base64":    false,
			"events": []string{
				"MESSAGES_UPSERT",
				"CONNECTION_UPDATE",
				"QRCODE_UPDATED",
				"CONTACTS_UPSERT",
				"CONTACTS_UPDATE",
				"SEND_MESSAGE",
			},
		},
	}
	if err := c.doJSON(ctx, http.MethodPost, "/webhook/set/"+instanceName, body, nil); err != nil {
		c.logger.Warn("gateway: webhook registration failed", "instance", instanceName, "error", err)
	}
}

// ConnectionState returns the gateway's live state for the tenant's
// instance: "open", "close", "connecting", or "" when the instance is
// unknown.
func (c *SessionClient) ConnectionState(ctx context.Context, instanceName string) (string, error) {
	instances, err := c.fetchInstances(ctx)
	if err != nil {
		return "", err
	}
	for _, inst := range instances {
		if inst.name() == instanceName {
			return inst.ConnectionStatus, nil
		}
	}
	return "", nil
}

// FetchPairingCode asks the gateway for the current pairing payload. An
// empty return with nil error means the code is not ready yet and will
// arrive through the webhook.
func (c *SessionClient) FetchPairingCode(ctx context.Context, instanceName string) (string, error) {
	var raw struct {
		Count  *int   `json:"count"`
		Code   string `json:"code"`
		Base64 string `json:"base64"`
		QR     string `json:"qr"`
		QRCode *struct {
			Code   string `json:"code"`
			Base64 string `json:"base64"`
			QR     string `json:"qr"`
		} `json:"qrcode"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/instance/connect/"+instanceName, nil, &raw); err != nil {
		return "", fmt.Errorf("gateway: connect %s: %w", instanceName, err)
	}

	code, b64, qr := raw.Code, raw.Base64, raw.QR
	if raw.QRCode != nil {
		code, b64, qr = raw.QRCode.Code, raw.QRCode.Base64, raw.QRCode.QR
	}
	switch {
	case b64 != "":
		if strings.HasPrefix(b64, "data:") {
			return b64, nil
		}
		return "data:image/png;base64," + b64, nil
	case code != "":
		return code, nil
	case qr != "":
		return qr, nil
	}
	// {count: 0} means "wait for the webhook".
	return "", nil
}

// Logout drops the paired session but keeps the instance, forcing a fresh
// QR on the next pairing.
func (c *SessionClient) Logout(ctx context.Context, instanceName string) error {
	if err := c.doJSON(ctx, http.MethodDelete, "/instance/logout/"+instanceName, nil, nil); err != nil {
		return fmt.Errorf("gateway: logout %s: %w", instanceName, err)
	}
	return nil
}

// DeleteInstance removes the tenant's instance entirely.
func (c *SessionClient) DeleteInstance(ctx context.Context, instanceName string) error {
	if err := c.doJSON(ctx, http.MethodDelete, "/instance/delete/"+instanceName, nil, nil); err != nil {
		return fmt.Errorf("gateway: delete %s: %w", instanceName, err)
	}
	return nil
}

// SendText sends one text message through the tenant's instance and returns
// the provider message id. Older gateway builds omit the id; a locally
// generated one keeps the audit row addressable.
func (c *SessionClient) SendText(ctx context.Context, instanceName, to, body string) (string, error) {
	var result struct {
		Key struct {
			ID string `json:"id"`
		} `json:"key"`
	}
	payload := map[string]string{"number": to, "text": body}
	if err := c.doJSON(ctx, http.MethodPost, "/message/sendText/"+instanceName, payload, &result); err != nil {
		return "", fmt.Errorf("gateway: send text via %s: %w", instanceName, err)
	}
	if result.Key.ID == "" {
		return "session_" + uuid.NewString(), nil
	}
	return result.Key.ID, nil
}

func (c *SessionClient) fetchInstances(ctx context.Context) ([]instanceInfo, error) {
	var out []instanceInfo
	if err := c.doJSON(ctx, http.MethodGet, "/instance/fetchInstances", nil, &out); err != nil {
		return nil, fmt.Errorf("gateway: fetch instances: %w", err)
	}
	return out, nil
}

func (c *SessionClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("apikey", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(text)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
