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
)

const defaultOfficialBaseURL = "https://graph.facebook.com/v18.0"

// OfficialConfig controls the Business-API client. Per-tenant credentials
// are passed per request; only transport settings live here.
type OfficialConfig struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// OfficialClient sends pre-approved templates through the Business API.
type OfficialClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewOfficialClient(cfg OfficialConfig) *OfficialClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOfficialBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &OfficialClient{baseURL: baseURL, httpClient: httpClient}
}

// TemplateRequest is one outbound template send.
type TemplateRequest struct {
	PhoneNumberID string
	AccessToken   string
	To            string
	Template      string
	Language      string
	HeaderParams  []string
	BodyParams    []string
}

func (r TemplateRequest) validate() error {
	switch {
	case strings.TrimSpace(r.PhoneNumberID) == "":
		return errors.New("gateway: official phone number id is required")
	case strings.TrimSpace(r.AccessToken) == "":
		return errors.New("gateway: official access token is required")
	case strings.TrimSpace(r.To) == "":
		return errors.New("gateway: recipient is required")
	case strings.TrimSpace(r.Template) == "":
		return errors.New("gateway: template name is required")
	}
	return nil
}

// TemplateResponse carries the provider message id and the canonical
// recipient id the platform resolved (it may differ from the number sent).
type TemplateResponse struct {
	MessageID string
	ContactID string
}

type textParam struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func textParams(values []string) []textParam {
	out := make([]textParam, 0, len(values))
	for _, v := range values {
		out = append(out, textParam{Type: "text", Text: v})
	}
	return out
}

// SendTemplate posts one template message.
func (c *OfficialClient) SendTemplate(ctx context.Context, req TemplateRequest) (*TemplateResponse, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	lang := req.Language
	if lang == "" {
		lang = "pt_BR"
	}

	type component struct {
		Type       string      `json:"type"`
		Parameters []textParam `json:"parameters"`
	}
	var components []component
	if len(req.HeaderParams) > 0 {
		components = append(components, component{Type: "header", Parameters: textParams(req.HeaderParams)})
	}
	components = append(components, component{Type: "body", Parameters: textParams(req.BodyParams)})

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                req.To,
		"type":              "template",
		"template": map[string]any{
			"name":       req.Template,
			"language":   map[string]string{"code": lang},
			"components": components,
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("gateway: marshal template payload: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, req.PhoneNumberID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gateway: build template request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.AccessToken)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gateway: send template: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("gateway: send template: status %d: %s", resp.StatusCode, strings.TrimSpace(string(text)))
	}

	var out struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
		Contacts []struct {
			WaID string `json:"wa_id"`
		} `json:"contacts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("gateway: decode template response: %w", err)
	}
	if len(out.Messages) == 0 || out.Messages[0].ID == "" {
		return nil, errors.New("gateway: template response carried no message id")
	}

	res := &TemplateResponse{MessageID: out.Messages[0].ID}
	if len(out.Contacts) > 0 {
		res.ContactID = out.Contacts[0].WaID
	}
	return res, nil
}
