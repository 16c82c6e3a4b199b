package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPSource loads settings from the product backend over HTTP.
type HTTPSource struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPSource(baseURL, apiKey string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSource{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// Load fetches one tenant's settings. A 404 means the tenant is unknown and
// is reported as nil, nil so the caller falls back to defaults.
func (s *HTTPSource) Load(ctx context.Context, tenantID string) (*Settings, error) {
	url := fmt.Sprintf("%s/tenants/%s/settings", s.baseURL, tenantID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("settings: build request: %w", err)
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("settings: fetch %s: %w", tenantID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("settings: fetch %s: unexpected status %d", tenantID, resp.StatusCode)
	}

	var out Settings
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("settings: decode %s: %w", tenantID, err)
	}
	return &out, nil
}
