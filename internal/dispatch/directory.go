package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPDirectory queries the product backend's patient records for a display
// name by phone variant.
type HTTPDirectory struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPDirectory(baseURL, apiKey string, timeout time.Duration) *HTTPDirectory {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPDirectory{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// FindDisplayName returns the patient name matching any of the phone
// variants, or "" when none match.
func (h *HTTPDirectory) FindDisplayName(ctx context.Context, tenantID string, variants []string) (string, error) {
	if len(variants) == 0 {
		return "", nil
	}
	q := url.Values{"phones": {strings.Join(variants, ",")}}
	u := fmt.Sprintf("%s/tenants/%s/patients/lookup?%s", h.baseURL, tenantID, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("directory: build request: %w", err)
	}
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("directory: lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("directory: lookup: unexpected status %d", resp.StatusCode)
	}

	var out struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("directory: decode: %w", err)
	}
	return out.Name, nil
}
