package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSendTemplate(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/PHONE123/messages", r.URL.Path)
		require.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]string{{"id": "wamid.1"}},
			"contacts": []map[string]string{{"wa_id": "5511987654321"}},
		})
	}))
	defer srv.Close()

	c := NewOfficialClient(OfficialConfig{BaseURL: srv.URL})
	res, err := c.SendTemplate(context.Background(), TemplateRequest{
		PhoneNumberID: "PHONE123",
		AccessToken:   "token",
		To:            "+5511987654321",
		Template:      "agendamento_lembrar_v2",
		HeaderParams:  []string{"Maria"},
		BodyParams:    []string{"Maria", "Dra. Ana"},
	})
	require.NoError(t, err)
	require.Equal(t, "wamid.1", res.MessageID)
	require.Equal(t, "5511987654321", res.ContactID)

	require.Equal(t, "whatsapp", got["messaging_product"])
	tmpl := got["template"].(map[string]any)
	require.Equal(t, "agendamento_lembrar_v2", tmpl["name"])
	require.Equal(t, map[string]any{"code": "pt_BR"}, tmpl["language"])
	components := tmpl["components"].([]any)
	require.Len(t, components, 2)
}

func TestSendTemplateValidation(t *testing.T) {
	c := NewOfficialClient(OfficialConfig{})
	_, err := c.SendTemplate(context.Background(), TemplateRequest{
		To: "5511987654321", Template: "x",
	})
	require.Error(t, err)
}

func TestSendTemplateErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad token"}}`))
	}))
	defer srv.Close()

	c := NewOfficialClient(OfficialConfig{BaseURL: srv.URL})
	_, err := c.SendTemplate(context.Background(), TemplateRequest{
		PhoneNumberID: "PHONE123", AccessToken: "nope", To: "5511987654321", Template: "x",
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "401")
}
