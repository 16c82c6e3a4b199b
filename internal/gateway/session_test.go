package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	t         *testing.T
	instances []map[string]any
	connect   map[string]any

	created        []map[string]any
	webhooks       []string
	logouts        int
	sendTextReply  map[string]any
	sendTextNumber string
}

func (f *fakeGateway) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/instance/fetchInstances", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(f.t, "secret", r.Header.Get("apikey"))
		_ = json.NewEncoder(w).Encode(f.instances)
	})
	mux.HandleFunc("/instance/create", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.created = append(f.created, body)
		_ = json.NewEncoder(w).Encode(map[string]any{"instance": map[string]any{"instanceName": body["instanceName"]}})
	})
	mux.HandleFunc("/webhook/set/", func(w http.ResponseWriter, r *http.Request) {
		f.webhooks = append(f.webhooks, strings.TrimPrefix(r.URL.Path, "/webhook/set/"))
		_ = json.NewEncoder(w).Encode(map[string]any{"enabled": true})
	})
	mux.HandleFunc("/instance/connect/", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(f.connect)
	})
	mux.HandleFunc("/instance/logout/", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(f.t, http.MethodDelete, r.Method)
		f.logouts++
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/message/sendText/", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.sendTextNumber = body["number"]
		_ = json.NewEncoder(w).Encode(f.sendTextReply)
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeGateway) (*SessionClient, *httptest.Server) {
	t.Helper()
	f.t = t
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	c, err := NewSessionClient(SessionConfig{
		BaseURL:        srv.URL,
		APIKey:         "secret",
		WebhookBaseURL: "https://notify.example.com",
	})
	require.NoError(t, err)
	return c, srv
}

func TestEnsureInstanceCreatesWhenMissing(t *testing.T) {
	f := &fakeGateway{connect: map[string]any{"count": 0}}
	c, _ := newTestClient(t, f)

	name, err := c.EnsureInstance(context.Background(), "t1", IntegrationSessionBased, "")
	require.NoError(t, err)
	require.Equal(t, "smartagenda_t1", name)
	require.Len(t, f.created, 1)
	require.Equal(t, true, f.created[0]["qrcode"])
	require.Equal(t, []string{"smartagenda_t1"}, f.webhooks)
}

func TestEnsureInstanceReusesExisting(t *testing.T) {
	f := &fakeGateway{
		instances: []map[string]any{{"name": "smartagenda_t1", "connectionStatus": "open"}},
	}
	c, _ := newTestClient(t, f)

	name, err := c.EnsureInstance(context.Background(), "t1", IntegrationSessionBased, "")
	require.NoError(t, err)
	require.Equal(t, "smartagenda_t1", name)
	require.Empty(t, f.created)
	// Webhook is re-registered even for existing instances.
	require.Equal(t, []string{"smartagenda_t1"}, f.webhooks)
}

func TestConnectionState(t *testing.T) {
	f := &fakeGateway{
		instances: []map[string]any{{"name": "smartagenda_t1", "connectionStatus": "close"}},
	}
	c, _ := newTestClient(t, f)

	state, err := c.ConnectionState(context.Background(), "smartagenda_t1")
	require.NoError(t, err)
	require.Equal(t, StateClose, state)

	state, err = c.ConnectionState(context.Background(), "smartagenda_other")
	require.NoError(t, err)
	require.Equal(t, "", state)
}

func TestFetchPairingCodeNotReady(t *testing.T) {
	f := &fakeGateway{connect: map[string]any{"count": 0}}
	c, _ := newTestClient(t, f)

	code, err := c.FetchPairingCode(context.Background(), "smartagenda_t1")
	require.NoError(t, err)
	require.Equal(t, "", code)
}

func TestFetchPairingCodePrefixesBase64(t *testing.T) {
	f := &fakeGateway{connect: map[string]any{
		"qrcode": map[string]any{"base64": "iVBORw0KGgo="},
	}}
	c, _ := newTestClient(t, f)

	code, err := c.FetchPairingCode(context.Background(), "smartagenda_t1")
	require.NoError(t, err)
	require.Equal(t, "data:image/png;base64,iVBORw0KGgo=", code)
}

func TestFetchPairingCodeKeepsDataURL(t *testing.T) {
	f := &fakeGateway{connect: map[string]any{
		"base64": "data:image/png;base64,abc",
	}}
	c, _ := newTestClient(t, f)

	code, err := c.FetchPairingCode(context.Background(), "smartagenda_t1")
	require.NoError(t, err)
	require.Equal(t, "data:image/png;base64,abc", code)
}

func TestSendTextReturnsProviderID(t *testing.T) {
	f := &fakeGateway{sendTextReply: map[string]any{"key": map[string]any{"id": "WAM123"}}}
	c, _ := newTestClient(t, f)

	id, err := c.SendText(context.Background(), "smartagenda_t1", "5511987654321", "oi")
	require.NoError(t, err)
	require.Equal(t, "WAM123", id)
	require.Equal(t, "5511987654321", f.sendTextNumber)
}

func TestSendTextFallsBackToLocalID(t *testing.T) {
	f := &fakeGateway{sendTextReply: map[string]any{}}
	c, _ := newTestClient(t, f)

	id, err := c.SendText(context.Background(), "smartagenda_t1", "5511987654321", "oi")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(id, "session_"))
}

func TestLogout(t *testing.T) {
	f := &fakeGateway{}
	c, _ := newTestClient(t, f)

	require.NoError(t, c.Logout(context.Background(), "smartagenda_t1"))
	require.Equal(t, 1, f.logouts)
}
