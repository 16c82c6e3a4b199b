package settings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	loads    int
	settings *Settings
	err      error
}

func (f *fakeSource) Load(ctx context.Context, tenantID string) (*Settings, error) {
	f.loads++
	if f.err != nil {
		return nil, f.err
	}
	return f.settings, nil
}

func newTestCache(t *testing.T, src Source) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, src, nil), mr
}

func TestGetCachesSourceValue(t *testing.T) {
	src := &fakeSource{settings: &Settings{
		TenantID: "t1", Provider: ProviderSession, Reminder24hEnabled: true,
	}}
	cache, _ := newTestCache(t, src)
	ctx := context.Background()

	got, err := cache.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, ProviderSession, got.Provider)
	require.Equal(t, 1, src.loads)

	// Second read comes from redis.
	got, err = cache.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, ProviderSession, got.Provider)
	require.Equal(t, 1, src.loads)
}

func TestGetUnknownTenantDefaults(t *testing.T) {
	cache, _ := newTestCache(t, &fakeSource{settings: nil})
	got, err := cache.Get(context.Background(), "missing")
	require.NoError(t, err)
	require.Equal(t, ProviderDisabled, got.Provider)
	require.True(t, got.Reminder24hEnabled)
	require.True(t, got.Reminder1hEnabled)
	require.Equal(t, "missing", got.TenantID)
}

func TestInvalidateForcesReload(t *testing.T) {
	src := &fakeSource{settings: &Settings{TenantID: "t1", Provider: ProviderDisabled}}
	cache, _ := newTestCache(t, src)
	ctx := context.Background()

	_, err := cache.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 1, src.loads)

	src.settings = &Settings{TenantID: "t1", Provider: ProviderOfficial}
	require.NoError(t, cache.Invalidate(ctx, "t1"))

	got, err := cache.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, ProviderOfficial, got.Provider)
	require.Equal(t, 2, src.loads)
}

func TestRefreshReplacesCachedEntry(t *testing.T) {
	src := &fakeSource{settings: &Settings{TenantID: "t1", Provider: ProviderDisabled}}
	cache, _ := newTestCache(t, src)
	ctx := context.Background()

	_, err := cache.Get(ctx, "t1")
	require.NoError(t, err)

	src.settings = &Settings{TenantID: "t1", Provider: ProviderSession}
	got, err := cache.Refresh(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, ProviderSession, got.Provider)

	// Cached copy was replaced, not just the return value.
	got, err = cache.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, ProviderSession, got.Provider)
	require.Equal(t, 2, src.loads)
}

func TestGetSurvivesCacheOutage(t *testing.T) {
	src := &fakeSource{settings: &Settings{TenantID: "t1", Provider: ProviderSession}}
	cache, mr := newTestCache(t, src)
	mr.Close()

	got, err := cache.Get(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, ProviderSession, got.Provider)
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tenants/t1/settings":
			require.Equal(t, "Bearer key", r.Header.Get("Authorization"))
			_ = json.NewEncoder(w).Encode(Settings{TenantID: "t1", Provider: ProviderOfficial})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, "key", 0)
	ctx := context.Background()

	got, err := src.Load(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, ProviderOfficial, got.Provider)

	got, err = src.Load(ctx, "nope")
	require.NoError(t, err)
	require.Nil(t, got)
}
