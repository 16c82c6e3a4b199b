// Package settings resolves per-tenant messaging configuration through a
// redis cache in front of the product's settings service. Values live
// without TTL and are dropped by explicit invalidation when a tenant saves.
package settings

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/smartagenda/notify/pkg/logging"
)

// Provider selects how outbound messages leave the system.
const (
	ProviderDisabled = "disabled"
	ProviderSession  = "session"
	ProviderOfficial = "official"
)

// Integration types for session pairing.
const (
	IntegrationSessionBased = "session_based"
	IntegrationOfficialAPI  = "official_api"
)

// Settings is one tenant's messaging configuration.
type Settings struct {
	TenantID        string `json:"tenant_id"`
	TenantName      string `json:"tenant_name"`
	Address         string `json:"address"`
	ContactPhone    string `json:"contact_phone"`
	Provider        string `json:"provider"`
	IntegrationType string `json:"integration_type"`
	// PhoneNumber is the number bound to the tenant's gateway instance.
	PhoneNumber string `json:"phone_number"`
	// Official Business-API credentials, present only for official tenants.
	OfficialPhoneNumberID string `json:"official_phone_number_id,omitempty"`
	OfficialAccessToken   string `json:"official_access_token,omitempty"`

	Reminder24hEnabled bool `json:"reminder_24h_enabled"`
	Reminder1hEnabled  bool `json:"reminder_1h_enabled"`

	// CustomerLabel names the recipient role in templates ("paciente",
	// "cliente", ...).
	CustomerLabel string `json:"customer_label"`
}

// Defaults returns the configuration assumed for tenants the settings
// service does not know: messaging off, both reminder windows enabled so
// they start sending the moment a provider is configured.
func Defaults(tenantID string) *Settings {
	return &Settings{
		TenantID:           tenantID,
		Provider:           ProviderDisabled,
		IntegrationType:    IntegrationSessionBased,
		Reminder24hEnabled: true,
		Reminder1hEnabled:  true,
		CustomerLabel:      "paciente",
	}
}

// Source loads settings from the system of record. A nil, nil return means
// the tenant is unknown and defaults apply.
type Source interface {
	Load(ctx context.Context, tenantID string) (*Settings, error)
}

// Cache is the read path components use. Cache trouble never fails a read;
// it degrades to the source (or defaults) with a warning.
type Cache struct {
	redis  *redis.Client
	source Source
	logger *logging.Logger
}

func NewCache(redisClient *redis.Client, source Source, logger *logging.Logger) *Cache {
	if logger == nil {
		logger = logging.Default()
	}
	return &Cache{redis: redisClient, source: source, logger: logger}
}

func (c *Cache) key(tenantID string) string {
	return fmt.Sprintf("tenant:%s:settings", tenantID)
}

// Get returns the tenant's settings, from cache when possible.
func (c *Cache) Get(ctx context.Context, tenantID string) (*Settings, error) {
	data, err := c.redis.Get(ctx, c.key(tenantID)).Bytes()
	if err == nil {
		var s Settings
		if jsonErr := json.Unmarshal(data, &s); jsonErr == nil {
			return &s, nil
		}
		c.logger.Warn("settings: corrupt cache entry, reloading", "tenant_id", tenantID)
	} else if err != redis.Nil {
		c.logger.Warn("settings: cache read failed", "tenant_id", tenantID, "error", err)
	}

	s, err := c.load(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, s)
	return s, nil
}

// Invalidate drops the cached entry so the next read hits the source.
func (c *Cache) Invalidate(ctx context.Context, tenantID string) error {
	if err := c.redis.Del(ctx, c.key(tenantID)).Err(); err != nil {
		return fmt.Errorf("settings: invalidate %s: %w", tenantID, err)
	}
	return nil
}

// Refresh reloads from the source and replaces the cached entry.
func (c *Cache) Refresh(ctx context.Context, tenantID string) (*Settings, error) {
	s, err := c.load(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, s)
	return s, nil
}

func (c *Cache) load(ctx context.Context, tenantID string) (*Settings, error) {
	if c.source == nil {
		return Defaults(tenantID), nil
	}
	s, err := c.source.Load(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("settings: load %s: %w", tenantID, err)
	}
	if s == nil {
		return Defaults(tenantID), nil
	}
	if s.TenantID == "" {
		s.TenantID = tenantID
	}
	return s, nil
}

// store is best effort; a write failure only costs the next read a reload.
func (c *Cache) store(ctx context.Context, s *Settings) {
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, c.key(s.TenantID), data, 0).Err(); err != nil {
		c.logger.Warn("settings: cache write failed", "tenant_id", s.TenantID, "error", err)
	}
}
