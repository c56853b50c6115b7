// Package bucket maps client tokens to isolated per-tenant storage
// namespaces and keeps an index of every known tenant.
package bucket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/xwxfox/discord-gateway-rpc/internal/storage"
)

const (
	allUsersKey       = "all_users"
	metadataKeyPrefix = "user_metadata:"
	dataKeyPrefix     = "user_data:"
)

// ErrUnknownTenant is returned when an operation names a tenant that has no
// metadata record.
var ErrUnknownTenant = errors.New("bucket: unknown tenant")

// Metadata is the persisted per-tenant record, stored as JSON under
// user_metadata:{tenant-id}. Timestamps are ms-epoch.
type Metadata struct {
	UserID         string `json:"userId"`
	CreatedAt      int64  `json:"createdAt"`
	LastAccessedAt int64  `json:"lastAccessedAt"`
	IsActive       bool   `json:"isActive"`
}

func (m *Metadata) validate() error {
	if m.UserID == "" {
		return fmt.Errorf("metadata missing userId")
	}
	if m.CreatedAt <= 0 {
		return fmt.Errorf("metadata has invalid createdAt %d", m.CreatedAt)
	}
	return nil
}

// TenantID derives the data-namespace identity for a token. A pure function
// of the token used as a key prefix, not a security boundary; authentication
// is the handshake's job. Distinct from the channel derivation in wscrypto.
func TenantID(token string) string {
	return fmt.Sprintf("user_%016x", xxhash.Sum64String(token))
}

// Manager owns the token → tenant mapping, the tenant metadata cache, and
// the per-tenant storage adapters. All adapters share the manager's Redis
// client. Read-heavy with rare writes on create/delete, so a reader-writer
// lock guards both maps.
type Manager struct {
	rdb     redis.UniversalClient
	logger  zerolog.Logger
	schemas storage.SchemaSet

	mu       sync.RWMutex
	metadata map[string]*Metadata
	adapters map[string]*storage.RedisAdapter
}

// Config configures a Manager.
type Config struct {
	Client redis.UniversalClient
	Logger zerolog.Logger
	// Schemas applies to every tenant adapter the manager constructs.
	Schemas storage.SchemaSet
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		rdb:      cfg.Client,
		logger:   cfg.Logger.With().Str("component", "bucket-manager").Logger(),
		schemas:  cfg.Schemas,
		metadata: make(map[string]*Metadata),
		adapters: make(map[string]*storage.RedisAdapter),
	}
}

// Initialize hydrates the metadata cache from the all_users index. Tenants
// whose metadata fails to decode or validate are logged and skipped; a
// corrupt record must not take the whole server down.
func (m *Manager) Initialize(ctx context.Context) error {
	ids, err := m.rdb.SMembers(ctx, allUsersKey).Result()
	if err != nil {
		return fmt.Errorf("load %s: %w", allUsersKey, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	loaded := 0
	for _, id := range ids {
		meta, err := m.loadMetadata(ctx, id)
		if err != nil {
			m.logger.Warn().
				Str("tenant_id", id).
				Err(err).
				Msg("Skipping tenant with invalid metadata")
			continue
		}
		m.metadata[id] = meta
		loaded++
	}

	m.logger.Info().
		Int("known_tenants", len(ids)).
		Int("loaded", loaded).
		Msg("Bucket manager initialized")
	return nil
}

func (m *Manager) loadMetadata(ctx context.Context, tenantID string) (*Metadata, error) {
	raw, err := m.rdb.Get(ctx, metadataKeyPrefix+tenantID).Result()
	if err == redis.Nil {
		return nil, ErrUnknownTenant
	}
	if err != nil {
		return nil, fmt.Errorf("redis get metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if err := meta.validate(); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (m *Manager) persistMetadata(ctx context.Context, meta *Metadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := m.rdb.Set(ctx, metadataKeyPrefix+meta.UserID, raw, 0).Err(); err != nil {
		return fmt.Errorf("redis set metadata: %w", err)
	}
	return nil
}

// newAdapter must be called with m.mu held.
func (m *Manager) newAdapter(tenantID string) *storage.RedisAdapter {
	a := storage.NewRedisAdapter(storage.RedisAdapterConfig{
		Client:  m.rdb,
		Prefix:  dataKeyPrefix + tenantID,
		Schemas: m.schemas,
		Logger:  m.logger,
	})
	m.adapters[tenantID] = a
	return a
}

// EnsureUserBucket returns the tenant adapter for a token, creating the
// metadata record and adapter on first sight, and bumps lastAccessedAt.
func (m *Manager) EnsureUserBucket(ctx context.Context, token string) (storage.Adapter, error) {
	tenantID := TenantID(token)
	now := time.Now().UnixMilli()

	m.mu.Lock()
	defer m.mu.Unlock()

	meta, known := m.metadata[tenantID]
	if !known {
		// First successful handshake with a previously unseen token.
		meta = &Metadata{
			UserID:         tenantID,
			CreatedAt:      now,
			LastAccessedAt: now,
			IsActive:       true,
		}
		if err := m.persistMetadata(ctx, meta); err != nil {
			return nil, err
		}
		if err := m.rdb.SAdd(ctx, allUsersKey, tenantID).Err(); err != nil {
			return nil, fmt.Errorf("redis sadd %s: %w", allUsersKey, err)
		}
		m.metadata[tenantID] = meta
		m.logger.Info().
			Str("tenant_id", tenantID).
			Msg("Created tenant bucket")
	} else {
		meta.LastAccessedAt = now
		meta.IsActive = true
		if err := m.persistMetadata(ctx, meta); err != nil {
			return nil, err
		}
	}

	if a, ok := m.adapters[tenantID]; ok {
		return a, nil
	}
	return m.newAdapter(tenantID), nil
}

// GetUserBucket returns the tenant adapter only if the tenant already
// exists. No implicit creation; nil adapter and nil error when unknown.
func (m *Manager) GetUserBucket(ctx context.Context, token string) (storage.Adapter, error) {
	tenantID := TenantID(token)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, known := m.metadata[tenantID]; !known {
		// Cache miss can also mean another instance created the tenant.
		meta, err := m.loadMetadata(ctx, tenantID)
		if errors.Is(err, ErrUnknownTenant) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		m.metadata[tenantID] = meta
	}

	if a, ok := m.adapters[tenantID]; ok {
		return a, nil
	}
	return m.newAdapter(tenantID), nil
}

// DeleteUserBucket clears every key of the tenant, removes its metadata and
// index entry, and evicts it from the caches.
func (m *Manager) DeleteUserBucket(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	adapter, hadAdapter := m.adapters[tenantID]
	if !hadAdapter {
		adapter = m.newAdapter(tenantID)
	}
	m.mu.Unlock()

	if _, err := adapter.Clear(ctx, ""); err != nil {
		return fmt.Errorf("clear tenant data: %w", err)
	}

	if err := m.rdb.Del(ctx, metadataKeyPrefix+tenantID).Err(); err != nil {
		return fmt.Errorf("redis del metadata: %w", err)
	}
	if err := m.rdb.SRem(ctx, allUsersKey, tenantID).Err(); err != nil {
		return fmt.Errorf("redis srem %s: %w", allUsersKey, err)
	}

	m.mu.Lock()
	delete(m.metadata, tenantID)
	if a, ok := m.adapters[tenantID]; ok {
		a.Close()
		delete(m.adapters, tenantID)
	}
	m.mu.Unlock()

	m.logger.Info().
		Str("tenant_id", tenantID).
		Msg("Deleted tenant bucket")
	return nil
}

// GetUserMetadata returns a copy of a tenant's metadata.
func (m *Manager) GetUserMetadata(ctx context.Context, tenantID string) (*Metadata, error) {
	m.mu.RLock()
	meta, ok := m.metadata[tenantID]
	m.mu.RUnlock()
	if ok {
		cp := *meta
		return &cp, nil
	}

	meta, err := m.loadMetadata(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.metadata[tenantID] = meta
	m.mu.Unlock()

	cp := *meta
	return &cp, nil
}

// ListUsers returns a snapshot of every known tenant's metadata. The
// all_users index is re-read so tenants created by other instances since
// Initialize appear too; their records are cached on the way through.
func (m *Manager) ListUsers(ctx context.Context) ([]Metadata, error) {
	ids, err := m.rdb.SMembers(ctx, allUsersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", allUsersKey, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Metadata, 0, len(ids))
	for _, id := range ids {
		meta, ok := m.metadata[id]
		if !ok {
			loaded, err := m.loadMetadata(ctx, id)
			if err != nil {
				m.logger.Warn().
					Str("tenant_id", id).
					Err(err).
					Msg("Skipping tenant with invalid metadata")
				continue
			}
			m.metadata[id] = loaded
			meta = loaded
		}
		out = append(out, *meta)
	}
	return out, nil
}

// Close closes every tenant adapter. The shared Redis client is owned by the
// caller.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, a := range m.adapters {
		a.Close()
		delete(m.adapters, id)
	}
	return nil
}
