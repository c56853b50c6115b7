package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// scanBatch is the COUNT hint for SCAN and the DEL batch size on Clear.
const scanBatch = 500

// RedisAdapter implements Adapter on a Redis-style backing store with every
// key laid out as {prefix}:{collection}:{key}. Tenant isolation is purely the
// prefix: the adapter never issues a command outside its own prefix.
//
// Enumeration uses cursor-based SCAN rather than KEYS so a large store never
// blocks the server; semantics stay best-effort snapshot.
type RedisAdapter struct {
	rdb     redis.UniversalClient
	prefix  string
	schemas SchemaSet
	events  *Emitter
	logger  zerolog.Logger

	// ownsClient: adapters built by the bucket manager share its client and
	// must not close it.
	ownsClient bool
	closed     atomic.Bool
}

// RedisAdapterConfig configures a RedisAdapter.
type RedisAdapterConfig struct {
	Client     redis.UniversalClient
	Prefix     string
	Schemas    SchemaSet
	Logger     zerolog.Logger
	OwnsClient bool
}

func NewRedisAdapter(cfg RedisAdapterConfig) *RedisAdapter {
	return &RedisAdapter{
		rdb:        cfg.Client,
		prefix:     cfg.Prefix,
		schemas:    cfg.Schemas,
		events:     NewEmitter(),
		logger:     cfg.Logger.With().Str("component", "redis-adapter").Str("prefix", cfg.Prefix).Logger(),
		ownsClient: cfg.OwnsClient,
	}
}

// Prefix returns the adapter's key prefix.
func (a *RedisAdapter) Prefix() string { return a.prefix }

func (a *RedisAdapter) Events() *Emitter { return a.events }

func (a *RedisAdapter) storageKey(collection, key string) string {
	return a.prefix + ":" + collection + ":" + key
}

// pattern returns the SCAN match for one collection, or for the whole prefix
// when collection is empty.
func (a *RedisAdapter) pattern(collection string) string {
	if collection == "" {
		return a.prefix + ":*"
	}
	return a.prefix + ":" + collection + ":*"
}

// emitErr mirrors a backing-store failure onto the local event surface.
// Errors are both returned to the caller and emitted; never silently dropped.
func (a *RedisAdapter) emitErr(collection, key string, err error) error {
	a.events.Emit(Event{Kind: EventError, Collection: collection, Key: key, Err: err})
	return err
}

func (a *RedisAdapter) Get(ctx context.Context, collection, key string) (any, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}

	raw, err := a.rdb.Get(ctx, a.storageKey(collection, key)).Result()
	if err == redis.Nil {
		a.events.Emit(Event{Kind: EventGet, Collection: collection, Key: key})
		return nil, nil
	}
	if err != nil {
		return nil, a.emitErr(collection, key, fmt.Errorf("redis get: %w", err))
	}

	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, a.emitErr(collection, key, fmt.Errorf("decode stored value %s:%s: %w", collection, key, err))
	}

	// A stored value that no longer passes its schema reveals corruption;
	// surface it instead of handing back bad data.
	if err := a.schemas.Validate(collection, key, value); err != nil {
		return nil, a.emitErr(collection, key, err)
	}

	a.events.Emit(Event{Kind: EventGet, Collection: collection, Key: key, Value: value})
	return value, nil
}

func (a *RedisAdapter) Has(ctx context.Context, collection, key string) (bool, error) {
	if a.closed.Load() {
		return false, ErrClosed
	}

	n, err := a.rdb.Exists(ctx, a.storageKey(collection, key)).Result()
	if err != nil {
		return false, a.emitErr(collection, key, fmt.Errorf("redis exists: %w", err))
	}
	return n > 0, nil
}

func (a *RedisAdapter) Set(ctx context.Context, collection, key string, value any) error {
	if a.closed.Load() {
		return ErrClosed
	}

	// Validation precedes the write; a rejected value must never be stored.
	if err := a.schemas.Validate(collection, key, value); err != nil {
		a.events.Emit(Event{Kind: EventError, Collection: collection, Key: key, Err: err})
		return err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return a.emitErr(collection, key, fmt.Errorf("encode value %s:%s: %w", collection, key, err))
	}

	if err := a.rdb.Set(ctx, a.storageKey(collection, key), raw, 0).Err(); err != nil {
		return a.emitErr(collection, key, fmt.Errorf("redis set: %w", err))
	}

	a.events.Emit(Event{Kind: EventSet, Collection: collection, Key: key, Value: value})
	return nil
}

func (a *RedisAdapter) Delete(ctx context.Context, collection, key string) (bool, error) {
	if a.closed.Load() {
		return false, ErrClosed
	}

	n, err := a.rdb.Del(ctx, a.storageKey(collection, key)).Result()
	if err != nil {
		return false, a.emitErr(collection, key, fmt.Errorf("redis del: %w", err))
	}
	removed := n > 0
	if removed {
		a.events.Emit(Event{Kind: EventDelete, Collection: collection, Key: key})
	}
	return removed, nil
}

func (a *RedisAdapter) Clear(ctx context.Context, collection string) (int64, error) {
	if a.closed.Load() {
		return 0, ErrClosed
	}

	var (
		cursor  uint64
		removed int64
	)
	for {
		keys, next, err := a.rdb.Scan(ctx, cursor, a.pattern(collection), scanBatch).Result()
		if err != nil {
			return removed, a.emitErr(collection, "", fmt.Errorf("redis scan: %w", err))
		}
		if len(keys) > 0 {
			n, err := a.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return removed, a.emitErr(collection, "", fmt.Errorf("redis del: %w", err))
			}
			removed += n
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	a.events.Emit(Event{Kind: EventClear, Collection: collection, Count: removed})
	return removed, nil
}

func (a *RedisAdapter) Size(ctx context.Context, collection string) (int64, error) {
	if a.closed.Load() {
		return 0, ErrClosed
	}

	var (
		cursor uint64
		count  int64
	)
	for {
		keys, next, err := a.rdb.Scan(ctx, cursor, a.pattern(collection), scanBatch).Result()
		if err != nil {
			return 0, a.emitErr(collection, "", fmt.Errorf("redis scan: %w", err))
		}
		count += int64(len(keys))
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return count, nil
}

func (a *RedisAdapter) Keys(ctx context.Context, collection string) ([]string, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}

	strip := a.prefix + ":" + collection + ":"
	var (
		cursor uint64
		names  []string
	)
	for {
		keys, next, err := a.rdb.Scan(ctx, cursor, a.pattern(collection), scanBatch).Result()
		if err != nil {
			return nil, a.emitErr(collection, "", fmt.Errorf("redis scan: %w", err))
		}
		for _, k := range keys {
			names = append(names, strings.TrimPrefix(k, strip))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return names, nil
}

func (a *RedisAdapter) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	a.events.Reset()
	if a.ownsClient {
		return a.rdb.Close()
	}
	return nil
}
