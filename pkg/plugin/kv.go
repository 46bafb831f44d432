package plugin

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// KVStore is a key/value backend shared by every plugin. Implementations must
// be safe for concurrent use.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// KV is the kv capability handed to one plugin. Keys are confined to the
// plugin's own namespace in the backing store.
type KV struct {
	store  KVStore
	prefix string
	plugin string
	audit  *slog.Logger
}

func newKV(store KVStore, plugin string, audit *slog.Logger) *KV {
	return &KV{store: store, prefix: KVPrefix(plugin), plugin: plugin, audit: audit}
}

// KVPrefix returns the backing-store namespace used for plugin. The name is
// length-prefixed so no plugin's namespace can contain another's.
func KVPrefix(plugin string) string {
	return "plugin:" + strconv.Itoa(len(plugin)) + ":" + plugin + ":"
}

// Get returns the value for key. The boolean is false when the key is absent.
func (k *KV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, ok, err := k.store.Get(ctx, k.prefix+key)
	k.record(ctx, "get", key, err, slog.Bool("hit", ok))
	return value, ok, err
}

// Set stores value under key. A zero ttl keeps the value until deleted.
func (k *KV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := k.store.Set(ctx, k.prefix+key, value, ttl)
	k.record(ctx, "set", key, err, slog.Int("bytes", len(value)), slog.Duration("ttl", ttl))
	return err
}

// Delete removes key.
func (k *KV) Delete(ctx context.Context, key string) error {
	err := k.store.Delete(ctx, k.prefix+key)
	k.record(ctx, "delete", key, err)
	return err
}

func (k *KV) record(ctx context.Context, op, key string, err error, attrs ...slog.Attr) {
	attrs = append(attrs,
		slog.String("plugin", k.plugin),
		slog.String("capability", "kv"),
		slog.String("op", op),
		slog.String("key", key),
	)
	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelWarn
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	k.audit.LogAttrs(ctx, level, "capability invoked", attrs...)
}

// MemoryKV is an in-process KVStore with optional expiry.
type MemoryKV struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	now   func() time.Time
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryKV creates an empty store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{items: make(map[string]memoryItem), now: time.Now}
}

// Get implements KVStore.
func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	item, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !item.expiresAt.IsZero() && !m.now().Before(item.expiresAt) {
		m.mu.Lock()
		if current, ok := m.items[key]; ok && current.expiresAt.Equal(item.expiresAt) {
			delete(m.items, key)
		}
		m.mu.Unlock()
		return nil, false, nil
	}
	return append([]byte(nil), item.value...), true, nil
}

// Set implements KVStore.
func (m *MemoryKV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	item := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expiresAt = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.items[key] = item
	m.mu.Unlock()
	return nil
}

// Delete implements KVStore.
func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

// Keys lists stored keys starting with prefix.
func (m *MemoryKV) Keys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for key := range m.items {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys
}
