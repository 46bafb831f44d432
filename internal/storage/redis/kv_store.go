package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "hatago-plugin-host/internal/errors"
)

// Config 描述 Redis 连接参数。
type Config struct {
	Address  string
	Password string
	DB       int
	// Prefix 加在所有键之前，用于与其他应用共享同一个库。
	Prefix string
}

// KVStore 使用 Redis string 实现插件 kv 能力的存储后端。
type KVStore struct {
	client *redis.Client
	prefix string
}

// NewKVStore 创建 Redis kv 存储并检查连通性。
func NewKVStore(ctx context.Context, cfg Config) (*KVStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewKVStoreWithClient(client, cfg.Prefix), nil
}

// NewKVStoreWithClient 基于已有客户端创建存储。
func NewKVStoreWithClient(client *redis.Client, prefix string) *KVStore {
	return &KVStore{client: client, prefix: prefix}
}

// Get 读取键值，键不存在时返回 false。
func (s *KVStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 读取失败")
	}
	return value, true, nil
}

// Set 写入键值，ttl 为 0 表示永不过期。
func (s *KVStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 写入失败")
	}
	return nil
}

// Delete 删除键，键不存在时不报错。
func (s *KVStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 删除失败")
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *KVStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
