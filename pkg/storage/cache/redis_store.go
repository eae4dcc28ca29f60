package cache

import (
	"context"
	"fmt"
	"io"
	"time"

	"zgdrive/pkg/core"
	"zgdrive/pkg/logging"
	"zgdrive/pkg/storage"
	"zgdrive/pkg/types"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "zg:obj:"

// CachedStore 为底层 storage.Store 增加 Redis 存在性缓存
type CachedStore struct {
	backend storage.Store
	client  *redis.Client
	ttl     time.Duration
}

type Config struct {
	RedisURL string        `mapstructure:"url"` // redis://<user>:<password>@<host>:<port>/<db>
	TTL      time.Duration `mapstructure:"ttl"`
}

func NewCachedStore(backend storage.Store, cfg Config) (*CachedStore, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	// 启动时检查连接
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewWithClient(backend, client, cfg.TTL), nil
}

// NewWithClient 使用已有的 Redis 客户端 (不做连接检查)
func NewWithClient(backend storage.Store, client *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{backend: backend, client: client, ttl: ttl}
}

func (s *CachedStore) cacheKey(hash types.Hash) string {
	return keyPrefix + hash.String()
}

// Has 优先查 Redis
func (s *CachedStore) Has(ctx context.Context, hash types.Hash) (bool, error) {
	key := s.cacheKey(hash)

	// 1. 查 Redis；Redis 故障时降级为直接查底层存储
	val, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		logging.Warn("redis lookup failed, falling back to backend",
			logging.String("hash", hash.Short()), logging.Err(err))
	} else if val > 0 {
		return true, nil
	}

	// 2. 未命中，查底层存储
	found, err := s.backend.Has(ctx, hash)
	if err != nil {
		return false, err
	}

	// 3. 异步回填，不受上层 ctx 取消影响
	if found {
		go func() {
			fillCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.client.Set(fillCtx, key, "1", s.ttl)
		}()
	}
	return found, nil
}

func (s *CachedStore) Put(ctx context.Context, obj core.Object) error {
	exists, err := s.Has(ctx, obj.ID())
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	if err := s.backend.Put(ctx, obj); err != nil {
		return err
	}

	// 只有底层写入成功才写缓存；失败不影响主流程
	if err := s.client.Set(ctx, s.cacheKey(obj.ID()), "1", s.ttl).Err(); err != nil {
		logging.Debug("redis set failed", logging.Err(err))
	}
	return nil
}

// Get 透传，内容本身不进 Redis
func (s *CachedStore) Get(ctx context.Context, hash types.Hash) (io.ReadCloser, error) {
	return s.backend.Get(ctx, hash)
}

func (s *CachedStore) ExpandHash(ctx context.Context, prefix string) (types.Hash, error) {
	return s.backend.ExpandHash(ctx, prefix)
}

func (s *CachedStore) Close() error { return s.client.Close() }
