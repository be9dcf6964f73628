package vault

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore Redis存储实现
type RedisStore struct {
	// Redis客户端
	client redis.UniversalClient
	// 键前缀
	keyPrefix string
	// 过期时间，0表示不过期
	expiration time.Duration
}

// RedisStoreConfig Redis存储配置
type RedisStoreConfig struct {
	// Redis客户端
	Client redis.UniversalClient
	// 键前缀
	KeyPrefix string
	// 数据有效期
	Expiration time.Duration
}

// NewRedisStore 创建Redis存储
func NewRedisStore(config RedisStoreConfig) (*RedisStore, error) {
	if config.Client == nil {
		return nil, errors.New("Redis客户端不能为空")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "aegis:"
	}

	return &RedisStore{
		client:     config.Client,
		keyPrefix:  config.KeyPrefix,
		expiration: config.Expiration,
	}, nil
}

// Get 实现Store.Get
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Set 实现Store.Set
func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, s.keyPrefix+key, value, s.expiration).Err()
}

// Del 实现Store.Del
func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.keyPrefix + k
	}
	return s.client.Del(ctx, prefixed...).Err()
}

// Ping 检查连接是否可用
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close 实现Store.Close
func (s *RedisStore) Close() error {
	return s.client.Close()
}
