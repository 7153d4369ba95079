package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache はRedisを使用した分散キャッシュ。
// 複数インスタンス構成で失効トークン集合とスナップショットを共有するために使う。
// エントリの期限管理はRedis側のTTLに委ねる。
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache はRedisへの接続を確立してRedisCacheを生成する。
// 起動時に1回だけ疎通確認を行い、失敗した場合はエラーを返す。
func NewRedisCache(addr, password string) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// NewRedisCacheWithClient は既存のクライアントからRedisCacheを生成する。
// テストで使用する。
func NewRedisCacheWithClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Get はキーに対応する値を返す。
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}
	return val, true, nil
}

// Put は値をTTL付きで保存する。
func (c *RedisCache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache: ttl must be positive, got %v", ttl)
	}
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Take は値を取得すると同時に削除する。GETDELで原子的に行う。
func (c *RedisCache) Take(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.GetDel(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis getdel failed: %w", err)
	}
	return val, true, nil
}

// Invalidate はキーを削除する。
func (c *RedisCache) Invalidate(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Close はRedis接続を閉じる。
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// compile-time interface check
var _ Cache = (*RedisCache)(nil)
