package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mailtrace/backend/internal/domain"
)

const keyPrefix = "mailtrace:status:"

// RedisCache 使用 Redis 在多个实例间共享投递结果
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// RedisOptions Redis 连接配置
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// NewRedisCache 创建 Redis 缓存并检查连接
func NewRedisCache(ctx context.Context, opts RedisOptions, logger *zap.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: 10,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisCacheWithClient(client, opts.TTL, logger), nil
}

// NewRedisCacheWithClient 使用已有客户端创建缓存
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{client: client, ttl: ttl, logger: logger}
}

// Get 获取缓存的投递结果，Redis 故障视为未命中
func (c *RedisCache) Get(ctx context.Context, queueID string) (domain.StatusResult, bool) {
	data, err := c.client.Get(ctx, statusKey(queueID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("redis get failed", zap.String("queue_id", queueID), zap.Error(err))
		}
		return domain.StatusResult{}, false
	}

	var res domain.StatusResult
	if err := json.Unmarshal(data, &res); err != nil {
		c.logger.Warn("redis entry corrupt", zap.String("queue_id", queueID), zap.Error(err))
		return domain.StatusResult{}, false
	}
	res.Final = true
	return res, true
}

// Set 写入终态结果
func (c *RedisCache) Set(ctx context.Context, queueID string, result domain.StatusResult) {
	if !cacheable(result) {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, statusKey(queueID), data, c.ttl).Err(); err != nil {
		c.logger.Warn("redis set failed", zap.String("queue_id", queueID), zap.Error(err))
	}
}

// Ping 检查 Redis 连接
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close 关闭连接
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func statusKey(queueID string) string {
	return keyPrefix + queueID
}
