package experiment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// AssignmentCache 基于 Redis 的共享分配缓存
// 只是已解析分配的旁路缓存：存储仍是唯一事实来源，
// 缓存故障一律降级为回源，绝不影响分配语义
type AssignmentCache struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
}

// NewAssignmentCache 创建分配缓存
func NewAssignmentCache(client *redis.Client, keyPrefix string, logger *zap.Logger) *AssignmentCache {
	if keyPrefix == "" {
		keyPrefix = "abflow:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AssignmentCache{
		client:    client,
		keyPrefix: keyPrefix + "assign:",
		logger:    logger.With(zap.String("component", "assignment_cache")),
	}
}

// Ping 检查缓存连通性
func (c *AssignmentCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close 关闭缓存连接
func (c *AssignmentCache) Close() error {
	return c.client.Close()
}

// assignKey 缓存键：实验 + 访客身份
func (c *AssignmentCache) assignKey(testID, userID, sessionID string) string {
	return fmt.Sprintf("%s%s:%s", c.keyPrefix, testID, Identity(userID, sessionID))
}

// Get 读取已缓存的变体；未命中或故障时返回 ok = false
func (c *AssignmentCache) Get(ctx context.Context, testID, userID, sessionID string) (string, bool) {
	variantID, err := c.client.Get(ctx, c.assignKey(testID, userID, sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false
	}
	if err != nil {
		c.logger.Warn("assignment cache read failed", zap.Error(err))
		return "", false
	}
	return variantID, variantID != ""
}

// Set 缓存已解析的分配，TTL 与分配有效期一致；失败只记日志
func (c *AssignmentCache) Set(ctx context.Context, testID, userID, sessionID, variantID string, ttl time.Duration) {
	err := c.client.Set(ctx, c.assignKey(testID, userID, sessionID), variantID, ttl).Err()
	if err != nil {
		c.logger.Warn("assignment cache write failed", zap.Error(err))
	}
}
