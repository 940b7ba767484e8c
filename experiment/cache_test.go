package experiment

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupCache(t *testing.T) (*miniredis.Miniredis, *AssignmentCache) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewAssignmentCache(client, "", zap.NewNop())
	t.Cleanup(func() { _ = cache.Close() })
	return mr, cache
}

func TestAssignmentCacheRoundTrip(t *testing.T) {
	mr, cache := setupCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Ping(ctx))

	_, ok := cache.Get(ctx, "exp-1", "user-1", "")
	assert.False(t, ok)

	cache.Set(ctx, "exp-1", "user-1", "", "variant-a", time.Hour)
	variantID, ok := cache.Get(ctx, "exp-1", "user-1", "")
	assert.True(t, ok)
	assert.Equal(t, "variant-a", variantID)

	// 默认前缀与身份规则生效
	assert.True(t, mr.Exists("abflow:assign:exp-1:user-1"))

	// TTL 过期后回到未命中
	mr.FastForward(2 * time.Hour)
	_, ok = cache.Get(ctx, "exp-1", "user-1", "")
	assert.False(t, ok)
}

func TestAssignmentCacheSessionIdentity(t *testing.T) {
	mr, cache := setupCache(t)
	ctx := context.Background()

	cache.Set(ctx, "exp-1", "", "sess-7", "variant-b", time.Minute)
	assert.True(t, mr.Exists("abflow:assign:exp-1:sess-7"))

	variantID, ok := cache.Get(ctx, "exp-1", "", "sess-7")
	assert.True(t, ok)
	assert.Equal(t, "variant-b", variantID)
}

func TestAssignmentCacheFailureDegrades(t *testing.T) {
	mr, cache := setupCache(t)
	ctx := context.Background()

	// 缓存后端故障：读取降级为未命中，不报错
	mr.Close()
	_, ok := cache.Get(ctx, "exp-1", "user-1", "")
	assert.False(t, ok)

	// 写入同样静默失败
	cache.Set(ctx, "exp-1", "user-1", "", "variant-a", time.Minute)
}

func TestServiceWithAssignmentCache(t *testing.T) {
	_, cache := setupCache(t)
	store := NewMemoryStore()
	svc := NewService(store, zap.NewNop(), WithAssignmentCache(cache))
	seedTest(t, svc, "exp-1",
		&Variant{ID: "a", Name: "A", Weight: 50},
		&Variant{ID: "b", Name: "B", Weight: 50},
	)
	ctx := context.Background()

	first, err := svc.Assign(ctx, "exp-1", "user-1", "")
	require.NoError(t, err)

	cached, ok := cache.Get(ctx, "exp-1", "user-1", "")
	assert.True(t, ok)
	assert.Equal(t, first, cached)

	// 缓存命中路径返回同一变体
	second, err := svc.Assign(ctx, "exp-1", "user-1", "")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
