package experiment

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T, opts ...Option) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	svc := NewService(store, zap.NewNop(), opts...)
	return svc, store
}

func seedTest(t *testing.T, svc *Service, testID string, variants ...*Variant) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, svc.CreateTest(ctx, &Test{ID: testID, Name: testID}))
	for _, v := range variants {
		v.TestID = testID
		require.NoError(t, svc.AddVariant(ctx, v))
	}
}

func TestAssignRequiresIdentity(t *testing.T) {
	svc, _ := newTestService(t)
	seedTest(t, svc, "exp-1", &Variant{ID: "a", Name: "A", Weight: 100})

	_, err := svc.Assign(context.Background(), "exp-1", "", "")
	assert.ErrorIs(t, err, ErrInvalidIdentity)
}

func TestAssignFailsWithoutVariants(t *testing.T) {
	svc, _ := newTestService(t)
	seedTest(t, svc, "exp-1")

	_, err := svc.Assign(context.Background(), "exp-1", "user-1", "")
	assert.ErrorIs(t, err, ErrTestNotConfigured)
}

func TestAssignIsDeterministic(t *testing.T) {
	svc, _ := newTestService(t)
	seedTest(t, svc, "exp-1",
		&Variant{ID: "a", Name: "A", Weight: 50, IsControl: true},
		&Variant{ID: "b", Name: "B", Weight: 50},
	)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		identity := fmt.Sprintf("user-%d", i)
		first, err := svc.Assign(ctx, "exp-1", identity, "")
		require.NoError(t, err)
		second, err := svc.Assign(ctx, "exp-1", identity, "")
		require.NoError(t, err)
		assert.Equal(t, first, second, "repeat assignment must be idempotent for %s", identity)

		// 无需已存分配也能复现：直接重算哈希选择
		variants, err := svc.ListVariants(ctx, "exp-1")
		require.NoError(t, err)
		recomputed := selectVariant(variants, "exp-1", identity)
		assert.Equal(t, first, recomputed.ID, "hash recomputation must agree for %s", identity)
	}
}

func TestAssignSessionOnlyIdentity(t *testing.T) {
	svc, _ := newTestService(t)
	seedTest(t, svc, "exp-1",
		&Variant{ID: "a", Name: "A", Weight: 50},
		&Variant{ID: "b", Name: "B", Weight: 50},
	)
	ctx := context.Background()

	first, err := svc.Assign(ctx, "exp-1", "", "sess-42")
	require.NoError(t, err)
	second, err := svc.Assign(ctx, "exp-1", "", "sess-42")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAssignExpiredAssignmentRecomputes(t *testing.T) {
	svc, store := newTestService(t, WithAssignmentTTL(time.Hour))
	seedTest(t, svc, "exp-1",
		&Variant{ID: "a", Name: "A", Weight: 50},
		&Variant{ID: "b", Name: "B", Weight: 50},
	)
	ctx := context.Background()

	base := time.Now()
	svc.now = func() time.Time { return base }

	first, err := svc.Assign(ctx, "exp-1", "user-1", "")
	require.NoError(t, err)

	// 过期后重新分配：确定性哈希保证仍得到同一变体
	svc.now = func() time.Time { return base.Add(2 * time.Hour) }
	second, err := svc.Assign(ctx, "exp-1", "user-1", "")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// 原分配行仍在（expiry 不因冲突刷新），在其有效期内可见
	stored, err := store.FindAssignment(ctx, "exp-1", "user-1", "", base)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, first, stored.VariantID)
}

func TestAssignWeightFallback(t *testing.T) {
	// 权重总和 < 100 时，哈希桶落在权重之外的身份回退到首个变体
	svc, _ := newTestService(t)
	seedTest(t, svc, "exp-1",
		&Variant{ID: "a", Name: "A", Weight: 1},
		&Variant{ID: "b", Name: "B", Weight: 1},
	)
	ctx := context.Background()

	fellBack := false
	for i := 0; i < 200; i++ {
		identity := fmt.Sprintf("user-%d", i)
		variantID, err := svc.Assign(ctx, "exp-1", identity, "")
		require.NoError(t, err)
		if bucket := hashBucket(identity, "exp-1"); bucket >= 2 {
			assert.Equal(t, "a", variantID, "out-of-weight bucket must fall back to first variant")
			fellBack = true
		}
	}
	assert.True(t, fellBack, "expected at least one fallback with weights summing to 2")
}

func TestAssignWeightDistribution(t *testing.T) {
	svc, _ := newTestService(t)
	seedTest(t, svc, "exp-split",
		&Variant{ID: "a", Name: "A", Weight: 30, IsControl: true},
		&Variant{ID: "b", Name: "B", Weight: 70},
	)
	ctx := context.Background()

	counts := map[string]int{}
	const population = 5000
	for i := 0; i < population; i++ {
		variantID, err := svc.Assign(ctx, "exp-split", fmt.Sprintf("visitor-%d", i), "")
		require.NoError(t, err)
		counts[variantID]++
	}

	// 30/70 权重在大样本下收敛到对应比例（抽样误差内）
	ratioA := float64(counts["a"]) / population
	assert.InDelta(t, 0.30, ratioA, 0.03, "observed split %v", counts)
	assert.Equal(t, population, counts["a"]+counts["b"])
}

func TestUpsertAssignmentExistingWins(t *testing.T) {
	// 并发首次分配的竞争语义：后写者不覆盖既有变体
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	first, err := store.UpsertAssignment(ctx, &Assignment{
		TestID: "exp-1", UserID: "user-1", VariantID: "a",
		AssignedAt: now, ExpiresAt: now.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, "a", first.VariantID)

	second, err := store.UpsertAssignment(ctx, &Assignment{
		TestID: "exp-1", UserID: "user-1", VariantID: "b",
		AssignedAt: now.Add(time.Minute), ExpiresAt: now.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, "a", second.VariantID, "existing assignment must win on conflict")
}

func TestHashBucketRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		bucket := hashBucket(fmt.Sprintf("id-%d", i), "exp")
		assert.GreaterOrEqual(t, bucket, 0)
		assert.Less(t, bucket, 100)
	}
}
