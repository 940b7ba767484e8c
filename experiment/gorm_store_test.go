package experiment

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupGormStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, InitDatabase(db))
	return NewGormStore(db)
}

func seedGormTest(t *testing.T, store *GormStore, testID string, variants ...*Variant) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateTest(ctx, &Test{
		ID: testID, Name: testID, Status: TestStatusDraft,
		MinSampleSize: 100, ConfidenceLevel: 0.95, TrafficAllocation: 1.0,
	}))
	for _, v := range variants {
		v.TestID = testID
		require.NoError(t, store.AddVariant(ctx, v))
	}
}

func TestGormStoreTestCRUD(t *testing.T) {
	store := setupGormStore(t)
	ctx := context.Background()

	_, err := store.GetTest(ctx, "missing")
	assert.ErrorIs(t, err, ErrTestNotFound)

	seedGormTest(t, store, "exp-1",
		&Variant{ID: "a", Name: "A", Weight: 50, IsControl: true},
		&Variant{ID: "b", Name: "B", Weight: 50},
	)

	test, err := store.GetTest(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, TestStatusDraft, test.Status)

	variants, err := store.ListVariants(ctx, "exp-1")
	require.NoError(t, err)
	require.Len(t, variants, 2)
	assert.Equal(t, "a", variants[0].ID)
	assert.True(t, variants[0].IsControl)

	tests, err := store.ListTests(ctx)
	require.NoError(t, err)
	assert.Len(t, tests, 1)

	// 变体必须挂在已存在的实验上
	err = store.AddVariant(ctx, &Variant{TestID: "missing", ID: "x", Name: "X"})
	assert.ErrorIs(t, err, ErrTestNotFound)
}

func TestGormStoreConditionalTransition(t *testing.T) {
	store := setupGormStore(t)
	ctx := context.Background()
	seedGormTest(t, store, "exp-1")

	now := time.Now()
	require.NoError(t, store.TransitionTest(ctx, "exp-1", TestStatusDraft, TestStatusActive, &now, nil))

	test, err := store.GetTest(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, TestStatusActive, test.Status)
	assert.NotNil(t, test.StartedAt)

	// 前置状态不匹配
	err = store.TransitionTest(ctx, "exp-1", TestStatusDraft, TestStatusActive, &now, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// 实验不存在与状态不匹配要区分开
	err = store.TransitionTest(ctx, "missing", TestStatusDraft, TestStatusActive, &now, nil)
	assert.ErrorIs(t, err, ErrTestNotFound)
}

func TestGormStoreSetWinner(t *testing.T) {
	store := setupGormStore(t)
	ctx := context.Background()
	seedGormTest(t, store, "exp-1", &Variant{ID: "a", Name: "A", Weight: 100})

	endedAt := time.Now()
	require.NoError(t, store.SetWinner(ctx, "exp-1", "a", WinnerMethodManual, endedAt))

	test, err := store.GetTest(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, TestStatusCompleted, test.Status)
	require.NotNil(t, test.WinnerVariantID)
	assert.Equal(t, "a", *test.WinnerVariantID)
	require.NotNil(t, test.WinnerSelectionMethod)
	assert.Equal(t, WinnerMethodManual, *test.WinnerSelectionMethod)
	assert.NotNil(t, test.EndedAt)

	assert.ErrorIs(t, store.SetWinner(ctx, "missing", "a", WinnerMethodManual, endedAt), ErrTestNotFound)
}

func TestGormStoreUpsertAssignmentExistingWins(t *testing.T) {
	store := setupGormStore(t)
	ctx := context.Background()
	seedGormTest(t, store, "exp-1")

	now := time.Now().Truncate(time.Second)
	first, err := store.UpsertAssignment(ctx, &Assignment{
		TestID: "exp-1", UserID: "user-1", VariantID: "a",
		AssignedAt: now, ExpiresAt: now.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, "a", first.VariantID)

	// 冲突写入不同变体：既有变体获胜
	second, err := store.UpsertAssignment(ctx, &Assignment{
		TestID: "exp-1", UserID: "user-1", VariantID: "b",
		AssignedAt: now.Add(time.Minute), ExpiresAt: now.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, "a", second.VariantID)
	assert.Equal(t, first.ID, second.ID, "conflict must resolve to the existing row")

	// 不同 session 身份是独立的键
	other, err := store.UpsertAssignment(ctx, &Assignment{
		TestID: "exp-1", SessionID: "sess-1", VariantID: "b",
		AssignedAt: now, ExpiresAt: now.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, "b", other.VariantID)
}

func TestGormStoreFindAssignment(t *testing.T) {
	store := setupGormStore(t)
	ctx := context.Background()
	seedGormTest(t, store, "exp-1")

	now := time.Now().Truncate(time.Second)
	_, err := store.UpsertAssignment(ctx, &Assignment{
		TestID: "exp-1", UserID: "user-1", VariantID: "a",
		AssignedAt: now, ExpiresAt: now.Add(time.Hour),
	})
	require.NoError(t, err)

	found, err := store.FindAssignment(ctx, "exp-1", "user-1", "", now)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "a", found.VariantID)

	// 过期分配不可见
	found, err = store.FindAssignment(ctx, "exp-1", "user-1", "", now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, found)

	// 未知身份
	found, err = store.FindAssignment(ctx, "exp-1", "user-2", "", now)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestGormStoreAggregateVariant(t *testing.T) {
	store := setupGormStore(t)
	ctx := context.Background()
	seedGormTest(t, store, "exp-1", &Variant{ID: "a", Name: "A", Weight: 100})

	now := time.Now()
	addImpression := func(userID, sessionID string) {
		require.NoError(t, store.InsertImpression(ctx, &ImpressionEvent{
			ID: uuid.NewString(), TestID: "exp-1", VariantID: "a",
			UserID: userID, SessionID: sessionID, CreatedAt: now,
		}))
	}
	addConversion := func(userID, sessionID string, value float64, ttc *float64) {
		require.NoError(t, store.InsertConversion(ctx, &ConversionEvent{
			ID: uuid.NewString(), TestID: "exp-1", VariantID: "a",
			UserID: userID, SessionID: sessionID, Value: value,
			TimeToConversion: ttc, CreatedAt: now,
		}))
	}

	// 三个身份，其中 user-1 重复曝光（按身份去重）
	addImpression("user-1", "")
	addImpression("user-1", "sess-x")
	addImpression("user-2", "")
	addImpression("", "sess-only")

	ttc := 42.0
	addConversion("user-1", "", 10, &ttc)
	addConversion("user-1", "", 5, nil) // 同身份重复转化：计数去重，金额累加
	addConversion("", "sess-only", 3, nil)
	addConversion("stranger", "", 99, nil) // 无曝光身份：忽略

	snapshot, err := store.AggregateVariant(ctx, "exp-1", "a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), snapshot.Impressions)
	assert.Equal(t, int64(2), snapshot.Conversions)
	assert.InDelta(t, 18.0, snapshot.TotalValue, 1e-9)
	assert.InDelta(t, 42.0, snapshot.TimeToConvSum, 1e-9)
	assert.Equal(t, int64(1), snapshot.TimedConversions)

	// 无事件的变体得到零快照
	empty, err := store.AggregateVariant(ctx, "exp-1", "missing")
	require.NoError(t, err)
	assert.Zero(t, empty.Impressions)
	assert.Zero(t, empty.Conversions)
}

func TestGormStoreVariantResultUpsert(t *testing.T) {
	store := setupGormStore(t)
	ctx := context.Background()
	seedGormTest(t, store, "exp-1", &Variant{ID: "a", Name: "A", Weight: 100})

	missing, err := store.GetVariantResult(ctx, "exp-1", "a")
	require.NoError(t, err)
	assert.Nil(t, missing)

	chi2 := 4.2
	require.NoError(t, store.SaveVariantResult(ctx, &VariantResult{
		TestID: "exp-1", VariantID: "a",
		Impressions: 100, Conversions: 10, ConversionRate: 0.1,
		ChiSquare: &chi2, UpdatedAt: time.Now(),
	}))

	// 整体覆盖：第二次写入清掉显著性字段
	require.NoError(t, store.SaveVariantResult(ctx, &VariantResult{
		TestID: "exp-1", VariantID: "a",
		Impressions: 200, Conversions: 30, ConversionRate: 0.15,
		UpdatedAt: time.Now(),
	}))

	result, err := store.GetVariantResult(ctx, "exp-1", "a")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, int64(200), result.Impressions)
	assert.Nil(t, result.ChiSquare)

	results, err := store.ListVariantResults(ctx, "exp-1")
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestGormStoreAuditLog(t *testing.T) {
	store := setupGormStore(t)
	ctx := context.Background()
	seedGormTest(t, store, "exp-1")

	base := time.Now().Truncate(time.Second)
	actor := "ops@example.com"
	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendAudit(ctx, &AuditEvent{
			ID:        uuid.NewString(),
			TestID:    "exp-1",
			EventType: fmt.Sprintf("event-%d", i),
			Payload:   JSONMap{"seq": i},
			Actor:     &actor,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	events, err := store.ListAuditEvents(ctx, "exp-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	assert.Equal(t, "event-4", events[0].EventType)
	assert.Equal(t, "event-0", events[4].EventType)

	limited, err := store.ListAuditEvents(ctx, "exp-1", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "event-4", limited[0].EventType)

	// JSON 负载经 SQL 往返后可读（数值按 JSON 语义回到 float64）
	assert.Equal(t, float64(4), limited[0].Payload["seq"])
	require.NotNil(t, limited[0].Actor)
	assert.Equal(t, actor, *limited[0].Actor)
}

func TestServiceOnGormStore(t *testing.T) {
	// 引擎在关系型存储上的端到端冒烟
	store := setupGormStore(t)
	svc := NewService(store, nil)
	ctx := context.Background()

	require.NoError(t, svc.CreateTest(ctx, &Test{ID: "exp-1", Name: "exp-1"}))
	require.NoError(t, svc.AddVariant(ctx, &Variant{TestID: "exp-1", ID: "a", Name: "A", Weight: 50, IsControl: true}))
	require.NoError(t, svc.AddVariant(ctx, &Variant{TestID: "exp-1", ID: "b", Name: "B", Weight: 50}))
	require.NoError(t, svc.Activate(ctx, "exp-1", nil))

	variantID, err := svc.Assign(ctx, "exp-1", "user-1", "")
	require.NoError(t, err)
	assert.Contains(t, []string{"a", "b"}, variantID)

	again, err := svc.Assign(ctx, "exp-1", "user-1", "")
	require.NoError(t, err)
	assert.Equal(t, variantID, again)

	impressionID, err := svc.RecordImpression(ctx, &ImpressionEvent{
		TestID: "exp-1", VariantID: variantID, UserID: "user-1",
	})
	require.NoError(t, err)
	_, err = svc.RecordConversion(ctx, &ConversionEvent{
		TestID: "exp-1", VariantID: variantID, UserID: "user-1",
		ImpressionID: &impressionID, Value: 9.5,
	})
	require.NoError(t, err)

	result, err := store.GetVariantResult(ctx, "exp-1", variantID)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, int64(1), result.Impressions)
	assert.Equal(t, int64(1), result.Conversions)
}
