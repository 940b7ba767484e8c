package experiment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordImpressionValidation(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.RecordImpression(context.Background(), nil)
	assert.Error(t, err)

	_, err = svc.RecordImpression(context.Background(), &ImpressionEvent{TestID: "exp-1"})
	assert.Error(t, err)

	_, err = svc.RecordImpression(context.Background(), &ImpressionEvent{VariantID: "a"})
	assert.Error(t, err)
}

func TestRecordImpressionAssignsIDAndTimestamp(t *testing.T) {
	svc, store := newTestService(t)
	seedTest(t, svc, "exp-1", &Variant{ID: "a", Name: "A", Weight: 100})

	fixed := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	id, err := svc.RecordImpression(context.Background(), &ImpressionEvent{
		TestID: "exp-1", VariantID: "a", UserID: "user-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	stored, err := store.GetImpression(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, fixed, stored.CreatedAt)
}

func TestRecordConversionTimeToConversion(t *testing.T) {
	svc, _ := newTestService(t)
	seedTest(t, svc, "exp-1", &Variant{ID: "a", Name: "A", Weight: 100})
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	impressionID, err := svc.RecordImpression(ctx, &ImpressionEvent{
		TestID: "exp-1", VariantID: "a", UserID: "user-1",
	})
	require.NoError(t, err)

	// 转化发生在曝光 90 秒后
	svc.now = func() time.Time { return base.Add(90 * time.Second) }

	event := &ConversionEvent{
		TestID: "exp-1", VariantID: "a", UserID: "user-1",
		ImpressionID: &impressionID,
	}
	_, err = svc.RecordConversion(ctx, event)
	require.NoError(t, err)
	require.NotNil(t, event.TimeToConversion)
	assert.InDelta(t, 90.0, *event.TimeToConversion, 1e-9)
}

func TestRecordConversionWithoutImpressionRef(t *testing.T) {
	svc, _ := newTestService(t)
	seedTest(t, svc, "exp-1", &Variant{ID: "a", Name: "A", Weight: 100})
	ctx := context.Background()

	// 无曝光引用：耗时留空
	event := &ConversionEvent{TestID: "exp-1", VariantID: "a", UserID: "user-1"}
	_, err := svc.RecordConversion(ctx, event)
	require.NoError(t, err)
	assert.Nil(t, event.TimeToConversion)

	// 引用不存在的曝光：不是错误，耗时同样留空
	missing := "no-such-impression"
	event = &ConversionEvent{
		TestID: "exp-1", VariantID: "a", UserID: "user-1",
		ImpressionID: &missing,
	}
	_, err = svc.RecordConversion(ctx, event)
	require.NoError(t, err)
	assert.Nil(t, event.TimeToConversion)
}

func TestRecordConversionAggregatesValue(t *testing.T) {
	svc, store := newTestService(t)
	seedTest(t, svc, "exp-1", &Variant{ID: "a", Name: "A", Weight: 100})
	ctx := context.Background()

	recordImpressions(t, svc, "exp-1", "a", 3)
	recordConversions(t, svc, "exp-1", "a", 2, 19.99)

	result, err := store.GetVariantResult(ctx, "exp-1", "a")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, int64(3), result.Impressions)
	assert.Equal(t, int64(2), result.Conversions)
	assert.InDelta(t, 39.98, result.TotalValue, 1e-9)
	assert.InDelta(t, 19.99, result.AvgValue, 1e-9)
}

func TestRecordConversionAvgTimeToConversion(t *testing.T) {
	svc, store := newTestService(t)
	seedTest(t, svc, "exp-1", &Variant{ID: "a", Name: "A", Weight: 100})
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	firstImp, err := svc.RecordImpression(ctx, &ImpressionEvent{
		TestID: "exp-1", VariantID: "a", UserID: "user-1",
	})
	require.NoError(t, err)
	secondImp, err := svc.RecordImpression(ctx, &ImpressionEvent{
		TestID: "exp-1", VariantID: "a", UserID: "user-2",
	})
	require.NoError(t, err)

	svc.now = func() time.Time { return base.Add(30 * time.Second) }
	_, err = svc.RecordConversion(ctx, &ConversionEvent{
		TestID: "exp-1", VariantID: "a", UserID: "user-1", ImpressionID: &firstImp,
	})
	require.NoError(t, err)

	svc.now = func() time.Time { return base.Add(90 * time.Second) }
	_, err = svc.RecordConversion(ctx, &ConversionEvent{
		TestID: "exp-1", VariantID: "a", UserID: "user-2", ImpressionID: &secondImp,
	})
	require.NoError(t, err)

	result, err := store.GetVariantResult(ctx, "exp-1", "a")
	require.NoError(t, err)
	// 仅对带耗时的转化求均值
	assert.InDelta(t, 60.0, result.AvgTimeToConversion, 1e-9)
}

func TestRecordConversionOnDraftTest(t *testing.T) {
	// 非 active 实验也接受事件事实，只是不触发自动获胜者决策
	svc, store := newTestService(t)
	seedTest(t, svc, "exp-1", &Variant{ID: "a", Name: "A", Weight: 100})
	ctx := context.Background()

	recordImpressions(t, svc, "exp-1", "a", 1)
	id, err := svc.RecordConversion(ctx, &ConversionEvent{
		TestID: "exp-1", VariantID: "a", UserID: "a-user-0",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	test, err := store.GetTest(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, TestStatusDraft, test.Status)
	assert.Nil(t, test.WinnerVariantID)

	result, err := store.GetVariantResult(ctx, "exp-1", "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Conversions)
}
