package experiment

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RecordImpression 追加一条曝光事实并同步全量重算该变体的聚合
// 重算是幂等的纯函数，并发触发不会产生丢失更新
func (s *Service) RecordImpression(ctx context.Context, event *ImpressionEvent) (string, error) {
	if event == nil {
		return "", errors.New("impression event cannot be nil")
	}
	if event.TestID == "" || event.VariantID == "" {
		return "", errors.New("impression test ID and variant ID are required")
	}

	event.ID = uuid.NewString()
	event.CreatedAt = s.now()

	if err := s.store.InsertImpression(ctx, event); err != nil {
		return "", err
	}
	if err := s.UpdateResults(ctx, event.TestID, event.VariantID); err != nil {
		return "", err
	}

	if s.metrics != nil {
		s.metrics.RecordImpression(event.TestID, event.VariantID)
	}
	s.notifier.ImpressionRecorded(ctx, ImpressionFact{
		TestID:    event.TestID,
		VariantID: event.VariantID,
	})

	s.logger.Debug("impression recorded",
		zap.String("test_id", event.TestID),
		zap.String("variant_id", event.VariantID),
		zap.String("impression_id", event.ID))

	return event.ID, nil
}

// RecordConversion 追加一条转化事实、重算聚合，并触发自动获胜者检查
// 转化是唯一能触发自动获胜者声明的事件类型
func (s *Service) RecordConversion(ctx context.Context, event *ConversionEvent) (string, error) {
	if event == nil {
		return "", errors.New("conversion event cannot be nil")
	}
	if event.TestID == "" || event.VariantID == "" {
		return "", errors.New("conversion test ID and variant ID are required")
	}

	event.ID = uuid.NewString()
	event.CreatedAt = s.now()

	// 引用的曝光存在时计算转化耗时；不存在不是错误，耗时留空
	if event.ImpressionID != nil && *event.ImpressionID != "" {
		impression, err := s.store.GetImpression(ctx, *event.ImpressionID)
		if err != nil {
			return "", err
		}
		if impression != nil {
			elapsed := event.CreatedAt.Sub(impression.CreatedAt).Seconds()
			event.TimeToConversion = &elapsed
		}
	}

	if err := s.store.InsertConversion(ctx, event); err != nil {
		return "", err
	}
	if err := s.UpdateResults(ctx, event.TestID, event.VariantID); err != nil {
		return "", err
	}

	if s.metrics != nil {
		s.metrics.RecordConversion(event.TestID, event.VariantID)
	}
	s.notifier.ConversionRecorded(ctx, ConversionFact{
		TestID:         event.TestID,
		VariantID:      event.VariantID,
		ConversionType: event.ConversionType,
		Value:          event.Value,
	})

	s.logger.Debug("conversion recorded",
		zap.String("test_id", event.TestID),
		zap.String("variant_id", event.VariantID),
		zap.String("conversion_id", event.ID))

	if err := s.checkAutoWinner(ctx, event.TestID); err != nil {
		// 自动决策失败不回滚已记录的事实
		s.logger.Warn("auto winner check failed",
			zap.String("test_id", event.TestID),
			zap.Error(err))
	}

	return event.ID, nil
}
