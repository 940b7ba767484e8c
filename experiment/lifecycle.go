package experiment

import (
	"context"

	"go.uber.org/zap"
)

// Activate 启动实验：draft → active，记录 startedAt
func (s *Service) Activate(ctx context.Context, testID string, actor *string) error {
	now := s.now()
	if err := s.store.TransitionTest(ctx, testID, TestStatusDraft, TestStatusActive, &now, nil); err != nil {
		return err
	}
	if err := s.appendAudit(ctx, testID, AuditTestActivated, nil, actor); err != nil {
		return err
	}
	s.logger.Info("test activated", zap.String("test_id", testID))
	return nil
}

// Pause 暂停实验：active → paused
func (s *Service) Pause(ctx context.Context, testID string, actor *string) error {
	if err := s.store.TransitionTest(ctx, testID, TestStatusActive, TestStatusPaused, nil, nil); err != nil {
		return err
	}
	if err := s.appendAudit(ctx, testID, AuditTestPaused, nil, actor); err != nil {
		return err
	}
	s.logger.Info("test paused", zap.String("test_id", testID))
	return nil
}

// Resume 恢复实验：paused → active
// startedAt 保持首次启动的时间戳不变
func (s *Service) Resume(ctx context.Context, testID string, actor *string) error {
	if err := s.store.TransitionTest(ctx, testID, TestStatusPaused, TestStatusActive, nil, nil); err != nil {
		return err
	}
	if err := s.appendAudit(ctx, testID, AuditTestResumed, nil, actor); err != nil {
		return err
	}
	s.logger.Info("test resumed", zap.String("test_id", testID))
	return nil
}

// Complete 结束实验：active|paused → completed，记录 endedAt
func (s *Service) Complete(ctx context.Context, testID string, actor *string) error {
	test, err := s.store.GetTest(ctx, testID)
	if err != nil {
		return err
	}
	if test.Status != TestStatusActive && test.Status != TestStatusPaused {
		return ErrInvalidTransition
	}

	now := s.now()
	if err := s.store.TransitionTest(ctx, testID, test.Status, TestStatusCompleted, nil, &now); err != nil {
		return err
	}
	if err := s.appendAudit(ctx, testID, AuditTestCompleted, nil, actor); err != nil {
		return err
	}
	s.logger.Info("test completed", zap.String("test_id", testID))
	return nil
}

// DeclareWinner 声明获胜变体
// 无条件写入：不设状态前置条件，并发的手动与自动声明以
// 最后写入为准；总是强制 status = completed 并记录 endedAt
func (s *Service) DeclareWinner(ctx context.Context, testID, variantID, method string, actor *string) error {
	variants, err := s.store.ListVariants(ctx, testID)
	if err != nil {
		return err
	}
	var winner *Variant
	for _, v := range variants {
		if v.ID == variantID {
			winner = v
			break
		}
	}
	if winner == nil {
		return ErrVariantNotFound
	}

	if err := s.store.SetWinner(ctx, testID, variantID, method, s.now()); err != nil {
		return err
	}
	if err := s.appendAudit(ctx, testID, AuditWinnerDeclared, JSONMap{
		"variant_id": variantID,
		"method":     method,
	}, actor); err != nil {
		return err
	}

	fact := WinnerFact{
		TestID:      testID,
		VariantID:   variantID,
		VariantName: winner.Name,
		Method:      method,
	}
	if result, err := s.store.GetVariantResult(ctx, testID, variantID); err == nil && result != nil && result.UpliftVsControl != nil {
		fact.UpliftVsControl = *result.UpliftVsControl
	}
	s.notifier.WinnerDeclared(ctx, fact)

	if s.metrics != nil {
		s.metrics.RecordWinner(testID, variantID, method)
	}

	s.logger.Info("winner declared",
		zap.String("test_id", testID),
		zap.String("variant_id", variantID),
		zap.String("method", method))
	return nil
}

// checkAutoWinner 每次转化后的自动获胜者决策
// 保守策略：只提升以足够样本量和统计置信度战胜对照组的变体，
// 一旦有获胜者就不再做任何自动检查
func (s *Service) checkAutoWinner(ctx context.Context, testID string) error {
	test, err := s.store.GetTest(ctx, testID)
	if err != nil {
		return err
	}
	if test.Status != TestStatusActive || test.WinnerVariantID != nil {
		return nil
	}

	if err := s.CalculateStatistics(ctx, testID); err != nil {
		return err
	}

	variants, err := s.store.ListVariants(ctx, testID)
	if err != nil {
		return err
	}
	results, err := s.store.ListVariantResults(ctx, testID)
	if err != nil {
		return err
	}
	byVariant := make(map[string]*VariantResult, len(results))
	for _, r := range results {
		byVariant[r.VariantID] = r
	}

	// 任一变体样本不足即放弃本轮决策
	for _, v := range variants {
		r := byVariant[v.ID]
		if r == nil || r.Impressions < int64(test.MinSampleSize) {
			return nil
		}
	}

	// 候选：显著且提升为正；同转化率时标识序靠前者胜出
	var best *VariantResult
	for _, v := range variants {
		r := byVariant[v.ID]
		if !r.IsSignificant || r.UpliftVsControl == nil || *r.UpliftVsControl <= 0 {
			continue
		}
		if best == nil || r.ConversionRate > best.ConversionRate {
			best = r
		}
	}
	if best == nil {
		return nil
	}

	return s.DeclareWinner(ctx, testID, best.VariantID, WinnerMethodAutomatic, nil)
}
