package experiment

import (
	"context"
	"crypto/sha256"
	"encoding/binary"

	"go.uber.org/zap"
)

// Assign 将访客身份映射到实验变体
// 幂等：同一身份在分配未过期期间的重复调用总是返回同一变体；
// 即使没有已存分配，哈希计算对固定的变体配置也完全确定，
// 因此从原始事件重放也能复现相同的分配。
func (s *Service) Assign(ctx context.Context, testID, userID, sessionID string) (string, error) {
	if userID == "" && sessionID == "" {
		return "", ErrInvalidIdentity
	}

	// 共享缓存快路径（可选）
	if s.cache != nil {
		if variantID, ok := s.cache.Get(ctx, testID, userID, sessionID); ok {
			return variantID, nil
		}
	}

	// 同一身份的并发请求合并为一次解析；
	// 结果是确定性的，所有等待者拿到同一变体
	key := testID + "\x00" + userID + "\x00" + sessionID
	variantID, err, _ := s.assignFlight.Do(key, func() (any, error) {
		return s.resolveAssignment(ctx, testID, userID, sessionID)
	})
	if err != nil {
		return "", err
	}
	return variantID.(string), nil
}

// resolveAssignment 读取既有分配或计算并持久化新分配
func (s *Service) resolveAssignment(ctx context.Context, testID, userID, sessionID string) (string, error) {
	now := s.now()

	// 已有未过期分配直接返回
	existing, err := s.store.FindAssignment(ctx, testID, userID, sessionID, now)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return existing.VariantID, nil
	}

	variants, err := s.store.ListVariants(ctx, testID)
	if err != nil {
		return "", err
	}
	if len(variants) == 0 {
		return "", ErrTestNotConfigured
	}

	variant := selectVariant(variants, testID, Identity(userID, sessionID))

	// 以 (testID, userID, sessionID) 为键 upsert；
	// 并发首次分配时既有行获胜，返回的是已存变体
	resolved, err := s.store.UpsertAssignment(ctx, &Assignment{
		TestID:     testID,
		UserID:     userID,
		SessionID:  sessionID,
		VariantID:  variant.ID,
		AssignedAt: now,
		ExpiresAt:  now.Add(s.assignmentTTL),
	})
	if err != nil {
		return "", err
	}

	if s.cache != nil {
		s.cache.Set(ctx, testID, userID, sessionID, resolved.VariantID, s.assignmentTTL)
	}
	if s.metrics != nil {
		s.metrics.RecordAssignment(testID, resolved.VariantID)
	}

	s.logger.Debug("variant assigned",
		zap.String("test_id", testID),
		zap.String("user_id", userID),
		zap.String("session_id", sessionID),
		zap.String("variant_id", resolved.VariantID))

	return resolved.VariantID, nil
}

// selectVariant 确定性地选择变体
// 对 identity + "-" + testID 做 sha256，取前 8 字节归约到 [0, 100)，
// 再按变体标识序累加权重，首个累计权重超过哈希桶的变体胜出。
// 权重总和不足 100 时回退到首个变体。
// 哈希函数与变体顺序是实验的冻结契约：中途修改权重或顺序会重排
// 部分访客，应视为新实验而非原地编辑。
func selectVariant(variants []*Variant, testID, identity string) *Variant {
	bucket := hashBucket(identity, testID)

	cumulative := 0
	for _, v := range variants {
		cumulative += v.Weight
		if bucket < cumulative {
			return v
		}
	}
	return variants[0]
}

// hashBucket 将 (identity, testID) 哈希到 [0, 100)
func hashBucket(identity, testID string) int {
	hash := sha256.Sum256([]byte(identity + "-" + testID))
	return int(binary.BigEndian.Uint64(hash[:8]) % 100)
}
