package experiment

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore 内存实验存储（用于测试与无数据库的降级场景）
type MemoryStore struct {
	tests       map[string]*Test
	variants    map[string][]*Variant    // testID -> variants
	assignments map[string]*Assignment   // testID|userID|sessionID -> assignment
	impressions map[string]*ImpressionEvent
	conversions map[string]*ConversionEvent
	results     map[string]*VariantResult // testID|variantID -> result
	audits      []*AuditEvent
	nextAssign  uint
	mu          sync.RWMutex
}

// NewMemoryStore 创建内存实验存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tests:       make(map[string]*Test),
		variants:    make(map[string][]*Variant),
		assignments: make(map[string]*Assignment),
		impressions: make(map[string]*ImpressionEvent),
		conversions: make(map[string]*ConversionEvent),
		results:     make(map[string]*VariantResult),
	}
}

var _ Store = (*MemoryStore)(nil)

func assignmentKey(testID, userID, sessionID string) string {
	return testID + "|" + userID + "|" + sessionID
}

func resultKey(testID, variantID string) string {
	return testID + "|" + variantID
}

// CreateTest 创建实验
func (s *MemoryStore) CreateTest(ctx context.Context, test *Test) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	testCopy := *test
	s.tests[test.ID] = &testCopy
	return nil
}

// GetTest 读取实验
func (s *MemoryStore) GetTest(ctx context.Context, testID string) (*Test, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	test, ok := s.tests[testID]
	if !ok {
		return nil, ErrTestNotFound
	}
	testCopy := *test
	return &testCopy, nil
}

// ListTests 列出全部实验
func (s *MemoryStore) ListTests(ctx context.Context) ([]*Test, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tests := make([]*Test, 0, len(s.tests))
	for _, t := range s.tests {
		testCopy := *t
		tests = append(tests, &testCopy)
	}
	sort.Slice(tests, func(i, j int) bool { return tests[i].ID < tests[j].ID })
	return tests, nil
}

// TransitionTest 带状态前置条件的迁移
func (s *MemoryStore) TransitionTest(ctx context.Context, testID string, from, to TestStatus, startedAt, endedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	test, ok := s.tests[testID]
	if !ok {
		return ErrTestNotFound
	}
	if test.Status != from {
		return ErrInvalidTransition
	}
	test.Status = to
	if startedAt != nil {
		test.StartedAt = startedAt
	}
	if endedAt != nil {
		test.EndedAt = endedAt
	}
	test.UpdatedAt = time.Now()
	return nil
}

// SetWinner 无条件写入获胜者并强制完成
func (s *MemoryStore) SetWinner(ctx context.Context, testID, variantID, method string, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	test, ok := s.tests[testID]
	if !ok {
		return ErrTestNotFound
	}
	test.WinnerVariantID = &variantID
	test.WinnerSelectionMethod = &method
	test.Status = TestStatusCompleted
	test.EndedAt = &endedAt
	test.UpdatedAt = time.Now()
	return nil
}

// AddVariant 追加变体
func (s *MemoryStore) AddVariant(ctx context.Context, variant *Variant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tests[variant.TestID]; !ok {
		return ErrTestNotFound
	}
	variantCopy := *variant
	s.variants[variant.TestID] = append(s.variants[variant.TestID], &variantCopy)
	return nil
}

// ListVariants 按变体标识升序列出变体
func (s *MemoryStore) ListVariants(ctx context.Context, testID string) ([]*Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	variants := make([]*Variant, 0, len(s.variants[testID]))
	for _, v := range s.variants[testID] {
		variantCopy := *v
		variants = append(variants, &variantCopy)
	}
	sort.Slice(variants, func(i, j int) bool { return variants[i].ID < variants[j].ID })
	return variants, nil
}

// FindAssignment 查找最近一条未过期分配
func (s *MemoryStore) FindAssignment(ctx context.Context, testID, userID, sessionID string, now time.Time) (*Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *Assignment
	for _, a := range s.assignments {
		if a.TestID != testID {
			continue
		}
		matched := (userID != "" && a.UserID == userID) ||
			(sessionID != "" && a.SessionID == sessionID)
		if !matched || !a.ExpiresAt.After(now) {
			continue
		}
		if found == nil || a.AssignedAt.After(found.AssignedAt) {
			found = a
		}
	}
	if found == nil {
		return nil, nil
	}
	foundCopy := *found
	return &foundCopy, nil
}

// UpsertAssignment 冲突时既有变体获胜，仅刷新 assignedAt
func (s *MemoryStore) UpsertAssignment(ctx context.Context, assignment *Assignment) (*Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := assignmentKey(assignment.TestID, assignment.UserID, assignment.SessionID)
	if existing, ok := s.assignments[key]; ok {
		existing.AssignedAt = assignment.AssignedAt
		existingCopy := *existing
		return &existingCopy, nil
	}

	s.nextAssign++
	assignmentCopy := *assignment
	assignmentCopy.ID = s.nextAssign
	s.assignments[key] = &assignmentCopy
	resolved := assignmentCopy
	return &resolved, nil
}

// InsertImpression 追加曝光事件
func (s *MemoryStore) InsertImpression(ctx context.Context, event *ImpressionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	eventCopy := *event
	s.impressions[event.ID] = &eventCopy
	return nil
}

// GetImpression 读取曝光事件
func (s *MemoryStore) GetImpression(ctx context.Context, id string) (*ImpressionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	event, ok := s.impressions[id]
	if !ok {
		return nil, nil
	}
	eventCopy := *event
	return &eventCopy, nil
}

// InsertConversion 追加转化事件
func (s *MemoryStore) InsertConversion(ctx context.Context, event *ConversionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	eventCopy := *event
	s.conversions[event.ID] = &eventCopy
	return nil
}

// AggregateVariant 从事件事实计算聚合快照
func (s *MemoryStore) AggregateVariant(ctx context.Context, testID, variantID string) (*AggregateSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	impressionIdentities := make(map[string]struct{})
	for _, e := range s.impressions {
		if e.TestID == testID && e.VariantID == variantID {
			if id := Identity(e.UserID, e.SessionID); id != "" {
				impressionIdentities[id] = struct{}{}
			}
		}
	}

	snapshot := &AggregateSnapshot{
		Impressions: int64(len(impressionIdentities)),
	}

	conversionIdentities := make(map[string]struct{})
	for _, e := range s.conversions {
		if e.TestID != testID || e.VariantID != variantID {
			continue
		}
		id := Identity(e.UserID, e.SessionID)
		if _, ok := impressionIdentities[id]; !ok {
			continue
		}
		conversionIdentities[id] = struct{}{}
		snapshot.TotalValue += e.Value
		if e.TimeToConversion != nil {
			snapshot.TimeToConvSum += *e.TimeToConversion
			snapshot.TimedConversions++
		}
	}
	snapshot.Conversions = int64(len(conversionIdentities))
	return snapshot, nil
}

// SaveVariantResult 整体覆盖聚合行
func (s *MemoryStore) SaveVariantResult(ctx context.Context, result *VariantResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	resultCopy := *result
	s.results[resultKey(result.TestID, result.VariantID)] = &resultCopy
	return nil
}

// GetVariantResult 读取单个聚合行
func (s *MemoryStore) GetVariantResult(ctx context.Context, testID, variantID string) (*VariantResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result, ok := s.results[resultKey(testID, variantID)]
	if !ok {
		return nil, nil
	}
	resultCopy := *result
	return &resultCopy, nil
}

// ListVariantResults 按变体标识升序列出聚合行
func (s *MemoryStore) ListVariantResults(ctx context.Context, testID string) ([]*VariantResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]*VariantResult, 0)
	for _, r := range s.results {
		if r.TestID == testID {
			resultCopy := *r
			results = append(results, &resultCopy)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].VariantID < results[j].VariantID })
	return results, nil
}

// AppendAudit 追加审计记录
func (s *MemoryStore) AppendAudit(ctx context.Context, event *AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	eventCopy := *event
	s.audits = append(s.audits, &eventCopy)
	return nil
}

// ListAuditEvents 按时间倒序读取审计记录
func (s *MemoryStore) ListAuditEvents(ctx context.Context, testID string, limit int) ([]*AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]*AuditEvent, 0)
	for _, e := range s.audits {
		if e.TestID == testID {
			eventCopy := *e
			events = append(events, &eventCopy)
		}
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].CreatedAt.After(events[j].CreatedAt) })
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}
