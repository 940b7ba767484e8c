package experiment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// 默认分配有效期
const defaultAssignmentTTL = 30 * 24 * time.Hour

// Metrics 引擎运行指标回调，由调用方注入（如 Prometheus 收集器）
type Metrics interface {
	RecordAssignment(testID, variantID string)
	RecordImpression(testID, variantID string)
	RecordConversion(testID, variantID string)
	RecordWinner(testID, variantID, method string)
	ObserveRecompute(testID string, duration time.Duration)
}

// Service 实验决策引擎门面
// 组合分配引擎、事件记录器、统计引擎、生命周期控制器与审计日志
type Service struct {
	store         Store
	cache         *AssignmentCache
	notifier      Notifier
	metrics       Metrics
	logger        *zap.Logger
	assignmentTTL time.Duration
	now           func() time.Time

	// 合并同一身份的并发分配请求，避免重复存储往返
	assignFlight singleflight.Group
}

// Option 配置 Service
type Option func(*Service)

// WithNotifier 设置分析转发器
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithMetrics 设置指标回调
func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithAssignmentCache 设置共享分配缓存（可选）
func WithAssignmentCache(c *AssignmentCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithAssignmentTTL 覆盖默认 30 天分配有效期
func WithAssignmentTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.assignmentTTL = ttl
		}
	}
}

// NewService 创建实验决策引擎
func NewService(store Store, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:         store,
		notifier:      NopNotifier{},
		logger:        logger,
		assignmentTTL: defaultAssignmentTTL,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateTest 创建实验（draft 状态）并补齐默认阈值
func (s *Service) CreateTest(ctx context.Context, test *Test) error {
	if test == nil {
		return errors.New("test cannot be nil")
	}
	if test.ID == "" {
		return errors.New("test ID is required")
	}
	if test.Status == "" {
		test.Status = TestStatusDraft
	}
	if test.MinSampleSize <= 0 {
		test.MinSampleSize = 100
	}
	if test.ConfidenceLevel <= 0 || test.ConfidenceLevel >= 1 {
		test.ConfidenceLevel = 0.95
	}
	if test.TrafficAllocation <= 0 || test.TrafficAllocation > 1 {
		test.TrafficAllocation = 1.0
	}

	if err := s.store.CreateTest(ctx, test); err != nil {
		return err
	}
	if err := s.appendAudit(ctx, test.ID, AuditTestCreated, JSONMap{"name": test.Name}, nil); err != nil {
		return err
	}

	s.logger.Info("test created",
		zap.String("test_id", test.ID),
		zap.String("name", test.Name))
	return nil
}

// AddVariant 向实验追加变体
func (s *Service) AddVariant(ctx context.Context, variant *Variant) error {
	if variant == nil {
		return errors.New("variant cannot be nil")
	}
	if variant.TestID == "" || variant.ID == "" {
		return errors.New("variant test ID and ID are required")
	}
	if variant.Weight < 0 {
		return fmt.Errorf("variant %s has negative weight", variant.ID)
	}

	if err := s.store.AddVariant(ctx, variant); err != nil {
		return err
	}
	if err := s.appendAudit(ctx, variant.TestID, AuditVariantAdded, JSONMap{
		"variant_id": variant.ID,
		"weight":     variant.Weight,
		"is_control": variant.IsControl,
	}, nil); err != nil {
		return err
	}

	s.logger.Info("variant added",
		zap.String("test_id", variant.TestID),
		zap.String("variant_id", variant.ID),
		zap.Int("weight", variant.Weight))
	return nil
}

// GetTest 读取实验
func (s *Service) GetTest(ctx context.Context, testID string) (*Test, error) {
	return s.store.GetTest(ctx, testID)
}

// ListTests 列出全部实验
func (s *Service) ListTests(ctx context.Context) ([]*Test, error) {
	return s.store.ListTests(ctx)
}

// ListVariants 列出实验的变体
func (s *Service) ListVariants(ctx context.Context, testID string) ([]*Variant, error) {
	return s.store.ListVariants(ctx, testID)
}

// TestResults 实验及其聚合结果
type TestResults struct {
	Test     *Test            `json:"test"`
	Variants []*Variant       `json:"variants"`
	Results  []*VariantResult `json:"results"`
}

// GetTestResults 读取实验、变体与聚合结果
func (s *Service) GetTestResults(ctx context.Context, testID string) (*TestResults, error) {
	test, err := s.store.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	variants, err := s.store.ListVariants(ctx, testID)
	if err != nil {
		return nil, err
	}
	results, err := s.store.ListVariantResults(ctx, testID)
	if err != nil {
		return nil, err
	}
	return &TestResults{Test: test, Variants: variants, Results: results}, nil
}

// ListAuditEvents 按时间倒序读取实验的审计记录
func (s *Service) ListAuditEvents(ctx context.Context, testID string, limit int) ([]*AuditEvent, error) {
	return s.store.ListAuditEvents(ctx, testID, limit)
}

// appendAudit 追加一条审计记录
func (s *Service) appendAudit(ctx context.Context, testID, eventType string, payload JSONMap, actor *string) error {
	event := &AuditEvent{
		ID:        uuid.NewString(),
		TestID:    testID,
		EventType: eventType,
		Payload:   payload,
		Actor:     actor,
		CreatedAt: s.now(),
	}
	if err := s.store.AppendAudit(ctx, event); err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}
