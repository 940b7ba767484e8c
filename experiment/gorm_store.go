package experiment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// identityExpr 访客身份的 SQL 表达式：优先 user_id，否则 session_id
const identityExpr = "COALESCE(NULLIF(user_id, ''), session_id)"

// GormStore 基于 GORM 的关系型实验存储
// 支持 PostgreSQL / MySQL / SQLite
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建关系型实验存储
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

var _ Store = (*GormStore)(nil)

// InitDatabase 自动迁移实验引擎的全部表结构
func InitDatabase(db *gorm.DB) error {
	err := db.AutoMigrate(
		&Test{},
		&Variant{},
		&Assignment{},
		&ImpressionEvent{},
		&ConversionEvent{},
		&VariantResult{},
		&AuditEvent{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto migrate: %w", err)
	}
	return nil
}

// CreateTest 创建实验
func (s *GormStore) CreateTest(ctx context.Context, test *Test) error {
	if err := s.db.WithContext(ctx).Create(test).Error; err != nil {
		return fmt.Errorf("failed to create test: %w", err)
	}
	return nil
}

// GetTest 读取实验
func (s *GormStore) GetTest(ctx context.Context, testID string) (*Test, error) {
	var test Test
	err := s.db.WithContext(ctx).First(&test, "id = ?", testID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get test: %w", err)
	}
	return &test, nil
}

// ListTests 列出全部实验
func (s *GormStore) ListTests(ctx context.Context) ([]*Test, error) {
	var tests []*Test
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&tests).Error; err != nil {
		return nil, fmt.Errorf("failed to list tests: %w", err)
	}
	return tests, nil
}

// TransitionTest 状态条件更新（UPDATE ... WHERE status = from）
// 前置状态不再匹配时干净地返回 ErrInvalidTransition
func (s *GormStore) TransitionTest(ctx context.Context, testID string, from, to TestStatus, startedAt, endedAt *time.Time) error {
	updates := map[string]any{"status": to, "updated_at": time.Now()}
	if startedAt != nil {
		updates["started_at"] = *startedAt
	}
	if endedAt != nil {
		updates["ended_at"] = *endedAt
	}

	result := s.db.WithContext(ctx).
		Model(&Test{}).
		Where("id = ? AND status = ?", testID, from).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to transition test: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// 区分实验不存在与前置状态不匹配
		if _, err := s.GetTest(ctx, testID); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	return nil
}

// SetWinner 无条件写入获胜者并强制 status = completed
func (s *GormStore) SetWinner(ctx context.Context, testID, variantID, method string, endedAt time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&Test{}).
		Where("id = ?", testID).
		Updates(map[string]any{
			"winner_variant_id":       variantID,
			"winner_selection_method": method,
			"status":                  TestStatusCompleted,
			"ended_at":                endedAt,
			"updated_at":              time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to set winner: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrTestNotFound
	}
	return nil
}

// AddVariant 追加变体
func (s *GormStore) AddVariant(ctx context.Context, variant *Variant) error {
	if _, err := s.GetTest(ctx, variant.TestID); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(variant).Error; err != nil {
		return fmt.Errorf("failed to add variant: %w", err)
	}
	return nil
}

// ListVariants 按变体标识升序列出变体
func (s *GormStore) ListVariants(ctx context.Context, testID string) ([]*Variant, error) {
	var variants []*Variant
	err := s.db.WithContext(ctx).
		Where("test_id = ?", testID).
		Order("variant_id ASC").
		Find(&variants).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list variants: %w", err)
	}
	return variants, nil
}

// FindAssignment 查找 (test, identity) 最近一条未过期分配
func (s *GormStore) FindAssignment(ctx context.Context, testID, userID, sessionID string, now time.Time) (*Assignment, error) {
	query := s.db.WithContext(ctx).
		Where("test_id = ? AND expires_at > ?", testID, now)

	switch {
	case userID != "" && sessionID != "":
		query = query.Where("user_id = ? OR session_id = ?", userID, sessionID)
	case userID != "":
		query = query.Where("user_id = ?", userID)
	default:
		query = query.Where("session_id = ?", sessionID)
	}

	var assignment Assignment
	err := query.Order("assigned_at DESC").First(&assignment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find assignment: %w", err)
	}
	return &assignment, nil
}

// UpsertAssignment 以 (test_id, user_id, session_id) 为键 upsert
// 冲突时仅刷新 assigned_at，既有变体获胜，保证并发首次分配收敛
func (s *GormStore) UpsertAssignment(ctx context.Context, assignment *Assignment) (*Assignment, error) {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "test_id"}, {Name: "user_id"}, {Name: "session_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"assigned_at": assignment.AssignedAt,
			}),
		}).
		Create(assignment).Error
	if err != nil {
		return nil, fmt.Errorf("failed to upsert assignment: %w", err)
	}

	// 回读解析后的行：冲突时返回既有分配的变体
	var resolved Assignment
	err = s.db.WithContext(ctx).
		Where("test_id = ? AND user_id = ? AND session_id = ?",
			assignment.TestID, assignment.UserID, assignment.SessionID).
		First(&resolved).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read back assignment: %w", err)
	}
	return &resolved, nil
}

// InsertImpression 追加曝光事件
func (s *GormStore) InsertImpression(ctx context.Context, event *ImpressionEvent) error {
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("failed to insert impression: %w", err)
	}
	return nil
}

// GetImpression 读取曝光事件
func (s *GormStore) GetImpression(ctx context.Context, id string) (*ImpressionEvent, error) {
	var event ImpressionEvent
	err := s.db.WithContext(ctx).First(&event, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get impression: %w", err)
	}
	return &event, nil
}

// InsertConversion 追加转化事件
func (s *GormStore) InsertConversion(ctx context.Context, event *ConversionEvent) error {
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("failed to insert conversion: %w", err)
	}
	return nil
}

// AggregateVariant 从事件表计算聚合快照
// 曝光/转化按访客身份去重；转化要求其身份出现在同 (test, variant)
// 的曝光中（同身份 join）
func (s *GormStore) AggregateVariant(ctx context.Context, testID, variantID string) (*AggregateSnapshot, error) {
	snapshot := &AggregateSnapshot{}
	db := s.db.WithContext(ctx)

	err := db.Raw(
		"SELECT COUNT(DISTINCT "+identityExpr+") FROM impression_events WHERE test_id = ? AND variant_id = ?",
		testID, variantID,
	).Row().Scan(&snapshot.Impressions)
	if err != nil {
		return nil, fmt.Errorf("failed to count impressions: %w", err)
	}

	matchedConversions := "SELECT * FROM conversion_events WHERE test_id = ? AND variant_id = ? AND " +
		identityExpr + " IN (SELECT " + identityExpr + " FROM impression_events WHERE test_id = ? AND variant_id = ?)"

	err = db.Raw(
		"SELECT COUNT(DISTINCT "+identityExpr+"), COALESCE(SUM(value), 0), COALESCE(SUM(time_to_conversion), 0), COUNT(time_to_conversion) FROM ("+matchedConversions+") matched",
		testID, variantID, testID, variantID,
	).Row().Scan(&snapshot.Conversions, &snapshot.TotalValue, &snapshot.TimeToConvSum, &snapshot.TimedConversions)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate conversions: %w", err)
	}

	return snapshot, nil
}

// SaveVariantResult 按主键整体覆盖聚合行
func (s *GormStore) SaveVariantResult(ctx context.Context, result *VariantResult) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "test_id"}, {Name: "variant_id"}},
			UpdateAll: true,
		}).
		Create(result).Error
	if err != nil {
		return fmt.Errorf("failed to save variant result: %w", err)
	}
	return nil
}

// GetVariantResult 读取单个聚合行
func (s *GormStore) GetVariantResult(ctx context.Context, testID, variantID string) (*VariantResult, error) {
	var result VariantResult
	err := s.db.WithContext(ctx).
		First(&result, "test_id = ? AND variant_id = ?", testID, variantID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get variant result: %w", err)
	}
	return &result, nil
}

// ListVariantResults 按变体标识升序列出聚合行
func (s *GormStore) ListVariantResults(ctx context.Context, testID string) ([]*VariantResult, error) {
	var results []*VariantResult
	err := s.db.WithContext(ctx).
		Where("test_id = ?", testID).
		Order("variant_id ASC").
		Find(&results).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list variant results: %w", err)
	}
	return results, nil
}

// AppendAudit 追加审计记录
func (s *GormStore) AppendAudit(ctx context.Context, event *AuditEvent) error {
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// ListAuditEvents 按时间倒序、带上限地读取审计记录
func (s *GormStore) ListAuditEvents(ctx context.Context, testID string, limit int) ([]*AuditEvent, error) {
	var events []*AuditEvent
	query := s.db.WithContext(ctx).
		Where("test_id = ?", testID).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	return events, nil
}
