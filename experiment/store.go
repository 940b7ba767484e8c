package experiment

import (
	"context"
	"time"
)

// Store 实验实体存储接口
// 引擎通过它消费关系型存储；所有"锁"都表达为存储层的条件写
type Store interface {
	// CreateTest 创建实验
	CreateTest(ctx context.Context, test *Test) error
	// GetTest 按标识读取实验
	GetTest(ctx context.Context, testID string) (*Test, error)
	// ListTests 列出全部实验
	ListTests(ctx context.Context) ([]*Test, error)
	// TransitionTest 带状态前置条件的迁移；当前状态不等于 from 时
	// 返回 ErrInvalidTransition
	TransitionTest(ctx context.Context, testID string, from, to TestStatus, startedAt, endedAt *time.Time) error
	// SetWinner 无条件写入获胜者并强制 status = completed
	SetWinner(ctx context.Context, testID, variantID, method string, endedAt time.Time) error

	// AddVariant 追加变体
	AddVariant(ctx context.Context, variant *Variant) error
	// ListVariants 按变体标识升序列出实验的全部变体
	ListVariants(ctx context.Context, testID string) ([]*Variant, error)

	// FindAssignment 查找 (test, identity) 的最近一条未过期分配；
	// 不存在时返回 (nil, nil)
	FindAssignment(ctx context.Context, testID, userID, sessionID string, now time.Time) (*Assignment, error)
	// UpsertAssignment 以 (testID, userID, sessionID) 为键插入分配；
	// 冲突时仅刷新 assignedAt，变体保持既有值，返回解析后的行
	UpsertAssignment(ctx context.Context, assignment *Assignment) (*Assignment, error)

	// InsertImpression 追加曝光事件
	InsertImpression(ctx context.Context, event *ImpressionEvent) error
	// GetImpression 按标识读取曝光事件；不存在时返回 (nil, nil)
	GetImpression(ctx context.Context, id string) (*ImpressionEvent, error)
	// InsertConversion 追加转化事件
	InsertConversion(ctx context.Context, event *ConversionEvent) error
	// AggregateVariant 从事件表读取 (test, variant) 的一致性聚合快照
	AggregateVariant(ctx context.Context, testID, variantID string) (*AggregateSnapshot, error)

	// SaveVariantResult 整体覆盖写入聚合行
	SaveVariantResult(ctx context.Context, result *VariantResult) error
	// GetVariantResult 读取单个聚合行；不存在时返回 (nil, nil)
	GetVariantResult(ctx context.Context, testID, variantID string) (*VariantResult, error)
	// ListVariantResults 按变体标识升序列出实验的全部聚合行
	ListVariantResults(ctx context.Context, testID string) ([]*VariantResult, error)

	// AppendAudit 追加审计记录
	AppendAudit(ctx context.Context, event *AuditEvent) error
	// ListAuditEvents 按时间倒序、带上限地读取实验的审计记录
	ListAuditEvents(ctx context.Context, testID string, limit int) ([]*AuditEvent, error)
}
