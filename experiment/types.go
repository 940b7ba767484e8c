package experiment

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// TestStatus 实验状态
type TestStatus string

const (
	TestStatusDraft     TestStatus = "draft"
	TestStatusActive    TestStatus = "active"
	TestStatusPaused    TestStatus = "paused"
	TestStatusCompleted TestStatus = "completed"
)

// 获胜者选择方式
const (
	WinnerMethodManual    = "manual"
	WinnerMethodAutomatic = "automatic"
)

// 审计事件类型
const (
	AuditTestCreated    = "test_created"
	AuditVariantAdded   = "variant_added"
	AuditTestActivated  = "test_activated"
	AuditTestPaused     = "test_paused"
	AuditTestResumed    = "test_resumed"
	AuditTestCompleted  = "test_completed"
	AuditWinnerDeclared = "winner_declared"
)

// JSONMap 不透明的 JSON 文档，仅透传存储，引擎自身不解释其内容
type JSONMap map[string]any

// Value 实现 driver.Valuer
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal json map: %w", err)
	}
	return string(data), nil
}

// Scan 实现 sql.Scanner
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported json map source type %T", value)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, m)
}

// Test 一个命名实验
type Test struct {
	ID                    string     `gorm:"primaryKey;size:100" json:"id"`                 // 外部分配的唯一标识
	Name                  string     `gorm:"size:200;not null" json:"name"`                 // 展示名称
	Description           string     `gorm:"type:text" json:"description"`                  // 描述
	Type                  string     `gorm:"size:50" json:"type"`                           // 类型/类别标签
	Goal                  string     `gorm:"size:50" json:"goal"`                           // 优化目标标签
	Status                TestStatus `gorm:"size:20;not null;index" json:"status"`          // 状态机当前状态
	MinSampleSize         int        `gorm:"default:100" json:"min_sample_size"`            // 自动决策的最小样本量
	ConfidenceLevel       float64    `gorm:"default:0.95" json:"confidence_level"`          // 目标置信水平 (0,1)
	TrafficAllocation     float64    `gorm:"default:1.0" json:"traffic_allocation"`         // 流量分配比例 [0,1]
	WinnerVariantID       *string    `gorm:"size:100" json:"winner_variant_id,omitempty"`   // 获胜变体（可空）
	WinnerSelectionMethod *string    `gorm:"size:20" json:"winner_selection_method,omitempty"` // manual | automatic
	Metadata              JSONMap    `gorm:"type:text" json:"metadata,omitempty"`           // 自由元数据
	StartedAt             *time.Time `json:"started_at,omitempty"`
	EndedAt               *time.Time `json:"ended_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Variant 实验中的一个处理组
type Variant struct {
	TestID      string    `gorm:"primaryKey;size:100" json:"test_id"`
	ID          string    `gorm:"primaryKey;size:100;column:variant_id" json:"id"` // 实验内唯一
	Name        string    `gorm:"size:200;not null" json:"name"`
	CreativeRef string    `gorm:"size:500" json:"creative_ref,omitempty"` // 素材/资源引用（可选）
	Config      JSONMap   `gorm:"type:text" json:"config,omitempty"`      // 自由配置
	Weight      int       `gorm:"default:50" json:"weight"`               // 相对流量权重，不要求总和为 100
	IsControl   bool      `gorm:"default:false" json:"is_control"`        // 统计基线标记
	CreatedAt   time.Time `json:"created_at"`
}

// Assignment 访客与变体的持久配对
// 对同一 (test, identity) 在未过期时至多存在一条有效分配
type Assignment struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	TestID     string    `gorm:"size:100;not null;uniqueIndex:idx_assign_identity" json:"test_id"`
	UserID     string    `gorm:"size:100;uniqueIndex:idx_assign_identity" json:"user_id"`
	SessionID  string    `gorm:"size:100;uniqueIndex:idx_assign_identity" json:"session_id"`
	VariantID  string    `gorm:"size:100;not null" json:"variant_id"`
	AssignedAt time.Time `json:"assigned_at"`
	ExpiresAt  time.Time `gorm:"index" json:"expires_at"`
}

// ImpressionEvent 不可变的曝光事实
type ImpressionEvent struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	TestID    string    `gorm:"size:100;not null;index:idx_impression_key" json:"test_id"`
	VariantID string    `gorm:"size:100;not null;index:idx_impression_key" json:"variant_id"`
	UserID    string    `gorm:"size:100" json:"user_id,omitempty"`
	SessionID string    `gorm:"size:100" json:"session_id,omitempty"`
	Metadata  JSONMap   `gorm:"type:text" json:"metadata,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversionEvent 不可变的转化事实
type ConversionEvent struct {
	ID               string    `gorm:"primaryKey;size:36" json:"id"`
	TestID           string    `gorm:"size:100;not null;index:idx_conversion_key" json:"test_id"`
	VariantID        string    `gorm:"size:100;not null;index:idx_conversion_key" json:"variant_id"`
	UserID           string    `gorm:"size:100" json:"user_id,omitempty"`
	SessionID        string    `gorm:"size:100" json:"session_id,omitempty"`
	ImpressionID     *string   `gorm:"size:36" json:"impression_id,omitempty"` // 关联曝光（可选）
	ConversionType   string    `gorm:"size:50" json:"conversion_type,omitempty"`
	Value            float64   `gorm:"default:0" json:"value"`
	TimeToConversion *float64  `json:"time_to_conversion,omitempty"` // 秒；引用的曝光不存在时为空
	Metadata         JSONMap   `gorm:"type:text" json:"metadata,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// VariantResult 每个 (test, variant) 一行的派生聚合缓存
// 永远整体覆盖重写，不做增量修改
type VariantResult struct {
	TestID              string    `gorm:"primaryKey;size:100" json:"test_id"`
	VariantID           string    `gorm:"primaryKey;size:100" json:"variant_id"`
	Impressions         int64     `json:"impressions"`
	Conversions         int64     `json:"conversions"`
	ConversionRate      float64   `json:"conversion_rate"`
	TotalValue          float64   `json:"total_value"`
	AvgValue            float64   `json:"avg_value"`
	AvgTimeToConversion float64   `json:"avg_time_to_conversion"` // 秒
	ChiSquare           *float64  `json:"chi_square,omitempty"`   // 以下显著性字段仅非对照组持有
	PValue              *float64  `json:"p_value,omitempty"`
	IsSignificant       bool      `json:"is_significant"`
	UpliftVsControl     *float64  `json:"uplift_vs_control,omitempty"` // 百分比
	CILower             *float64  `json:"ci_lower,omitempty"`
	CIUpper             *float64  `json:"ci_upper,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// AuditEvent 追加式审计记录，永不更新
type AuditEvent struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	TestID    string    `gorm:"size:100;not null;index" json:"test_id"`
	EventType string    `gorm:"size:50;not null" json:"event_type"`
	Payload   JSONMap   `gorm:"type:text" json:"payload,omitempty"`
	Actor     *string   `gorm:"size:100" json:"actor,omitempty"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// AggregateSnapshot 事件表上一次一致性读的聚合快照
// 曝光/转化按访客身份去重，转化仅在其身份出现于同 (test, variant)
// 的曝光中时计入
type AggregateSnapshot struct {
	Impressions      int64
	Conversions      int64
	TotalValue       float64
	TimeToConvSum    float64 // 秒
	TimedConversions int64
}

// Identity 返回访客身份：优先 userID，否则 sessionID
func Identity(userID, sessionID string) string {
	if userID != "" {
		return userID
	}
	return sessionID
}
