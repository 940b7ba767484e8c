package api

import (
	"time"

	"github.com/BaSui01/abflow/experiment"
)

// =============================================================================
// 实验管理类型
// =============================================================================

// CreateTestRequest 代表创建实验请求。
// @Description 创建实验请求结构
type CreateTestRequest struct {
	// 外部分配的唯一标识
	ID string `json:"id" example:"checkout-cta" binding:"required"`
	// 展示名称
	Name string `json:"name" example:"Checkout CTA copy" binding:"required"`
	// 描述
	Description string `json:"description,omitempty" example:"Compare CTA wording on the checkout page"`
	// 类型/类别标签
	Type string `json:"type,omitempty" example:"copy"`
	// 优化目标标签
	Goal string `json:"goal,omitempty" example:"conversion"`
	// 自动决策的最小样本量（默认 100）
	MinSampleSize int `json:"min_sample_size,omitempty" example:"1000"`
	// 目标置信水平，开区间 (0,1)（默认 0.95）
	ConfidenceLevel float64 `json:"confidence_level,omitempty" example:"0.95"`
	// 流量分配比例 [0,1]（默认 1.0）
	TrafficAllocation float64 `json:"traffic_allocation,omitempty" example:"1.0"`
	// 自由元数据
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AddVariantRequest 代表添加变体请求。
// @Description 添加变体请求结构
type AddVariantRequest struct {
	// 实验内唯一标识
	ID string `json:"id" example:"treatment" binding:"required"`
	// 展示名称
	Name string `json:"name" example:"Buy now!" binding:"required"`
	// 素材/资源引用（可选）
	CreativeRef string `json:"creative_ref,omitempty" example:"s3://creatives/cta-v2.png"`
	// 相对流量权重，不要求总和为 100（默认 50）
	Weight *int `json:"weight,omitempty" example:"50"`
	// 统计基线标记
	IsControl bool `json:"is_control,omitempty" example:"false"`
	// 自由配置
	Config map[string]any `json:"config,omitempty"`
}

// =============================================================================
// 分配与事件类型
// =============================================================================

// AssignRequest 代表变体分配请求。
// @Description 变体分配请求结构
type AssignRequest struct {
	// 用户标识（与 session_id 至少提供一个）
	UserID string `json:"user_id,omitempty" example:"user-42"`
	// 会话标识
	SessionID string `json:"session_id,omitempty" example:"sess-9f3c"`
}

// AssignResponse 代表变体分配结果。
// @Description 变体分配响应结构
type AssignResponse struct {
	// 实验 ID
	TestID string `json:"test_id" example:"checkout-cta"`
	// 分配到的变体 ID
	VariantID string `json:"variant_id" example:"treatment"`
}

// ImpressionRequest 代表曝光上报请求。
// @Description 曝光事件请求结构
type ImpressionRequest struct {
	// 用户标识（与 session_id 至少提供一个）
	UserID string `json:"user_id,omitempty" example:"user-42"`
	// 会话标识
	SessionID string `json:"session_id,omitempty" example:"sess-9f3c"`
	// 曝光的变体 ID
	VariantID string `json:"variant_id" example:"treatment" binding:"required"`
	// 自由元数据
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ConversionRequest 代表转化上报请求。
// @Description 转化事件请求结构
type ConversionRequest struct {
	// 用户标识（与 session_id 至少提供一个）
	UserID string `json:"user_id,omitempty" example:"user-42"`
	// 会话标识
	SessionID string `json:"session_id,omitempty" example:"sess-9f3c"`
	// 转化的变体 ID
	VariantID string `json:"variant_id" example:"treatment" binding:"required"`
	// 关联的曝光事件 ID（可选，用于计算转化耗时）
	ImpressionID *string `json:"impression_id,omitempty" example:"7f6a1c02-..."`
	// 转化类型标签
	ConversionType string `json:"conversion_type,omitempty" example:"purchase"`
	// 转化价值
	Value float64 `json:"value,omitempty" example:"19.99"`
	// 自由元数据
	Metadata map[string]any `json:"metadata,omitempty"`
}

// EventResponse 代表事件写入结果。
// @Description 事件写入响应结构
type EventResponse struct {
	// 事件 ID
	EventID string `json:"event_id" example:"7f6a1c02-..."`
}

// =============================================================================
// 生命周期类型
// =============================================================================

// DeclareWinnerRequest 代表手动声明获胜者请求。
// @Description 声明获胜者请求结构
type DeclareWinnerRequest struct {
	// 获胜变体 ID
	VariantID string `json:"variant_id" example:"treatment" binding:"required"`
}

// =============================================================================
// 列表响应类型
// =============================================================================

// TestListResponse 代表实验列表。
// @Description 实验列表响应
type TestListResponse struct {
	// 实验清单
	Tests []*experiment.Test `json:"tests"`
}

// TestDetailResponse 代表实验详情（含变体）。
// @Description 实验详情响应
type TestDetailResponse struct {
	// 实验
	Test *experiment.Test `json:"test"`
	// 变体清单
	Variants []*experiment.Variant `json:"variants"`
}

// AuditListResponse 代表审计记录列表（按时间倒序）。
// @Description 审计记录列表响应
type AuditListResponse struct {
	// 审计记录清单
	Events []*experiment.AuditEvent `json:"events"`
}

// =============================================================================
// 错误类型
// =============================================================================

// ErrorResponse 表示错误响应。
// @Description 错误响应结构
type ErrorResponse struct {
	// 错误详情
	Error ErrorDetail `json:"error"`
}

// ErrorDetail 表示错误详细信息。
// @Description 错误详细结构
type ErrorDetail struct {
	// 错误代码
	Code string `json:"code" example:"INVALID_REQUEST"`
	// 人类可读的错误消息
	Message string `json:"message" example:"Invalid request parameters"`
	// HTTP 状态码
	HTTPStatus int `json:"http_status,omitempty" example:"400"`
	// 请求是否可以重试
	Retryable bool `json:"retryable,omitempty" example:"false"`
	// 发生时间
	Timestamp time.Time `json:"timestamp,omitempty"`
}
