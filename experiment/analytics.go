package experiment

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/abflow/internal/pool"
	"github.com/BaSui01/abflow/internal/tlsutil"
)

// ImpressionFact 已计算完成的曝光事实
type ImpressionFact struct {
	TestID    string `json:"test_id"`
	VariantID string `json:"variant_id"`
}

// ConversionFact 已计算完成的转化事实
type ConversionFact struct {
	TestID         string  `json:"test_id"`
	VariantID      string  `json:"variant_id"`
	ConversionType string  `json:"conversion_type,omitempty"`
	Value          float64 `json:"value"`
}

// WinnerFact 已计算完成的获胜者事实
type WinnerFact struct {
	TestID          string  `json:"test_id"`
	VariantID       string  `json:"variant_id"`
	VariantName     string  `json:"variant_name"`
	Method          string  `json:"method"`
	UpliftVsControl float64 `json:"uplift_vs_control"`
}

// Notifier 分析转发器
// 即发即忘：实现必须不阻塞调用方，失败只记日志、绝不向上传播，
// 也绝不回滚触发它的核心操作
type Notifier interface {
	ImpressionRecorded(ctx context.Context, fact ImpressionFact)
	ConversionRecorded(ctx context.Context, fact ConversionFact)
	WinnerDeclared(ctx context.Context, fact WinnerFact)
}

// NopNotifier 空转发器（默认）
type NopNotifier struct{}

func (NopNotifier) ImpressionRecorded(context.Context, ImpressionFact) {}
func (NopNotifier) ConversionRecorded(context.Context, ConversionFact) {}
func (NopNotifier) WinnerDeclared(context.Context, WinnerFact)         {}

// WebhookNotifier 将事实以 JSON POST 到外部分析端点
// 投递在有界工作池中异步进行并受限流约束
type WebhookNotifier struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
	workers  *pool.GoroutinePool
	logger   *zap.Logger
}

// NewWebhookNotifier 创建 webhook 分析转发器
func NewWebhookNotifier(endpoint string, rps float64, logger *zap.Logger) *WebhookNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rps <= 0 {
		rps = 10
	}
	return &WebhookNotifier{
		endpoint: endpoint,
		client:   tlsutil.SecureHTTPClient(5 * time.Second),
		limiter:  rate.NewLimiter(rate.Limit(rps), int(rps)),
		workers: pool.NewGoroutinePool(pool.GoroutinePoolConfig{
			MaxWorkers:  4,
			QueueSize:   256,
			IdleTimeout: 30 * time.Second,
		}),
		logger: logger.With(zap.String("component", "analytics_webhook")),
	}
}

var _ Notifier = (*WebhookNotifier)(nil)

// Close 关闭投递工作池，等待在途投递完成
func (n *WebhookNotifier) Close() {
	n.workers.Close()
}

// ImpressionRecorded 转发曝光事实
func (n *WebhookNotifier) ImpressionRecorded(ctx context.Context, fact ImpressionFact) {
	n.deliver("impression_recorded", fact)
}

// ConversionRecorded 转发转化事实
func (n *WebhookNotifier) ConversionRecorded(ctx context.Context, fact ConversionFact) {
	n.deliver("conversion_recorded", fact)
}

// WinnerDeclared 转发获胜者事实
func (n *WebhookNotifier) WinnerDeclared(ctx context.Context, fact WinnerFact) {
	n.deliver("winner_declared", fact)
}

// deliver 异步投递；限流丢弃、队列满与 HTTP 失败都只记日志
func (n *WebhookNotifier) deliver(eventType string, fact any) {
	if !n.limiter.Allow() {
		n.logger.Debug("analytics event dropped by rate limit", zap.String("event", eventType))
		return
	}

	err := n.workers.Submit(context.Background(), func(ctx context.Context) error {
		payload, err := json.Marshal(map[string]any{
			"event": eventType,
			"fact":  fact,
			"at":    time.Now().UTC(),
		})
		if err != nil {
			n.logger.Warn("failed to marshal analytics event", zap.Error(err))
			return nil
		}

		resp, err := n.client.Post(n.endpoint, "application/json", bytes.NewReader(payload))
		if err != nil {
			n.logger.Warn("analytics delivery failed",
				zap.String("event", eventType),
				zap.Error(err))
			return nil
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			n.logger.Warn("analytics endpoint rejected event",
				zap.String("event", eventType),
				zap.Int("status", resp.StatusCode))
		}
		return nil
	})
	if err != nil {
		n.logger.Debug("analytics event dropped, delivery queue full",
			zap.String("event", eventType),
			zap.Error(err))
	}
}
