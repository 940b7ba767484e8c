package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/abflow/experiment"
)

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

// promauto 使用全局注册表，同名指标二次注册会 panic
// 每个测试用独立的 namespace 隔离
var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	require.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.assignmentsTotal)
	assert.NotNil(t, collector.impressionsTotal)
	assert.NotNil(t, collector.conversionsTotal)
	assert.NotNil(t, collector.winnersTotal)
	assert.NotNil(t, collector.recomputeDuration)
	assert.NotNil(t, collector.cacheHits)
	assert.NotNil(t, collector.dbQueryDuration)
}

func TestCollectorImplementsExperimentMetrics(t *testing.T) {
	var m experiment.Metrics = NewCollector(nextTestNamespace(), zap.NewNop())
	assert.NotNil(t, m)
}

func TestRecordHTTPRequest(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordHTTPRequest("GET", "/api/v1/tests", 200, 100*time.Millisecond, 256, 1024)
	collector.RecordHTTPRequest("POST", "/api/v1/tests", 201, 50*time.Millisecond, 512, 128)
	collector.RecordHTTPRequest("GET", "/api/v1/tests", 500, 10*time.Millisecond, 256, 64)

	// 三个 method/path/status 标签组合
	assert.Equal(t, 3, testutil.CollectAndCount(collector.httpRequestsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/api/v1/tests", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/api/v1/tests", "5xx")))
}

func TestRecordExperimentEvents(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordAssignment("exp-1", "control")
	collector.RecordAssignment("exp-1", "control")
	collector.RecordAssignment("exp-1", "treatment")
	collector.RecordImpression("exp-1", "control")
	collector.RecordConversion("exp-1", "treatment")

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.assignmentsTotal.WithLabelValues("exp-1", "control")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.assignmentsTotal.WithLabelValues("exp-1", "treatment")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.impressionsTotal.WithLabelValues("exp-1", "control")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.conversionsTotal.WithLabelValues("exp-1", "treatment")))
}

func TestRecordWinner(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordWinner("exp-1", "treatment", "automatic")
	collector.RecordWinner("exp-2", "b", "manual")

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.winnersTotal.WithLabelValues("exp-1", "treatment", "automatic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.winnersTotal.WithLabelValues("exp-2", "b", "manual")))
}

func TestObserveRecompute(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.ObserveRecompute("exp-1", 15*time.Millisecond)
	collector.ObserveRecompute("exp-1", 40*time.Millisecond)

	assert.Equal(t, 1, testutil.CollectAndCount(collector.recomputeDuration))
}

func TestRecordCacheHitMiss(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordCacheHit("assignment")
	collector.RecordCacheHit("assignment")
	collector.RecordCacheMiss("assignment")

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.cacheHits.WithLabelValues("assignment")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.cacheMisses.WithLabelValues("assignment")))
}

func TestRecordDBMetrics(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordDBConnections("abflow", 10, 4)
	collector.RecordDBQuery("abflow", "aggregate", 5*time.Millisecond)

	assert.Equal(t, 10.0, testutil.ToFloat64(collector.dbConnectionsOpen.WithLabelValues("abflow")))
	assert.Equal(t, 4.0, testutil.ToFloat64(collector.dbConnectionsIdle.WithLabelValues("abflow")))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.dbQueryDuration))
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
		{100, "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, statusCode(tt.code))
		})
	}
}
