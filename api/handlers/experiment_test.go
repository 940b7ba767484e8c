package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/abflow/api"
	"github.com/BaSui01/abflow/experiment"
	"github.com/BaSui01/abflow/internal/ctxkeys"
)

// =============================================================================
// 🧪 测试辅助
// =============================================================================

func setupExperimentHandler(t *testing.T) (*ExperimentHandler, *experiment.Service) {
	t.Helper()
	svc := experiment.NewService(experiment.NewMemoryStore(), zap.NewNop())
	return NewExperimentHandler(svc, zap.NewNop()), svc
}

// newMux 注册与生产环境一致的路由模式
func newMux(h *ExperimentHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/tests", h.HandleTests)
	mux.HandleFunc("/api/v1/tests/{id}", h.HandleGetTest)
	mux.HandleFunc("/api/v1/tests/{id}/variants", h.HandleAddVariant)
	mux.HandleFunc("/api/v1/tests/{id}/assign", h.HandleAssign)
	mux.HandleFunc("/api/v1/tests/{id}/impressions", h.HandleImpression)
	mux.HandleFunc("/api/v1/tests/{id}/conversions", h.HandleConversion)
	mux.HandleFunc("/api/v1/tests/{id}/results", h.HandleResults)
	mux.HandleFunc("/api/v1/tests/{id}/audit", h.HandleAuditLog)
	mux.HandleFunc("/api/v1/tests/{id}/activate", h.HandleActivate)
	mux.HandleFunc("/api/v1/tests/{id}/pause", h.HandlePause)
	mux.HandleFunc("/api/v1/tests/{id}/resume", h.HandleResume)
	mux.HandleFunc("/api/v1/tests/{id}/complete", h.HandleComplete)
	mux.HandleFunc("/api/v1/tests/{id}/winner", h.HandleDeclareWinner)
	return mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.True(t, resp.Success, "expected success response, got %+v", resp.Error)
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, dst))
}

// seedActiveTest 建立一个已激活的双变体实验
func seedActiveTest(t *testing.T, svc *experiment.Service, testID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, svc.CreateTest(ctx, &experiment.Test{ID: testID, Name: testID}))
	require.NoError(t, svc.AddVariant(ctx, &experiment.Variant{TestID: testID, ID: "control", Name: "Control", Weight: 50, IsControl: true}))
	require.NoError(t, svc.AddVariant(ctx, &experiment.Variant{TestID: testID, ID: "treatment", Name: "Treatment", Weight: 50}))
	require.NoError(t, svc.Activate(ctx, testID, nil))
}

// =============================================================================
// 🧪 实验管理端点
// =============================================================================

func TestHandleCreateTest(t *testing.T) {
	h, _ := setupExperimentHandler(t)
	mux := newMux(h)

	w := doJSON(t, mux, http.MethodPost, "/api/v1/tests",
		`{"id":"exp-1","name":"Exp 1","min_sample_size":500,"confidence_level":0.99}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var test experiment.Test
	decodeData(t, w, &test)
	assert.Equal(t, "exp-1", test.ID)
	assert.Equal(t, experiment.TestStatusDraft, test.Status)
	assert.Equal(t, 500, test.MinSampleSize)
	assert.Equal(t, 0.99, test.ConfidenceLevel)
}

func TestHandleCreateTestValidation(t *testing.T) {
	h, _ := setupExperimentHandler(t)
	mux := newMux(h)

	tests := []struct {
		name string
		body string
	}{
		{"missing id", `{"name":"Exp"}`},
		{"missing name", `{"id":"exp-1"}`},
		{"blank id", `{"id":"  ","name":"Exp"}`},
		{"invalid json", `{"id":`},
		{"unknown field", `{"id":"exp-1","name":"Exp","bogus":true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, mux, http.MethodPost, "/api/v1/tests", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestHandleListTests(t *testing.T) {
	h, svc := setupExperimentHandler(t)
	mux := newMux(h)

	require.NoError(t, svc.CreateTest(context.Background(), &experiment.Test{ID: "a", Name: "A"}))
	require.NoError(t, svc.CreateTest(context.Background(), &experiment.Test{ID: "b", Name: "B"}))

	w := doJSON(t, mux, http.MethodGet, "/api/v1/tests", "")
	require.Equal(t, http.StatusOK, w.Code)

	var list api.TestListResponse
	decodeData(t, w, &list)
	assert.Len(t, list.Tests, 2)
}

func TestHandleGetTest(t *testing.T) {
	h, svc := setupExperimentHandler(t)
	mux := newMux(h)
	seedActiveTest(t, svc, "exp-1")

	w := doJSON(t, mux, http.MethodGet, "/api/v1/tests/exp-1", "")
	require.Equal(t, http.StatusOK, w.Code)

	var detail api.TestDetailResponse
	decodeData(t, w, &detail)
	assert.Equal(t, "exp-1", detail.Test.ID)
	assert.Len(t, detail.Variants, 2)
}

func TestHandleGetTestNotFound(t *testing.T) {
	h, _ := setupExperimentHandler(t)
	mux := newMux(h)

	w := doJSON(t, mux, http.MethodGet, "/api/v1/tests/no-such", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleAddVariant(t *testing.T) {
	h, svc := setupExperimentHandler(t)
	mux := newMux(h)
	require.NoError(t, svc.CreateTest(context.Background(), &experiment.Test{ID: "exp-1", Name: "Exp"}))

	w := doJSON(t, mux, http.MethodPost, "/api/v1/tests/exp-1/variants",
		`{"id":"control","name":"Control","weight":70,"is_control":true}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var variant experiment.Variant
	decodeData(t, w, &variant)
	assert.Equal(t, "control", variant.ID)
	assert.Equal(t, 70, variant.Weight)
	assert.True(t, variant.IsControl)

	// 省略 weight 使用默认值
	w = doJSON(t, mux, http.MethodPost, "/api/v1/tests/exp-1/variants",
		`{"id":"treatment","name":"Treatment"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	decodeData(t, w, &variant)
	assert.Equal(t, 50, variant.Weight)
}

// =============================================================================
// 🧪 分配与事件端点
// =============================================================================

func TestHandleAssign(t *testing.T) {
	h, svc := setupExperimentHandler(t)
	mux := newMux(h)
	seedActiveTest(t, svc, "exp-1")

	w := doJSON(t, mux, http.MethodPost, "/api/v1/tests/exp-1/assign", `{"user_id":"user-1"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var first api.AssignResponse
	decodeData(t, w, &first)
	assert.Equal(t, "exp-1", first.TestID)
	assert.Contains(t, []string{"control", "treatment"}, first.VariantID)

	// 同一用户重复请求得到同一变体
	w = doJSON(t, mux, http.MethodPost, "/api/v1/tests/exp-1/assign", `{"user_id":"user-1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var second api.AssignResponse
	decodeData(t, w, &second)
	assert.Equal(t, first.VariantID, second.VariantID)
}

func TestHandleAssignMissingIdentity(t *testing.T) {
	h, svc := setupExperimentHandler(t)
	mux := newMux(h)
	seedActiveTest(t, svc, "exp-1")

	w := doJSON(t, mux, http.MethodPost, "/api/v1/tests/exp-1/assign", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleImpressionAndConversion(t *testing.T) {
	h, svc := setupExperimentHandler(t)
	mux := newMux(h)
	seedActiveTest(t, svc, "exp-1")

	w := doJSON(t, mux, http.MethodPost, "/api/v1/tests/exp-1/impressions",
		`{"user_id":"user-1","variant_id":"treatment"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var imp api.EventResponse
	decodeData(t, w, &imp)
	require.NotEmpty(t, imp.EventID)

	w = doJSON(t, mux, http.MethodPost, "/api/v1/tests/exp-1/conversions",
		fmt.Sprintf(`{"user_id":"user-1","variant_id":"treatment","impression_id":%q,"value":19.99,"conversion_type":"purchase"}`, imp.EventID))
	require.Equal(t, http.StatusCreated, w.Code)

	var conv api.EventResponse
	decodeData(t, w, &conv)
	assert.NotEmpty(t, conv.EventID)

	// 聚合结果反映两条事件
	w = doJSON(t, mux, http.MethodGet, "/api/v1/tests/exp-1/results", "")
	require.Equal(t, http.StatusOK, w.Code)
	var results experiment.TestResults
	decodeData(t, w, &results)
	require.NotEmpty(t, results.Results)
	var found bool
	for _, r := range results.Results {
		if r.VariantID == "treatment" {
			found = true
			assert.Equal(t, int64(1), r.Impressions)
			assert.Equal(t, int64(1), r.Conversions)
			assert.InDelta(t, 19.99, r.TotalValue, 1e-9)
		}
	}
	assert.True(t, found)
}

func TestHandleImpressionRequiresVariant(t *testing.T) {
	h, svc := setupExperimentHandler(t)
	mux := newMux(h)
	seedActiveTest(t, svc, "exp-1")

	w := doJSON(t, mux, http.MethodPost, "/api/v1/tests/exp-1/impressions", `{"user_id":"user-1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleConversionUnknownVariant(t *testing.T) {
	h, svc := setupExperimentHandler(t)
	mux := newMux(h)
	seedActiveTest(t, svc, "exp-1")

	w := doJSON(t, mux, http.MethodPost, "/api/v1/tests/exp-1/conversions",
		`{"user_id":"user-1","variant_id":"no-such"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// =============================================================================
// 🧪 生命周期端点
// =============================================================================

func TestHandleLifecycleFlow(t *testing.T) {
	h, svc := setupExperimentHandler(t)
	mux := newMux(h)
	require.NoError(t, svc.CreateTest(context.Background(), &experiment.Test{ID: "exp-1", Name: "Exp"}))
	require.NoError(t, svc.AddVariant(context.Background(), &experiment.Variant{TestID: "exp-1", ID: "a", Name: "A"}))
	require.NoError(t, svc.AddVariant(context.Background(), &experiment.Variant{TestID: "exp-1", ID: "b", Name: "B"}))

	for _, step := range []struct {
		path   string
		status experiment.TestStatus
	}{
		{"activate", experiment.TestStatusActive},
		{"pause", experiment.TestStatusPaused},
		{"resume", experiment.TestStatusActive},
		{"complete", experiment.TestStatusCompleted},
	} {
		w := doJSON(t, mux, http.MethodPost, "/api/v1/tests/exp-1/"+step.path, "")
		require.Equal(t, http.StatusOK, w.Code, "step %s", step.path)

		var test experiment.Test
		decodeData(t, w, &test)
		assert.Equal(t, step.status, test.Status, "step %s", step.path)
	}
}

func TestHandleLifecycleIllegalTransition(t *testing.T) {
	h, svc := setupExperimentHandler(t)
	mux := newMux(h)
	require.NoError(t, svc.CreateTest(context.Background(), &experiment.Test{ID: "exp-1", Name: "Exp"}))

	// draft 不能 pause
	w := doJSON(t, mux, http.MethodPost, "/api/v1/tests/exp-1/pause", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandleDeclareWinner(t *testing.T) {
	h, svc := setupExperimentHandler(t)
	mux := newMux(h)
	seedActiveTest(t, svc, "exp-1")

	w := doJSON(t, mux, http.MethodPost, "/api/v1/tests/exp-1/winner", `{"variant_id":"treatment"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var test experiment.Test
	decodeData(t, w, &test)
	require.NotNil(t, test.WinnerVariantID)
	assert.Equal(t, "treatment", *test.WinnerVariantID)
	require.NotNil(t, test.WinnerSelectionMethod)
	assert.Equal(t, experiment.WinnerMethodManual, *test.WinnerSelectionMethod)
	assert.Equal(t, experiment.TestStatusCompleted, test.Status)
}

func TestHandleDeclareWinnerUnknownVariant(t *testing.T) {
	h, svc := setupExperimentHandler(t)
	mux := newMux(h)
	seedActiveTest(t, svc, "exp-1")

	w := doJSON(t, mux, http.MethodPost, "/api/v1/tests/exp-1/winner", `{"variant_id":"no-such"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// =============================================================================
// 🧪 审计与操作者
// =============================================================================

func TestHandleAuditLog(t *testing.T) {
	h, svc := setupExperimentHandler(t)
	mux := newMux(h)
	seedActiveTest(t, svc, "exp-1")

	w := doJSON(t, mux, http.MethodGet, "/api/v1/tests/exp-1/audit", "")
	require.Equal(t, http.StatusOK, w.Code)

	var list api.AuditListResponse
	decodeData(t, w, &list)
	// created + 2x variant_added + activated
	require.Len(t, list.Events, 4)
	types := make(map[string]int)
	for _, e := range list.Events {
		types[e.EventType]++
	}
	assert.Equal(t, 1, types[experiment.AuditTestCreated])
	assert.Equal(t, 2, types[experiment.AuditVariantAdded])
	assert.Equal(t, 1, types[experiment.AuditTestActivated])

	// limit 截断
	w = doJSON(t, mux, http.MethodGet, "/api/v1/tests/exp-1/audit?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	decodeData(t, w, &list)
	assert.Len(t, list.Events, 2)
}

func TestLifecycleRecordsActorFromContext(t *testing.T) {
	h, svc := setupExperimentHandler(t)
	mux := newMux(h)
	require.NoError(t, svc.CreateTest(context.Background(), &experiment.Test{ID: "exp-1", Name: "Exp"}))
	require.NoError(t, svc.AddVariant(context.Background(), &experiment.Variant{TestID: "exp-1", ID: "a", Name: "A"}))
	require.NoError(t, svc.AddVariant(context.Background(), &experiment.Variant{TestID: "exp-1", ID: "b", Name: "B"}))

	r := httptest.NewRequest(http.MethodPost, "/api/v1/tests/exp-1/activate", nil)
	r = r.WithContext(ctxkeys.WithActor(r.Context(), "ops@example.com"))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	events, err := svc.ListAuditEvents(context.Background(), "exp-1", 0)
	require.NoError(t, err)
	var activated *experiment.AuditEvent
	for _, e := range events {
		if e.EventType == experiment.AuditTestActivated {
			activated = e
		}
	}
	require.NotNil(t, activated)
	require.NotNil(t, activated.Actor)
	assert.Equal(t, "ops@example.com", *activated.Actor)
}

func TestHandlersRejectWrongMethod(t *testing.T) {
	h, svc := setupExperimentHandler(t)
	mux := newMux(h)
	seedActiveTest(t, svc, "exp-1")

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodDelete, "/api/v1/tests"},
		{http.MethodPost, "/api/v1/tests/exp-1/results"},
		{http.MethodGet, "/api/v1/tests/exp-1/assign"},
		{http.MethodGet, "/api/v1/tests/exp-1/winner"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := doJSON(t, mux, tt.method, tt.path, "")
			assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
		})
	}
}
