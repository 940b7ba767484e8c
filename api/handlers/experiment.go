package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/abflow/api"
	"github.com/BaSui01/abflow/experiment"
	"github.com/BaSui01/abflow/internal/ctxkeys"
)

// ExperimentHandler 处理实验管理、分配、事件上报与结果查询
type ExperimentHandler struct {
	svc    *experiment.Service
	logger *zap.Logger
}

// NewExperimentHandler 创建 ExperimentHandler
func NewExperimentHandler(svc *experiment.Service, logger *zap.Logger) *ExperimentHandler {
	return &ExperimentHandler{svc: svc, logger: logger}
}

// extractTestID 从请求中提取实验 ID（Go 1.22+ PathValue 优先，回退到路径解析）
func extractTestID(r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if id == "" {
		// 回退：从路径手动解析 /api/v1/tests/{id}/...
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) < 4 {
			return "", false
		}
		id = parts[3]
	}
	return id, id != ""
}

// actorFromContext 读取认证中间件写入的操作者身份
func actorFromContext(r *http.Request) *string {
	if actor, ok := ctxkeys.Actor(r.Context()); ok {
		return &actor
	}
	return nil
}

// =============================================================================
// 🧪 实验管理
// =============================================================================

// HandleTests GET/POST /api/v1/tests
func (h *ExperimentHandler) HandleTests(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleListTests(w, r)
	case http.MethodPost:
		h.handleCreateTest(w, r)
	default:
		WriteErrorMessage(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed", h.logger)
	}
}

func (h *ExperimentHandler) handleListTests(w http.ResponseWriter, r *http.Request) {
	tests, err := h.svc.ListTests(r.Context())
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, api.TestListResponse{Tests: tests})
}

func (h *ExperimentHandler) handleCreateTest(w http.ResponseWriter, r *http.Request) {
	var req api.CreateTestRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if strings.TrimSpace(req.ID) == "" || strings.TrimSpace(req.Name) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, "id and name are required", h.logger)
		return
	}

	test := &experiment.Test{
		ID:                req.ID,
		Name:              req.Name,
		Description:       req.Description,
		Type:              req.Type,
		Goal:              req.Goal,
		MinSampleSize:     req.MinSampleSize,
		ConfidenceLevel:   req.ConfidenceLevel,
		TrafficAllocation: req.TrafficAllocation,
		Metadata:          experiment.JSONMap(req.Metadata),
	}
	if err := h.svc.CreateTest(r.Context(), test); err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	WriteJSON(w, http.StatusCreated, Response{Success: true, Data: test})
}

// HandleGetTest GET /api/v1/tests/{id}
func (h *ExperimentHandler) HandleGetTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed", h.logger)
		return
	}

	testID, ok := extractTestID(r)
	if !ok {
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, "invalid test ID", h.logger)
		return
	}

	test, err := h.svc.GetTest(r.Context(), testID)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	variants, err := h.svc.ListVariants(r.Context(), testID)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	WriteSuccess(w, api.TestDetailResponse{Test: test, Variants: variants})
}

// HandleAddVariant POST /api/v1/tests/{id}/variants
func (h *ExperimentHandler) HandleAddVariant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed", h.logger)
		return
	}

	testID, ok := extractTestID(r)
	if !ok {
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, "invalid test ID", h.logger)
		return
	}

	var req api.AddVariantRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if strings.TrimSpace(req.ID) == "" || strings.TrimSpace(req.Name) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, "id and name are required", h.logger)
		return
	}

	variant := &experiment.Variant{
		TestID:      testID,
		ID:          req.ID,
		Name:        req.Name,
		CreativeRef: req.CreativeRef,
		IsControl:   req.IsControl,
		Config:      experiment.JSONMap(req.Config),
	}
	if req.Weight != nil {
		variant.Weight = *req.Weight
	} else {
		variant.Weight = 50
	}

	if err := h.svc.AddVariant(r.Context(), variant); err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	WriteJSON(w, http.StatusCreated, Response{Success: true, Data: variant})
}

// =============================================================================
// 🎯 分配与事件上报
// =============================================================================

// HandleAssign POST /api/v1/tests/{id}/assign
func (h *ExperimentHandler) HandleAssign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed", h.logger)
		return
	}

	testID, ok := extractTestID(r)
	if !ok {
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, "invalid test ID", h.logger)
		return
	}

	var req api.AssignRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	variantID, err := h.svc.Assign(r.Context(), testID, req.UserID, req.SessionID)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	WriteSuccess(w, api.AssignResponse{TestID: testID, VariantID: variantID})
}

// HandleImpression POST /api/v1/tests/{id}/impressions
func (h *ExperimentHandler) HandleImpression(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed", h.logger)
		return
	}

	testID, ok := extractTestID(r)
	if !ok {
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, "invalid test ID", h.logger)
		return
	}

	var req api.ImpressionRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if strings.TrimSpace(req.VariantID) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, "variant_id is required", h.logger)
		return
	}

	eventID, err := h.svc.RecordImpression(r.Context(), &experiment.ImpressionEvent{
		TestID:    testID,
		VariantID: req.VariantID,
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Metadata:  experiment.JSONMap(req.Metadata),
	})
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	WriteJSON(w, http.StatusCreated, Response{Success: true, Data: api.EventResponse{EventID: eventID}})
}

// HandleConversion POST /api/v1/tests/{id}/conversions
func (h *ExperimentHandler) HandleConversion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed", h.logger)
		return
	}

	testID, ok := extractTestID(r)
	if !ok {
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, "invalid test ID", h.logger)
		return
	}

	var req api.ConversionRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if strings.TrimSpace(req.VariantID) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, "variant_id is required", h.logger)
		return
	}

	eventID, err := h.svc.RecordConversion(r.Context(), &experiment.ConversionEvent{
		TestID:         testID,
		VariantID:      req.VariantID,
		UserID:         req.UserID,
		SessionID:      req.SessionID,
		ImpressionID:   req.ImpressionID,
		ConversionType: req.ConversionType,
		Value:          req.Value,
		Metadata:       experiment.JSONMap(req.Metadata),
	})
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	WriteJSON(w, http.StatusCreated, Response{Success: true, Data: api.EventResponse{EventID: eventID}})
}

// =============================================================================
// 📈 结果与审计
// =============================================================================

// HandleResults GET /api/v1/tests/{id}/results
func (h *ExperimentHandler) HandleResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed", h.logger)
		return
	}

	testID, ok := extractTestID(r)
	if !ok {
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, "invalid test ID", h.logger)
		return
	}

	results, err := h.svc.GetTestResults(r.Context(), testID)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	WriteSuccess(w, results)
}

// HandleAuditLog GET /api/v1/tests/{id}/audit
func (h *ExperimentHandler) HandleAuditLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed", h.logger)
		return
	}

	testID, ok := extractTestID(r)
	if !ok {
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, "invalid test ID", h.logger)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := h.svc.ListAuditEvents(r.Context(), testID, limit)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	WriteSuccess(w, api.AuditListResponse{Events: events})
}

// =============================================================================
// 🔄 生命周期操作
// =============================================================================

// lifecycleOp 生命周期操作签名
type lifecycleOp func(r *http.Request, testID string, actor *string) error

func (h *ExperimentHandler) handleLifecycle(w http.ResponseWriter, r *http.Request, op lifecycleOp) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed", h.logger)
		return
	}

	testID, ok := extractTestID(r)
	if !ok {
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, "invalid test ID", h.logger)
		return
	}

	if err := op(r, testID, actorFromContext(r)); err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	test, err := h.svc.GetTest(r.Context(), testID)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, test)
}

// HandleActivate POST /api/v1/tests/{id}/activate
func (h *ExperimentHandler) HandleActivate(w http.ResponseWriter, r *http.Request) {
	h.handleLifecycle(w, r, func(r *http.Request, testID string, actor *string) error {
		return h.svc.Activate(r.Context(), testID, actor)
	})
}

// HandlePause POST /api/v1/tests/{id}/pause
func (h *ExperimentHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.handleLifecycle(w, r, func(r *http.Request, testID string, actor *string) error {
		return h.svc.Pause(r.Context(), testID, actor)
	})
}

// HandleResume POST /api/v1/tests/{id}/resume
func (h *ExperimentHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.handleLifecycle(w, r, func(r *http.Request, testID string, actor *string) error {
		return h.svc.Resume(r.Context(), testID, actor)
	})
}

// HandleComplete POST /api/v1/tests/{id}/complete
func (h *ExperimentHandler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	h.handleLifecycle(w, r, func(r *http.Request, testID string, actor *string) error {
		return h.svc.Complete(r.Context(), testID, actor)
	})
}

// HandleDeclareWinner POST /api/v1/tests/{id}/winner
func (h *ExperimentHandler) HandleDeclareWinner(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed", h.logger)
		return
	}

	testID, ok := extractTestID(r)
	if !ok {
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, "invalid test ID", h.logger)
		return
	}

	var req api.DeclareWinnerRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if strings.TrimSpace(req.VariantID) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, "variant_id is required", h.logger)
		return
	}

	if err := h.svc.DeclareWinner(r.Context(), testID, req.VariantID, experiment.WinnerMethodManual, actorFromContext(r)); err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	test, err := h.svc.GetTest(r.Context(), testID)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, test)
}

