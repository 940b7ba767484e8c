package handlers

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/abflow/experiment"
)

// =============================================================================
// 📦 通用响应结构
// =============================================================================

// Response 统一 API 响应结构
type Response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *ErrorInfo  `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// ErrorInfo 错误信息结构
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// 错误代码
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeNotFound       = "NOT_FOUND"
	CodeConflict       = "CONFLICT"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeRateLimited    = "RATE_LIMITED"
	CodeInternalError  = "INTERNAL_ERROR"
)

// =============================================================================
// 🎯 响应辅助函数
// =============================================================================

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// 编码失败时响应头已写出，只能放弃
		return
	}
}

// WriteSuccess 写入成功响应
func WriteSuccess(w http.ResponseWriter, data interface{}) {
	WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// WriteErrorMessage 写入错误响应
func WriteErrorMessage(w http.ResponseWriter, status int, code, message string, logger *zap.Logger) {
	if logger != nil {
		logger.Error("API error",
			zap.String("code", code),
			zap.String("message", message),
			zap.Int("status", status),
		)
	}

	WriteJSON(w, status, Response{
		Success:   false,
		Error:     &ErrorInfo{Code: code, Message: message},
		Timestamp: time.Now(),
	})
}

// WriteServiceError 将实验引擎错误映射为 HTTP 响应
func WriteServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	switch {
	case errors.Is(err, experiment.ErrTestNotFound),
		errors.Is(err, experiment.ErrVariantNotFound):
		WriteErrorMessage(w, http.StatusNotFound, CodeNotFound, err.Error(), logger)
	case errors.Is(err, experiment.ErrInvalidTransition):
		WriteErrorMessage(w, http.StatusConflict, CodeConflict, err.Error(), logger)
	case errors.Is(err, experiment.ErrInvalidIdentity),
		errors.Is(err, experiment.ErrTestNotConfigured):
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, err.Error(), logger)
	default:
		if logger != nil {
			logger.Error("unexpected service error", zap.Error(err))
		}
		WriteErrorMessage(w, http.StatusInternalServerError, CodeInternalError, "internal error", nil)
	}
}

// =============================================================================
// 🛡️ 请求验证辅助函数
// =============================================================================

// maxBodySize 请求体大小上限
const maxBodySize = 1 << 20 // 1 MB

// DecodeJSONBody 解码 JSON 请求体
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}, logger *zap.Logger) error {
	if r.Body == nil {
		err := errors.New("request body is empty")
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, err.Error(), logger)
		return err
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields() // 严格模式：拒绝未知字段

	if err := decoder.Decode(dst); err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, "invalid JSON body", logger)
		return err
	}

	return nil
}

// ValidateContentType 验证 Content-Type
func ValidateContentType(w http.ResponseWriter, r *http.Request, logger *zap.Logger) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, "Content-Type must be application/json", logger)
		return false
	}
	return true
}

// =============================================================================
// 📊 响应包装器（用于捕获状态码）
// =============================================================================

// ResponseWriter 包装 http.ResponseWriter 以捕获状态码
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Written    bool
}

// NewResponseWriter 创建新的 ResponseWriter
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader 重写 WriteHeader 以捕获状态码
func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Write 重写 Write 以标记已写入
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}
