package experiment

import "errors"

// 实验引擎错误
var (
	// ErrInvalidIdentity userId 与 sessionId 均为空
	ErrInvalidIdentity = errors.New("at least one of user id or session id is required")

	// ErrTestNotConfigured 实验没有任何变体
	ErrTestNotConfigured = errors.New("test has no variants configured")

	// ErrInvalidTransition 当前状态不满足生命周期迁移的前置条件
	ErrInvalidTransition = errors.New("invalid test status transition")

	// ErrTestNotFound 实验不存在
	ErrTestNotFound = errors.New("test not found")

	// ErrVariantNotFound 变体不存在
	ErrVariantNotFound = errors.New("variant not found")
)
