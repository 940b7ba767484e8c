// Copyright (c) abflow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 abflow HTTP API 的请求处理器实现。

# 概述

handlers 包实现了 abflow 所有 HTTP 端点的请求处理逻辑，
包括实验管理、变体分配、曝光/转化上报、结果查询、生命周期操作、
审计记录以及统一的响应/错误处理。
所有 Handler 均遵循标准 net/http 接口，通过 Swagger 注解生成 API 文档。

# 核心类型

  - ExperimentHandler — 实验 CRUD、分配、事件上报、结果与生命周期
  - HealthHandler     — 服务健康检查（/health, /healthz, /ready）
  - Response          — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo         — 结构化错误信息，含 code、message
  - ResponseWriter    — 包装 http.ResponseWriter 以捕获状态码
  - HealthCheck       — 可插拔健康检查接口（Database、Redis 等）

# 主要能力

  - 统一响应格式：WriteSuccess / WriteServiceError / WriteJSON 辅助函数
  - 请求验证：DecodeJSONBody（1 MB 限制 + 严格模式）、ValidateContentType
  - 实验引擎哨兵错误 → HTTP 状态码自动映射（404/409/400/500）
  - 生命周期操作从请求上下文读取认证操作者，写入审计记录
  - 可扩展健康检查：RegisterCheck 注册自定义 HealthCheck 实现
*/
package handlers
