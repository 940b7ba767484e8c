// Copyright (c) abflow Authors.
// Licensed under the MIT License.

/*
Package main 提供 abflow 服务端程序入口。

# 概述

cmd/abflow 是 abflow 分流实验引擎的可执行入口，提供 HTTP API 服务、
数据库迁移、健康检查和版本查询等子命令。程序支持 YAML 配置文件加载、
结构化日志（zap）、Prometheus 指标采集与 OpenTelemetry 追踪。

# 核心类型

  - Server           — 主服务器，管理 HTTP、Metrics 双端口及优雅关闭
  - Middleware        — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - responseWriter    — 包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - 子命令：serve（启动服务）、migrate（数据库迁移）、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    MetricsMiddleware、OTelTracing、CORS、RateLimiter（基于 IP）、
    JWTAuth（生命周期端点的 Bearer 认证，user_id 声明写入审计操作者）
  - 存储装配：数据库可用时使用 GORM 存储，否则回退内存存储；
    Redis 可选作为分配旁路缓存，Webhook 可选转发实验事实
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号监听 → 关闭 HTTP → 关闭 Metrics → 释放缓存与连接池
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
