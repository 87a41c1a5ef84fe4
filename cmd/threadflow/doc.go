// Copyright (c) ThreadFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 threadflow 服务端程序入口。

# 概述

cmd/threadflow 是检查点引擎的可执行入口，提供 HTTP API 服务、
健康检查和版本查询等子命令。程序支持 YAML 配置文件加载、
结构化日志（zap）、Prometheus 指标采集与 OpenTelemetry 追踪。

# 核心类型

  - Server           — 主服务器，组装检查点引擎、线程与分支服务
  - Middleware        — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - responseWriter    — 包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - 子命令：serve（启动服务）、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    OTelTracing（span 与请求头 trace 上下文传播）
  - REST API：线程 CRUD、检查点保存/读取/恢复/导入导出/清理、
    fork 与 rollback 分支操作
  - 优雅关闭：信号监听 → 关闭 HTTP → 关闭引擎 → 关闭遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
