// Copyright (c) JudgeFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 JudgeFlow 平台的全局共享类型定义。

# 概述

types 是平台最底层的公共包，不依赖任何内部包，为 workflow、judgment、
canary、api 等上层模块提供统一的错误码与 Context 传播约定。

# 核心类型

  - Error / ErrorCode: 结构化错误体系，含 HTTP 状态码、Retryable、Target 标记
  - Classify: 将任意错误归类为平台错误码（超时、瞬时外部故障等）

# 主要能力

  - Context 传播：WithTraceID / WithRequestID / WithTenantID / WithUserID / WithInstanceID
  - 错误工具链：AsError / IsErrorCode / IsRetryable
  - 常用错误构造：NewValidationError / NewNotFoundError / NewTransientError / NewPermanentError
*/
package types
