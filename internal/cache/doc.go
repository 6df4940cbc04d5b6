// Copyright (c) JudgeFlow Authors.
// Licensed under the MIT License.

/*
包 cache 提供基于 Redis 的缓存管理能力，供判断结果缓存使用。

# 概述

Manager 封装 go-redis 客户端，负责连接生命周期：初始化时 Ping 校验、
后台健康检查、优雅关闭。所有键自动加上 KeyPrefix，多套部署可共享
同一 Redis 实例。启用 TLS 时复用 internal/tlsutil 的客户端配置。

# 错误语义

  - ErrCacheMiss：键不存在，IsCacheMiss 判断。
  - ErrClosed：管理器已关闭。
  - 其它错误代表后端不可用，上层据此绕过缓存而不是失败。
*/
package cache
