// Copyright (c) JudgeFlow Authors.
// Licensed under the MIT License.

/*
Package testutil 提供 JudgeFlow 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 存储辅助: NewSQLiteDB 返回纯 Go SQLite 内存库（单连接），
    NewRedisManager 返回连到 miniredis 的 cache.Manager
  - 日志辅助: NewObservedLogger 返回可断言日志条目的 zap.Logger
  - 异步与数据工具: WaitFor / WaitForChannel / MustJSON / AssertJSONEqual

# 使用示例

	db := testutil.NewSQLiteDB(t)
	store := workflow.NewGormStore(db)
	require.NoError(t, store.AutoMigrate())
*/
package testutil
