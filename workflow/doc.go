// Copyright (c) JudgeFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供声明式 DAG 工作流的执行引擎。

# 概述

引擎按 dsl.Definition 创建实例，就绪节点交给协程池执行，
节点之间通过实例上下文传递输出。每个实例同一时刻只有一个写者，
节点执行期间不持有任何锁；状态在每次变更后写入 Store，
进程重启后可以通过 ResumeDue 恢复。

# 核心类型

  - Engine: Submit / Advance / Cancel / Signal / ResumeDue
  - Instance: 实例状态、节点状态、挂起记录与完成顺序
  - Runner: 节点执行接口，DefaultRegistry 注册全部 12 种节点
  - Compensator: 节点自带的逆向动作
  - Store: MemoryStore 与基于 GORM 的 GormStore
  - Scheduler: 定时触发、事件触发与审批事件

# 执行语义

  - 节点的全部前驱结束且至少一条入边被激活时就绪；没有激活入边的节点被跳过
  - SWITCH 只激活命中的分支，PARALLEL 激活全部分支，join any 由第一个完整走完的分支胜出，分支内任一节点失败时由其余分支继续
  - 可重试错误按节点 retry 配置退避重试，attempts 不超过 max_retry + 1
  - 不可恢复的失败会按完成顺序的逆序执行补偿，实例最终为 FAILED
  - WAIT 与 APPROVAL 节点挂起实例，由定时扫描或 Signal 恢复
*/
package workflow
