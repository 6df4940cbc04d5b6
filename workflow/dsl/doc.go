// Package dsl 提供 YAML/JSON 声明式工作流定义：节点类型、触发器、
// 重试与超时配置，加载时校验引用完整性与无环性，
// 并内置一个无副作用的表达式求值器供 CODE、SWITCH 节点和规则脚本使用。
package dsl
